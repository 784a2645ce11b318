package semantic

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/txn"
)

// Value-flow thresholds in raw on-chain units. Losses below the
// significance floor never produce findings: ordinary payments are not
// risk signals. Above the floor, net-loss severity scales with the
// bands, and a transaction is a drain when the sender's gain is under a
// tenth of the loss.
var (
	significantLossUnits = big.NewInt(100_000_000)
	lossMediumUnits      = big.NewInt(1_000_000_000)
	lossHighUnits        = big.NewInt(10_000_000_000)
	drainDivisor         = big.NewInt(10)
)

// Analyzer derives value-flow findings from simulated state changes.
type Analyzer struct {
	log *slog.Logger
}

// NewAnalyzer creates a semantic analyzer.
func NewAnalyzer(log *slog.Logger) *Analyzer {
	return &Analyzer{log: log}
}

// Analyze classifies every state change, aggregates the sender's value
// flow, and derives findings from the data. Changes whose after state
// equals the before state are ignored.
func (a *Analyzer) Analyze(ctx context.Context, sender string, changes []txn.StateChange, events []txn.Event) (*Result, []finding.Finding) {
	normalizedSender := normalizeOrKeep(sender)

	res := &Result{
		Sender:    sender,
		NetFlow:   new(big.Int),
		TotalLoss: new(big.Int),
		TotalGain: new(big.Int),
	}

	for _, change := range changes {
		if change.Kind == txn.ChangeModify && bytes.Equal(change.Before, change.After) {
			continue
		}
		class := Classify(change.Resource)

		if change.Kind == txn.ChangeDelete {
			// Approval deletions are revocations, tracked separately.
			if class == ClassApproval {
				res.Approvals = append(res.Approvals, ApprovalChange{
					Resource: change.Resource,
					Grantor:  change.Address,
					Scope:    ScopeRevoked,
				})
				continue
			}
			res.Destructions = append(res.Destructions, ResourceDestruction{
				Address:  change.Address,
				Resource: change.Resource,
				Class:    class,
			})
			// A deleted coin store still moves the balance it held.
			if class == ClassCoin {
				if before, ok := extractBalance(change.Before); ok && before.Sign() > 0 {
					a.recordBalance(res, normalizedSender, change, before, new(big.Int))
				}
			}
			continue
		}

		switch class {
		case ClassCoin:
			a.analyzeCoin(res, normalizedSender, change)
		case ClassApproval:
			a.analyzeApproval(res, change)
		case ClassOwnership:
			a.analyzeOwnership(res, change)
		}
	}

	for _, ev := range events {
		lower := strings.ToLower(ev.Type)
		switch {
		case strings.Contains(lower, "withdraw"):
			res.WithdrawEvents++
		case strings.Contains(lower, "deposit"):
			res.DepositEvents++
		}
	}

	findings := a.deriveFindings(res)
	if len(findings) > 0 {
		a.log.DebugContext(ctx, "semantic analysis raised findings",
			"sender", sender,
			"findings", len(findings),
			"net_flow", res.NetFlow.String())
	}
	return res, findings
}

// analyzeCoin extracts before/after balances and folds the delta into
// the sender's value flow when the store belongs to the sender.
func (a *Analyzer) analyzeCoin(res *Result, sender string, change txn.StateChange) {
	before, beforeOK := extractBalance(change.Before)
	after, afterOK := extractBalance(change.After)
	if !afterOK {
		return
	}
	if !beforeOK {
		before = new(big.Int) // created store
	}
	if before.Cmp(after) == 0 {
		return
	}
	a.recordBalance(res, sender, change, before, after)
}

func (a *Analyzer) recordBalance(res *Result, sender string, change txn.StateChange, before, after *big.Int) {
	delta := new(big.Int).Sub(after, before)

	bc := BalanceChange{
		Address:  change.Address,
		Resource: change.Resource,
		Before:   before,
		After:    after,
		Delta:    delta,
	}
	if before.Sign() > 0 {
		abs := new(big.Int).Abs(delta)
		pct := new(big.Float).Quo(new(big.Float).SetInt(abs), new(big.Float).SetInt(before))
		p, _ := pct.Float64()
		bc.PctOfHoldings = p * 100
	}
	res.BalanceChanges = append(res.BalanceChanges, bc)

	if normalizeOrKeep(change.Address) != sender {
		return
	}
	res.NetFlow.Add(res.NetFlow, delta)
	if delta.Sign() < 0 {
		res.TotalLoss.Add(res.TotalLoss, new(big.Int).Abs(delta))
	} else {
		res.TotalGain.Add(res.TotalGain, delta)
	}
}

func (a *Analyzer) analyzeApproval(res *Result, change txn.StateChange) {
	grantee, amount, ok := extractApproval(change.After)
	if !ok {
		return
	}
	ac := ApprovalChange{
		Resource: change.Resource,
		Grantor:  change.Address,
		Grantee:  grantee,
		Amount:   amount,
		Scope:    ScopeLimited,
	}
	switch {
	case isUnlimited(amount):
		ac.Scope = ScopeUnlimited
	case amount != nil && amount.Sign() == 0:
		ac.Scope = ScopeRevoked
	}
	res.Approvals = append(res.Approvals, ac)
}

func (a *Analyzer) analyzeOwnership(res *Result, change txn.StateChange) {
	prev, prevOK := extractOwner(change.Before)
	next, nextOK := extractOwner(change.After)
	if !nextOK || (prevOK && prev == next) {
		return
	}
	res.OwnershipChanges = append(res.OwnershipChanges, OwnershipChange{
		Resource: change.Resource,
		Address:  change.Address,
		Previous: prev,
		New:      next,
	})
}

// deriveFindings applies the fixed data-driven rules to the aggregated
// view. Thresholds are constants, never per-call configuration.
func (a *Analyzer) deriveFindings(res *Result) []finding.Finding {
	var out []finding.Finding

	loss, gain := res.TotalLoss, res.TotalGain
	significant := loss.Cmp(significantLossUnits) >= 0

	if significant && gain.Sign() == 0 {
		out = append(out, finding.Finding{
			Category:    finding.CategoryExcessiveCost,
			Severity:    lossSeverity(loss),
			Title:       "Net value loss",
			Description: fmt.Sprintf("Sender loses %s units with no offsetting gain in any balance.", loss.String()),
			Confidence:  0.8,
			Provenance:  finding.ProvenancePattern,
			Evidence: map[string]string{
				"total_loss": loss.String(),
			},
		})
	}

	// Drain: nearly everything leaves, almost nothing comes back.
	if significant {
		tenth := new(big.Int).Div(loss, drainDivisor)
		if gain.Cmp(tenth) < 0 {
			out = append(out, finding.Finding{
				Category:       finding.CategoryRugPull,
				Severity:       finding.SeverityCritical,
				Title:          "Drain pattern",
				Description:    fmt.Sprintf("Sender loses %s units and regains only %s. One-directional flow at this ratio is the signature of a wallet drain.", loss.String(), gain.String()),
				Recommendation: "Do not sign unless you can explain where the value goes.",
				Confidence:     0.9,
				Provenance:     finding.ProvenancePattern,
				Evidence: map[string]string{
					"total_loss": loss.String(),
					"total_gain": gain.String(),
				},
			})
		}
	}

	for _, ac := range res.Approvals {
		if ac.Scope != ScopeUnlimited {
			continue
		}
		out = append(out, finding.Finding{
			Category:       finding.CategoryExploit,
			Severity:       finding.SeverityCritical,
			Title:          "Unlimited approval",
			Description:    fmt.Sprintf("Grants %s unlimited spending over %s. The grantee can take the full balance at any later time.", orUnknown(ac.Grantee), ac.Resource),
			Recommendation: "Approve only the amount this transaction needs.",
			Confidence:     0.95,
			Provenance:     finding.ProvenancePattern,
			Evidence: map[string]string{
				"grantor":  ac.Grantor,
				"grantee":  ac.Grantee,
				"resource": ac.Resource,
			},
		})
	}

	for _, oc := range res.OwnershipChanges {
		out = append(out, finding.Finding{
			Category:    finding.CategoryRugPull,
			Severity:    finding.SeverityCritical,
			Title:       "Ownership transferred",
			Description: fmt.Sprintf("Owner of %s changes from %s to %s in the simulated state.", oc.Resource, orUnknown(oc.Previous), oc.New),
			Confidence:  0.9,
			Provenance:  finding.ProvenancePattern,
			Evidence: map[string]string{
				"resource":       oc.Resource,
				"previous_owner": oc.Previous,
				"new_owner":      oc.New,
			},
		})
	}

	for _, bc := range res.BalanceChanges {
		if normalizeOrKeep(bc.Address) != normalizeOrKeep(res.Sender) {
			continue
		}
		if bc.Delta.Sign() >= 0 || bc.Before.Sign() <= 0 {
			continue
		}
		// moved > half of holdings: 2*|delta| > before
		moved := new(big.Int).Abs(bc.Delta)
		if moved.Cmp(significantLossUnits) < 0 {
			continue
		}
		if new(big.Int).Mul(moved, big.NewInt(2)).Cmp(bc.Before) > 0 {
			out = append(out, finding.Finding{
				Category:    finding.CategoryPermission,
				Severity:    finding.SeverityHigh,
				Title:       "Majority of balance moved",
				Description: fmt.Sprintf("Transaction moves %.1f%% of the sender's balance in %s.", bc.PctOfHoldings, bc.Resource),
				Confidence:  0.85,
				Provenance:  finding.ProvenancePattern,
				Evidence: map[string]string{
					"resource": bc.Resource,
					"before":   bc.Before.String(),
					"after":    bc.After.String(),
				},
			})
		}
	}

	for _, d := range res.Destructions {
		out = append(out, finding.Finding{
			Category:    finding.CategoryPermission,
			Severity:    finding.SeverityMedium,
			Title:       "Resource destroyed",
			Description: fmt.Sprintf("Deletes %s from %s. Destroyed resources and their contents are unrecoverable.", d.Resource, d.Address),
			Confidence:  0.75,
			Provenance:  finding.ProvenancePattern,
			Evidence: map[string]string{
				"resource": d.Resource,
				"address":  d.Address,
			},
		})
	}

	return out
}

// lossSeverity maps loss magnitude onto severity bands. Callers only
// reach this above the significance floor.
func lossSeverity(loss *big.Int) finding.Severity {
	switch {
	case loss.Cmp(lossHighUnits) >= 0:
		return finding.SeverityHigh
	case loss.Cmp(lossMediumUnits) >= 0:
		return finding.SeverityMedium
	}
	return finding.SeverityLow
}

// normalizeOrKeep canonicalizes an address, keeping the raw string when
// it does not parse. Comparisons then fail safe to inequality.
func normalizeOrKeep(addr string) string {
	if n, err := txn.NormalizeAddress(addr); err == nil {
		return n
	}
	return addr
}

func orUnknown(s string) string {
	if s == "" {
		return "an unknown party"
	}
	return s
}

