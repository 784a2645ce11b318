package patterns

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/movesentry/movesentry/internal/finding"
)

// Gas thresholds in gas units, and slippage thresholds in percent.
// Slippage is inferred from argument positions, so its confidence is
// capped low regardless of magnitude.
const (
	gasMediumUnits = 500_000
	gasHighUnits   = 1_000_000
	gasSevereUnits = 2_000_000

	slippageHighPct       = 5
	slippageCriticalPct   = 20
	slippageMaxConfidence = 0.60
)

var swapPattern = regexp.MustCompile(`(^|_)(swap|exchange|trade)($|_)`)

// costRules flag transactions that are expensive to execute or priced
// to lose: runaway gas and wide slippage tolerance.
func costRules() []Rule {
	return []Rule{
		{
			ID:       "cost-gas-usage",
			Category: finding.CategoryExcessiveCost,
			MinGas:   gasMediumUnits,
			Check: func(pc *Context) *finding.Finding {
				gas := pc.GasUsed()
				f := &finding.Finding{
					Title:       "High gas usage",
					Description: fmt.Sprintf("Simulation consumed %d gas units.", gas),
					Evidence: map[string]string{
						"gas_used": fmt.Sprintf("%d", gas),
					},
				}
				switch {
				case gas >= gasSevereUnits:
					f.Severity = finding.SeverityHigh
					f.Confidence = 0.95
				case gas >= gasHighUnits:
					f.Severity = finding.SeverityHigh
					f.Confidence = 0.85
				default:
					f.Severity = finding.SeverityMedium
					f.Confidence = 0.70
				}
				return f
			},
		},
		{
			ID:       "cost-slippage",
			Category: finding.CategoryExcessiveCost,
			Function: swapPattern,
			Check:    checkSlippage,
		},
	}
}

// checkSlippage reads the first two numeric arguments as (amount in,
// minimum out) and estimates tolerated slippage assuming the two assets
// trade near par. The assumption is wrong for differently-priced pairs,
// which is why confidence never exceeds slippageMaxConfidence and the
// finding says so.
func checkSlippage(pc *Context) *finding.Finding {
	args := pc.NumericArgs()
	if len(args) < 2 {
		return nil
	}
	amountIn, minOut := args[0], args[1]
	if amountIn.Sign() <= 0 || minOut.Cmp(amountIn) >= 0 {
		return nil
	}

	// pct = (in - out) * 100 / in, truncated
	diff := new(big.Int).Sub(amountIn, minOut)
	pct := new(big.Int).Mul(diff, big.NewInt(100))
	pct.Div(pct, amountIn)

	var sev finding.Severity
	switch {
	case pct.Int64() > slippageCriticalPct:
		sev = finding.SeverityCritical
	case pct.Int64() > slippageHighPct:
		sev = finding.SeverityHigh
	default:
		return nil
	}

	return &finding.Finding{
		Severity:       sev,
		Title:          "Wide slippage tolerance",
		Description:    fmt.Sprintf("Minimum output accepts up to %s%% slippage against the input amount. Estimate assumes the pair trades near par; treat as a prompt to check pricing, not proof of loss.", pct.String()),
		Recommendation: "Tighten the minimum output before signing.",
		Confidence:     slippageMaxConfidence,
		Evidence: map[string]string{
			"amount_in":    amountIn.String(),
			"min_out":      minOut.String(),
			"slippage_pct": pct.String(),
		},
	}
}
