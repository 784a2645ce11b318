// Package agentic runs the bounded tool-use investigation. A model is
// handed the flagged transaction plus a catalogue of evidence-gathering
// tools (module inspection, static checks, reputation lookups, account
// history) and loops: request tools, receive results, request more,
// until it calls conclude_analysis or runs out of budget.
//
// The loop is a plain counted loop with an injected clock, never an
// open-ended callback chain. Iteration and wall-clock ceilings are
// checked before every round; tool calls within one round run
// concurrently, rounds themselves are sequential.
package agentic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/llm"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/pipeline"
	"github.com/movesentry/movesentry/internal/semantic"
	"github.com/movesentry/movesentry/internal/threatfeed"
	"github.com/movesentry/movesentry/internal/traces"
	"github.com/movesentry/movesentry/internal/txn"
)

const (
	defaultMaxIterations = 5
	defaultWallBudget    = 60 * time.Second
	defaultToolTimeout   = 10 * time.Second

	investigatorMaxTokens = 4096
)

// ModuleSource fetches a Move module's on-chain interface.
type ModuleSource interface {
	ModuleInterface(ctx context.Context, network txn.Network, address, name string) (*txn.ModuleInterface, error)
}

// ChainHistory fetches an account's recent transactions.
type ChainHistory interface {
	AccountTransactions(ctx context.Context, network txn.Network, address string, limit int) ([]txn.AccountTransaction, error)
}

// ReputationSource answers address reputation queries.
type ReputationSource interface {
	Query(ctx context.Context, address, network string) (*threatfeed.Response, error)
}

// DenylistReader answers local denylist lookups.
type DenylistReader interface {
	Get(ctx context.Context, network, address string) (*threatfeed.Entry, error)
}

// Request is the investigation subject.
type Request struct {
	Call         *txn.CallDescriptor
	Effects      *txn.SimulatedEffects
	Semantic     *semantic.Result
	Prior        []finding.Finding
	EstimatedUSD float64

	// Reason states why the investigation was triggered; it is shown to
	// the model verbatim.
	Reason string
}

// Report is the investigation outcome. A non-concluded report carries no
// findings but still reports iterations and tools used.
type Report struct {
	Concluded  bool              `json:"concluded"`
	RiskLevel  string            `json:"riskLevel,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Findings   []finding.Finding `json:"findings,omitempty"`
	Iterations int               `json:"iterations"`
	ToolsUsed  []string          `json:"toolsUsed,omitempty"`
	Duration   time.Duration     `json:"-"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// Investigator drives the tool-use loop. Safe for concurrent use; all
// per-investigation state lives in the Report and message slice.
type Investigator struct {
	client   *llm.Client
	model    string
	modules  ModuleSource
	chain    ChainHistory
	feed     ReputationSource
	denylist DenylistReader
	log      *slog.Logger
	now      func() time.Time

	maxIterations int
	wallBudget    time.Duration
	toolTimeout   time.Duration
}

// New creates an investigator with default budgets and no evidence
// sources wired; tools whose source is missing report that as a tool
// error instead of failing the investigation.
func New(client *llm.Client, model string, log *slog.Logger) *Investigator {
	return &Investigator{
		client:        client,
		model:         model,
		log:           log,
		now:           time.Now,
		maxIterations: defaultMaxIterations,
		wallBudget:    defaultWallBudget,
		toolTimeout:   defaultToolTimeout,
	}
}

// WithModuleSource wires the module interface fetcher.
func (inv *Investigator) WithModuleSource(src ModuleSource) *Investigator {
	inv.modules = src
	return inv
}

// WithChainHistory wires the account transaction fetcher.
func (inv *Investigator) WithChainHistory(src ChainHistory) *Investigator {
	inv.chain = src
	return inv
}

// WithThreatFeed wires the reputation aggregator.
func (inv *Investigator) WithThreatFeed(src ReputationSource) *Investigator {
	inv.feed = src
	return inv
}

// WithDenylist wires the local denylist.
func (inv *Investigator) WithDenylist(store DenylistReader) *Investigator {
	inv.denylist = store
	return inv
}

// WithBudget overrides the iteration and wall-clock ceilings.
func (inv *Investigator) WithBudget(iterations int, wall time.Duration) *Investigator {
	if iterations > 0 {
		inv.maxIterations = iterations
	}
	if wall > 0 {
		inv.wallBudget = wall
	}
	return inv
}

// WithClock overrides the time source used for budget checks.
func (inv *Investigator) WithClock(now func() time.Time) *Investigator {
	inv.now = now
	return inv
}

// Investigate runs the loop. It never returns an error: failures degrade
// to warnings on the report.
func (inv *Investigator) Investigate(ctx context.Context, req *Request) *Report {
	rep := &Report{}
	start := inv.now()

	if !inv.client.Enabled() {
		rep.Warnings = append(rep.Warnings, "investigation skipped: no API key configured")
		return rep
	}

	ctx, span := traces.StartSpan(ctx, "agentic.Investigate",
		traces.Network(string(req.Call.Network)),
		traces.Function(req.Call.Function()))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, inv.wallBudget)
	defer cancel()

	msgs := []llm.Message{llm.UserMessage(renderInvestigation(req))}
	used := make(map[string]bool)

	for rep.Iterations < inv.maxIterations {
		if elapsed := inv.now().Sub(start); elapsed >= inv.wallBudget {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("investigation wall budget exhausted after %d iterations", rep.Iterations))
			break
		}
		rep.Iterations++

		resp, err := inv.client.Complete(ctx, llm.Request{
			Model:     inv.model,
			MaxTokens: investigatorMaxTokens,
			System:    investigatorSystem,
			Messages:  msgs,
			Tools:     toolCatalog,
		})
		if err != nil {
			metrics.LLMRequestsTotal.WithLabelValues("agentic", "error").Inc()
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("investigation stopped: %v", err))
			break
		}
		metrics.LLMRequestsTotal.WithLabelValues("agentic", "ok").Inc()

		uses := resp.ToolUses()
		if len(uses) == 0 {
			rep.Summary = strings.TrimSpace(resp.Text())
			break
		}

		msgs = append(msgs, llm.AssistantMessage(resp.Content...))
		results := inv.runTools(ctx, req, uses, used, rep)
		if rep.Concluded {
			break
		}
		msgs = append(msgs, llm.ToolResults(results...))
	}

	if !rep.Concluded && rep.Iterations >= inv.maxIterations {
		rep.Warnings = append(rep.Warnings,
			fmt.Sprintf("investigation did not conclude within %d iterations", inv.maxIterations))
	}

	rep.ToolsUsed = sortedToolNames(used)
	rep.Duration = inv.now().Sub(start)
	metrics.AgenticIterations.Observe(float64(rep.Iterations))

	inv.log.InfoContext(ctx, "investigation finished",
		"concluded", rep.Concluded,
		"iterations", rep.Iterations,
		"tools", len(rep.ToolsUsed),
		"findings", len(rep.Findings),
	)
	return rep
}

func sortedToolNames(used map[string]bool) []string {
	if len(used) == 0 {
		return nil
	}
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const investigatorSystem = `You are the autonomous investigation step of a Move transaction security analyzer, handed transactions that earlier analysis flagged for evidence gathering. Use the available tools to collect evidence: inspect the target module, run the static checks, and look up the reputation and history of the involved addresses. Request independent tools together in one turn.

When the evidence is sufficient, call conclude_analysis exactly once with your final risk level and the distinct issues the evidence supports. Keep issues concrete and tied to gathered evidence. If the evidence exonerates the transaction, conclude with riskLevel SAFE and an empty issues list.`

func renderInvestigation(req *Request) string {
	var b strings.Builder
	b.WriteString("Investigate the following proposed transaction.\n")
	if req.Reason != "" {
		fmt.Fprintf(&b, "Escalation reason: %s\n", req.Reason)
	}
	b.WriteByte('\n')
	b.WriteString(pipeline.RenderCall(&pipeline.Input{
		Call:         req.Call,
		Effects:      req.Effects,
		Semantic:     req.Semantic,
		EstimatedUSD: req.EstimatedUSD,
	}, req.Prior))
	return b.String()
}
