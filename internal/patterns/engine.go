package patterns

import (
	"context"
	"log/slog"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/txn"
)

// Engine evaluates the rule registry against a transaction.
type Engine struct {
	rules []Rule
	log   *slog.Logger
}

// NewEngine creates an engine loaded with the default registry.
func NewEngine(log *slog.Logger) *Engine {
	return &Engine{
		rules: defaultRegistry(),
		log:   log,
	}
}

// WithRules replaces the registry. Used by tests to isolate rules.
func (e *Engine) WithRules(rules ...Rule) *Engine {
	e.rules = rules
	return e
}

// Match runs every rule against the call and concatenates the findings.
// Pure in-memory computation, designed to finish in well under 10ms.
func (e *Engine) Match(ctx context.Context, call *txn.CallDescriptor, effects *txn.SimulatedEffects) []finding.Finding {
	pc := NewContext(call, effects)

	var out []finding.Finding
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.applies(pc) {
			continue
		}
		f := e.eval(rule, pc)
		if f == nil {
			continue
		}
		f.ID = rule.ID
		f.Category = rule.Category
		f.Provenance = finding.ProvenancePattern
		f.Confidence = finding.ClampConfidence(f.Confidence)
		metrics.PatternHitsTotal.WithLabelValues(rule.ID).Inc()
		out = append(out, *f)
	}

	if len(out) > 0 {
		e.log.DebugContext(ctx, "pattern rules matched",
			"function", call.Function(),
			"findings", len(out))
	}
	return out
}

// eval runs one rule predicate, converting a panic into a skip.
func (e *Engine) eval(rule *Rule, pc *Context) (f *finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Debug("pattern rule panicked, skipping",
				"rule", rule.ID, "panic", r)
			f = nil
		}
	}()
	return rule.Check(pc)
}

// defaultRegistry assembles the full rule set across all categories.
func defaultRegistry() []Rule {
	var rules []Rule
	rules = append(rules, exploitRules()...)
	rules = append(rules, rugPullRules()...)
	rules = append(rules, costRules()...)
	rules = append(rules, permissionRules()...)
	return rules
}
