// Package pipeline runs the escalating model analysis: a fast triage
// classification, a structured five-step reasoning pass, and a deep
// adversarial pass that only runs when something earlier asks for it.
//
// Every stage is budgeted by a sliding-window rate limit and wrapped so
// that missing credentials, limiter rejections, transport errors and
// unparseable replies degrade the stage to a warning. Run never fails;
// callers always get back whatever the surviving stages learned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/llm"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/ratelimit"
	"github.com/movesentry/movesentry/internal/semantic"
	"github.com/movesentry/movesentry/internal/traces"
	"github.com/movesentry/movesentry/internal/txn"
)

// Stage names, also used as metric labels.
const (
	StageTriage     = "triage"
	StageStructured = "structured"
	StageDeep       = "deep"
)

// Triage classifications.
const (
	ClassSafe          = "safe"
	ClassSuspicious    = "suspicious"
	ClassDangerous     = "dangerous"
	ClassNeedsAnalysis = "needs_analysis"
)

const (
	stageWindow         = time.Minute
	triagePerMinute     = 30
	structuredPerMinute = 10
	deepPerMinute       = 4

	// A confident Safe from triage ends the pipeline.
	safeTerminalConfidence = 0.85

	// Deep-stage triggers: structured confidence below the floor, or
	// estimated transaction value above the USD floor.
	deepConfidenceFloor = 0.60
	deepUSDFloor        = 10_000

	// Provisional findings from a Dangerous triage carry half the triage
	// confidence; the deeper stages confirm or displace them.
	provisionalFactor = 0.5

	// Past this many arguments, changes and events combined, the cheap
	// triage model cannot see enough of the transaction to classify it.
	triageComplexityCeiling = 50

	triageMaxTokens     = 512
	structuredMaxTokens = 2048
	deepMaxTokens       = 8192
	deepThinkingTokens  = 4096

	duplicateDescLen = 100
)

var errStageRateLimited = errors.New("stage rate limit exceeded")

// Input is everything the stage prompts describe.
type Input struct {
	Call     *txn.CallDescriptor
	Effects  *txn.SimulatedEffects
	Semantic *semantic.Result

	// Prior carries findings already produced by the deterministic
	// analyzers; they feed the deep trigger and duplicate suppression.
	Prior []finding.Finding

	// EstimatedUSD is the approximate value moved, zero when unknown.
	EstimatedUSD float64
}

// StageResult records one stage's outcome.
type StageResult struct {
	Stage          string            `json:"stage"`
	Classification string            `json:"classification,omitempty"`
	Findings       []finding.Finding `json:"findings,omitempty"`
	Confidence     float64           `json:"confidence"`
	NeedsDeep      bool              `json:"needsDeep,omitempty"`
	Raw            string            `json:"-"`
	Duration       time.Duration     `json:"-"`
	Skipped        bool              `json:"skipped,omitempty"`
	SkipReason     string            `json:"skipReason,omitempty"`

	err error
}

// Result is the pipeline outcome. Terminal is set when a confident Safe
// triage ended the run early.
type Result struct {
	Findings        []finding.Finding
	Stages          []StageResult
	StagesCompleted []string
	Confidence      float64
	NeedsDeep       bool
	DeepReason      string
	Terminal        bool
	Warnings        []string
}

// Pipeline holds the model client and the per-stage rate windows. Safe
// for concurrent use; the windows are the only shared state.
type Pipeline struct {
	client    *llm.Client
	fastModel string
	deepModel string
	windows   map[string]*ratelimit.SlidingWindow
	log       *slog.Logger
}

// New creates a pipeline using fastModel for triage and structured
// reasoning and deepModel for the deep stage.
func New(client *llm.Client, fastModel, deepModel string, log *slog.Logger) *Pipeline {
	return &Pipeline{
		client:    client,
		fastModel: fastModel,
		deepModel: deepModel,
		windows: map[string]*ratelimit.SlidingWindow{
			StageTriage:     ratelimit.NewSlidingWindow(triagePerMinute, stageWindow),
			StageStructured: ratelimit.NewSlidingWindow(structuredPerMinute, stageWindow),
			StageDeep:       ratelimit.NewSlidingWindow(deepPerMinute, stageWindow),
		},
		log: log,
	}
}

// WithStageLimit overrides one stage's per-minute call budget.
func (p *Pipeline) WithStageLimit(stage string, perMinute int) *Pipeline {
	p.windows[stage] = ratelimit.NewSlidingWindow(perMinute, stageWindow)
	return p
}

// Run executes the stages in order. It never returns an error: degraded
// stages become warnings and the result carries whatever was learned.
func (p *Pipeline) Run(ctx context.Context, in *Input) *Result {
	res := &Result{}

	if !p.client.Enabled() {
		res.Warnings = append(res.Warnings, "model analysis skipped: no API key configured")
		return res
	}

	collected := append([]finding.Finding(nil), in.Prior...)
	keyDead := false

	// Stage 1: triage.
	if c := complexity(in); c > triageComplexityCeiling {
		metrics.StageEscalationsTotal.WithLabelValues(StageTriage, "complexity").Inc()
		res.Stages = append(res.Stages, StageResult{
			Stage:      StageTriage,
			Skipped:    true,
			SkipReason: fmt.Sprintf("triage skipped: request complexity %d exceeds ceiling %d", c, triageComplexityCeiling),
		})
		p.log.DebugContext(ctx, "triage skipped for complexity", "complexity", c)
	} else {
		sr := p.triage(ctx, in)
		res.Stages = append(res.Stages, *sr)
		if sr.Skipped {
			res.Warnings = append(res.Warnings, sr.SkipReason)
			keyDead = isKeyFailure(sr.err)
		} else {
			res.StagesCompleted = append(res.StagesCompleted, StageTriage)
			res.Confidence = sr.Confidence
			if sr.Classification == ClassSafe && sr.Confidence >= safeTerminalConfidence {
				res.Terminal = true
				return res
			}
			res.Findings = append(res.Findings, sr.Findings...)
			collected = append(collected, sr.Findings...)
		}
	}

	// Stage 2: structured reasoning.
	var structuredConf float64
	var structuredFlag bool
	if keyDead {
		res.Stages = append(res.Stages, StageResult{
			Stage:      StageStructured,
			Skipped:    true,
			SkipReason: "structured analysis skipped: model credentials rejected",
		})
	} else {
		sr := p.structured(ctx, in, collected)
		res.Stages = append(res.Stages, *sr)
		if sr.Skipped {
			res.Warnings = append(res.Warnings, sr.SkipReason)
			keyDead = isKeyFailure(sr.err)
		} else {
			res.StagesCompleted = append(res.StagesCompleted, StageStructured)
			res.Confidence = sr.Confidence
			structuredConf = sr.Confidence
			structuredFlag = sr.NeedsDeep
			res.Findings = append(res.Findings, sr.Findings...)
			collected = append(collected, sr.Findings...)
		}
	}

	// Stage 3: deep reasoning, only when something asks for it.
	reason := deepReason(structuredFlag, structuredConf, in.EstimatedUSD, collected)
	if reason == "" {
		return res
	}
	res.NeedsDeep = true
	res.DeepReason = reason
	metrics.StageEscalationsTotal.WithLabelValues(StageDeep, reason).Inc()

	if keyDead {
		res.Stages = append(res.Stages, StageResult{
			Stage:      StageDeep,
			Skipped:    true,
			SkipReason: "deep analysis skipped: model credentials rejected",
		})
		return res
	}

	sr := p.deep(ctx, in, collected)
	res.Stages = append(res.Stages, *sr)
	if sr.Skipped {
		res.Warnings = append(res.Warnings, sr.SkipReason)
		return res
	}
	res.StagesCompleted = append(res.StagesCompleted, StageDeep)
	res.Confidence = sr.Confidence
	res.Findings = append(res.Findings, sr.Findings...)
	return res
}

type triageReply struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	Category       string  `json:"category"`
}

func (p *Pipeline) triage(ctx context.Context, in *Input) *StageResult {
	sr := &StageResult{Stage: StageTriage}
	defer p.observe(sr, time.Now())

	resp, err := p.callModel(ctx, StageTriage, llm.Request{
		Model:       p.fastModel,
		MaxTokens:   triageMaxTokens,
		System:      triageSystem,
		Messages:    []llm.Message{llm.UserMessage(RenderCall(in, nil))},
		Temperature: llm.Temp(0),
	})
	if err != nil {
		return skipStage(sr, err)
	}
	sr.Raw = resp.Text()

	var reply triageReply
	if err := llm.Unmarshal(sr.Raw, &reply); err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(StageTriage, "parse_error").Inc()
		return skipParse(sr, err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(StageTriage, "ok").Inc()

	sr.Classification = normalizeClass(reply.Classification)
	sr.Confidence = finding.ClampConfidence(reply.Confidence)

	if sr.Classification == ClassDangerous {
		desc := strings.TrimSpace(reply.Reason)
		if desc == "" {
			desc = "The fast classifier judged this transaction dangerous."
		}
		sr.Findings = append(sr.Findings, finding.Finding{
			ID:          "llm-triage",
			Category:    finding.NormalizeCategory(reply.Category),
			Severity:    finding.SeverityHigh,
			Title:       "Triage flagged transaction as dangerous",
			Description: desc,
			Confidence:  finding.ClampConfidence(sr.Confidence * provisionalFactor),
			Provenance:  finding.ProvenanceLLM,
		})
	}
	return sr
}

type stageFinding struct {
	Category       string  `json:"category"`
	Severity       string  `json:"severity"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	AttackScenario string  `json:"attackScenario"`
}

type structuredReply struct {
	Findings          []stageFinding `json:"findings"`
	Confidence        float64        `json:"confidence"`
	NeedsDeepAnalysis bool           `json:"needsDeepAnalysis"`
	Summary           string         `json:"summary"`
}

func (p *Pipeline) structured(ctx context.Context, in *Input, collected []finding.Finding) *StageResult {
	sr := &StageResult{Stage: StageStructured}
	defer p.observe(sr, time.Now())

	resp, err := p.callModel(ctx, StageStructured, llm.Request{
		Model:       p.fastModel,
		MaxTokens:   structuredMaxTokens,
		System:      structuredSystem,
		Messages:    []llm.Message{llm.UserMessage(RenderCall(in, collected))},
		Temperature: llm.Temp(0),
	})
	if err != nil {
		return skipStage(sr, err)
	}
	sr.Raw = resp.Text()

	var reply structuredReply
	if err := llm.Unmarshal(sr.Raw, &reply); err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(StageStructured, "parse_error").Inc()
		return skipParse(sr, err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(StageStructured, "ok").Inc()

	sr.Confidence = finding.ClampConfidence(reply.Confidence)
	sr.NeedsDeep = reply.NeedsDeepAnalysis
	sr.Findings = convertFindings(StageStructured, reply.Findings)
	return sr
}

type deepReply struct {
	Findings   []stageFinding `json:"findings"`
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary"`
}

func (p *Pipeline) deep(ctx context.Context, in *Input, collected []finding.Finding) *StageResult {
	sr := &StageResult{Stage: StageDeep}
	defer p.observe(sr, time.Now())

	resp, err := p.callModel(ctx, StageDeep, llm.Request{
		Model:     p.deepModel,
		MaxTokens: deepMaxTokens,
		System:    deepSystem,
		Messages:  []llm.Message{llm.UserMessage(RenderCall(in, collected))},
		Thinking:  llm.ThinkingBudget(deepThinkingTokens),
	})
	if err != nil {
		return skipStage(sr, err)
	}
	sr.Raw = resp.Text()

	var reply deepReply
	if err := llm.Unmarshal(sr.Raw, &reply); err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(StageDeep, "parse_error").Inc()
		return skipParse(sr, err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(StageDeep, "ok").Inc()

	sr.Confidence = finding.ClampConfidence(reply.Confidence)
	for _, f := range convertFindings(StageDeep, reply.Findings) {
		if isDuplicate(f, collected) {
			continue
		}
		sr.Findings = append(sr.Findings, f)
	}
	return sr
}

// callModel enforces the stage window and performs the API call.
// Transport and limiter outcomes are counted here; the caller records
// ok/parse_error once it has tried to decode the reply.
func (p *Pipeline) callModel(ctx context.Context, stage string, req llm.Request) (*llm.Response, error) {
	if !p.windows[stage].Allow() {
		metrics.LLMRequestsTotal.WithLabelValues(stage, "rate_limited").Inc()
		return nil, errStageRateLimited
	}

	ctx, span := traces.StartSpan(ctx, "pipeline.callModel", traces.Stage(stage))
	defer span.End()

	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.LLMRequestsTotal.WithLabelValues(stage, "error").Inc()
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) observe(sr *StageResult, start time.Time) {
	sr.Duration = time.Since(start)
	metrics.StageDuration.WithLabelValues(sr.Stage).Observe(sr.Duration.Seconds())
}

func skipStage(sr *StageResult, err error) *StageResult {
	sr.Skipped = true
	sr.err = err
	reason := fmt.Sprintf("%s skipped: %v", sr.Stage, err)
	if llm.Retryable(err) {
		reason += " (transient, a later request may succeed)"
	}
	sr.SkipReason = reason
	return sr
}

func skipParse(sr *StageResult, err error) *StageResult {
	sr.Skipped = true
	sr.err = err
	sr.SkipReason = fmt.Sprintf("%s reply unparseable: %v", sr.Stage, err)
	return sr
}

// isKeyFailure reports a credential problem that would fail every
// subsequent stage the same way.
func isKeyFailure(err error) bool {
	if errors.Is(err, llm.ErrNoAPIKey) {
		return true
	}
	var ae *llm.APIError
	return errors.As(err, &ae) &&
		(ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden)
}

// deepReason returns the first matching deep-stage trigger, or "" when
// the deep stage should not run.
func deepReason(flagged bool, confidence, estimatedUSD float64, collected []finding.Finding) string {
	switch {
	case flagged:
		return "flagged"
	case anyCritical(collected):
		return "critical_finding"
	case confidence < deepConfidenceFloor:
		return "low_confidence"
	case estimatedUSD >= deepUSDFloor:
		return "high_value"
	}
	return ""
}

func anyCritical(findings []finding.Finding) bool {
	for i := range findings {
		if findings[i].Severity == finding.SeverityCritical {
			return true
		}
	}
	return false
}

func complexity(in *Input) int {
	n := len(in.Call.Arguments) + len(in.Call.TypeArguments)
	if in.Effects != nil {
		n += len(in.Effects.Changes) + len(in.Effects.Events)
	}
	return n
}

func convertFindings(stage string, raw []stageFinding) []finding.Finding {
	out := make([]finding.Finding, 0, len(raw))
	for i, sf := range raw {
		if strings.TrimSpace(sf.Title) == "" {
			continue
		}
		f := finding.Finding{
			ID:             fmt.Sprintf("llm-%s-%d", stage, i+1),
			Category:       finding.NormalizeCategory(sf.Category),
			Severity:       finding.NormalizeSeverity(sf.Severity),
			Title:          sf.Title,
			Description:    sf.Description,
			Recommendation: sf.Recommendation,
			Confidence:     finding.ClampConfidence(sf.Confidence),
			Provenance:     finding.ProvenanceLLM,
		}
		if sf.AttackScenario != "" {
			f.Evidence = map[string]string{"attack_scenario": sf.AttackScenario}
		}
		out = append(out, f)
	}
	return out
}

// isDuplicate suppresses findings that restate something already
// collected, comparing normalized titles and truncated descriptions.
func isDuplicate(f finding.Finding, collected []finding.Finding) bool {
	title := normalizeText(f.Title)
	desc := truncate(normalizeText(f.Description), duplicateDescLen)

	for i := range collected {
		if normalizeText(collected[i].Title) == title {
			return true
		}
		if desc != "" && truncate(normalizeText(collected[i].Description), duplicateDescLen) == desc {
			return true
		}
	}
	return false
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func normalizeClass(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ClassSafe:
		return ClassSafe
	case ClassSuspicious:
		return ClassSuspicious
	case ClassDangerous:
		return ClassDangerous
	}
	return ClassNeedsAnalysis
}
