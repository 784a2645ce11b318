// Package analyzer orchestrates a full pre-flight analysis: simulation,
// deterministic analyzers, threat intelligence, the escalating model
// pipeline, and the agentic investigator, aggregated into one verdict.
//
// The orchestrator degrades instead of failing: any upstream that is
// down or misconfigured becomes a warning on the result, and the
// verdict is computed from whatever evidence was gathered. The only
// error Analyze returns is an invalid call descriptor.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/movesentry/movesentry/internal/agentic"
	"github.com/movesentry/movesentry/internal/alerts"
	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/history"
	"github.com/movesentry/movesentry/internal/idgen"
	"github.com/movesentry/movesentry/internal/market"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/patterns"
	"github.com/movesentry/movesentry/internal/pipeline"
	"github.com/movesentry/movesentry/internal/semantic"
	"github.com/movesentry/movesentry/internal/threatfeed"
	"github.com/movesentry/movesentry/internal/traces"
	"github.com/movesentry/movesentry/internal/txn"
	"github.com/movesentry/movesentry/internal/verdict"
)

const (
	// defaultWallBudget bounds one full analysis end to end.
	defaultWallBudget = 90 * time.Second

	// maxReputationTargets caps how many addresses one analysis sends to
	// the threat feeds: the module address plus the first few argument
	// addresses.
	maxReputationTargets = 8
)

// ErrInvalidCall is returned for descriptors that cannot be analyzed.
// Everything else degrades to warnings.
var ErrInvalidCall = errors.New("invalid call descriptor")

// Simulator produces simulated effects for a call.
type Simulator interface {
	Simulate(ctx context.Context, call *txn.CallDescriptor) (*txn.SimulatedEffects, error)
}

// Reputation checks addresses against the threat feeds.
type Reputation interface {
	QueryBatch(ctx context.Context, addresses []string, network string) map[string]*threatfeed.Response
}

// Stages runs the escalating model pipeline.
type Stages interface {
	Run(ctx context.Context, in *pipeline.Input) *pipeline.Result
}

// Investigator runs the agentic deep investigation.
type Investigator interface {
	Investigate(ctx context.Context, req *agentic.Request) *agentic.Report
}

// Pricer quotes on-chain amounts in USD.
type Pricer interface {
	QuoteUSD(ctx context.Context, coinType string, amount *big.Int, decimals int) (float64, error)
}

// Alerter delivers webhook alerts for flagged verdicts.
type Alerter interface {
	Dispatch(ctx context.Context, alert *alerts.Alert) error
}

// Broadcaster streams analysis summaries to live clients.
type Broadcaster interface {
	BroadcastAnalysis(summary map[string]any)
}

// Result is the terminal outcome of one analysis. Immutable once
// returned; the history store persists the rendered document.
type Result struct {
	ShareID         string            `json:"shareId"`
	Network         string            `json:"network"`
	Function        string            `json:"function"`
	Sender          string            `json:"sender,omitempty"`
	Rating          verdict.Rating    `json:"rating"`
	Score           float64           `json:"score"`
	Findings        []finding.Finding `json:"findings"`
	StagesCompleted []string          `json:"stagesCompleted"`
	TimingsMS       map[string]int64  `json:"timingsMs,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	GasUsed         uint64            `json:"gasUsed,omitempty"`
	VMError         string            `json:"vmError,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	DurationMS      int64             `json:"durationMs"`
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Service wires the analysis components together. The deterministic
// analyzers are always present; everything else is optional and wired
// with the With builders. A Service with nothing wired still produces
// pattern-based verdicts.
type Service struct {
	patterns     *patterns.Engine
	semantic     *semantic.Analyzer
	simulator    Simulator
	feed         Reputation
	stages       Stages
	investigator Investigator
	pricer       Pricer
	store        history.Store
	alerter      Alerter
	stream       Broadcaster
	log          *slog.Logger
	wallBudget   time.Duration
}

// New creates a service with the deterministic analyzers only.
func New(log *slog.Logger) *Service {
	return &Service{
		patterns:   patterns.NewEngine(log),
		semantic:   semantic.NewAnalyzer(log),
		log:        log,
		wallBudget: defaultWallBudget,
	}
}

// WithSimulator wires the fullnode simulation client.
func (s *Service) WithSimulator(sim Simulator) *Service {
	s.simulator = sim
	return s
}

// WithThreatFeed wires the reputation aggregator.
func (s *Service) WithThreatFeed(feed Reputation) *Service {
	s.feed = feed
	return s
}

// WithPipeline wires the escalating model pipeline.
func (s *Service) WithPipeline(stages Stages) *Service {
	s.stages = stages
	return s
}

// WithInvestigator wires the agentic investigator.
func (s *Service) WithInvestigator(inv Investigator) *Service {
	s.investigator = inv
	return s
}

// WithMarket wires the USD price source.
func (s *Service) WithMarket(p Pricer) *Service {
	s.pricer = p
	return s
}

// WithHistory wires the analysis store.
func (s *Service) WithHistory(store history.Store) *Service {
	s.store = store
	return s
}

// WithAlerts wires the webhook dispatcher.
func (s *Service) WithAlerts(a Alerter) *Service {
	s.alerter = a
	return s
}

// WithStream wires the realtime hub.
func (s *Service) WithStream(b Broadcaster) *Service {
	s.stream = b
	return s
}

// WithWallBudget overrides the per-analysis time budget.
func (s *Service) WithWallBudget(d time.Duration) *Service {
	s.wallBudget = d
	return s
}

// Analyze runs the full analysis for one call. effects may be nil, in
// which case the wired simulator produces them; with no simulator (or a
// failing one) the analysis proceeds on the call shape alone.
func (s *Service) Analyze(ctx context.Context, call *txn.CallDescriptor, effects *txn.SimulatedEffects) (_ *Result, retErr error) {
	if err := validateCall(call); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "analyzer.Analyze",
		traces.Network(string(call.Network)),
		traces.Function(call.Function()),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.wallBudget)
	defer cancel()

	start := time.Now()
	res := &Result{
		ShareID:   idgen.ShareID(),
		Network:   string(call.Network),
		Function:  call.Function(),
		Sender:    normalizedOrRaw(call.Sender),
		CreatedAt: start.UTC(),
		TimingsMS: make(map[string]int64),
	}
	span.SetAttributes(traces.AnalysisID(res.ShareID))

	if effects == nil && s.simulator != nil {
		t0 := time.Now()
		sim, err := s.simulator.Simulate(ctx, call)
		res.TimingsMS["simulation"] = time.Since(t0).Milliseconds()
		if err != nil {
			res.warnf("simulation unavailable: %v", err)
		} else {
			effects = sim
			res.StagesCompleted = append(res.StagesCompleted, "simulation")
		}
	}
	if effects != nil {
		res.GasUsed = effects.GasUsed
		res.VMError = effects.VMError
	}

	// Deterministic analyzers run concurrently; both are pure CPU work
	// over the same read-only inputs.
	var (
		wg         sync.WaitGroup
		patternFs  []finding.Finding
		patternDur time.Duration
		sem        *semantic.Result
		semFs      []finding.Finding
		semDur     time.Duration
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t0 := time.Now()
		patternFs = s.patterns.Match(ctx, call, effects)
		patternDur = time.Since(t0)
	}()
	if effects != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t0 := time.Now()
			sem, semFs = s.semantic.Analyze(ctx, call.Sender, effects.Changes, effects.Events)
			semDur = time.Since(t0)
		}()
	}
	wg.Wait()

	res.TimingsMS["patterns"] = patternDur.Milliseconds()
	res.StagesCompleted = append(res.StagesCompleted, "patterns")
	collected := append([]finding.Finding(nil), patternFs...)
	if effects != nil {
		res.TimingsMS["semantic"] = semDur.Milliseconds()
		res.StagesCompleted = append(res.StagesCompleted, "semantic")
		collected = append(collected, semFs...)
	}

	if s.feed != nil {
		if targets := reputationTargets(call); len(targets) > 0 {
			t0 := time.Now()
			responses := s.feed.QueryBatch(ctx, targets, string(call.Network))
			res.TimingsMS["threatfeed"] = time.Since(t0).Milliseconds()
			res.StagesCompleted = append(res.StagesCompleted, "threatfeed")
			collected = append(collected, reputationFindings(call, responses)...)
		}
	}

	var estimatedUSD float64
	if sem != nil && s.pricer != nil && sem.TotalLoss != nil && sem.TotalLoss.Sign() > 0 {
		usd, err := s.pricer.QuoteUSD(ctx, market.NativeCoin, sem.TotalLoss, market.NativeCoinDecimals)
		if err != nil {
			res.warnf("price lookup failed: %v", err)
		} else {
			estimatedUSD = usd
		}
	}

	needsDeep := false
	deepReason := ""
	if s.stages != nil {
		pr := s.stages.Run(ctx, &pipeline.Input{
			Call:         call,
			Effects:      effects,
			Semantic:     sem,
			Prior:        collected,
			EstimatedUSD: estimatedUSD,
		})
		collected = append(collected, pr.Findings...)
		res.Warnings = append(res.Warnings, pr.Warnings...)
		res.StagesCompleted = append(res.StagesCompleted, pr.StagesCompleted...)
		for _, st := range pr.Stages {
			if st.Duration > 0 {
				res.TimingsMS[st.Stage] = st.Duration.Milliseconds()
			}
		}
		needsDeep = pr.NeedsDeep
		deepReason = pr.DeepReason
	}

	if needsDeep && s.investigator != nil {
		t0 := time.Now()
		rep := s.investigator.Investigate(ctx, &agentic.Request{
			Call:         call,
			Effects:      effects,
			Semantic:     sem,
			Prior:        collected,
			EstimatedUSD: estimatedUSD,
			Reason:       deepReason,
		})
		res.TimingsMS["agentic"] = time.Since(t0).Milliseconds()
		res.StagesCompleted = append(res.StagesCompleted, "agentic")
		collected = append(collected, rep.Findings...)
		res.Warnings = append(res.Warnings, rep.Warnings...)
	}

	res.Findings = verdict.Dedupe(collected)
	res.Score, res.Rating = verdict.Score(res.Findings)
	res.DurationMS = time.Since(start).Milliseconds()

	metrics.AnalysesTotal.WithLabelValues(string(res.Rating)).Inc()
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	s.persist(ctx, res)
	s.notify(ctx, res)

	s.log.InfoContext(ctx, "analysis complete",
		"shareId", res.ShareID,
		"function", res.Function,
		"rating", res.Rating,
		"score", res.Score,
		"findings", len(res.Findings),
		"durationMs", res.DurationMS)

	return res, nil
}

func validateCall(call *txn.CallDescriptor) error {
	if call == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidCall)
	}
	switch call.Network {
	case txn.NetworkMainnet, txn.NetworkTestnet, txn.NetworkDevnet:
	default:
		return fmt.Errorf("%w: unknown network %q", ErrInvalidCall, call.Network)
	}
	if _, err := txn.NormalizeAddress(call.ModuleAddress); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if call.ModuleName == "" || call.FunctionName == "" {
		return fmt.Errorf("%w: empty module or function name", ErrInvalidCall)
	}
	if call.Sender != "" {
		if _, err := txn.NormalizeAddress(call.Sender); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCall, err)
		}
	}
	return nil
}

func normalizedOrRaw(addr string) string {
	if addr == "" {
		return ""
	}
	if n, err := txn.NormalizeAddress(addr); err == nil {
		return n
	}
	return addr
}

// reputationTargets collects the module address plus argument addresses,
// normalized and deduplicated, capped at maxReputationTargets.
func reputationTargets(call *txn.CallDescriptor) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		addr, err := txn.NormalizeAddress(raw)
		if err != nil || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	add(call.ModuleAddress)
	for _, arg := range call.Arguments {
		if len(out) >= maxReputationTargets {
			break
		}
		if arg.IsAddress() {
			add(arg.Text)
		}
	}
	return out
}

// reputationFindings converts malicious threat feed responses into
// findings. Clean or unknown addresses contribute nothing.
func reputationFindings(call *txn.CallDescriptor, responses map[string]*threatfeed.Response) []finding.Finding {
	moduleAddr, _ := txn.NormalizeAddress(call.ModuleAddress)

	var out []finding.Finding
	for addr, resp := range responses {
		if resp == nil || !resp.Malicious {
			continue
		}

		role := "argument"
		sev := finding.SeverityHigh
		if addr == moduleAddr {
			role = "module"
			sev = finding.SeverityCritical
		}

		evidence := map[string]string{
			"address":   addr,
			"role":      role,
			"sources":   fmt.Sprintf("%d", resp.SourcesResponded),
			"riskScore": fmt.Sprintf("%.0f", resp.RiskScore),
		}
		if len(resp.Tags) > 0 {
			evidence["tags"] = fmt.Sprintf("%v", resp.Tags)
		}

		out = append(out, finding.Finding{
			ID:          "threatfeed-" + role,
			Category:    finding.CategoryRugPull,
			Severity:    sev,
			Title:       fmt.Sprintf("%s address flagged by threat intelligence", role),
			Description: fmt.Sprintf("address %s is reported malicious by %d threat feed source(s)", addr, resp.SourcesResponded),
			Confidence:  finding.ClampConfidence(resp.Confidence),
			Provenance:  finding.ProvenancePattern,
			Evidence:    evidence,
		})
	}
	return out
}

// persist saves the rendered result; failures degrade to a warning in
// the log rather than the response, which is already final.
func (s *Service) persist(ctx context.Context, res *Result) {
	if s.store == nil {
		return
	}
	doc, err := json.Marshal(res)
	if err != nil {
		s.log.WarnContext(ctx, "failed to render analysis for persistence", "shareId", res.ShareID, "error", err)
		return
	}
	rec := &history.Record{
		ShareID:   res.ShareID,
		Network:   res.Network,
		Function:  res.Function,
		Sender:    res.Sender,
		Rating:    string(res.Rating),
		Score:     res.Score,
		Result:    doc,
		CreatedAt: res.CreatedAt,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		s.log.WarnContext(ctx, "failed to persist analysis", "shareId", res.ShareID, "error", err)
	}
}

// notify fans a flagged verdict out to webhooks and the live stream.
// Only high and critical verdicts notify.
func (s *Service) notify(ctx context.Context, res *Result) {
	if verdict.Rank(res.Rating) < verdict.Rank(verdict.RatingHigh) {
		return
	}

	if s.stream != nil {
		s.stream.BroadcastAnalysis(map[string]any{
			"shareId":  res.ShareID,
			"network":  res.Network,
			"function": res.Function,
			"sender":   res.Sender,
			"rating":   string(res.Rating),
			"score":    res.Score,
			"findings": len(res.Findings),
		})
	}

	if s.alerter != nil {
		alert := &alerts.Alert{
			ID:        idgen.EventID(),
			ShareID:   res.ShareID,
			Network:   res.Network,
			Function:  res.Function,
			Sender:    res.Sender,
			Rating:    res.Rating,
			Score:     res.Score,
			Findings:  len(res.Findings),
			Timestamp: time.Now().UTC(),
		}
		if len(res.Findings) > 0 {
			alert.TopFinding = res.Findings[0].Title
		}
		if err := s.alerter.Dispatch(ctx, alert); err != nil {
			s.log.WarnContext(ctx, "failed to dispatch alert", "shareId", res.ShareID, "error", err)
		}
	}
}
