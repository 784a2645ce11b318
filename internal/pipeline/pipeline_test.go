package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/llm"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/semantic"
	"github.com/movesentry/movesentry/internal/txn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// modelReply wraps a stage payload in an Anthropic messages response.
func modelReply(payload string) string {
	quoted, _ := json.Marshal(payload)
	return `{"id":"msg_1","model":"test","role":"assistant","stop_reason":"end_turn",` +
		`"content":[{"type":"text","text":` + string(quoted) + `}],` +
		`"usage":{"input_tokens":10,"output_tokens":20}}`
}

// scriptedModel serves queued replies in request order and records the
// decoded request bodies. When requests outrun the script, the last
// reply repeats.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []string
	statuses []int
	requests []map[string]any
}

func (m *scriptedModel) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.requests = append(m.requests, body)

		i := len(m.requests) - 1
		if i >= len(m.replies) {
			i = len(m.replies) - 1
		}
		status := http.StatusOK
		if i < len(m.statuses) && m.statuses[i] != 0 {
			status = m.statuses[i]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(m.replies[i]))
	}
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// userText extracts the single user message from a decoded request body.
func userText(t *testing.T, req map[string]any) string {
	t.Helper()
	msgs, ok := req["messages"].([]any)
	require.True(t, ok, "request has no messages")
	require.NotEmpty(t, msgs)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	content, ok := first["content"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, content)
	block, ok := content[0].(map[string]any)
	require.True(t, ok)
	text, _ := block["text"].(string)
	return text
}

func newTestPipeline(t *testing.T, m *scriptedModel) *Pipeline {
	t.Helper()
	ts := httptest.NewServer(m.handler())
	t.Cleanup(ts.Close)
	client := llm.NewClient("test-key", ts.URL, testLogger())
	return New(client, "fast-model", "deep-model", testLogger())
}

func transferInput() *Input {
	return &Input{
		Call: &txn.CallDescriptor{
			Network:       txn.NetworkMainnet,
			Sender:        "0xa11ce",
			ModuleAddress: "0x1",
			ModuleName:    "coin",
			FunctionName:  "transfer",
			TypeArguments: []string{"0x1::aptos_coin::AptosCoin"},
			Arguments:     []txn.Value{txn.TextValue("0xb0b"), txn.NumberValue("1000000")},
		},
		Effects: &txn.SimulatedEffects{GasUsed: 57, Success: true},
	}
}

const (
	triageSafeHigh   = `{"classification": "safe", "confidence": 0.92, "reason": "standard coin transfer"}`
	triageSafeLow    = `{"classification": "safe", "confidence": 0.70, "reason": "looks routine but unverified module"}`
	triageSuspicious = `{"classification": "suspicious", "confidence": 0.80, "reason": "unusual type arguments"}`
	structuredCalm   = `{"findings": [], "confidence": 0.90, "needsDeepAnalysis": false, "summary": "nothing notable"}`
	deepCalm         = `{"findings": [], "confidence": 0.90, "summary": "no attack path found"}`
)

func TestRun_ConfidentSafeTriageTerminates(t *testing.T) {
	m := &scriptedModel{replies: []string{modelReply(triageSafeHigh)}}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	assert.True(t, res.Terminal)
	assert.Equal(t, []string{StageTriage}, res.StagesCompleted)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Warnings)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Equal(t, 1, m.calls())

	req := m.request(0)
	assert.Equal(t, "fast-model", req["model"])
	assert.Equal(t, float64(0), req["temperature"])
	assert.Contains(t, req["system"], "triage")
	assert.Contains(t, userText(t, req), "0x1::coin::transfer")
}

func TestRun_UncertainSafeContinuesToStructured(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply(triageSafeLow),
		modelReply(structuredCalm),
	}}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	assert.False(t, res.Terminal)
	assert.Equal(t, []string{StageTriage, StageStructured}, res.StagesCompleted)
	assert.False(t, res.NeedsDeep)
	assert.Equal(t, 2, m.calls())
	assert.InDelta(t, 0.90, res.Confidence, 1e-9)
}

func TestRun_DangerousTriageAddsProvisionalFinding(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply(`{"classification": "dangerous", "confidence": 0.80, "reason": "drains the full sender balance", "category": "rug_pull"}`),
		modelReply(structuredCalm),
	}}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "llm-triage", f.ID)
	assert.Equal(t, finding.CategoryRugPull, f.Category)
	assert.Equal(t, finding.SeverityHigh, f.Severity)
	assert.Equal(t, finding.ProvenanceLLM, f.Provenance)
	assert.InDelta(t, 0.40, f.Confidence, 1e-9)

	// The provisional finding is handed to the next stage as known.
	structuredPrompt := userText(t, m.request(1))
	assert.Contains(t, structuredPrompt, "Already known findings")
	assert.Contains(t, structuredPrompt, "Triage flagged transaction as dangerous")
}

func TestRun_CriticalFindingEscalatesToDeep(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply(`{"classification": "needs_analysis", "confidence": 0.50, "reason": "unverified module"}`),
		modelReply(`{"findings": [{"category": "exploit", "severity": "critical", "title": "Arbitrary withdrawal capability", "description": "The module stores a withdraw capability for any account.", "recommendation": "Do not sign.", "confidence": 0.8}], "confidence": 0.7, "needsDeepAnalysis": false, "summary": "capability abuse"}`),
		modelReply(`{"findings": [{"category": "exploit", "severity": "critical", "title": "arbitrary withdrawal capability", "description": "Restates the stored capability issue.", "confidence": 0.9}, {"category": "rug_pull", "severity": "high", "title": "Hidden admin mint", "description": "Admin can mint unbounded supply after a delay.", "recommendation": "Avoid this token.", "confidence": 0.7, "attackScenario": "1. Wait for deposits. 2. Mint supply. 3. Drain the pool."}], "confidence": 0.85, "summary": "two paths"}`),
	}}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	assert.True(t, res.NeedsDeep)
	assert.Equal(t, "critical_finding", res.DeepReason)
	assert.Equal(t, []string{StageTriage, StageStructured, StageDeep}, res.StagesCompleted)
	assert.Equal(t, 3, m.calls())

	// The deep duplicate of the structured finding is suppressed.
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "llm-structured-1", res.Findings[0].ID)
	assert.Equal(t, "llm-deep-2", res.Findings[1].ID)
	assert.Equal(t, "Hidden admin mint", res.Findings[1].Title)
	assert.Equal(t, "1. Wait for deposits. 2. Mint supply. 3. Drain the pool.", res.Findings[1].Evidence["attack_scenario"])

	// Deep stage runs the big model with extended thinking, no temperature.
	deepReq := m.request(2)
	assert.Equal(t, "deep-model", deepReq["model"])
	assert.Equal(t, float64(8192), deepReq["max_tokens"])
	_, hasTemp := deepReq["temperature"]
	assert.False(t, hasTemp)
	thinking, ok := deepReq["thinking"].(map[string]any)
	require.True(t, ok, "deep request missing thinking block")
	assert.Equal(t, "enabled", thinking["type"])
	assert.Equal(t, float64(4096), thinking["budget_tokens"])
}

func TestRun_StructuredFlagEscalatesToDeep(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply(triageSuspicious),
		modelReply(`{"findings": [], "confidence": 0.9, "needsDeepAnalysis": true, "summary": "wants scrutiny"}`),
		modelReply(deepCalm),
	}}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	assert.True(t, res.NeedsDeep)
	assert.Equal(t, "flagged", res.DeepReason)
	assert.Equal(t, 3, m.calls())
}

func TestRun_HighValueEscalatesToDeep(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply(triageSuspicious),
		modelReply(structuredCalm),
		modelReply(deepCalm),
	}}
	p := newTestPipeline(t, m)

	in := transferInput()
	in.EstimatedUSD = 25_000

	res := p.Run(context.Background(), in)

	assert.True(t, res.NeedsDeep)
	assert.Equal(t, "high_value", res.DeepReason)
	assert.Equal(t, 3, m.calls())
	assert.Contains(t, userText(t, m.request(0)), "Estimated value at risk: $25000.00")
}

func TestRun_CalmResultSkipsDeep(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply(triageSuspicious),
		modelReply(structuredCalm),
	}}
	p := newTestPipeline(t, m)

	in := transferInput()
	in.EstimatedUSD = 120

	res := p.Run(context.Background(), in)

	assert.False(t, res.NeedsDeep)
	assert.Empty(t, res.DeepReason)
	assert.Equal(t, 2, m.calls())
}

func TestRun_NoAPIKeySkipsEverything(t *testing.T) {
	client := llm.NewClient("", "http://127.0.0.1:1", testLogger())
	p := New(client, "fast-model", "deep-model", testLogger())

	res := p.Run(context.Background(), transferInput())

	assert.Empty(t, res.Stages)
	assert.Empty(t, res.Findings)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "no API key")
}

func TestRun_ServerErrorsDegradeToWarnings(t *testing.T) {
	m := &scriptedModel{
		replies:  []string{`{"error":{"type":"api_error","message":"overloaded"}}`},
		statuses: []int{http.StatusInternalServerError},
	}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	assert.Empty(t, res.StagesCompleted)
	assert.Empty(t, res.Findings)
	require.Len(t, res.Warnings, 3)
	assert.Contains(t, res.Warnings[0], "triage skipped")
	assert.Contains(t, res.Warnings[0], "transient")
	// Zero structured confidence reads as uncertainty, so deep was tried.
	assert.Equal(t, "low_confidence", res.DeepReason)
	assert.Equal(t, 3, m.calls())
}

func TestRun_RejectedKeyStopsFurtherCalls(t *testing.T) {
	m := &scriptedModel{
		replies:  []string{`{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`,},
		statuses: []int{http.StatusUnauthorized},
	}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	assert.Equal(t, 1, m.calls())
	require.Len(t, res.Stages, 3)
	assert.True(t, res.Stages[0].Skipped)
	assert.Contains(t, res.Stages[1].SkipReason, "credentials rejected")
	assert.Contains(t, res.Stages[2].SkipReason, "credentials rejected")
	require.Len(t, res.Warnings, 1)
	assert.NotContains(t, res.Warnings[0], "transient")
}

func TestRun_UnparseableReplyWarns(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply("I think this transaction is probably fine!"),
		modelReply(structuredCalm),
	}}
	p := newTestPipeline(t, m)

	res := p.Run(context.Background(), transferInput())

	assert.Equal(t, []string{StageStructured}, res.StagesCompleted)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "unparseable")
	assert.True(t, res.Stages[0].Skipped)
	assert.Equal(t, 2, m.calls())
}

func TestRun_ComplexCallSkipsTriage(t *testing.T) {
	m := &scriptedModel{replies: []string{modelReply(structuredCalm)}}
	p := newTestPipeline(t, m)

	in := transferInput()
	for i := 0; i < 60; i++ {
		in.Call.Arguments = append(in.Call.Arguments, txn.NumberValue("1"))
	}

	res := p.Run(context.Background(), in)

	require.Len(t, res.Stages, 2)
	assert.True(t, res.Stages[0].Skipped)
	assert.Contains(t, res.Stages[0].SkipReason, "complexity")
	assert.Equal(t, []string{StageStructured}, res.StagesCompleted)
	assert.Equal(t, 1, m.calls())
	assert.Contains(t, m.request(0)["system"], "five steps")
}

func TestRun_StageBudgetExhausted(t *testing.T) {
	m := &scriptedModel{replies: []string{
		modelReply(triageSafeHigh),
		modelReply(structuredCalm),
	}}
	p := newTestPipeline(t, m).WithStageLimit(StageTriage, 1)

	first := p.Run(context.Background(), transferInput())
	require.True(t, first.Terminal)

	second := p.Run(context.Background(), transferInput())

	require.Len(t, second.Warnings, 1)
	assert.Contains(t, second.Warnings[0], "rate limit")
	assert.True(t, second.Stages[0].Skipped)
	assert.Equal(t, []string{StageStructured}, second.StagesCompleted)
	assert.Equal(t, 2, m.calls())
}

func TestRun_CountsRequestOutcomes(t *testing.T) {
	metrics.LLMRequestsTotal.Reset()

	m := &scriptedModel{replies: []string{
		modelReply(triageSafeLow),
		modelReply(structuredCalm),
	}}
	p := newTestPipeline(t, m)
	p.Run(context.Background(), transferInput())

	for _, stage := range []string{StageTriage, StageStructured} {
		c, err := metrics.LLMRequestsTotal.GetMetricWithLabelValues(stage, "ok")
		require.NoError(t, err)
		var out dto.Metric
		require.NoError(t, c.Write(&out))
		assert.Equal(t, float64(1), out.GetCounter().GetValue(), "stage %s", stage)
	}
}

func TestDeepReason_TriggerPriority(t *testing.T) {
	critical := []finding.Finding{{Severity: finding.SeverityCritical, Title: "x"}}

	assert.Equal(t, "flagged", deepReason(true, 0.1, 50_000, critical))
	assert.Equal(t, "critical_finding", deepReason(false, 0.1, 50_000, critical))
	assert.Equal(t, "low_confidence", deepReason(false, 0.59, 50_000, nil))
	assert.Equal(t, "high_value", deepReason(false, 0.9, 10_000, nil))
	assert.Equal(t, "", deepReason(false, 0.9, 9_999, nil))
}

func TestComplexity_CountsAllParts(t *testing.T) {
	in := transferInput()
	assert.Equal(t, 3, complexity(in)) // 2 args + 1 type arg

	in.Effects.Changes = make([]txn.StateChange, 4)
	in.Effects.Events = make([]txn.Event, 5)
	assert.Equal(t, 12, complexity(in))

	in.Effects = nil
	assert.Equal(t, 3, complexity(in))
}

func TestIsDuplicate_TitleAndDescription(t *testing.T) {
	known := []finding.Finding{{
		Title:       "Hidden Admin Mint",
		Description: "The admin can mint an unbounded supply at any time using the stored capability.",
	}}

	dup := finding.Finding{Title: "hidden  admin mint", Description: "different"}
	assert.True(t, isDuplicate(dup, known))

	sameDesc := finding.Finding{
		Title:       "Supply inflation risk",
		Description: "The admin can mint an unbounded supply at any time using the stored capability, draining holders.",
	}
	assert.True(t, isDuplicate(sameDesc, known))

	fresh := finding.Finding{Title: "Ownership transfer", Description: "Owner field moves to an unknown account."}
	assert.False(t, isDuplicate(fresh, known))
}

func TestNormalizeClass(t *testing.T) {
	assert.Equal(t, ClassSafe, normalizeClass(" Safe "))
	assert.Equal(t, ClassDangerous, normalizeClass("DANGEROUS"))
	assert.Equal(t, ClassNeedsAnalysis, normalizeClass("needs_analysis"))
	assert.Equal(t, ClassNeedsAnalysis, normalizeClass("no idea"))
	assert.Equal(t, ClassNeedsAnalysis, normalizeClass(""))
}

func TestRenderCall_IncludesSemanticsAndKnownFindings(t *testing.T) {
	in := transferInput()
	in.EstimatedUSD = 12_500
	in.Semantic = &semantic.Result{
		Sender: "0xa11ce",
		BalanceChanges: []semantic.BalanceChange{{
			Address:       "0xa11ce",
			Resource:      "0x1::coin::CoinStore<0x1::aptos_coin::AptosCoin>",
			Delta:         big.NewInt(-1_000_000),
			PctOfHoldings: 100,
		}},
		Approvals: []semantic.ApprovalChange{{
			Resource: "0xbad::vault::Allowance",
			Grantor:  "0xa11ce",
			Grantee:  "0x000000000000000000000000000000000000000000000000000000000000beef",
			Scope:    semantic.ScopeUnlimited,
		}},
		TotalLoss: big.NewInt(1_000_000),
		TotalGain: big.NewInt(0),
	}

	out := RenderCall(in, []finding.Finding{{
		Category: finding.CategoryRugPull,
		Severity: finding.SeverityHigh,
		Title:    "Hidden admin mint",
	}})

	assert.Contains(t, out, "Function: 0x1::coin::transfer")
	assert.Contains(t, out, "-1000000 units")
	assert.Contains(t, out, "(100.0% of prior holdings)")
	assert.Contains(t, out, "scope unlimited")
	assert.Contains(t, out, "0x000000..00beef")
	assert.Contains(t, out, "Sender loses 1000000 units")
	assert.Contains(t, out, "Estimated value at risk: $12500.00")
	assert.Contains(t, out, "Already known findings")
	assert.Contains(t, out, "[rug_pull/high] Hidden admin mint")
}
