package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/movesentry/movesentry/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing: in-memory stores, no
// remote threat feeds, no AI pipeline, no market data. Requests must
// carry pre-simulated effects so nothing reaches a fullnode.
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		MainnetFullnodeURL: "http://fullnode.invalid",
		TestnetFullnodeURL: "http://fullnode.invalid",
		DevnetFullnodeURL:  "http://fullnode.invalid",
		AdminSecret:        "test-secret",
		RateLimitRPS:       100000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if len(w.Body.Bytes()) > 0 && strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

var adminHeader = map[string]string{"X-Admin-Secret": "test-secret"}

// cleanAnalyzeBody is a plain framework transfer with pre-simulated
// effects; it produces a safe verdict without network access.
const cleanAnalyzeBody = `{
	"network": "mainnet",
	"sender": "0xa11ce",
	"function": "0x1::coin::transfer",
	"typeArguments": ["0x1::aptos_coin::AptosCoin"],
	"arguments": ["0xb0b", "100"],
	"effects": {"changes": [], "events": [], "gasUsed": 5000, "success": true}
}`

// ---------------------------------------------------------------------------
// Health and info endpoints
// ---------------------------------------------------------------------------

func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestReadyzBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Run() flips readiness; a freshly built server is not ready.
	w, resp := doJSON(t, s, "GET", "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if resp["status"] != "not_ready" {
		t.Errorf("Expected status 'not_ready', got %v", resp["status"])
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, "GET", "/", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp["name"] != "MoveSentry" {
		t.Errorf("Expected name 'MoveSentry', got %v", resp["name"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "movesentry") {
		t.Error("Expected metrics output to contain the movesentry namespace")
	}
}

func TestRequestIDEcho(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/", "", map[string]string{"X-Request-ID": "req-from-lb"})
	if got := w.Header().Get("X-Request-ID"); got != "req-from-lb" {
		t.Errorf("Expected request id echoed back, got %q", got)
	}

	w2, _ := doJSON(t, s, "GET", "/", "", nil)
	if w2.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id header")
	}
}

// ---------------------------------------------------------------------------
// Analysis endpoints
// ---------------------------------------------------------------------------

func TestAnalyzeEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, "POST", "/v1/analyze", cleanAnalyzeBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	shareID, _ := resp["shareId"].(string)
	if !strings.HasPrefix(shareID, "scan_") {
		t.Errorf("Expected scan_ share id, got %q", shareID)
	}
	if resp["rating"] != "safe" {
		t.Errorf("Expected safe rating for plain transfer, got %v", resp["rating"])
	}
	if resp["gasUsed"] != float64(5000) {
		t.Errorf("Expected gasUsed 5000, got %v", resp["gasUsed"])
	}

	stages, _ := resp["stagesCompleted"].([]interface{})
	found := false
	for _, st := range stages {
		if st == "patterns" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected patterns stage in %v", stages)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]string{
		"missing function": `{"network": "mainnet"}`,
		"bad network":      `{"network": "betanet", "function": "0x1::coin::transfer"}`,
		"bad function":     `{"network": "mainnet", "function": "transfer"}`,
		"malformed json":   `{"network": `,
	}
	for name, body := range cases {
		w, _ := doJSON(t, s, "POST", "/v1/analyze", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
}

func TestGetAnalysisRoundTrip(t *testing.T) {
	s := newTestServer(t)

	_, created := doJSON(t, s, "POST", "/v1/analyze", cleanAnalyzeBody, nil)
	shareID, _ := created["shareId"].(string)
	if shareID == "" {
		t.Fatal("analyze did not return a share id")
	}

	w, fetched := doJSON(t, s, "GET", "/v1/analyses/"+shareID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if fetched["shareId"] != shareID {
		t.Errorf("Expected share id %q, got %v", shareID, fetched["shareId"])
	}

	w2, _ := doJSON(t, s, "GET", "/v1/analyses/scan_nosuchthing", "", nil)
	if w2.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown share id, got %d", w2.Code)
	}
}

func TestListAnalyses(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/analyze", cleanAnalyzeBody, nil)

	w, resp := doJSON(t, s, "GET", "/v1/analyses?limit=5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp["count"] != float64(1) {
		t.Errorf("Expected 1 analysis, got %v", resp["count"])
	}
	if resp["hasMore"] != false {
		t.Errorf("Expected hasMore false, got %v", resp["hasMore"])
	}

	w2, _ := doJSON(t, s, "GET", "/v1/analyses?limit=0", "", nil)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for limit 0, got %d", w2.Code)
	}
}

func TestListAnalysesPagination(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		doJSON(t, s, "POST", "/v1/analyze", cleanAnalyzeBody, nil)
	}

	w, first := doJSON(t, s, "GET", "/v1/analyses?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if first["count"] != float64(2) {
		t.Fatalf("Expected 2 analyses on first page, got %v", first["count"])
	}
	if first["hasMore"] != true {
		t.Error("Expected hasMore true on first page")
	}
	cursor, _ := first["nextCursor"].(string)
	if cursor == "" {
		t.Fatal("Expected a next cursor on first page")
	}

	w2, second := doJSON(t, s, "GET", "/v1/analyses?limit=2&cursor="+cursor, "", nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w2.Code)
	}
	if second["count"] != float64(1) {
		t.Errorf("Expected 1 analysis on second page, got %v", second["count"])
	}
	if second["hasMore"] != false {
		t.Error("Expected hasMore false on last page")
	}
}

// ---------------------------------------------------------------------------
// Reputation endpoint
// ---------------------------------------------------------------------------

func TestReputationEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, "GET", "/v1/address/0xabc/reputation", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["malicious"] != false {
		t.Errorf("Expected clean verdict from empty denylist, got %v", resp["malicious"])
	}

	w2, _ := doJSON(t, s, "GET", "/v1/address/zz/reputation", "", nil)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid address param, got %d", w2.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin: denylist
// ---------------------------------------------------------------------------

func TestDenylistAdminFlow(t *testing.T) {
	s := newTestServer(t)

	w, created := doJSON(t, s, "POST", "/v1/admin/denylist",
		`{"address": "0xbad", "network": "mainnet", "reason": "drainer"}`, adminHeader)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	listed, _ := created["address"].(string)
	if !strings.HasPrefix(listed, "0x") {
		t.Fatalf("Expected normalized address in response, got %v", created["address"])
	}

	// The denylist feeds reputation immediately.
	w2, rep := doJSON(t, s, "GET", "/v1/address/0xbad/reputation", "", nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w2.Code)
	}
	if rep["malicious"] != true {
		t.Errorf("Expected denylisted address to report malicious, got %v", rep["malicious"])
	}

	w3, listResp := doJSON(t, s, "GET", "/v1/admin/denylist?network=mainnet", "", adminHeader)
	if w3.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w3.Code)
	}
	if listResp["count"] != float64(1) {
		t.Errorf("Expected 1 denylist entry, got %v", listResp["count"])
	}

	w4, _ := doJSON(t, s, "DELETE", "/v1/admin/denylist/0xbad?network=mainnet", "", adminHeader)
	if w4.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w4.Code)
	}

	w5, _ := doJSON(t, s, "DELETE", "/v1/admin/denylist/0xbad?network=mainnet", "", adminHeader)
	if w5.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for repeated delete, got %d", w5.Code)
	}
}

func TestDenylistedModuleFlagsAnalysis(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/admin/denylist",
		`{"address": "0xbad", "network": "mainnet", "reason": "drainer"}`, adminHeader)

	body := `{
		"network": "mainnet",
		"function": "0xbad::vault::deposit",
		"arguments": [],
		"effects": {"changes": [], "events": [], "gasUsed": 5000, "success": true}
	}`
	w, resp := doJSON(t, s, "POST", "/v1/analyze", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["rating"] != "critical" {
		t.Errorf("Expected critical rating for denylisted module, got %v", resp["rating"])
	}
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/v1/admin/denylist", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	w2, _ := doJSON(t, s, "GET", "/v1/admin/denylist", "", map[string]string{"X-Admin-Secret": "wrong"})
	if w2.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with wrong secret, got %d", w2.Code)
	}

	cfg := testConfig()
	cfg.AdminSecret = ""
	unsecured, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	w3, _ := doJSON(t, unsecured, "GET", "/v1/admin/denylist", "", adminHeader)
	if w3.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with no admin secret configured, got %d", w3.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin: alert subscriptions
// ---------------------------------------------------------------------------

func TestSubscriptionAdminFlow(t *testing.T) {
	s := newTestServer(t)

	w, created := doJSON(t, s, "POST", "/v1/admin/subscriptions",
		`{"url": "https://203.0.113.10/hook", "secret": "hook-secret", "minRating": "high"}`, adminHeader)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := created["id"].(string)
	if !strings.HasPrefix(id, "sub_") {
		t.Errorf("Expected sub_ id, got %q", id)
	}
	if _, leaked := created["secret"]; leaked {
		t.Error("Subscription secret must not be echoed back")
	}

	w2, listResp := doJSON(t, s, "GET", "/v1/admin/subscriptions", "", adminHeader)
	if w2.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w2.Code)
	}
	if listResp["count"] != float64(1) {
		t.Errorf("Expected 1 subscription, got %v", listResp["count"])
	}

	w3, _ := doJSON(t, s, "DELETE", "/v1/admin/subscriptions/"+id, "", adminHeader)
	if w3.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w3.Code)
	}
	w4, _ := doJSON(t, s, "DELETE", "/v1/admin/subscriptions/"+id, "", adminHeader)
	if w4.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for repeated delete, got %d", w4.Code)
	}
}

func TestSubscriptionRejectsBlockedURL(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "POST", "/v1/admin/subscriptions",
		`{"url": "http://127.0.0.1/hook"}`, adminHeader)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for loopback webhook URL, got %d", w.Code)
	}

	w2, _ := doJSON(t, s, "POST", "/v1/admin/subscriptions",
		`{"url": "https://203.0.113.10/hook", "minRating": "sometimes"}`, adminHeader)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown rating, got %d", w2.Code)
	}
}

// ---------------------------------------------------------------------------
// Share page
// ---------------------------------------------------------------------------

func TestSharePage(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/a/scan_abc123", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "MoveSentry Analysis") {
		t.Error("Expected share page HTML")
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/a/nonsense", nil)
	s.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for non share id, got %d", w2.Code)
	}
}
