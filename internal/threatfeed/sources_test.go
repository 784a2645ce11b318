package threatfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoPlus_MaliciousAddress(t *testing.T) {
	var gotPath, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{
			"code": 1,
			"message": "ok",
			"result": {
				"blacklist_doubt": "1",
				"phishing_activities": "1",
				"cybercrime": "0",
				"data_source": "SlowMist"
			}
		}`))
	}))
	defer ts.Close()

	src := NewGoPlus(ts.URL, "key-123")
	verdict, err := src.Check(context.Background(), "0xabc", "mainnet")
	require.NoError(t, err)

	assert.Equal(t, "/address_security/0xabc", gotPath)
	assert.Equal(t, "key-123", gotAuth)
	assert.True(t, verdict.Malicious)
	assert.InDelta(t, 0.8, verdict.Confidence, 1e-9)
	assert.InDelta(t, 50.0, verdict.RiskScore, 1e-9)
	assert.ElementsMatch(t, []string{"blacklist_doubt", "phishing_activities"}, verdict.Tags)
}

func TestGoPlus_CleanAddress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 1, "message": "ok", "result": {"blacklist_doubt": "0"}}`))
	}))
	defer ts.Close()

	verdict, err := NewGoPlus(ts.URL, "").Check(context.Background(), "0xabc", "mainnet")
	require.NoError(t, err)
	assert.False(t, verdict.Malicious)
	assert.InDelta(t, 0.8, verdict.Confidence, 1e-9)
	assert.Empty(t, verdict.Tags)
}

func TestGoPlus_ConfidenceCapped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 1, "message": "ok", "result": {
			"blacklist_doubt": "1", "cybercrime": "1", "darkweb_transactions": "1",
			"money_laundering": "1", "phishing_activities": "1", "stealing_attack": "1"
		}}`))
	}))
	defer ts.Close()

	verdict, err := NewGoPlus(ts.URL, "").Check(context.Background(), "0xabc", "mainnet")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, verdict.Confidence, 1e-9)
	assert.InDelta(t, 100.0, verdict.RiskScore, 1e-9)
}

func TestGoPlus_APIErrorCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 4029, "message": "rate limit exceeded"}`))
	}))
	defer ts.Close()

	_, err := NewGoPlus(ts.URL, "").Check(context.Background(), "0xabc", "mainnet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestGoPlus_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewGoPlus(ts.URL, "").Check(context.Background(), "0xabc", "mainnet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestScamGuard_ListedAddress(t *testing.T) {
	var gotPath, gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{"listed": true, "reports": 12, "categories": ["phishing"], "confidence": 0.87}`))
	}))
	defer ts.Close()

	src := NewScamGuard(ts.URL, "sg-key")
	verdict, err := src.Check(context.Background(), "0xabc", "mainnet")
	require.NoError(t, err)

	assert.Equal(t, "/v1/check/mainnet/0xabc", gotPath)
	assert.Equal(t, "sg-key", gotKey)
	assert.True(t, verdict.Malicious)
	assert.InDelta(t, 0.87, verdict.Confidence, 1e-9)
	assert.InDelta(t, 100.0, verdict.RiskScore, 1e-9)
	assert.Equal(t, []string{"phishing"}, verdict.Tags)
}

func TestScamGuard_DerivesConfidenceFromReports(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"listed": true, "reports": 4, "categories": ["rugpull"]}`))
	}))
	defer ts.Close()

	verdict, err := NewScamGuard(ts.URL, "").Check(context.Background(), "0xabc", "mainnet")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, verdict.Confidence, 1e-9)
	assert.InDelta(t, 60.0, verdict.RiskScore, 1e-9)
}

func TestScamGuard_NotListed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"listed": false, "reports": 0}`))
	}))
	defer ts.Close()

	verdict, err := NewScamGuard(ts.URL, "").Check(context.Background(), "0xabc", "mainnet")
	require.NoError(t, err)
	assert.False(t, verdict.Malicious)
	assert.InDelta(t, 0.7, verdict.Confidence, 1e-9)
}

func TestScamGuard_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := NewScamGuard(ts.URL, "").Check(context.Background(), "0xabc", "mainnet")
	require.Error(t, err)
}

func TestDenylistSource_ListedAndClean(t *testing.T) {
	store := NewMemoryDenylist()
	require.NoError(t, store.Add(context.Background(), &Entry{
		Address: "0xabc",
		Network: "mainnet",
		Reason:  "drainer",
	}))

	src := NewDenylist(store)
	assert.Equal(t, 1.0, src.Weight())

	listed, err := src.Check(context.Background(), "0xabc", "mainnet")
	require.NoError(t, err)
	assert.True(t, listed.Malicious)
	assert.InDelta(t, 0.95, listed.Confidence, 1e-9)
	assert.Equal(t, []string{"denylist", "drainer"}, listed.Tags)

	clean, err := src.Check(context.Background(), "0xdef", "mainnet")
	require.NoError(t, err)
	assert.False(t, clean.Malicious)
	assert.InDelta(t, 0.5, clean.Confidence, 1e-9)

	// Listed on mainnet only.
	other, err := src.Check(context.Background(), "0xabc", "testnet")
	require.NoError(t, err)
	assert.False(t, other.Malicious)
}
