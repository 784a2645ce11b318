package alerts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movesentry/movesentry/internal/verdict"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDispatcher disables the SSRF validator so deliveries can reach
// httptest servers on loopback, and shrinks the retry delay.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, "global-secret", testLogger())
	d.urlValidator = func(string) error { return nil }
	d.retryDelay = time.Millisecond
	return d
}

func sampleAlert() *Alert {
	return &Alert{
		ID:         "evt_test1",
		ShareID:    "scan_abc123",
		Network:    "mainnet",
		Function:   "0xbad::vault::deposit",
		Sender:     "0xa11ce",
		Rating:     verdict.RatingCritical,
		Score:      91.5,
		Findings:   2,
		TopFinding: "transaction drains the vault",
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func activeSub(id, url string) *Subscription {
	return &Subscription{
		ID:        id,
		URL:       url,
		MinRating: verdict.RatingLow,
		Active:    true,
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDispatch_DeliversSignedPayload(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotHeader http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
	}))
	defer ts.Close()

	store := NewMemoryStore()
	sub := activeSub("sub_1", ts.URL)
	sub.Secret = "s3cret"
	require.NoError(t, store.Create(context.Background(), sub))

	d := newTestDispatcher(store)
	alert := sampleAlert()
	require.NoError(t, d.Dispatch(context.Background(), alert))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotBody)

	var delivered Alert
	require.NoError(t, json.Unmarshal(gotBody, &delivered))
	assert.Equal(t, "scan_abc123", delivered.ShareID)
	assert.Equal(t, verdict.RatingCritical, delivered.Rating)
	assert.Equal(t, "verdict.flagged", delivered.Event)

	assert.Equal(t, "verdict.flagged", gotHeader.Get("X-MoveSentry-Event"))
	assert.Equal(t, "1748779200", gotHeader.Get("X-MoveSentry-Timestamp"))
	assert.Equal(t, Sign(gotBody, "s3cret"), gotHeader.Get("X-MoveSentry-Signature"))

	updated, err := store.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, updated.LastSuccess)
	assert.Empty(t, updated.LastError)
}

func TestDispatch_FallsBackToGlobalSecret(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotSig string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-MoveSentry-Signature")
	}))
	defer ts.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), activeSub("sub_1", ts.URL)))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), sampleAlert()))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Sign(gotBody, "global-secret"), gotSig)
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer ts.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), activeSub("sub_1", ts.URL)))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), sampleAlert()))
	d.Wait()

	assert.Equal(t, int64(2), hits.Load())
	updated, err := store.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.NotNil(t, updated.LastSuccess)
}

func TestDispatch_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), activeSub("sub_1", ts.URL)))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), sampleAlert()))
	d.Wait()

	assert.Equal(t, int64(1), hits.Load())
	updated, err := store.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Nil(t, updated.LastSuccess)
	assert.Contains(t, updated.LastError, "status 401")
}

func TestDispatch_FiltersByRatingAndNetwork(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	ctx := context.Background()

	tooStrict := activeSub("sub_a", ts.URL+"/a")
	tooStrict.MinRating = verdict.RatingCritical
	require.NoError(t, store.Create(ctx, tooStrict))

	wrongNetwork := activeSub("sub_b", ts.URL+"/b")
	wrongNetwork.Networks = []string{"testnet"}
	require.NoError(t, store.Create(ctx, wrongNetwork))

	defaultThreshold := activeSub("sub_c", ts.URL+"/c")
	defaultThreshold.MinRating = "" // defaults to high
	require.NoError(t, store.Create(ctx, defaultThreshold))

	alert := sampleAlert()
	alert.Rating = verdict.RatingHigh

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, alert))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/c"}, paths)
}

func TestDispatch_BlockedURLRecordsFailure(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), activeSub("sub_1", ts.URL)))

	// Default validator stays in place; the httptest server sits on
	// loopback and must be refused.
	d := NewDispatcher(store, "global-secret", testLogger())
	require.NoError(t, d.Dispatch(context.Background(), sampleAlert()))
	d.Wait()

	assert.Equal(t, int64(0), hits.Load())
	updated, err := store.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Contains(t, updated.LastError, "blocked URL")
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"rating":"critical"}`), "s3cret")
	assert.Len(t, sig, 64)
	assert.Equal(t, Sign([]byte(`{"rating":"critical"}`), "s3cret"), sig)
	assert.NotEqual(t, Sign([]byte(`{"rating":"critical"}`), "other"), sig)
}

func TestRatingFromString(t *testing.T) {
	assert.Equal(t, verdict.RatingHigh, ratingFromString("HIGH"))
	assert.Equal(t, verdict.RatingMedium, ratingFromString(" medium "))
	assert.Equal(t, verdict.Rating(""), ratingFromString("junk"))
	assert.Equal(t, verdict.Rating(""), ratingFromString(""))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := activeSub("sub_1", "https://example.com/hook")
	require.NoError(t, store.Create(ctx, sub))

	// Mutating the caller's copy must not leak into the store.
	sub.URL = "https://changed.example.com"
	got, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.URL)

	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	inactive := activeSub("sub_0", "https://example.com/other")
	inactive.Active = false
	require.NoError(t, store.Create(ctx, inactive))
	require.NoError(t, store.Create(ctx, activeSub("sub_2", "https://example.com/two")))
	require.NoError(t, store.Create(ctx, activeSub("sub_3", "https://example.com/three")))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "sub_2", active[0].ID)
	assert.Equal(t, "sub_3", active[1].ID)

	require.NoError(t, store.Delete(ctx, "sub_2"))
	_, err = store.Get(ctx, "sub_2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "sub_2"), ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, activeSub("sub_9", "https://example.com/nine")), ErrNotFound)
}
