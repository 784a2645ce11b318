// Package threatfeed aggregates address reputation from external threat
// intelligence sources and the locally curated denylist.
//
// Sources are queried in parallel with individual timeouts, rate limits
// and circuit breaking, so one slow or dead feed never stalls an
// analysis. Verdicts are combined into a weighted confidence where
// malicious votes count 1.5x, and cached with TTLs that re-check flagged
// addresses sooner than clean ones.
package threatfeed

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/movesentry/movesentry/internal/circuitbreaker"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/syncutil"
	"github.com/movesentry/movesentry/internal/txn"
)

const (
	sourceTimeout  = 5 * time.Second
	maliciousBoost = 1.5

	ttlMalicious = 5 * time.Minute
	ttlClean     = time.Hour
	ttlPartial   = time.Minute

	batchChunkSize  = 10
	batchChunkDelay = 100 * time.Millisecond
)

// Verdict is a single source's opinion of an address.
type Verdict struct {
	Malicious  bool
	Confidence float64
	RiskScore  float64
	Tags       []string
}

// Source is one upstream reputation provider.
type Source interface {
	Name() string
	Weight() float64
	Check(ctx context.Context, address, network string) (*Verdict, error)
}

// SourceResult is one source's contribution to a Response. Err is set
// when the source was skipped or failed; such results are excluded from
// the weighted aggregate.
type SourceResult struct {
	Source     string   `json:"source"`
	Malicious  bool     `json:"malicious"`
	Confidence float64  `json:"confidence"`
	RiskScore  float64  `json:"riskScore"`
	Tags       []string `json:"tags,omitempty"`
	LatencyMS  int64    `json:"latencyMs"`
	Err        string   `json:"error,omitempty"`
}

// Response is the aggregated reputation of an address.
type Response struct {
	Address          string         `json:"address"`
	Network          string         `json:"network"`
	Sources          []SourceResult `json:"sources"`
	Malicious        bool           `json:"malicious"`
	Confidence       float64        `json:"confidence"`
	RiskScore        float64        `json:"riskScore"`
	Tags             []string       `json:"tags,omitempty"`
	SourcesResponded int            `json:"sourcesResponded"`
	CacheHit         bool           `json:"cacheHit"`
	ExpiresAt        time.Time      `json:"expiresAt"`
}

type sourceSlot struct {
	src     Source
	limiter *rate.Limiter // nil for local sources
	guarded bool          // subject to the circuit breaker
}

// Aggregator fans queries out to all registered sources and combines
// their verdicts.
type Aggregator struct {
	log     *slog.Logger
	slots   []sourceSlot
	cache   *cache
	locks   *syncutil.KeyedMutex
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

// New creates an aggregator with no sources. Register them with
// AddRemoteSource and AddLocalSource.
func New(log *slog.Logger) *Aggregator {
	return &Aggregator{
		log:     log,
		cache:   newCache(),
		locks:   syncutil.NewKeyedMutex(),
		breaker: circuitbreaker.New(3, 30*time.Second),
		now:     time.Now,
	}
}

// AddRemoteSource registers a network-backed source throttled to rps
// requests per second and protected by the circuit breaker.
func (a *Aggregator) AddRemoteSource(src Source, rps float64) *Aggregator {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	a.slots = append(a.slots, sourceSlot{
		src:     src,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		guarded: true,
	})
	return a
}

// AddLocalSource registers an in-process source. Local sources are never
// rate limited or circuit broken.
func (a *Aggregator) AddLocalSource(src Source) *Aggregator {
	a.slots = append(a.slots, sourceSlot{src: src})
	return a
}

// WithBreaker replaces the default circuit breaker.
func (a *Aggregator) WithBreaker(b *circuitbreaker.Breaker) *Aggregator {
	a.breaker = b
	return a
}

// WithClock overrides the cache clock for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Query returns the aggregated reputation of address on network. The
// result is cached; concurrent callers for the same address share a
// single fill. An error is returned only for an unparseable address or
// a cancelled context.
func (a *Aggregator) Query(ctx context.Context, address, network string) (*Response, error) {
	normalized, err := txn.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	key := cacheKey(network, normalized)

	if resp, ok := a.cache.get(key, a.now()); ok {
		metrics.ThreatFeedCacheHitsTotal.WithLabelValues("hit").Inc()
		return asCacheHit(resp), nil
	}
	metrics.ThreatFeedCacheHitsTotal.WithLabelValues("miss").Inc()

	unlock, err := a.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A concurrent caller may have committed the entry while we waited.
	if resp, ok := a.cache.get(key, a.now()); ok {
		return asCacheHit(resp), nil
	}

	resp := a.fill(ctx, normalized, network)
	if ttl := a.ttlFor(resp); ttl > 0 {
		resp.ExpiresAt = a.now().Add(ttl)
		a.cache.put(key, resp, resp.ExpiresAt)
	}
	return resp, nil
}

// QueryBatch looks up many addresses, at most batchChunkSize concurrently
// with a short pause between chunks to stay inside upstream quotas.
// Unparseable addresses are skipped. The result maps each input address
// to its response.
func (a *Aggregator) QueryBatch(ctx context.Context, addresses []string, network string) map[string]*Response {
	out := make(map[string]*Response, len(addresses))
	var mu sync.Mutex

	for start := 0; start < len(addresses); start += batchChunkSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(batchChunkDelay):
			}
		}

		end := start + batchChunkSize
		if end > len(addresses) {
			end = len(addresses)
		}

		var wg sync.WaitGroup
		for _, addr := range addresses[start:end] {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				resp, err := a.Query(ctx, addr, network)
				if err != nil {
					a.log.WarnContext(ctx, "batch reputation lookup skipped",
						"address", addr, "error", err)
					return
				}
				mu.Lock()
				out[addr] = resp
				mu.Unlock()
			}(addr)
		}
		wg.Wait()
	}
	return out
}

// Janitor evicts expired cache entries until ctx is cancelled.
func (a *Aggregator) Janitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.cache.purge(a.now()); n > 0 {
				a.log.Debug("threat feed cache purged", "evicted", n)
			}
		}
	}
}

func (a *Aggregator) fill(ctx context.Context, address, network string) *Response {
	resp := &Response{
		Address: address,
		Network: network,
		Sources: make([]SourceResult, len(a.slots)),
	}

	var wg sync.WaitGroup
	for i, slot := range a.slots {
		wg.Add(1)
		go func(i int, slot sourceSlot) {
			defer wg.Done()
			resp.Sources[i] = a.checkSource(ctx, slot, address, network)
		}(i, slot)
	}
	wg.Wait()

	a.aggregate(resp)
	return resp
}

func (a *Aggregator) checkSource(ctx context.Context, slot sourceSlot, address, network string) SourceResult {
	name := slot.src.Name()
	res := SourceResult{Source: name}

	if slot.limiter != nil && !slot.limiter.Allow() {
		res.Err = "rate limited"
		metrics.ThreatFeedLookupsTotal.WithLabelValues(name, "rate_limited").Inc()
		return res
	}
	if slot.guarded && !a.breaker.Allow(name) {
		res.Err = "circuit open"
		metrics.ThreatFeedLookupsTotal.WithLabelValues(name, "circuit_open").Inc()
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := slot.src.Check(cctx, address, network)
	res.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		if slot.guarded {
			a.breaker.RecordFailure(name)
		}
		res.Err = err.Error()
		metrics.ThreatFeedLookupsTotal.WithLabelValues(name, "error").Inc()
		a.log.WarnContext(ctx, "threat feed source failed",
			"source", name, "address", address, "error", err)
		return res
	}
	if slot.guarded {
		a.breaker.RecordSuccess(name)
	}

	res.Malicious = verdict.Malicious
	res.Confidence = clampConf(verdict.Confidence)
	res.RiskScore = verdict.RiskScore
	res.Tags = verdict.Tags

	outcome := "clean"
	if verdict.Malicious {
		outcome = "malicious"
	}
	metrics.ThreatFeedLookupsTotal.WithLabelValues(name, outcome).Inc()
	return res
}

// aggregate combines valid source results into the top-level verdict.
// Malicious is an OR; confidence and risk score are weighted means where
// a malicious vote's weight is boosted so one strong detection outvotes
// several weak all-clears.
func (a *Aggregator) aggregate(resp *Response) {
	var sumConf, sumRisk, sumWeight float64
	tagSet := make(map[string]struct{})

	for i, r := range resp.Sources {
		if r.Err != "" {
			continue
		}
		resp.SourcesResponded++

		weight := a.slots[i].src.Weight()
		boost := 1.0
		if r.Malicious {
			boost = maliciousBoost
			resp.Malicious = true
		}
		sumConf += weight * r.Confidence * boost
		sumRisk += weight * r.RiskScore * boost
		sumWeight += weight * boost

		for _, tag := range r.Tags {
			tagSet[tag] = struct{}{}
		}
	}

	if sumWeight > 0 {
		resp.Confidence = sumConf / sumWeight
		resp.RiskScore = sumRisk / sumWeight
	}

	if len(tagSet) > 0 {
		resp.Tags = make([]string, 0, len(tagSet))
		for tag := range tagSet {
			resp.Tags = append(resp.Tags, tag)
		}
		sort.Strings(resp.Tags)
	}
}

// ttlFor picks the cache TTL. Partial failures age out quickly, malicious
// verdicts are re-checked sooner than clean ones, and a response no source
// contributed to is never cached.
func (a *Aggregator) ttlFor(resp *Response) time.Duration {
	switch {
	case resp.SourcesResponded == 0:
		return 0
	case resp.SourcesResponded < len(a.slots):
		return ttlPartial
	case resp.Malicious:
		return ttlMalicious
	default:
		return ttlClean
	}
}

func asCacheHit(resp *Response) *Response {
	hit := *resp
	hit.CacheHit = true
	return &hit
}

func cacheKey(network, address string) string {
	return strings.ToLower(network) + ":" + strings.ToLower(address)
}

func clampConf(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
