// Package metrics provides Prometheus instrumentation for MoveSentry.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "movesentry",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AnalysesTotal counts completed analyses by final rating.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "analyses_total",
			Help:      "Total transaction analyses by final risk rating.",
		},
		[]string{"rating"},
	)

	// AnalysisDuration observes end-to-end analysis latency.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "movesentry",
		Name:      "analysis_duration_seconds",
		Help:      "End-to-end analysis duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
	})

	// StageDuration observes per-stage pipeline latency.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "movesentry",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	// StageEscalationsTotal counts pipeline stage escalations by reason.
	StageEscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "stage_escalations_total",
			Help:      "Total pipeline escalations by target stage and reason.",
		},
		[]string{"stage", "reason"},
	)

	// PatternHitsTotal counts pattern rule matches by rule ID.
	PatternHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "pattern_hits_total",
			Help:      "Total pattern rule matches by rule ID.",
		},
		[]string{"rule"},
	)

	// LLMRequestsTotal counts LLM API calls by stage and outcome.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "llm_requests_total",
			Help:      "Total LLM requests by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// ThreatFeedLookupsTotal counts threat feed lookups by source and result.
	ThreatFeedLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "threatfeed_lookups_total",
			Help:      "Total threat intelligence lookups by source and result.",
		},
		[]string{"source", "result"},
	)

	// ThreatFeedCacheHitsTotal counts threat feed cache hits and misses.
	ThreatFeedCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "threatfeed_cache_total",
			Help:      "Threat feed cache lookups by outcome (hit/miss).",
		},
		[]string{"outcome"},
	)

	// AgenticIterations observes how many tool iterations investigations take.
	AgenticIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "movesentry",
		Name:      "agentic_iterations",
		Help:      "Tool-call iterations per agentic investigation.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	// SimulationRequestsTotal counts fullnode simulation calls by outcome.
	SimulationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "simulation_requests_total",
			Help:      "Total fullnode simulation requests by outcome.",
		},
		[]string{"outcome"},
	)

	// AlertDeliveriesTotal counts alert webhook delivery attempts by result.
	AlertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "movesentry",
			Name:      "alert_deliveries_total",
			Help:      "Total alert deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "movesentry",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "movesentry", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "movesentry", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "movesentry", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "movesentry", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "movesentry", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "movesentry", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AnalysesTotal,
		AnalysisDuration,
		StageDuration,
		StageEscalationsTotal,
		PatternHitsTotal,
		LLMRequestsTotal,
		ThreatFeedLookupsTotal,
		ThreatFeedCacheHitsTotal,
		AgenticIterations,
		SimulationRequestsTotal,
		AlertDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
