// Package health aggregates named subsystem probes for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// probeTimeout bounds each probe so one stuck subsystem cannot hang the
// whole endpoint.
const probeTimeout = 5 * time.Second

// Status is the outcome of probing one subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Probe checks one subsystem, returning nil when it is healthy.
// Implementations must respect ctx.
type Probe func(ctx context.Context) error

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []namedProbe
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, namedProbe{name: name, probe: probe})
	r.mu.Unlock()
}

// CheckAll probes every registered subsystem concurrently and reports
// the aggregate health plus per-subsystem results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := make([]namedProbe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))

	var wg sync.WaitGroup
	for i, np := range probes {
		wg.Add(1)
		go func(i int, np namedProbe) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			err := np.probe(pctx)

			st := Status{
				Name:      np.name,
				Healthy:   err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				st.Detail = err.Error()
			}
			statuses[i] = st
		}(i, np)
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
