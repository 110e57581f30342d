// Package stats keeps per-method call counts and cumulative latency.
//
// The collection is a slice sorted by method name so lookups are a binary search. A single mutex
// guards the whole slice; it is held for one lookup plus update (or one copy) and never across I/O.
// Every record is mirrored into a VictoriaMetrics set for Prometheus scraping.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// MethodStats is the aggregate for one method.
type MethodStats struct {
	Name     string
	Requests uint64
	TimeMs   uint64
}

// MethodSnapshot is the rendered form of MethodStats.
type MethodSnapshot struct {
	Req  uint64  `json:"req"`
	Time uint64  `json:"time"`
	Avg  float64 `json:"avg"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	methods []MethodStats // sorted by Name
	set     *metrics.Set
}

// New returns an empty registry with its own metrics set.
func New() *Registry {
	return &Registry{set: metrics.NewSet()}
}

// Record adds one completed call of the named method.
func (r *Registry) Record(name string, elapsed time.Duration) {
	ms := uint64(elapsed.Milliseconds())

	r.mu.Lock()
	idx := r.search(name)
	if idx < len(r.methods) && r.methods[idx].Name == name {
		r.methods[idx].Requests++
		r.methods[idx].TimeMs += ms
	} else {
		r.methods = append(r.methods, MethodStats{})
		copy(r.methods[idx+1:], r.methods[idx:])
		r.methods[idx] = MethodStats{Name: name, Requests: 1, TimeMs: ms}
	}
	r.mu.Unlock()

	r.set.GetOrCreateCounter(fmt.Sprintf(`rpc_requests_total{method=%q}`, name)).Inc()
	r.set.GetOrCreateHistogram(fmt.Sprintf(`rpc_request_duration_seconds{method=%q}`, name)).Update(elapsed.Seconds())
}

// search returns the index of name, or the index it would be inserted at.
// The caller holds mu.
func (r *Registry) search(name string) int {
	return sort.Search(len(r.methods), func(i int) bool {
		return r.methods[i].Name >= name
	})
}

// Lookup returns the aggregate for name.
func (r *Registry) Lookup(name string) (MethodStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.search(name)
	if idx < len(r.methods) && r.methods[idx].Name == name {
		return r.methods[idx], true
	}
	return MethodStats{}, false
}

// Entries returns a copy of all aggregates in name order.
func (r *Registry) Entries() []MethodStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MethodStats, len(r.methods))
	copy(out, r.methods)
	return out
}

// Snapshot renders all aggregates keyed by method name. An entry never has zero requests, so the
// average is always defined.
func (r *Registry) Snapshot() map[string]MethodSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]MethodSnapshot, len(r.methods))
	for _, m := range r.methods {
		out[m.Name] = MethodSnapshot{
			Req:  m.Requests,
			Time: m.TimeMs,
			Avg:  float64(m.TimeMs) / float64(m.Requests),
		}
	}
	return out
}

// Metrics returns the metrics set mirrored by Record.
func (r *Registry) Metrics() *metrics.Set { return r.set }
