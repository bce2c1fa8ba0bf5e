// Package metrics wires the engine's counters and gauges into Prometheus.
// Every call site treats metrics as pure observability: spec.md is
// explicit that the clock/metrics collaborator "does not affect
// semantics" (§6), so nothing here is on a correctness-critical path.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the engine's instruments behind a constructor so
// multiple LSM instances in one process (e.g. in tests) don't collide on
// the default Prometheus registry.
type Registry struct {
	LiveBytes  *prometheus.GaugeVec
	DeadBytes  *prometheus.GaugeVec
	Puts       prometheus.Counter
	Gets       prometheus.Counter
	Dels       prometheus.Counter
	OOM        prometheus.Counter
	Relocated  prometheus.Counter
	Retired    prometheus.Counter
	reg        *prometheus.Registry
}

// New builds a Registry backed by a private prometheus.Registry so tests
// can construct many Registries without "duplicate metrics collector
// registration attempted" panics.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		LiveBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nibble",
			Name:      "segment_live_bytes",
			Help:      "Live bytes tracked per socket across all non-retired segments.",
		}, []string{"socket"}),
		DeadBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nibble",
			Name:      "segment_dead_bytes",
			Help:      "Dead bytes tracked per socket across all non-retired segments.",
		}, []string{"socket"}),
		Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nibble", Name: "puts_total", Help: "Completed PUT operations.",
		}),
		Gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nibble", Name: "gets_total", Help: "Completed GET operations.",
		}),
		Dels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nibble", Name: "dels_total", Help: "Completed DEL operations.",
		}),
		OOM: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nibble", Name: "oom_total", Help: "Append attempts that failed with OutOfMemory.",
		}),
		Relocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nibble", Name: "compaction_relocated_total", Help: "Records relocated by the compactor.",
		}),
		Retired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nibble", Name: "compaction_retired_total", Help: "Segments retired by the compactor.",
		}),
	}
	reg.MustRegister(r.LiveBytes, r.DeadBytes, r.Puts, r.Gets, r.Dels, r.OOM, r.Relocated, r.Retired)
	return r
}

// Gatherer exposes the private registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
