// Package kmetrics is the optional instrumentation surface: a small
// set of counters and gauges the fault handler and safety layer report
// through, built on github.com/prometheus/client_golang. Nothing here
// stands up an HTTP endpoint — spec.md §6 is explicit that the core
// defines no wire protocol, so exposing /metrics is left to whatever
// embeds this module.
package kmetrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the interface the fault handler and safety layer depend
// on, so they never import prometheus directly.
type Recorder interface {
	FaultHandled(kind string)
	TLBShootdown(pages int)
	SafetyViolation(class string)
	LiveVMAs(n int)
}

// Registry is a Recorder backed by a private (non-global) prometheus
// registry, so multiple Kernels in the same process (e.g. in tests)
// never collide on metric registration.
type Registry struct {
	reg         *prometheus.Registry
	faults      *prometheus.CounterVec
	shootdowns  prometheus.Counter
	shotPages   prometheus.Counter
	violations  *prometheus.CounterVec
	liveVMAs    prometheus.Gauge
}

// NewRegistry builds a fresh Registry and registers its collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmkernel_faults_total",
			Help: "Page faults handled, by resolution kind.",
		}, []string{"kind"}),
		shootdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmkernel_tlb_shootdowns_total",
			Help: "TLB shootdown broadcasts issued.",
		}),
		shotPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmkernel_tlb_shootdown_pages_total",
			Help: "Pages invalidated across all TLB shootdowns.",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmkernel_safety_violations_total",
			Help: "Safety-layer violations, by class.",
		}, []string{"class"}),
		liveVMAs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmkernel_live_vmas",
			Help: "Current number of VMAs across all address spaces.",
		}),
	}
	r.reg.MustRegister(r.faults, r.shootdowns, r.shotPages, r.violations, r.liveVMAs)
	return r
}

func (r *Registry) FaultHandled(kind string)    { r.faults.WithLabelValues(kind).Inc() }
func (r *Registry) TLBShootdown(pages int) {
	r.shootdowns.Inc()
	r.shotPages.Add(float64(pages))
}
func (r *Registry) SafetyViolation(class string) { r.violations.WithLabelValues(class).Inc() }
func (r *Registry) LiveVMAs(n int)               { r.liveVMAs.Set(float64(n)) }

// Gatherer exposes the underlying registry for an embedder that wants
// to serve /metrics itself.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Discard is a Recorder that does nothing; used by tests and callers
// that do not want metrics.
type discard struct{}

func (discard) FaultHandled(string)    {}
func (discard) TLBShootdown(int)       {}
func (discard) SafetyViolation(string) {}
func (discard) LiveVMAs(int)           {}

// Discard returns a Recorder that drops everything.
func Discard() Recorder { return discard{} }
