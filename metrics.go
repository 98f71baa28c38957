package modhost

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the runtime's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ModuleInits   *prometheus.CounterVec
	InitDuration  *prometheus.HistogramVec
	Calls         *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	Broadcasts    *prometheus.CounterVec
	ReadinessSeen *prometheus.CounterVec
}

// NewMetrics registers the runtime collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ModuleInits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_module_initializations_total",
			Help: "Module initialization outcomes.",
		}, []string{"context", "module", "outcome"}),
		InitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modhost_module_initialization_seconds",
			Help:    "Time spent in module Initialize.",
			Buckets: prometheus.DefBuckets,
		}, []string{"context", "module"}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_calls_total",
			Help: "Action calls by route and outcome.",
		}, []string{"context", "route", "outcome"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modhost_call_seconds",
			Help:    "Action call latency, including readiness waits.",
			Buckets: prometheus.DefBuckets,
		}, []string{"context", "route"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_broadcasts_total",
			Help: "Readiness broadcasts by outcome.",
		}, []string{"context", "outcome"}),
		ReadinessSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_readiness_transitions_total",
			Help: "Readiness transitions applied to the local table.",
		}, []string{"context", "state", "origin"}),
	}
}

func (m *Metrics) moduleInit(ctx ContextName, module string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.ModuleInits.WithLabelValues(string(ctx), module, outcome(err)).Inc()
	m.InitDuration.WithLabelValues(string(ctx), module).Observe(time.Since(started).Seconds())
}

func (m *Metrics) call(ctx ContextName, route string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(string(ctx), route, outcome(err)).Inc()
	m.CallDuration.WithLabelValues(string(ctx), route).Observe(time.Since(started).Seconds())
}

func (m *Metrics) broadcast(ctx ContextName, err error) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(string(ctx), outcome(err)).Inc()
}

func (m *Metrics) readiness(ctx ContextName, state Readiness, origin string) {
	if m == nil {
		return
	}
	m.ReadinessSeen.WithLabelValues(string(ctx), string(state), origin).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
