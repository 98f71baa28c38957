package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts network-visible manager activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Refreshes *prometheus.CounterVec
	Auths     *prometheus.CounterVec
	Callbacks *prometheus.CounterVec
	Retries   *prometheus.CounterVec
}

// NewMetrics registers the manager's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_oauth_refreshes_total",
			Help: "Token refresh requests sent to providers, by outcome",
		}, []string{"provider", "outcome"}),
		Auths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_oauth_auth_flows_total",
			Help: "Interactive authorization flows, by outcome",
		}, []string{"provider", "outcome"}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_oauth_callbacks_total",
			Help: "Authorization callbacks handled, by outcome",
		}, []string{"provider", "outcome"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhost_oauth_unauthorized_retries_total",
			Help: "Requests retried after a 401 response",
		}, []string{"provider"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) refresh(provider string, err error) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(provider, outcome(err)).Inc()
}

func (m *Metrics) auth(provider string, err error) {
	if m == nil {
		return
	}
	m.Auths.WithLabelValues(provider, outcome(err)).Inc()
}

func (m *Metrics) callback(provider string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Callbacks.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) retry(provider string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(provider).Inc()
}
