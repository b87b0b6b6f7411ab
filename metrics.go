package authmw

import "github.com/prometheus/client_golang/prometheus"

// Request outcomes recorded by Metrics.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeExcluded      = "excluded"
	OutcomeRejected      = "rejected"
	OutcomeRefreshed     = "refreshed"
)

// Metrics holds the middleware counters. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	refresh  *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authmw",
			Name:      "requests_total",
			Help:      "Authentication decisions by outcome.",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authmw",
			Name:      "refresh_total",
			Help:      "Expired token refresh attempts by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.refresh} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveRequest counts one authentication decision.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveRefresh counts one refresh attempt.
func (m *Metrics) ObserveRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.refresh.WithLabelValues(result).Inc()
}
