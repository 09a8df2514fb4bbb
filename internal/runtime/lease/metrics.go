package lease

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes renewal counters. A nil *Metrics records nothing.
type Metrics struct {
	renewals   *prometheus.CounterVec
	terminated prometheus.Counter
}

// NewMetrics creates the lease collectors and registers them on reg. An
// already-registered collector set is reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "lease",
			Name:      "renewals_total",
			Help:      "Lease renewal attempts by result.",
		}, []string{"result"}),
		terminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "lease",
			Name:      "renewals_terminated_total",
			Help:      "Renewal loops that gave up after exhausting their attempts.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	if err := reg.Register(m.renewals); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.renewals = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.terminated); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.terminated = are.ExistingCollector.(prometheus.Counter)
	}
	return m, nil
}

func (m *Metrics) observeRenewal(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Metrics) observeTermination() {
	if m == nil {
		return
	}
	m.terminated.Inc()
}
