package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the watchdog's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	activityTotal   *prometheus.CounterVec
	evaluationTotal *prometheus.CounterVec
	logoutTotal     *prometheus.CounterVec
	active          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "session",
			Name:      "activity_total",
			Help:      "Activity events by result (recorded, write_failed, ignored).",
		}, []string{"result"}),
		evaluationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "session",
			Name:      "evaluations_total",
			Help:      "Session evaluations by verdict.",
		}, []string{"verdict"}),
		logoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "session",
			Name:      "logouts_total",
			Help:      "Completed logout sequences by reason and remote outcome.",
		}, []string{"reason", "remote"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a session is active.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.activityTotal, m.evaluationTotal, m.logoutTotal, m.active)
	}
	return m
}

func (m *Metrics) activity(result string) {
	if m == nil {
		return
	}
	m.activityTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) evaluated(v Verdict) {
	if m == nil {
		return
	}
	m.evaluationTotal.WithLabelValues(v.String()).Inc()
}

func (m *Metrics) logout(out LogoutOutcome) {
	if m == nil {
		return
	}
	m.logoutTotal.WithLabelValues(string(out.Reason), string(out.Remote)).Inc()
}

func (m *Metrics) setActive(on bool) {
	if m == nil {
		return
	}
	if on {
		m.active.Set(1)
		return
	}
	m.active.Set(0)
}
