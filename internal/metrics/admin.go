package metrics

import "github.com/prometheus/client_golang/prometheus"

// AdminMetrics holds the admin API and viewer feed collectors.
type AdminMetrics struct {
	LoginAttempts     *prometheus.CounterVec
	Actions           *prometheus.CounterVec
	ViewerSubscribers prometheus.Gauge
}

// NewAdminMetrics creates and registers admin metrics on the given registry.
func NewAdminMetrics(reg prometheus.Registerer) *AdminMetrics {
	m := &AdminMetrics{
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "login_attempts_total",
			Help:      "Admin login attempts, by result.",
		}, []string{"result"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "actions_total",
			Help:      "Admin key actions, by action.",
		}, []string{"action"}),
		ViewerSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "subscribers",
			Help:      "Number of open viewer event streams.",
		}),
	}

	reg.MustRegister(m.LoginAttempts, m.Actions, m.ViewerSubscribers)
	return m
}
