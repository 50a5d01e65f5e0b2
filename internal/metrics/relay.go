package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics holds the broadcaster socket collectors.
type RelayMetrics struct {
	ActiveSockets       prometheus.Gauge
	AuthenticatedKeys   prometheus.Gauge
	RejectedConnections *prometheus.CounterVec
	Messages            *prometheus.CounterVec
	Updates             *prometheus.CounterVec
	Closes              *prometheus.CounterVec
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_sockets",
			Help:      "Number of admitted broadcaster sockets.",
		}),
		AuthenticatedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "authenticated_keys",
			Help:      "Number of API keys with a live authenticated socket.",
		}),
		RejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rejected_connections_total",
			Help:      "Sockets refused at admission, by reason.",
		}, []string{"reason"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Inbound socket messages, by type.",
		}, []string{"type"}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "updates_total",
			Help:      "Scoreboard updates, by outcome.",
		}, []string{"outcome"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "server_closes_total",
			Help:      "Sockets closed by the server, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveSockets, m.AuthenticatedKeys, m.RejectedConnections, m.Messages, m.Updates, m.Closes)
	return m
}
