package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qcore/qtransport/transport"
)

// metrics bundles the counters/gauges tracked at the multi-connection
// level: loss recovery and congestion control expose their state, and
// the connection table exposes its churn. One prometheus.Registerer
// per subsystem, rather than the global default registry.
type metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	packetsReceived     prometheus.Counter
	packetsSent         prometheus.Counter
	packetsDropped      prometheus.Counter

	smoothedRTT      *prometheus.GaugeVec
	congestionWindow *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qcore",
			Name:      "connections_accepted_total",
			Help:      "QUIC connections accepted by this endpoint.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qcore",
			Name:      "connections_closed_total",
			Help:      "QUIC connections that have reached a closed state.",
		}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qcore",
			Name:      "packets_received_total",
			Help:      "UDP datagrams handed to the connection table.",
		}),
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qcore",
			Name:      "packets_sent_total",
			Help:      "UDP datagrams produced for the host to send.",
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qcore",
			Name:      "packets_dropped_total",
			Help:      "Datagrams dropped before reaching any connection (unroutable, malformed).",
		}),
		smoothedRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qcore",
			Name:      "connection_smoothed_rtt_seconds",
			Help:      "Per-connection smoothed RTT estimate.",
		}, []string{"scid"}),
		congestionWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qcore",
			Name:      "connection_congestion_window_bytes",
			Help:      "Per-connection congestion window.",
		}, []string{"scid"}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionsAccepted, m.connectionsClosed,
			m.packetsReceived, m.packetsSent, m.packetsDropped,
			m.smoothedRTT, m.congestionWindow)
	}
	return m
}

// observe updates the per-connection gauges from the connection's
// current recovery stats (transport.Conn.Stats); forget drops the
// series entirely once the connection is gone so the vectors don't leak.
func (m *metrics) observe(scidHex string, st transport.Stats) {
	m.smoothedRTT.WithLabelValues(scidHex).Set(st.SmoothedRTT.Seconds())
	m.congestionWindow.WithLabelValues(scidHex).Set(float64(st.CongestionWindow))
}

func (m *metrics) forget(scidHex string) {
	m.smoothedRTT.DeleteLabelValues(scidHex)
	m.congestionWindow.DeleteLabelValues(scidHex)
}
