package tftp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the per-session counter set named in the data model: bytes
// moved, duplicate packets seen, bytes retransmitted, and the session's
// wall-clock span.
type Metrics struct {
	Bytes       uint64
	Duplicates  int
	ResentBytes uint64
	StartTime   time.Time
	EndTime     time.Time
}

// Duration reports how long the transfer ran, or zero if it hasn't ended.
func (m Metrics) Duration() time.Duration {
	if m.EndTime.IsZero() || m.StartTime.IsZero() {
		return 0
	}
	return m.EndTime.Sub(m.StartTime)
}

// KilobitsPerSecond reports the average transfer rate, or 0 if the
// duration is too short to be meaningful.
func (m Metrics) KilobitsPerSecond() float64 {
	d := m.Duration()
	if d <= 0 {
		return 0
	}
	return float64(m.Bytes) * 8 / 1000 / d.Seconds()
}

// serverMetrics mirrors Metrics into Prometheus collectors, following the
// registerer-injection pattern used for socket-level counters elsewhere in
// the retrieved pack. A nil Registerer simply means the collectors are
// never exposed; they remain fully functional so the rest of the server
// never needs to nil-check them.
type serverMetrics struct {
	transfersTotal   *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	duplicatePackets prometheus.Counter
	resentBytes      prometheus.Counter
	activeSessions   prometheus.Gauge
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftp_transfers_total",
			Help: "Completed TFTP transfers, partitioned by role and outcome.",
		}, []string{"role", "outcome"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftp_bytes_total",
			Help: "Bytes moved over completed TFTP transfers, partitioned by role.",
		}, []string{"role"}),
		duplicatePackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftp_duplicate_packets_total",
			Help: "Duplicate DATA/ACK packets observed across all sessions.",
		}),
		resentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftp_resent_bytes_total",
			Help: "Bytes retransmitted across all sessions.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tftp_active_sessions",
			Help: "TFTP sessions currently in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transfersTotal, m.bytesTotal, m.duplicatePackets, m.resentBytes, m.activeSessions)
	}
	return m
}

func (m *serverMetrics) sessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *serverMetrics) sessionEnded(role Role, outcome State, metrics Metrics) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.transfersTotal.WithLabelValues(role.String(), outcome.String()).Inc()
	m.bytesTotal.WithLabelValues(role.String()).Add(float64(metrics.Bytes))
	m.duplicatePackets.Add(float64(metrics.Duplicates))
	m.resentBytes.Add(float64(metrics.ResentBytes))
}
