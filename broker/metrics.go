package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the broker's set of prometheus gauges and counters: live
// connection and room gauges, per-room participant and operation series,
// rate-limit drop counters, and a dispatch-duration histogram.
type Metrics struct {
	ActiveConnections  prometheus.Gauge
	ActiveRooms        prometheus.Gauge
	RoomParticipants   *prometheus.GaugeVec
	OperationsApplied  *prometheus.CounterVec
	RateLimitDrops     *prometheus.CounterVec
	MessageProcessTime *prometheus.HistogramVec
}

// NewMetrics constructs and registers a Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collabkit_broker_active_connections",
			Help: "Number of currently connected broker sessions.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collabkit_broker_active_rooms",
			Help: "Number of rooms currently held in memory.",
		}),
		RoomParticipants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collabkit_broker_room_participants",
			Help: "Current member count per room.",
		}, []string{"room_id"}),
		OperationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collabkit_broker_operations_applied_total",
			Help: "CRDT operations applied, by room.",
		}, []string{"room_id"}),
		RateLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collabkit_broker_rate_limit_drops_total",
			Help: "Messages dropped for exceeding the per-connection rate limit.",
		}, []string{"reason"}),
		MessageProcessTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "collabkit_broker_message_process_seconds",
			Help: "Time to dispatch one inbound message, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.ActiveConnections, m.ActiveRooms, m.RoomParticipants,
		m.OperationsApplied, m.RateLimitDrops, m.MessageProcessTime,
	)
	return m
}
