package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the room service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeRooms       prometheus.Gauge
	activeConnections prometheus.Gauge
	inboundEvents     *prometheus.CounterVec
	broadcasts        *prometheus.CounterVec
	droppedFrames     prometheus.Counter
	throttledJoins    prometheus.Counter
	evictions         prometheus.Counter
	notifications     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quizroom_active_rooms",
			Help: "Number of rooms currently held in memory",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quizroom_active_connections",
			Help: "Number of live transport connections",
		}),
		inboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quizroom_inbound_events_total",
			Help: "Inbound client events by type and outcome",
		}, []string{"type", "outcome"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quizroom_broadcasts_total",
			Help: "Room-wide broadcasts by event type",
		}, []string{"type"}),
		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "quizroom_dropped_frames_total",
			Help: "Outbound frames dropped because a connection buffer was full",
		}),
		throttledJoins: factory.NewCounter(prometheus.CounterOpts{
			Name: "quizroom_throttled_joins_total",
			Help: "Join requests dropped inside the debounce window",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "quizroom_evictions_total",
			Help: "Users removed from a room after the disconnect grace period",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quizroom_notifications_total",
			Help: "Notifications handed to external sinks by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.activeRooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.activeRooms.Dec()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

// InboundEvent counts a dispatched client event; outcome is "ok", "ignored" or "rejected".
func (m *Metrics) InboundEvent(eventType, outcome string) {
	if m != nil {
		m.inboundEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

func (m *Metrics) Broadcast(eventType string) {
	if m != nil {
		m.broadcasts.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}

func (m *Metrics) JoinThrottled() {
	if m != nil {
		m.throttledJoins.Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

// Notification counts a notification outcome: "sent", "failed" or "dropped".
func (m *Metrics) Notification(outcome string) {
	if m != nil {
		m.notifications.WithLabelValues(outcome).Inc()
	}
}
