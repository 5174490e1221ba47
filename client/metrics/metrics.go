package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyroom_sessions_opened_total",
			Help: "Total bus sessions that reached CONNECTED",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyroom_reconnect_attempts_total",
			Help: "Total scheduled reconnect attempts",
		},
	)

	ReconnectGiveUps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyroom_reconnect_giveups_total",
			Help: "Total sessions that exhausted reconnect attempts",
		},
	)

	StaleCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyroom_stale_callbacks_total",
			Help: "Callbacks discarded because a newer generation or epoch started",
		},
		[]string{"source"}, // "transport" or "presence"
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyroom_frames_dropped_total",
			Help: "Incoming frames dropped",
		},
		[]string{"reason"}, // "malformed" or "unrouted"
	)

	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studyroom_connected",
			Help: "1 while a bus session is live",
		},
	)

	// Sync metrics
	RosterRefetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyroom_roster_refetches_total",
			Help: "Roster refetches issued",
		},
		[]string{"trigger"}, // "unknown-presence" or "forced"
	)

	WhiteboardFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyroom_whiteboard_events_flushed_total",
			Help: "Queued whiteboard events delivered on connect",
		},
	)

	ChatPagesLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyroom_chat_pages_loaded_total",
			Help: "Chat history pages loaded",
		},
	)
)

// SetConnected mirrors the transport state into the gauge.
func SetConnected(connected bool) {
	if connected {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}
