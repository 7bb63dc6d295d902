package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketpulse_active_connections",
		Help: "Current number of live websocket connections.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketpulse_active_rooms",
		Help: "Current number of rooms with at least one member.",
	})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_broadcasts_total",
		Help: "Total room broadcasts by event name.",
	}, []string{"event"})

	DroppedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpulse_dropped_connections_total",
		Help: "Connections evicted for inactivity or slow consumption.",
	})

	RateLimitedConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpulse_rate_limited_connects_total",
		Help: "Connection attempts rejected by the per-address rate limit.",
	})
)
