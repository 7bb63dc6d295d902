package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_deliveries_total",
		Help: "Delivery attempts by channel and resulting status.",
	}, []string{"channel", "status"})

	DeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpulse_deferred_notifications_total",
		Help: "Notifications deferred by quiet hours.",
	})
)
