package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EnvelopesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Name:      "envelopes_published_total",
		Help:      "Envelopes published on the conversation bus, by type.",
	}, []string{"type"})

	SubscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Name:      "bus_subscribers_evicted_total",
		Help:      "Subscribers dropped because their queue was full.",
	})

	OpenSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchtalk",
		Name:      "push_sessions_open",
		Help:      "Open push stream sessions, by transport.",
	}, []string{"transport"})

	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Name:      "push_heartbeats_total",
		Help:      "Keepalive frames written to push streams.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Name:      "messages_sent_total",
		Help:      "Messages persisted and published.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by bucket.",
	}, []string{"bucket"})

	OfflineNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchtalk",
		Name:      "offline_notifications_total",
		Help:      "Offline recipient emails, by result.",
	}, []string{"result"})
)

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
