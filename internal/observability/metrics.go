package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "echoctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	refreshRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Identity refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)
	refreshDelay = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_next_delay_seconds",
			Help:      "Delay until the next scheduled identity refresh.",
		},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Message channel operations by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)
	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Secure session lifecycle events by role.",
		},
		[]string{"role", "event"},
	)
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Secure sessions currently open.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			refreshRuns,
			refreshDelay,
			messages,
			sessions,
			sessionsOpen,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRefresh counts one refresh run and the delay it scheduled.
func RecordRefresh(success bool, next time.Duration) {
	RegisterMetrics()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	refreshRuns.WithLabelValues(outcome).Inc()
	refreshDelay.Set(next.Seconds())
}

// RecordMessage counts one send/receive/echo with its outcome.
func RecordMessage(direction string, err error) {
	RegisterMetrics()
	messages.WithLabelValues(direction, outcomeLabel(err)).Inc()
}

// RecordSession counts a session event; "open" and "close" also move the gauge.
func RecordSession(role, event string) {
	RegisterMetrics()
	sessions.WithLabelValues(role, event).Inc()
	switch event {
	case "open":
		sessionsOpen.Inc()
	case "close":
		sessionsOpen.Dec()
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
