// Package observability exposes prometheus metrics for the relay.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/sessionrelay/internal/domain"
)

const namespace = "relay"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Number of sessions currently in each state.",
		},
		[]string{"state"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state.",
		},
		[]string{"state"},
	)
	deliveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "outcomes_total",
			Help:      "Outbound job outcomes by status.",
		},
		[]string{"status"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending outbound jobs.",
		},
	)
	inboundDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "decisions_total",
			Help:      "Inbound messages by routing decision.",
		},
		[]string{"decision"},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook POSTs by result.",
		},
		[]string{"success"},
	)

	stateMu       sync.Mutex
	lastStateByID = map[string]domain.SessionState{}
)

// RegisterMetrics registers every collector with the default registry. It is
// safe to call repeatedly.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionStates, sessionTransitions,
			deliveryOutcomes, queueDepth,
			inboundDecisions, webhookDeliveries,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// RecordHTTPRequest counts one served request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordSessionState moves a session between state gauges. A snapshot whose
// state is empty removes the session.
func RecordSessionState(snap domain.SessionSnapshot) {
	RegisterMetrics()
	stateMu.Lock()
	defer stateMu.Unlock()

	prev, known := lastStateByID[snap.ID]
	if known && prev == snap.State {
		return
	}
	if known {
		sessionStates.WithLabelValues(string(prev)).Dec()
	}
	if snap.State == "" {
		delete(lastStateByID, snap.ID)
		return
	}
	lastStateByID[snap.ID] = snap.State
	sessionStates.WithLabelValues(string(snap.State)).Inc()
	sessionTransitions.WithLabelValues(string(snap.State)).Inc()
}

// RecordDelivery counts one job outcome.
func RecordDelivery(status domain.DeliveryStatus) {
	RegisterMetrics()
	deliveryOutcomes.WithLabelValues(string(status)).Inc()
}

// SetQueueDepth publishes the pending job count.
func SetQueueDepth(n int) {
	RegisterMetrics()
	queueDepth.Set(float64(n))
}

// RecordInboundDecision counts one routed inbound message.
func RecordInboundDecision(decision string) {
	RegisterMetrics()
	inboundDecisions.WithLabelValues(decision).Inc()
}

// RecordWebhook counts one webhook attempt.
func RecordWebhook(err error) {
	RegisterMetrics()
	webhookDeliveries.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
}
