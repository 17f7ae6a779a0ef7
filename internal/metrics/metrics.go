package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nudge_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	remindersScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_reminders_scheduled_total",
			Help: "Reminders written to the ledger by kind",
		},
		[]string{"kind"},
	)

	remindersCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_reminders_cancelled_total",
			Help: "Reminders removed from the ledger by cancellation",
		},
	)

	remindersPopped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_reminders_popped_total",
			Help: "Due reminders removed from the ledger for dispatch",
		},
	)

	reminderDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_reminder_dispatches_total",
			Help: "Reminder handler invocations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	reminderPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nudge_reminder_poll_duration_seconds",
			Help:    "Reminder worker poll cycle duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_deliveries_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	deliveryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_delivery_attempts_total",
			Help: "Messenger send attempts made by the broker",
		},
	)

	brokerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_broker_queue_depth",
			Help: "Pending notifications in the outbox",
		},
	)

	enqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_notifications_enqueued_total",
			Help: "Notifications enqueued by kind",
		},
		[]string{"kind"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_idempotency_hits_total",
			Help: "Enqueues collapsed onto an existing idempotency key",
		},
	)

	integrationEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_integration_enabled",
			Help: "1 when outbound delivery is enabled, 0 otherwise",
		},
	)

	integrationTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_integration_trips_total",
			Help: "Runtime trips of the integration switch by reason",
		},
		[]string{"reason"},
	)

	contentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_content_events_total",
			Help: "Content-update events by direction and result",
		},
		[]string{"direction", "result"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordReminderScheduled(kind string) {
	remindersScheduled.WithLabelValues(kind).Inc()
}

func RecordRemindersCancelled(n int) {
	remindersCancelled.Add(float64(n))
}

func RecordRemindersPopped(n int) {
	remindersPopped.Add(float64(n))
}

// RecordDispatch records a reminder handler outcome: ok, error, panic, unhandled.
func RecordDispatch(kind, outcome string) {
	reminderDispatches.WithLabelValues(kind, outcome).Inc()
}

func ObservePoll(d time.Duration) {
	reminderPollDuration.Observe(d.Seconds())
}

// RecordDelivery records a broker delivery outcome: sent, retry, deferred, failed, expired.
func RecordDelivery(outcome string) {
	deliveries.WithLabelValues(outcome).Inc()
}

func RecordDeliveryAttempt() {
	deliveryAttempts.Inc()
}

func SetQueueDepth(n int) {
	brokerQueueDepth.Set(float64(n))
}

func RecordEnqueued(kind string) {
	enqueued.WithLabelValues(kind).Inc()
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func SetIntegrationEnabled(enabled bool) {
	if enabled {
		integrationEnabled.Set(1)
		return
	}
	integrationEnabled.Set(0)
}

func RecordIntegrationTrip(reason string) {
	integrationTrips.WithLabelValues(reason).Inc()
}

// RecordContentEvent counts bus traffic; direction is publish or receive.
func RecordContentEvent(direction, result string) {
	contentEvents.WithLabelValues(direction, result).Inc()
}

func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
