// Package metrics holds the Prometheus collectors of the sync daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "academy_sync"

// Metrics groups every collector.
type Metrics struct {
	registry *prometheus.Registry

	EventsEmitted        *prometheus.CounterVec
	EventsReplayed       *prometheus.CounterVec
	SubscriberPanics     *prometheus.CounterVec
	Subscriptions        prometheus.Gauge
	PollTicks            prometheus.Counter
	GuestSessionsStarted prometheus.Counter
	GuestStartFailures   *prometheus.CounterVec
	GuestExpirations     prometheus.Counter
	GuestRemaining       prometheus.Gauge
	LessonCompletions    *prometheus.CounterVec
	AnswerSubmissions    *prometheus.CounterVec
	AutosaveAttempts     *prometheus.CounterVec
	Refreshes            *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them, along with Go and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_emitted_total",
			Help: "Sync events emitted, by type",
		}, []string{"type"}),
		EventsReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_replayed_total",
			Help: "Buffered sync events replayed to late subscribers, by type",
		}, []string{"type"}),
		SubscriberPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriber_panics_total",
			Help: "Subscriber callbacks that panicked, by event type",
		}, []string{"type"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscriptions_active",
			Help: "Registered event bus subscriptions",
		}),
		PollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_ticks_total",
			Help: "Polling fallback ticks that announced force-refresh",
		}),
		GuestSessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "guest_sessions_started_total",
			Help: "Guest sessions created by the server",
		}),
		GuestStartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "guest_session_start_failures_total",
			Help: "Failed guest session starts, by reason",
		}, []string{"reason"}),
		GuestExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "guest_session_expirations_total",
			Help: "Guest sessions that ran out of time",
		}),
		GuestRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "guest_session_remaining_seconds",
			Help: "Seconds left in the active guest session",
		}),
		LessonCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lesson_completions_total",
			Help: "Lesson completion attempts, by outcome",
		}, []string{"outcome"}),
		AnswerSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "answer_submissions_total",
			Help: "Exercise answer submissions, by outcome",
		}, []string{"outcome"}),
		AutosaveAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "autosave_attempts_total",
			Help: "Paragraph auto-save attempts, by outcome",
		}, []string{"outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refreshes_total",
			Help: "Lesson and progress refreshes, by outcome",
		}, []string{"outcome"}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "api_request_duration_seconds",
			Help:    "Academy API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsEmitted,
		m.EventsReplayed,
		m.SubscriberPanics,
		m.Subscriptions,
		m.PollTicks,
		m.GuestSessionsStarted,
		m.GuestStartFailures,
		m.GuestExpirations,
		m.GuestRemaining,
		m.LessonCompletions,
		m.AnswerSubmissions,
		m.AutosaveAttempts,
		m.Refreshes,
		m.APIRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventReplayed(eventType string) {
	if m == nil {
		return
	}
	m.EventsReplayed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SubscriberPanicked(eventType string) {
	if m == nil {
		return
	}
	m.SubscriberPanics.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

func (m *Metrics) PollTicked() {
	if m == nil {
		return
	}
	m.PollTicks.Inc()
}

func (m *Metrics) GuestStarted() {
	if m == nil {
		return
	}
	m.GuestSessionsStarted.Inc()
}

func (m *Metrics) GuestStartFailed(reason string) {
	if m == nil {
		return
	}
	m.GuestStartFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) GuestExpired() {
	if m == nil {
		return
	}
	m.GuestExpirations.Inc()
}

func (m *Metrics) SetGuestRemaining(seconds int) {
	if m == nil {
		return
	}
	m.GuestRemaining.Set(float64(seconds))
}

func (m *Metrics) LessonCompletion(outcome string) {
	if m == nil {
		return
	}
	m.LessonCompletions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AnswerSubmission(outcome string) {
	if m == nil {
		return
	}
	m.AnswerSubmissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AutosaveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.AutosaveAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAPI(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.APIRequestDuration.WithLabelValues(operation, status).Observe(seconds)
}
