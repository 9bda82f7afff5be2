// Package metrics exposes Prometheus counters for webhook, dispatch, AI,
// media and business-webhook outcomes. A nil *Metrics is a valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zapdesk"

// Outcome labels shared across counters.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultIgnored  = "ignored"
	ResultFallback = "fallback"
)

// Metrics owns a private registry so tests can create independent instances.
type Metrics struct {
	registry         *prometheus.Registry
	webhookEvents    *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
	dispatches       *prometheus.CounterVec
	aiCompletions    *prometheus.CounterVec
	aiLatency        prometheus.Histogram
	mediaPersist     *prometheus.CounterVec
	businessWebhooks *prometheus.CounterVec
	reconciled       prometheus.Counter
}

// New registers all collectors, including Go runtime and process metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider webhook events by type and result.",
		}, []string{"type", "result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook processing time by event type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Outbound provider calls by kind and result.",
		}, []string{"kind", "result"}),
		aiCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_completions_total",
			Help:      "AI completions by result; fallback means the fallback message was sent.",
		}, []string{"result"}),
		aiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_completion_duration_seconds",
			Help:      "Completion API latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		mediaPersist: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_persist_total",
			Help:      "Inbound media persistence by media type and result.",
		}, []string{"media_type", "result"}),
		businessWebhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "business_webhooks_total",
			Help:      "Business webhook notifications by category and result.",
		}, []string{"category", "result"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_sending_reconciled_total",
			Help:      "Messages marked failed after being stuck in sending.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEvents,
		m.webhookLatency,
		m.dispatches,
		m.aiCompletions,
		m.aiLatency,
		m.mediaPersist,
		m.businessWebhooks,
		m.reconciled,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) WebhookEvent(eventType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
	m.webhookLatency.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *Metrics) Dispatch(kind, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) AICompletion(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.aiCompletions.WithLabelValues(result).Inc()
	m.aiLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) MediaPersist(mediaType, result string) {
	if m == nil {
		return
	}
	m.mediaPersist.WithLabelValues(mediaType, result).Inc()
}

func (m *Metrics) BusinessWebhook(category, result string) {
	if m == nil {
		return
	}
	m.businessWebhooks.WithLabelValues(category, result).Inc()
}

func (m *Metrics) Reconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconciled.Add(float64(n))
}
