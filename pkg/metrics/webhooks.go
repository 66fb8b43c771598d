package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics counts processor webhook deliveries by event type and the
// outcome the handler reported.
type WebhookMetrics struct {
	received *prometheus.CounterVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Name:      "webhook_events_total",
		Help:      "Processor webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})
	reg.MustRegister(received)
	return &WebhookMetrics{received: received}
}

func (w *WebhookMetrics) Observe(eventType, outcome string) {
	if w == nil || w.received == nil {
		return
	}
	w.received.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// OutboxMetrics counts publisher results per topic.
type OutboxMetrics struct {
	published *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Name:      "outbox_publish_total",
		Help:      "Outbox publish attempts by topic and result.",
	}, []string{"topic", "result"})
	reg.MustRegister(published)
	return &OutboxMetrics{published: published}
}

func (o *OutboxMetrics) Observe(topic, result string) {
	if o == nil || o.published == nil {
		return
	}
	o.published.WithLabelValues(normalizeLabel(topic), normalizeLabel(result)).Inc()
}
