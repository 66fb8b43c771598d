package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestWebhookMetricsCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebhookMetrics(reg)
	m.Observe("payment_intent.succeeded", "processed")
	m.Observe("payment_intent.succeeded", "processed")
	m.Observe("", "ignored")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := fetchCounterValue(mfs, "studio_webhook_events_total", "event_type", "payment_intent.succeeded")
	require.NoError(t, err)
	require.Equal(t, float64(2), got)

	got, err = fetchCounterValue(mfs, "studio_webhook_events_total", "event_type", "unknown")
	require.NoError(t, err)
	require.Equal(t, float64(1), got)
}

func TestOutboxMetricsNilSafe(t *testing.T) {
	var m *OutboxMetrics
	m.Observe("payments", "published")

	reg := prometheus.NewRegistry()
	m = NewOutboxMetrics(reg)
	m.Observe("payments", "published")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got, err := fetchCounterValue(mfs, "studio_outbox_publish_total", "topic", "payments")
	require.NoError(t, err)
	require.Equal(t, float64(1), got)
}
