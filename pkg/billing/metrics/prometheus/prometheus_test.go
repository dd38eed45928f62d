package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenwang2025/aimeter/pkg/billing"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "aimeter")

	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordTierLookup("stripe", billing.LookupCache)
	m.RecordTierLookup("stripe", billing.LookupAPI)
	m.RecordTierChange("stripe", "free", "pro")
	m.RecordAPICall("stripe", "subscriptions.list", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("stripe", "customer.subscription.updated", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tierLookupsTotal.WithLabelValues("stripe", billing.LookupCache)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tierChangesTotal.WithLabelValues("stripe", "free", "pro")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiCallsTotal.WithLabelValues("stripe", "subscriptions.list", "ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.tierLookupsTotal))
}

func TestMetrics_LookupDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "aimeter")

	m.RecordTierLookupDuration("stripe", 120*time.Millisecond)
	m.RecordTierLookupDuration("stripe", 30*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "aimeter_billing_tier_lookup_duration_seconds" {
			continue
		}
		found = true
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(2), h.GetSampleCount())
		assert.InDelta(t, 0.15, h.GetSampleSum(), 1e-9)
	}
	assert.True(t, found)
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "aimeter")
	assert.Panics(t, func() { NewMetrics(reg, "aimeter") })
}
