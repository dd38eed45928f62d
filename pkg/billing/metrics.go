// Package billing holds what tier resolvers backed by a billing provider share.
package billing

import "time"

// Lookup sources reported to RecordTierLookup.
const (
	LookupCache   = "cache"
	LookupAPI     = "api"
	LookupDefault = "default"
	LookupError   = "error"
)

// Metrics defines the interface for tracking billing-backed tier resolution.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordTierLookup records where a resolved tier came from (one of the Lookup constants).
	RecordTierLookup(provider, source string)

	// RecordTierLookupDuration records how long a lookup against the provider took.
	RecordTierLookupDuration(provider string, duration time.Duration)

	// RecordTierChange records when a user's resolved tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordAPICall records an API call to the billing provider.
	// status: "ok" or "error"
	RecordAPICall(provider, endpoint, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                  {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                     {}
func (n *NoopMetrics) RecordTierLookup(_, _ string)                       {}
func (n *NoopMetrics) RecordTierLookupDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                    {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                       {}
