package aimeter

import "time"

// Metrics defines the interface for tracking admission decisions and store health.
type Metrics interface {
	// RecordAdmission records one admission decision. reason is empty when allowed.
	RecordAdmission(tier Tier, op Operation, allowed bool, reason RejectReason, estimatedTokens int64)

	// RecordEstimate records an estimate and whether the approximate tokenizer was used.
	RecordEstimate(op Operation, estimatedTokens int64, degraded bool)

	// RecordReconciliation records the ledger adjustment applied after the work completed.
	RecordReconciliation(op Operation, delta int64, actualReported bool)

	// RecordWindowReset records that a user's window was replenished.
	RecordWindowReset(tier Tier)

	// RecordFailOpen records a request admitted without the store.
	RecordFailOpen(op Operation)

	// RecordStorageOperation records the duration and status of a store operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(Tier, Operation, bool, RejectReason, int64)          {}
func (n *NoopMetrics) RecordEstimate(Operation, int64, bool)                               {}
func (n *NoopMetrics) RecordReconciliation(Operation, int64, bool)                         {}
func (n *NoopMetrics) RecordWindowReset(Tier)                                              {}
func (n *NoopMetrics) RecordFailOpen(Operation)                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, d time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                        {}
