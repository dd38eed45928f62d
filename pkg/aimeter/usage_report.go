package aimeter

import (
	"context"
	"sync"
)

type usageReportKey struct{}

// UsageReport collects the actual token usage a handler observed from the
// generation backend. It is safe for concurrent use.
type UsageReport struct {
	mu        sync.Mutex
	request   AdmitRequest
	admission *AdmitResult
	tokens    int64
	reported  bool
	settled   bool
}

// WithUsageReport attaches a fresh UsageReport for an admitted request to ctx.
func WithUsageReport(ctx context.Context, req AdmitRequest, admission *AdmitResult) (context.Context, *UsageReport) {
	r := &UsageReport{request: req, admission: admission}
	return context.WithValue(ctx, usageReportKey{}, r), r
}

// ReportUsage records the backend-reported total tokens for the request in ctx.
// Repeated calls accumulate, for handlers that call the backend more than once.
// It returns false when ctx was not admitted by the metering middleware.
func ReportUsage(ctx context.Context, totalTokens int64) bool {
	r, ok := ctx.Value(usageReportKey{}).(*UsageReport)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens += max(0, totalTokens)
	r.reported = true
	return true
}

// AdmissionFromContext returns the admission decision for the request in ctx.
func AdmissionFromContext(ctx context.Context) (*AdmitResult, bool) {
	r, ok := ctx.Value(usageReportKey{}).(*UsageReport)
	if !ok || r.admission == nil {
		return nil, false
	}
	return r.admission, true
}

// Actual returns the reported total, or nil if the handler reported nothing.
func (r *UsageReport) Actual() *int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reported {
		return nil
	}
	return Tokens(r.tokens)
}

// Reconciler applies reconciliations. Controller and ReconcileQueue implement it.
type Reconciler interface {
	Reconcile(ctx context.Context, req ReconcileRequest) (*ReconciliationResult, error)
}

// Settle reconciles the admission against the reported usage. Admissions that
// reserved nothing (rejected or failed open) settle without touching the store.
// Only the first call reconciles.
func (r *UsageReport) Settle(ctx context.Context, rec Reconciler) (*ReconciliationResult, error) {
	r.mu.Lock()
	first := !r.settled
	r.settled = true
	r.mu.Unlock()

	if !first || r.admission == nil || !r.admission.Allowed || r.admission.FailedOpen {
		return nil, nil
	}
	return rec.Reconcile(ctx, ReconcileRequest{
		UserID:            r.request.UserID,
		Operation:         r.request.Operation,
		EstimatedTokens:   r.admission.EstimatedTokens,
		ActualTotalTokens: r.Actual(),
		ReservationID:     r.admission.ReservationID,
	})
}
