package aimeter_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

type recordingReconciler struct {
	mu   sync.Mutex
	reqs []aimeter.ReconcileRequest
}

func (r *recordingReconciler) Reconcile(_ context.Context, req aimeter.ReconcileRequest) (*aimeter.ReconciliationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return &aimeter.ReconciliationResult{Operation: req.Operation}, nil
}

func TestReportUsage_WithoutReport(t *testing.T) {
	assert.False(t, aimeter.ReportUsage(context.Background(), 100))
	_, ok := aimeter.AdmissionFromContext(context.Background())
	assert.False(t, ok)
}

func TestUsageReport_Accumulates(t *testing.T) {
	admission := &aimeter.AdmitResult{Allowed: true, EstimatedTokens: 1200, ReservationID: "r-1"}
	ctx, report := aimeter.WithUsageReport(context.Background(), ideas("user1"), admission)

	assert.Nil(t, report.Actual())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, aimeter.ReportUsage(ctx, 100))
		}()
	}
	wg.Wait()
	assert.True(t, aimeter.ReportUsage(ctx, -50), "negative counts are ignored")

	require.NotNil(t, report.Actual())
	assert.Equal(t, int64(1000), *report.Actual())

	got, ok := aimeter.AdmissionFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, admission, got)
}

func TestUsageReport_Settle(t *testing.T) {
	tests := []struct {
		name      string
		admission *aimeter.AdmitResult
		report    *int64
		wantCalls int
	}{
		{name: "reported", admission: &aimeter.AdmitResult{Allowed: true, EstimatedTokens: 1200, ReservationID: "r-1"}, report: aimeter.Tokens(900), wantCalls: 1},
		{name: "unreported", admission: &aimeter.AdmitResult{Allowed: true, EstimatedTokens: 1200, ReservationID: "r-1"}, wantCalls: 1},
		{name: "rejected", admission: &aimeter.AdmitResult{Allowed: false, Reason: aimeter.RejectTokensExhausted}, wantCalls: 0},
		{name: "failed open", admission: &aimeter.AdmitResult{Allowed: true, FailedOpen: true}, report: aimeter.Tokens(900), wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, report := aimeter.WithUsageReport(context.Background(), ideas("user1"), tt.admission)
			if tt.report != nil {
				aimeter.ReportUsage(ctx, *tt.report)
			}

			rec := &recordingReconciler{}
			_, err := report.Settle(ctx, rec)
			require.NoError(t, err)
			_, err = report.Settle(ctx, rec)
			require.NoError(t, err)

			require.Len(t, rec.reqs, tt.wantCalls)
			if tt.wantCalls == 0 {
				return
			}
			got := rec.reqs[0]
			assert.Equal(t, "user1", got.UserID)
			assert.Equal(t, aimeter.OperationIdeas, got.Operation)
			assert.Equal(t, int64(1200), got.EstimatedTokens)
			assert.Equal(t, "r-1", got.ReservationID)
			assert.Equal(t, tt.report, got.ActualTotalTokens)
		})
	}
}

func TestUsageReport_SettleAgainstController(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	req := ideas("user1")

	admission, err := f.ctrl.Admit(context.Background(), req)
	require.NoError(t, err)

	ctx, report := aimeter.WithUsageReport(context.Background(), req, admission)
	aimeter.ReportUsage(ctx, 600)
	aimeter.ReportUsage(ctx, 400)

	res, err := report.Settle(ctx, f.ctrl)
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.ChargedTokens)
	assert.Equal(t, int64(99_100), res.Window.TokensRemaining)
}
