package aimeter_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingMetrics records the calls the controller makes.
type countingMetrics struct {
	aimeter.NoopMetrics
	mu         sync.Mutex
	resets     int
	failOpens  int
	admissions []aimeter.RejectReason
	deltas     []int64
}

func (m *countingMetrics) RecordWindowReset(aimeter.Tier) {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordFailOpen(aimeter.Operation) {
	m.mu.Lock()
	m.failOpens++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordAdmission(_ aimeter.Tier, _ aimeter.Operation, _ bool, reason aimeter.RejectReason, _ int64) {
	m.mu.Lock()
	m.admissions = append(m.admissions, reason)
	m.mu.Unlock()
}

func (m *countingMetrics) RecordReconciliation(_ aimeter.Operation, delta int64, _ bool) {
	m.mu.Lock()
	m.deltas = append(m.deltas, delta)
	m.mu.Unlock()
}

// brokenStore fails every call. With block set it waits for the context instead.
type brokenStore struct {
	block bool
	calls int
	mu    sync.Mutex
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connection refused")

func (s *brokenStore) fail(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return errConnRefused
}

func (s *brokenStore) GetOrCreate(ctx context.Context, _ string, _ aimeter.Tier) (*aimeter.UsageWindow, error) {
	return nil, s.fail(ctx)
}

func (s *brokenStore) ResetIfExpired(ctx context.Context, _ string, _ aimeter.Tier) (*aimeter.UsageWindow, bool, error) {
	return nil, false, s.fail(ctx)
}

func (s *brokenStore) TryDecrement(ctx context.Context, _ string, _, _ int64) (bool, *aimeter.UsageWindow, error) {
	return false, nil, s.fail(ctx)
}

func (s *brokenStore) Adjust(ctx context.Context, _ *aimeter.AdjustRequest) (*aimeter.AdjustResult, error) {
	return nil, s.fail(ctx)
}

func (s *brokenStore) WindowConfig() aimeter.WindowConfig {
	return aimeter.WindowConfig{}.WithDefaults()
}

func (s *brokenStore) CheckSufficiency(ctx context.Context, _ string, _ aimeter.Tier, _ int64) (aimeter.Sufficiency, error) {
	return aimeter.Sufficiency{}, s.fail(ctx)
}

func (s *brokenStore) Reserve(ctx context.Context, _ *aimeter.ReserveRequest) (*aimeter.ReserveResult, error) {
	return nil, s.fail(ctx)
}

func (s *brokenStore) Ping(ctx context.Context) error {
	return s.fail(ctx)
}

// scenarioEstimator estimates "ideas" with empty input at exactly 1200 tokens
// and counts its system prompt at 100 tokens.
func scenarioEstimator(t *testing.T) *aimeter.TokenEstimator {
	t.Helper()
	profiles := aimeter.DefaultOperationProfiles()
	profiles[aimeter.OperationIdeas] = aimeter.OperationProfile{
		ExpectedOutputTokens: 1200,
		SystemPrompt:         strings.Repeat("x", 400),
	}
	est, err := aimeter.NewTokenEstimator(aimeter.EstimatorConfig{
		Profiles:       profiles,
		BufferFraction: 0,
		CharsPerToken:  4,
	})
	require.NoError(t, err)
	return est
}

type fixture struct {
	ctrl    *aimeter.Controller
	store   *memory.Storage
	clock   *testClock
	metrics *countingMetrics
}

func newFixture(t *testing.T, config aimeter.Config) *fixture {
	t.Helper()
	clock := newTestClock()
	store, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)

	metrics := &countingMetrics{}
	config.Metrics = metrics
	if config.Clock == nil {
		config.Clock = clock
	}
	ctrl, err := aimeter.NewController(store, scenarioEstimator(t), config)
	require.NoError(t, err)
	return &fixture{ctrl: ctrl, store: store, clock: clock, metrics: metrics}
}

func ideas(user string) aimeter.AdmitRequest {
	return aimeter.AdmitRequest{UserID: user, Tier: aimeter.TierFree, Operation: aimeter.OperationIdeas}
}

func TestController_AdmitThenReconcile(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	res, err := f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
	assert.Equal(t, int64(1200), res.EstimatedTokens)
	assert.Equal(t, int64(9), res.Window.RequestsRemaining)
	assert.Equal(t, int64(98_800), res.Window.TokensRemaining)
	assert.False(t, res.Reset)
	assert.NotEmpty(t, res.ReservationID)

	rec, err := f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{
		UserID:            "user1",
		Operation:         aimeter.OperationIdeas,
		EstimatedTokens:   res.EstimatedTokens,
		ActualTotalTokens: aimeter.Tokens(1000),
		ReservationID:     res.ReservationID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), rec.ChargedTokens)
	assert.Equal(t, int64(-300), rec.Delta)
	assert.Equal(t, int64(99_100), rec.Window.TokensRemaining)
	assert.Equal(t, int64(9), rec.Window.RequestsRemaining, "requests are never refunded")
	assert.Equal(t, []int64{-300}, f.metrics.deltas)
}

func TestController_TokensExhausted(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	_, err := f.store.GetOrCreate(ctx, "user1", aimeter.TierFree)
	require.NoError(t, err)
	ok, w, err := f.store.TryDecrement(ctx, "user1", 0, 99_500)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(500), w.TokensRemaining)

	res, err := f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, aimeter.RejectTokensExhausted, res.Reason)
	assert.Equal(t, int64(10), res.Window.RequestsRemaining)
	assert.Equal(t, int64(500), res.Window.TokensRemaining)

	current, err := f.ctrl.Usage(ctx, "user1", aimeter.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(10), current.RequestsRemaining)
}

func TestController_RequestsExhausted(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := f.ctrl.Admit(ctx, ideas("user1"))
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i+1)
	}

	res, err := f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, aimeter.RejectRequestsExhausted, res.Reason)
	assert.Equal(t, int64(0), res.Window.RequestsRemaining)
	assert.Equal(t, int64(100_000-10*1200), res.Window.TokensRemaining)
}

func TestController_ExpiredWindowResetsOnce(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ctrl.Admit(ctx, ideas("user1"))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, f.metrics.resets, "creating a window is not a reset")

	f.clock.Advance(time.Hour + time.Second)

	res, err := f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Reset)
	assert.Equal(t, 1, f.metrics.resets)
	assert.Equal(t, int64(9), res.Window.RequestsRemaining)
	assert.Equal(t, int64(98_800), res.Window.TokensRemaining)
	assert.Equal(t, f.clock.Now(), res.Window.WindowStart)
	assert.Equal(t, f.clock.Now().Add(time.Hour), f.ctrl.ResetsAt(res.Window))

	res, err = f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)
	assert.False(t, res.Reset)
	assert.Equal(t, 1, f.metrics.resets)
}

func TestController_ExpiredWindowUpgradesTier(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	_, err := f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)

	req := ideas("user1")
	req.Tier = aimeter.TierPro

	// The tier in force is the one the window was created with until it resets
	res, err := f.ctrl.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Window.RequestsTotal)

	f.clock.Advance(time.Hour)
	res, err = f.ctrl.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, aimeter.TierPro, res.Window.Tier)
	assert.Equal(t, int64(500), res.Window.RequestsTotal)
	assert.Equal(t, int64(499), res.Window.RequestsRemaining)
}

func TestController_ReconcileWithoutUsage(t *testing.T) {
	tests := []struct {
		name       string
		refund     bool
		wantCharge int64
		wantDelta  int64
		wantTokens int64
	}{
		{name: "estimate stands", refund: false, wantCharge: 1200, wantDelta: 0, wantTokens: 98_800},
		{name: "refunded", refund: true, wantCharge: 0, wantDelta: -1200, wantTokens: 100_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, aimeter.Config{RefundUnreportedUsage: tt.refund})
			ctx := context.Background()

			res, err := f.ctrl.Admit(ctx, ideas("user1"))
			require.NoError(t, err)

			rec, err := f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{
				UserID:          "user1",
				Operation:       aimeter.OperationIdeas,
				EstimatedTokens: res.EstimatedTokens,
			})
			require.NoError(t, err)
			assert.Nil(t, rec.ActualTotalTokens)
			assert.Equal(t, tt.wantCharge, rec.ChargedTokens)
			assert.Equal(t, tt.wantDelta, rec.Delta)
			assert.Equal(t, tt.wantTokens, rec.Window.TokensRemaining)
		})
	}
}

func TestController_ReconcileClamps(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	res, err := f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)

	// Actual smaller than the system prompt charges nothing
	rec, err := f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{
		UserID:            "user1",
		Operation:         aimeter.OperationIdeas,
		EstimatedTokens:   res.EstimatedTokens,
		ActualTotalTokens: aimeter.Tokens(40),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.ChargedTokens)
	assert.Equal(t, int64(100_000), rec.Window.TokensRemaining)

	// A huge overrun cannot push the balance below zero
	rec, err = f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{
		UserID:            "user1",
		Operation:         aimeter.OperationIdeas,
		EstimatedTokens:   0,
		ActualTotalTokens: aimeter.Tokens(1_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Window.TokensRemaining)
}

func TestController_ReconcileErrors(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	_, err := f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{
		UserID:            "ghost",
		Operation:         aimeter.OperationIdeas,
		EstimatedTokens:   100,
		ActualTotalTokens: aimeter.Tokens(50),
	})
	assert.ErrorIs(t, err, aimeter.ErrWindowNotFound)
	assert.False(t, aimeter.IsStoreUnavailable(err))

	_, err = f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{UserID: "", Operation: aimeter.OperationIdeas})
	assert.ErrorIs(t, err, aimeter.ErrInvalidUserID)

	_, err = f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{UserID: "user1", Operation: "poem"})
	assert.ErrorIs(t, err, aimeter.ErrInvalidOperation)
	assert.True(t, aimeter.IsConfigurationError(err))
}

func TestController_InvalidRequests(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  aimeter.AdmitRequest
		want error
	}{
		{name: "empty user", req: aimeter.AdmitRequest{Tier: aimeter.TierFree, Operation: aimeter.OperationIdeas}, want: aimeter.ErrInvalidUserID},
		{name: "unknown tier", req: aimeter.AdmitRequest{UserID: "u", Tier: "gold", Operation: aimeter.OperationIdeas}, want: aimeter.ErrInvalidTier},
		{name: "unknown operation", req: aimeter.AdmitRequest{UserID: "u", Tier: aimeter.TierFree, Operation: "poem"}, want: aimeter.ErrInvalidOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.ctrl.Admit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)

			res, err = f.ctrl.Check(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}
}

func TestController_CheckDoesNotMutate(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	res, err := f.ctrl.Check(ctx, ideas("user1"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(10), res.Window.RequestsRemaining)

	// Nothing was created
	_, err = f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{UserID: "user1", Operation: aimeter.OperationIdeas})
	assert.ErrorIs(t, err, aimeter.ErrWindowNotFound)

	_, err = f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err = f.ctrl.Check(ctx, ideas("user1"))
		require.NoError(t, err)
		assert.Equal(t, int64(9), res.Window.RequestsRemaining)
		assert.Equal(t, int64(98_800), res.Window.TokensRemaining)
	}

	// An expired window is judged as a fresh one but stays untouched
	f.clock.Advance(2 * time.Hour)
	res, err = f.ctrl.Check(ctx, ideas("user1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Window.RequestsRemaining)
	assert.Equal(t, 0, f.metrics.resets)
}

func TestController_StoreUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		policy aimeter.FailurePolicy
	}{
		{name: "fail closed", policy: aimeter.FailClosed},
		{name: "fail open", policy: aimeter.FailOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &countingMetrics{}
			ctrl, err := aimeter.NewController(&brokenStore{}, scenarioEstimator(t), aimeter.Config{
				FailurePolicy: tt.policy,
				Metrics:       metrics,
			})
			require.NoError(t, err)

			res, err := ctrl.Admit(context.Background(), ideas("user1"))
			require.NotNil(t, res)
			assert.Nil(t, res.Window)

			if tt.policy == aimeter.FailOpen {
				assert.NoError(t, err)
				assert.True(t, res.Allowed)
				assert.True(t, res.FailedOpen)
				assert.Empty(t, res.Reason)
				assert.Equal(t, int64(1200), res.EstimatedTokens)
				assert.Equal(t, 1, metrics.failOpens)
				return
			}

			assert.ErrorIs(t, err, aimeter.ErrStoreUnavailable)
			assert.ErrorIs(t, err, errConnRefused)
			assert.False(t, res.Allowed)
			assert.Equal(t, aimeter.RejectStoreUnavailable, res.Reason)
			assert.Equal(t, []aimeter.RejectReason{aimeter.RejectStoreUnavailable}, metrics.admissions)

			var se *aimeter.StoreError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "reset_if_expired", se.Op)
			assert.Equal(t, "user1", se.UserID)
		})
	}
}

func TestController_StoreTimeout(t *testing.T) {
	store := &brokenStore{block: true}
	ctrl, err := aimeter.NewController(store, scenarioEstimator(t), aimeter.Config{
		StoreTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	res, err := ctrl.Admit(context.Background(), ideas("user1"))
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, aimeter.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, aimeter.RejectStoreUnavailable, res.Reason)

	_, err = ctrl.Reconcile(context.Background(), aimeter.ReconcileRequest{UserID: "user1", Operation: aimeter.OperationIdeas})
	assert.True(t, aimeter.IsStoreUnavailable(err))

	res, err = ctrl.Check(context.Background(), ideas("user1"))
	assert.True(t, aimeter.IsStoreUnavailable(err))
	assert.Equal(t, aimeter.RejectStoreUnavailable, res.Reason)

	assert.True(t, aimeter.IsStoreUnavailable(ctrl.Ping(context.Background())))
}

func TestController_ConcurrentAdmitsNeverOverspend(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ctrl.Admit(ctx, ideas("user1"))
			if err != nil || !res.Allowed {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	w, err := f.ctrl.Usage(ctx, "user1", aimeter.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.RequestsRemaining)
	assert.Equal(t, int64(88_000), w.TokensRemaining)
}

func TestNewController_Validation(t *testing.T) {
	store, err := memory.New(memory.Config{})
	require.NoError(t, err)
	est, err := aimeter.NewTokenEstimator(aimeter.DefaultEstimatorConfig())
	require.NoError(t, err)

	_, err = aimeter.NewController(nil, est, aimeter.Config{})
	assert.ErrorIs(t, err, aimeter.ErrInvalidConfig)

	_, err = aimeter.NewController(store, nil, aimeter.Config{})
	assert.ErrorIs(t, err, aimeter.ErrInvalidConfig)

	_, err = aimeter.NewController(store, est, aimeter.Config{FailurePolicy: "maybe"})
	assert.ErrorIs(t, err, aimeter.ErrInvalidConfig)

	_, err = aimeter.NewController(store, est, aimeter.Config{StoreTimeout: -time.Second})
	assert.ErrorIs(t, err, aimeter.ErrInvalidConfig)

	_, err = aimeter.NewController(store, est, aimeter.Config{ResetInterval: time.Minute})
	assert.ErrorIs(t, err, aimeter.ErrInvalidConfig, "interval must match the store's")

	_, err = aimeter.NewController(store, est, aimeter.Config{ResetInterval: time.Hour})
	require.NoError(t, err)

	ctrl, err := aimeter.NewController(store, est, aimeter.Config{NewReservationID: func() string { return "r-1" }})
	require.NoError(t, err)
	res, err := ctrl.Admit(context.Background(), aimeter.AdmitRequest{
		UserID: "u", Tier: aimeter.TierPlus, Operation: aimeter.OperationDraft, Input: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", res.ReservationID)
	assert.Same(t, est, ctrl.Estimator())
}

func TestController_ReconcileConservesExactEstimates(t *testing.T) {
	for _, op := range aimeter.AllOperations {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t, aimeter.Config{})
			ctx := context.Background()

			res, err := f.ctrl.Admit(ctx, aimeter.AdmitRequest{
				UserID: "user1", Tier: aimeter.TierPlus, Operation: op, Input: "a short note about quarterly planning",
			})
			require.NoError(t, err)
			require.True(t, res.Allowed)

			system, err := f.ctrl.Estimator().SystemCostTokens(op)
			require.NoError(t, err)

			rec, err := f.ctrl.Reconcile(ctx, aimeter.ReconcileRequest{
				UserID:            "user1",
				Operation:         op,
				EstimatedTokens:   res.EstimatedTokens,
				ActualTotalTokens: aimeter.Tokens(res.EstimatedTokens + system),
				ReservationID:     res.ReservationID,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(0), rec.Delta)
			assert.Equal(t, res.EstimatedTokens, rec.ChargedTokens)
			assert.Equal(t, res.Window.TokensRemaining, rec.Window.TokensRemaining)
		})
	}
}

func TestController_ReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	ctx := context.Background()

	res, err := f.ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)

	req := aimeter.ReconcileRequest{
		UserID:            "user1",
		Operation:         aimeter.OperationIdeas,
		EstimatedTokens:   res.EstimatedTokens,
		ActualTotalTokens: aimeter.Tokens(1000),
		ReservationID:     res.ReservationID,
	}
	first, err := f.ctrl.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(99_100), first.Window.TokensRemaining)

	second, err := f.ctrl.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(99_100), second.Window.TokensRemaining)
	assert.Equal(t, []int64{-300}, f.metrics.deltas)

	w, err := f.ctrl.Usage(ctx, "user1", aimeter.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(99_100), w.TokensRemaining)
}

func TestController_NowUsesConfiguredClock(t *testing.T) {
	f := newFixture(t, aimeter.Config{})
	assert.Equal(t, f.clock.Now(), f.ctrl.Now())
	f.clock.Advance(time.Minute)
	assert.Equal(t, f.clock.Now(), f.ctrl.Now())
}
