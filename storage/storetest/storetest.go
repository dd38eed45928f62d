// Package storetest is a conformance suite every aimeter.Store implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Start is the clock's initial time. It has whole-second precision so every
// backend round-trips it exactly.
var Start = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// Clock is a manually advanced aimeter.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock at Start.
func NewClock() *Clock {
	return &Clock{now: Start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Window is the configuration every store under test must be built with.
func Window() aimeter.WindowConfig {
	return aimeter.WindowConfig{
		Budgets:       aimeter.DefaultTierBudgets(),
		ResetInterval: time.Hour,
		AdjustmentTTL: aimeter.DefaultAdjustmentTTL,
	}
}

// Factory builds an empty store using Window() and clock.
type Factory func(t *testing.T, clock aimeter.Clock) aimeter.Store

var userSeq atomic.Int64

// user returns an id no other test has used, so backends need not be emptied between cases.
func user(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return fmt.Sprintf("%s-%d-%d", name, time.Now().UnixNano(), userSeq.Add(1))
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetOrCreate", func(t *testing.T) { testGetOrCreate(t, newStore) })
	t.Run("ResetIfExpired", func(t *testing.T) { testResetIfExpired(t, newStore) })
	t.Run("TryDecrement", func(t *testing.T) { testTryDecrement(t, newStore) })
	t.Run("Adjust", func(t *testing.T) { testAdjust(t, newStore) })
	t.Run("CheckSufficiency", func(t *testing.T) { testCheckSufficiency(t, newStore) })
	t.Run("Reserve", func(t *testing.T) { testReserve(t, newStore) })
	t.Run("ReserveResetsExpired", func(t *testing.T) { testReserveResetsExpired(t, newStore) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore) })
	t.Run("InvalidTier", func(t *testing.T) { testInvalidTier(t, newStore) })
	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, newStore(t, NewClock()).Ping(context.Background()))
	})
	t.Run("WindowConfig", func(t *testing.T) {
		cfg := newStore(t, NewClock()).WindowConfig()
		assert.Equal(t, time.Hour, cfg.ResetInterval)
		assert.Equal(t, aimeter.DefaultAdjustmentTTL, cfg.AdjustmentTTL)
		assert.Equal(t, aimeter.DefaultTierBudgets(), cfg.Budgets)
	})
}

func assertWindow(t *testing.T, w *aimeter.UsageWindow, requests, tokens int64) {
	t.Helper()
	require.NotNil(t, w)
	assert.Equal(t, requests, w.RequestsRemaining, "requests remaining")
	assert.Equal(t, tokens, w.TokensRemaining, "tokens remaining")
}

func testGetOrCreate(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()
	u := user(t)

	w, err := s.GetOrCreate(ctx, u, aimeter.TierPlus)
	require.NoError(t, err)
	assertWindow(t, w, 100, 1_000_000)
	assert.Equal(t, u, w.UserID)
	assert.Equal(t, aimeter.TierPlus, w.Tier)
	assert.Equal(t, int64(100), w.RequestsTotal)
	assert.Equal(t, int64(1_000_000), w.TokensTotal)
	assert.WithinDuration(t, Start, w.WindowStart, time.Millisecond)

	// A second call returns the existing window, whatever tier it is asked for
	clock.Advance(time.Minute)
	w, err = s.GetOrCreate(ctx, u, aimeter.TierPro)
	require.NoError(t, err)
	assert.Equal(t, aimeter.TierPlus, w.Tier)
	assert.WithinDuration(t, Start, w.WindowStart, time.Millisecond)
}

func testResetIfExpired(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()
	u := user(t)

	w, reset, err := s.ResetIfExpired(ctx, u, aimeter.TierFree)
	require.NoError(t, err)
	assert.False(t, reset, "creating a window is not a reset")
	assertWindow(t, w, 10, 100_000)

	ok, _, err := s.TryDecrement(ctx, u, 4, 40_000)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(59 * time.Minute)
	w, reset, err = s.ResetIfExpired(ctx, u, aimeter.TierFree)
	require.NoError(t, err)
	assert.False(t, reset)
	assertWindow(t, w, 6, 60_000)

	clock.Advance(time.Minute)
	w, reset, err = s.ResetIfExpired(ctx, u, aimeter.TierPro)
	require.NoError(t, err)
	assert.True(t, reset)
	assertWindow(t, w, 500, 5_000_000)
	assert.Equal(t, aimeter.TierPro, w.Tier)
	assert.Equal(t, int64(500), w.RequestsTotal)
	assert.WithinDuration(t, clock.Now(), w.WindowStart, time.Millisecond)

	w, reset, err = s.ResetIfExpired(ctx, u, aimeter.TierPro)
	require.NoError(t, err)
	assert.False(t, reset, "a fresh window does not reset twice")
	assertWindow(t, w, 500, 5_000_000)
}

func testTryDecrement(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock())
	ctx := context.Background()
	u := user(t)

	ok, w, err := s.TryDecrement(ctx, u, 0, 100)
	require.NoError(t, err)
	assert.False(t, ok, "no window yet")
	assert.Nil(t, w)

	_, err = s.GetOrCreate(ctx, u, aimeter.TierFree)
	require.NoError(t, err)

	ok, w, err = s.TryDecrement(ctx, u, 1, 1200)
	require.NoError(t, err)
	assert.True(t, ok)
	assertWindow(t, w, 9, 98_800)

	// Negative deltas refund, never past the totals
	ok, w, err = s.TryDecrement(ctx, u, 0, -300)
	require.NoError(t, err)
	assert.True(t, ok)
	assertWindow(t, w, 9, 99_100)

	_, w, err = s.TryDecrement(ctx, u, -5, -5000)
	require.NoError(t, err)
	assertWindow(t, w, 10, 100_000)

	// It commits without gating and clamps at zero
	_, w, err = s.TryDecrement(ctx, u, 20, 250_000)
	require.NoError(t, err)
	assertWindow(t, w, 0, 0)
}

func testAdjust(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock())
	ctx := context.Background()
	u := user(t)

	res, err := s.Adjust(ctx, &aimeter.AdjustRequest{UserID: u, TokensDelta: 100, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.False(t, res.Found, "no window yet")

	_, err = s.Reserve(ctx, &aimeter.ReserveRequest{UserID: u, Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 1200})
	require.NoError(t, err)

	// A key seen while the user had no window was not recorded
	res, err = s.Adjust(ctx, &aimeter.AdjustRequest{UserID: u, TokensDelta: -300, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.False(t, res.Duplicate)
	assertWindow(t, res.Window, 9, 99_100)

	// Replays change nothing
	for i := 0; i < 2; i++ {
		res, err = s.Adjust(ctx, &aimeter.AdjustRequest{UserID: u, TokensDelta: -300, IdempotencyKey: "r-1"})
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.True(t, res.Duplicate)
		assertWindow(t, res.Window, 9, 99_100)
	}

	// Keys are scoped per user
	other := user(t)
	_, err = s.GetOrCreate(ctx, other, aimeter.TierFree)
	require.NoError(t, err)
	res, err = s.Adjust(ctx, &aimeter.AdjustRequest{UserID: other, TokensDelta: 500, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assertWindow(t, res.Window, 10, 99_500)

	// Without a key every call applies, with clamping
	for i := 0; i < 2; i++ {
		res, err = s.Adjust(ctx, &aimeter.AdjustRequest{UserID: u, TokensDelta: -600})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
	}
	assertWindow(t, res.Window, 9, 100_000)
}

func testCheckSufficiency(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()
	u := user(t)

	suff, err := s.CheckSufficiency(ctx, u, aimeter.TierFree, 1200)
	require.NoError(t, err)
	assert.True(t, suff.HasRequests)
	assert.True(t, suff.HasTokens)
	assertWindow(t, suff.Window, 10, 100_000)

	ok, _, err := s.TryDecrement(ctx, u, 0, 0)
	require.NoError(t, err)
	assert.False(t, ok, "checking must not create a window")

	_, err = s.GetOrCreate(ctx, u, aimeter.TierFree)
	require.NoError(t, err)
	_, _, err = s.TryDecrement(ctx, u, 10, 99_500)
	require.NoError(t, err)

	suff, err = s.CheckSufficiency(ctx, u, aimeter.TierFree, 1200)
	require.NoError(t, err)
	assert.False(t, suff.HasRequests)
	assert.False(t, suff.HasTokens)
	assert.Equal(t, aimeter.RejectRequestsExhausted, suff.Reason())

	clock.Advance(time.Hour)
	suff, err = s.CheckSufficiency(ctx, u, aimeter.TierFree, 1200)
	require.NoError(t, err)
	assert.Empty(t, suff.Reason(), "an expired window is judged as a fresh one")

	w, err := s.GetOrCreate(ctx, u, aimeter.TierFree)
	require.NoError(t, err)
	assertWindow(t, w, 0, 500)
}

func testReserve(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock())
	ctx := context.Background()
	u := user(t)

	res, err := s.Reserve(ctx, &aimeter.ReserveRequest{UserID: u, Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 1200})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Empty(t, res.Reason)
	assert.False(t, res.Reset)
	assertWindow(t, res.Window, 9, 98_800)

	_, _, err = s.TryDecrement(ctx, u, 0, 98_300)
	require.NoError(t, err)

	res, err = s.Reserve(ctx, &aimeter.ReserveRequest{UserID: u, Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 1200})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, aimeter.RejectTokensExhausted, res.Reason)
	assertWindow(t, res.Window, 9, 500)

	res, err = s.Reserve(ctx, &aimeter.ReserveRequest{UserID: u, Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 500})
	require.NoError(t, err)
	assert.True(t, res.Admitted, "an exact fit is admitted")
	assertWindow(t, res.Window, 8, 0)

	_, _, err = s.TryDecrement(ctx, u, 8, -1000)
	require.NoError(t, err)
	res, err = s.Reserve(ctx, &aimeter.ReserveRequest{UserID: u, Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 10})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, aimeter.RejectRequestsExhausted, res.Reason)
	assertWindow(t, res.Window, 0, 1000)
}

func testReserveResetsExpired(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()
	u := user(t)

	_, err := s.GetOrCreate(ctx, u, aimeter.TierFree)
	require.NoError(t, err)
	_, _, err = s.TryDecrement(ctx, u, 10, 100_000)
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	res, err := s.Reserve(ctx, &aimeter.ReserveRequest{UserID: u, Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 1200})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.True(t, res.Reset)
	assertWindow(t, res.Window, 9, 98_800)
	assert.WithinDuration(t, clock.Now(), res.Window.WindowStart, time.Millisecond)
}

func testConcurrentReserve(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock())
	ctx := context.Background()
	u := user(t)
	other := user(t)

	var admitted atomic.Int64
	var g errgroup.Group
	for i := 0; i < 40; i++ {
		target := u
		if i%2 == 1 {
			target = other
		}
		g.Go(func() error {
			res, err := s.Reserve(ctx, &aimeter.ReserveRequest{UserID: target, Tier: aimeter.TierFree, RequestsDelta: 1, TokensDelta: 1000})
			if err != nil {
				return err
			}
			if res.Admitted && target == u {
				admitted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(10), admitted.Load())
	for _, id := range []string{u, other} {
		w, err := s.GetOrCreate(ctx, id, aimeter.TierFree)
		require.NoError(t, err)
		assertWindow(t, w, 0, 90_000)
	}
}

func testInvalidTier(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock())
	ctx := context.Background()
	u := user(t)

	_, err := s.GetOrCreate(ctx, u, "gold")
	assert.ErrorIs(t, err, aimeter.ErrInvalidTier)

	_, _, err = s.ResetIfExpired(ctx, u, "gold")
	assert.ErrorIs(t, err, aimeter.ErrInvalidTier)

	_, err = s.CheckSufficiency(ctx, u, "gold", 1)
	assert.ErrorIs(t, err, aimeter.ErrInvalidTier)

	_, err = s.Reserve(ctx, &aimeter.ReserveRequest{UserID: u, Tier: "gold", RequestsDelta: 1})
	assert.ErrorIs(t, err, aimeter.ErrInvalidTier)
}
