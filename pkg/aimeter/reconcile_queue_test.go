package aimeter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/storage/memory"
)

// outageStore fails Adjust until failures runs out. With lostReplies set the
// failing calls are applied first, as when a write commits and its reply is lost.
type outageStore struct {
	*memory.Storage
	failures    atomic.Int32
	attempts    atomic.Int32
	lostReplies bool
}

func (s *outageStore) Adjust(ctx context.Context, req *aimeter.AdjustRequest) (*aimeter.AdjustResult, error) {
	s.attempts.Add(1)
	if s.failures.Add(-1) >= 0 {
		if s.lostReplies {
			if _, err := s.Storage.Adjust(ctx, req); err != nil {
				return nil, err
			}
			return nil, context.DeadlineExceeded
		}
		return nil, errConnRefused
	}
	return s.Storage.Adjust(ctx, req)
}

func newOutageController(t *testing.T, failures int32) (*aimeter.Controller, *outageStore) {
	t.Helper()
	mem, err := memory.New(memory.Config{})
	require.NoError(t, err)
	store := &outageStore{Storage: mem}
	store.failures.Store(failures)

	ctrl, err := aimeter.NewController(store, scenarioEstimator(t), aimeter.Config{})
	require.NoError(t, err)
	return ctrl, store
}

func reconcileReq(user string) aimeter.ReconcileRequest {
	return aimeter.ReconcileRequest{
		UserID:            user,
		Operation:         aimeter.OperationIdeas,
		EstimatedTokens:   1200,
		ActualTotalTokens: aimeter.Tokens(1000),
		ReservationID:     "res-" + user,
	}
}

func TestReconcileQueue_AppliesImmediately(t *testing.T) {
	ctrl, store := newOutageController(t, 0)
	q := aimeter.NewReconcileQueue(ctrl, aimeter.ReconcileQueueConfig{})
	defer q.Close()

	ctx := context.Background()
	_, err := ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)

	res, err := q.Reconcile(ctx, reconcileReq("user1"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(99_100), res.Window.TokensRemaining)
	assert.Equal(t, int32(1), store.attempts.Load())
	assert.Equal(t, 0, q.Len())
}

func TestReconcileQueue_RetriesStoreOutage(t *testing.T) {
	ctrl, store := newOutageController(t, 2)
	q := aimeter.NewReconcileQueue(ctrl, aimeter.ReconcileQueueConfig{
		MaxAttempts: 5,
		Backoff:     time.Millisecond,
	})
	defer q.Close()

	ctx := context.Background()
	_, err := ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)

	res, err := q.Reconcile(ctx, reconcileReq("user1"))
	require.NoError(t, err, "a queued reconciliation is not an error")
	assert.Nil(t, res)

	assert.Eventually(t, func() bool {
		w, err := ctrl.Usage(ctx, "user1", aimeter.TierFree)
		return err == nil && w.TokensRemaining == 99_100
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), store.attempts.Load())
}

func TestReconcileQueue_LostReplyAppliedOnce(t *testing.T) {
	ctrl, store := newOutageController(t, 2)
	store.lostReplies = true
	q := aimeter.NewReconcileQueue(ctrl, aimeter.ReconcileQueueConfig{
		MaxAttempts: 5,
		Backoff:     time.Millisecond,
	})
	defer q.Close()

	ctx := context.Background()
	_, err := ctrl.Admit(ctx, ideas("user1"))
	require.NoError(t, err)

	// Actual 1000 minus the 100-token system prompt against an estimate of 1200
	_, err = q.Reconcile(ctx, reconcileReq("user1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return store.attempts.Load() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, q.Close())

	w, err := ctrl.Usage(ctx, "user1", aimeter.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(99_100), w.TokensRemaining, "the -300 delta is applied exactly once")
}

func TestReconcileQueue_GivesUp(t *testing.T) {
	ctrl, _ := newOutageController(t, 100)

	var (
		mu      sync.Mutex
		dropped []aimeter.ReconcileRequest
	)
	q := aimeter.NewReconcileQueue(ctrl, aimeter.ReconcileQueueConfig{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		ErrorHandler: func(req aimeter.ReconcileRequest, err error) {
			assert.True(t, aimeter.IsStoreUnavailable(err))
			mu.Lock()
			dropped = append(dropped, req)
			mu.Unlock()
		},
	})
	defer q.Close()

	require.NoError(t, q.Enqueue(reconcileReq("user1")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "user1", dropped[0].UserID)
}

func TestReconcileQueue_DoesNotQueuePermanentErrors(t *testing.T) {
	ctrl, _ := newOutageController(t, 0)
	q := aimeter.NewReconcileQueue(ctrl, aimeter.ReconcileQueueConfig{})
	defer q.Close()

	_, err := q.Reconcile(context.Background(), reconcileReq("ghost"))
	assert.ErrorIs(t, err, aimeter.ErrWindowNotFound)
	assert.Equal(t, 0, q.Len())
}

func TestReconcileQueue_FullAndClosed(t *testing.T) {
	ctrl, _ := newOutageController(t, 1000)
	q := aimeter.NewReconcileQueue(ctrl, aimeter.ReconcileQueueConfig{
		BufferSize:  1,
		MaxAttempts: 2,
		Backoff:     time.Hour,
	})

	// The worker picks up the first job and then waits out the backoff
	require.NoError(t, q.Enqueue(reconcileReq("a")))
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Enqueue(reconcileReq("b")))
	assert.ErrorIs(t, q.Enqueue(reconcileReq("c")), aimeter.ErrQueueFull)

	_, err := q.Reconcile(context.Background(), reconcileReq("d"))
	assert.ErrorIs(t, err, aimeter.ErrStoreUnavailable)
	assert.ErrorIs(t, err, aimeter.ErrQueueFull)

	done := make(chan struct{})
	go func() {
		_ = q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the backoff")
	}

	assert.ErrorIs(t, q.Enqueue(reconcileReq("e")), aimeter.ErrQueueClosed)
	assert.NoError(t, q.Close())
}

func TestReconcileQueue_CloseDrains(t *testing.T) {
	ctrl, _ := newOutageController(t, 0)
	q := aimeter.NewReconcileQueue(ctrl, aimeter.ReconcileQueueConfig{})

	ctx := context.Background()
	for _, user := range []string{"a", "b", "c"} {
		_, err := ctrl.Admit(ctx, ideas(user))
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(reconcileReq(user)))
	}
	require.NoError(t, q.Close())

	for _, user := range []string{"a", "b", "c"} {
		w, err := ctrl.Usage(ctx, user, aimeter.TierFree)
		require.NoError(t, err)
		assert.Equal(t, int64(99_100), w.TokensRemaining, user)
	}
}
