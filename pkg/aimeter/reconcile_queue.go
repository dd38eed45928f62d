package aimeter

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the retry buffer has no room
	ErrQueueFull = errors.New("reconcile queue is full")

	// ErrQueueClosed is returned after Close
	ErrQueueClosed = errors.New("reconcile queue is closed")
)

// ReconcileQueueConfig configures a ReconcileQueue.
type ReconcileQueueConfig struct {
	// BufferSize is the number of pending retries held in memory (default: 1000)
	BufferSize int

	// MaxAttempts is the number of tries per reconciliation, the first included (default: 5)
	MaxAttempts int

	// Backoff is multiplied by the attempt number between tries (default: 500ms)
	Backoff time.Duration

	// ErrorHandler is called when a reconciliation is given up on.
	// Essential for monitoring ledger drift.
	ErrorHandler func(req ReconcileRequest, err error)

	// Logger defaults to NoopLogger
	Logger Logger
}

// ReconcileQueue retries reconciliations that could not be persisted, in the
// background, so the request path never blocks on a failing store.
// Jobs are processed sequentially to keep per-user ordering.
type ReconcileQueue struct {
	ctrl *Controller
	conf ReconcileQueueConfig

	mu       sync.RWMutex
	closed   bool
	jobs     chan ReconcileRequest
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewReconcileQueue creates a queue and starts its worker.
func NewReconcileQueue(ctrl *Controller, config ReconcileQueueConfig) *ReconcileQueue {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Backoff <= 0 {
		config.Backoff = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	q := &ReconcileQueue{
		ctrl:     ctrl,
		conf:     config,
		jobs:     make(chan ReconcileRequest, config.BufferSize),
		shutdown: make(chan struct{}),
	}
	q.startWorker()
	return q
}

// Reconcile tries req once and queues it for retry if the store was unavailable.
// The returned error is nil when the reconciliation was applied or queued.
func (q *ReconcileQueue) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconciliationResult, error) {
	res, err := q.ctrl.Reconcile(ctx, req)
	if err == nil || !retryable(err) {
		return res, err
	}
	if qerr := q.Enqueue(req); qerr != nil {
		return nil, errors.Join(err, qerr)
	}
	return nil, nil
}

// Enqueue schedules req for background reconciliation without blocking.
func (q *ReconcileQueue) Enqueue(req ReconcileRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of reconciliations waiting.
func (q *ReconcileQueue) Len() int {
	return len(q.jobs)
}

// Close stops accepting work, makes one last attempt at everything queued and
// waits for the worker to exit.
func (q *ReconcileQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.shutdown)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

func (q *ReconcileQueue) startWorker() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			// Shutdown wins over pending jobs so a requeued job cannot spin.
			select {
			case <-q.shutdown:
				q.drain()
				return
			default:
			}
			select {
			case req := <-q.jobs:
				q.process(req)
			case <-q.shutdown:
				q.drain()
				return
			}
		}
	}()
}

// drain makes one last attempt at every queued job.
func (q *ReconcileQueue) drain() {
	for {
		select {
		case req := <-q.jobs:
			if _, err := q.ctrl.Reconcile(context.Background(), req); err != nil {
				q.giveUp(req, err)
			}
		default:
			return
		}
	}
}

func (q *ReconcileQueue) process(req ReconcileRequest) {
	var err error
	for attempt := 1; attempt <= q.conf.MaxAttempts; attempt++ {
		if _, err = q.ctrl.Reconcile(context.Background(), req); err == nil {
			return
		}
		if !retryable(err) || attempt == q.conf.MaxAttempts {
			break
		}

		q.conf.Logger.Debug("Retrying reconciliation",
			Field{"userId", req.UserID},
			Field{"reservationId", req.ReservationID},
			Field{"attempt", attempt},
		)
		timer := time.NewTimer(q.conf.Backoff * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-q.shutdown:
			timer.Stop()
			// One final try happens in the drain loop.
			if qerr := q.requeue(req); qerr != nil {
				q.giveUp(req, err)
			}
			return
		}
	}
	q.giveUp(req, err)
}

// requeue puts req back after shutdown started so the drain loop sees it.
func (q *ReconcileQueue) requeue(req ReconcileRequest) error {
	select {
	case q.jobs <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *ReconcileQueue) giveUp(req ReconcileRequest, err error) {
	q.conf.Logger.Error("Reconciliation abandoned",
		Field{"userId", req.UserID},
		Field{"operation", req.Operation},
		Field{"reservationId", req.ReservationID},
		Field{"error", err.Error()},
	)
	if q.conf.ErrorHandler != nil {
		q.conf.ErrorHandler(req, err)
	}
}

func retryable(err error) bool {
	return IsStoreUnavailable(err)
}
