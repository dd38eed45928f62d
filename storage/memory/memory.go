// Package memory provides an in-memory implementation of the aimeter.Store interface.
// State is lost on restart; use it for tests, development and single-process deployments.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Config configures the in-memory store.
type Config struct {
	// Window is the tier budget table and reset interval
	Window aimeter.WindowConfig

	// Clock defaults to aimeter.SystemClock
	Clock aimeter.Clock
}

// slot holds one user's window behind its own lock so users never contend.
type slot struct {
	// userID is the store's own copy; callers may pass strings backed by reused buffers
	userID string

	mu     sync.Mutex
	window *aimeter.UsageWindow

	// applied maps adjustment keys to when they were applied
	applied map[string]time.Time
}

// Storage implements aimeter.Store with one mutex per user.
type Storage struct {
	slots  sync.Map // userID -> *slot
	window aimeter.WindowConfig
	clock  aimeter.Clock
}

var _ aimeter.Store = (*Storage)(nil)

// New creates a new in-memory store.
func New(config Config) (*Storage, error) {
	config.Window = config.Window.WithDefaults()
	if err := config.Window.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = aimeter.SystemClock{}
	}
	return &Storage{window: config.Window, clock: config.Clock}, nil
}

func (s *Storage) slotFor(userID string) *slot {
	if v, ok := s.slots.Load(userID); ok {
		return v.(*slot)
	}
	id := strings.Clone(userID)
	v, _ := s.slots.LoadOrStore(id, &slot{userID: id})
	return v.(*slot)
}

// GetOrCreate implements aimeter.Store
func (s *Storage) GetOrCreate(ctx context.Context, userID string, tier aimeter.Tier) (*aimeter.UsageWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	budget, err := s.window.Budgets.For(tier)
	if err != nil {
		return nil, err
	}

	sl := s.slotFor(userID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.window == nil {
		sl.window = aimeter.NewWindow(sl.userID, tier, budget, s.clock.Now())
	}
	return sl.window.Clone(), nil
}

// ResetIfExpired implements aimeter.Store
func (s *Storage) ResetIfExpired(ctx context.Context, userID string,
	tier aimeter.Tier) (*aimeter.UsageWindow, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	sl := s.slotFor(userID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	w, reset, err := aimeter.ResetWindow(sl.window, sl.userID, tier, s.window, s.clock.Now())
	if err != nil {
		return nil, false, err
	}
	sl.window = w
	return w.Clone(), reset, nil
}

// TryDecrement implements aimeter.Store
func (s *Storage) TryDecrement(ctx context.Context, userID string,
	requestDelta, tokenDelta int64) (bool, *aimeter.UsageWindow, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	v, ok := s.slots.Load(userID)
	if !ok {
		return false, nil, nil
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.window == nil {
		return false, nil, nil
	}
	sl.window.ApplyDelta(requestDelta, tokenDelta, s.clock.Now())
	return true, sl.window.Clone(), nil
}

// Adjust implements aimeter.Store
func (s *Storage) Adjust(ctx context.Context, req *aimeter.AdjustRequest) (*aimeter.AdjustResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, ok := s.slots.Load(req.UserID)
	if !ok {
		return &aimeter.AdjustResult{}, nil
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.window == nil {
		return &aimeter.AdjustResult{}, nil
	}
	now := s.clock.Now()
	if req.IdempotencyKey != "" {
		sl.forgetExpired(now, s.window.AdjustmentTTL)
		if _, seen := sl.applied[req.IdempotencyKey]; seen {
			return &aimeter.AdjustResult{Found: true, Duplicate: true, Window: sl.window.Clone()}, nil
		}
		if sl.applied == nil {
			sl.applied = make(map[string]time.Time)
		}
		sl.applied[strings.Clone(req.IdempotencyKey)] = now
	}
	sl.window.ApplyDelta(0, req.TokensDelta, now)
	return &aimeter.AdjustResult{Found: true, Window: sl.window.Clone()}, nil
}

func (sl *slot) forgetExpired(now time.Time, ttl time.Duration) {
	for key, at := range sl.applied {
		if now.Sub(at) >= ttl {
			delete(sl.applied, key)
		}
	}
}

// CheckSufficiency implements aimeter.Store
func (s *Storage) CheckSufficiency(ctx context.Context, userID string, tier aimeter.Tier,
	estimatedTokens int64) (aimeter.Sufficiency, error) {
	if err := ctx.Err(); err != nil {
		return aimeter.Sufficiency{}, err
	}

	var current *aimeter.UsageWindow
	if v, ok := s.slots.Load(userID); ok {
		sl := v.(*slot)
		sl.mu.Lock()
		current = sl.window.Clone()
		sl.mu.Unlock()
	}

	w, err := aimeter.PreviewWindow(current, userID, tier, s.window, s.clock.Now())
	if err != nil {
		return aimeter.Sufficiency{}, err
	}
	return aimeter.Check(w, estimatedTokens), nil
}

// Reserve implements aimeter.Store
func (s *Storage) Reserve(ctx context.Context, req *aimeter.ReserveRequest) (*aimeter.ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sl := s.slotFor(req.UserID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var current *aimeter.UsageWindow
	if sl.window != nil {
		current = sl.window.Clone()
	}
	owned := *req
	owned.UserID = sl.userID
	res, err := aimeter.ReserveWindow(current, &owned, s.window, s.clock.Now())
	if err != nil {
		return nil, err
	}
	sl.window = res.Window
	res.Window = res.Window.Clone()
	return res, nil
}

// Ping implements aimeter.Store
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// WindowConfig implements aimeter.Store
func (s *Storage) WindowConfig() aimeter.WindowConfig {
	return s.window
}

// Clear removes every window. Intended for tests.
func (s *Storage) Clear() {
	s.slots.Range(func(key, _ any) bool {
		s.slots.Delete(key)
		return true
	})
}
