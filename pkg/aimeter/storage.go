package aimeter

import (
	"context"
	"time"
)

// Store is the single source of truth for each user's remaining budget.
// Every mutating method must be atomic with respect to other calls for the
// same user; calls for different users must not contend.
type Store interface {
	// GetOrCreate returns the user's window, creating one stamped with tier's
	// budget and WindowStart = now if none exists.
	GetOrCreate(ctx context.Context, userID string, tier Tier) (*UsageWindow, error)

	// ResetIfExpired replaces the remaining and total budgets with tier's budget
	// and restarts the window if it has expired; otherwise returns it unchanged.
	// Creates the window if absent. The bool reports whether a reset happened.
	ResetIfExpired(ctx context.Context, userID string, tier Tier) (*UsageWindow, bool, error)

	// TryDecrement subtracts the deltas, clamped at zero (and at the totals for
	// negative deltas). It is a commit, not a gate: sufficiency is not re-checked.
	// ok is false when the user has no window.
	TryDecrement(ctx context.Context, userID string, requestDelta, tokenDelta int64) (bool, *UsageWindow, error)

	// Adjust applies TokensDelta with TryDecrement's clamping. A non-empty
	// IdempotencyKey already applied for this user within AdjustmentTTL makes
	// the call a no-op reporting Duplicate. Recording the key and applying the
	// delta happen in one atomic step.
	Adjust(ctx context.Context, req *AdjustRequest) (*AdjustResult, error)

	// CheckSufficiency is a read-only check against the current remaining budgets.
	// An absent or expired window is judged as the fresh window tier would get.
	CheckSufficiency(ctx context.Context, userID string, tier Tier, estimatedTokens int64) (Sufficiency, error)

	// Reserve atomically creates-if-absent, resets-if-expired, checks both
	// budgets and, only if both suffice, decrements them.
	Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// WindowConfig returns the budget table and intervals the store applies.
	WindowConfig() WindowConfig
}

// Clock supplies the current time to stores and the controller.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}
