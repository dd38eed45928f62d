package aimeter

import (
	"fmt"
	"time"
)

// Tier is a subscription level that determines budget size.
type Tier string

const (
	// TierFree is the default, smallest budget
	TierFree Tier = "free"
	// TierPlus is the mid-level subscription
	TierPlus Tier = "plus"
	// TierPro is the largest budget
	TierPro Tier = "pro"
)

// AllTiers lists every known tier, smallest budget first.
var AllTiers = []Tier{TierFree, TierPlus, TierPro}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPlus, TierPro:
		return true
	}
	return false
}

// Rank orders tiers by budget size (free=0, plus=1, pro=2). Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPlus:
		return 1
	case TierPro:
		return 2
	}
	return -1
}

// ParseTier converts a string into a Tier, returning ErrInvalidTier for unknown values.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Budget is the per-window allowance for one tier.
type Budget struct {
	Requests int64
	Tokens   int64
}

// TierBudgets maps every tier to its hourly budget.
type TierBudgets map[Tier]Budget

// Validate checks that every known tier has a non-negative budget and no unknown tiers are present.
func (b TierBudgets) Validate() error {
	for tier, budget := range b {
		if !tier.Valid() {
			return fmt.Errorf("%w: budget for %q", ErrInvalidTier, tier)
		}
		if budget.Requests < 0 || budget.Tokens < 0 {
			return fmt.Errorf("%w: negative budget for tier %q", ErrInvalidConfig, tier)
		}
	}
	for _, tier := range AllTiers {
		if _, ok := b[tier]; !ok {
			return fmt.Errorf("%w: missing budget for tier %q", ErrInvalidConfig, tier)
		}
	}
	return nil
}

// For returns the budget for tier, or ErrInvalidTier.
func (b TierBudgets) For(tier Tier) (Budget, error) {
	budget, ok := b[tier]
	if !ok || !tier.Valid() {
		return Budget{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	return budget, nil
}

// DefaultResetInterval is the window length used when none is configured.
const DefaultResetInterval = time.Hour

// DefaultAdjustmentTTL is how long stores remember applied adjustment keys.
const DefaultAdjustmentTTL = 24 * time.Hour

// DefaultTierBudgets returns the budget table used when nothing is configured.
func DefaultTierBudgets() TierBudgets {
	return TierBudgets{
		TierFree: {Requests: 10, Tokens: 100_000},
		TierPlus: {Requests: 100, Tokens: 1_000_000},
		TierPro:  {Requests: 500, Tokens: 5_000_000},
	}
}

// WindowConfig is the budget table and window length supplied to every Store.
type WindowConfig struct {
	// Budgets maps each tier to its per-window allowance
	Budgets TierBudgets

	// ResetInterval is the window length (default: 1 hour)
	ResetInterval time.Duration

	// AdjustmentTTL is how long Store.Adjust remembers an applied idempotency key (default: 24 hours)
	AdjustmentTTL time.Duration
}

// Validate checks the window configuration.
func (c WindowConfig) Validate() error {
	if c.ResetInterval <= 0 {
		return fmt.Errorf("%w: reset interval must be positive", ErrInvalidConfig)
	}
	if c.AdjustmentTTL <= 0 {
		return fmt.Errorf("%w: adjustment TTL must be positive", ErrInvalidConfig)
	}
	return c.Budgets.Validate()
}

// WithDefaults fills zero fields with defaults.
func (c WindowConfig) WithDefaults() WindowConfig {
	if c.ResetInterval == 0 {
		c.ResetInterval = DefaultResetInterval
	}
	if c.AdjustmentTTL == 0 {
		c.AdjustmentTTL = DefaultAdjustmentTTL
	}
	if c.Budgets == nil {
		c.Budgets = DefaultTierBudgets()
	}
	return c
}

// UsageWindow is a user's accounting state for the current window.
type UsageWindow struct {
	UserID            string
	Tier              Tier
	RequestsRemaining int64
	RequestsTotal     int64
	TokensRemaining   int64
	TokensTotal       int64
	WindowStart       time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the window has run its course at now.
func (w *UsageWindow) Expired(now time.Time, interval time.Duration) bool {
	return now.Sub(w.WindowStart) >= interval
}

// ResetsAt returns when the window expires.
func (w *UsageWindow) ResetsAt(interval time.Duration) time.Time {
	return w.WindowStart.Add(interval)
}

// Clone returns a copy safe to hand to callers.
func (w *UsageWindow) Clone() *UsageWindow {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}

// NewWindow builds a fresh window stamped with budget at now.
func NewWindow(userID string, tier Tier, budget Budget, now time.Time) *UsageWindow {
	return &UsageWindow{
		UserID:            userID,
		Tier:              tier,
		RequestsRemaining: budget.Requests,
		RequestsTotal:     budget.Requests,
		TokensRemaining:   budget.Tokens,
		TokensTotal:       budget.Tokens,
		WindowStart:       now,
		UpdatedAt:         now,
	}
}

// ApplyDelta subtracts the deltas from the window, clamping at zero and,
// for refunds, at the window totals.
func (w *UsageWindow) ApplyDelta(requestDelta, tokenDelta int64, now time.Time) {
	w.RequestsRemaining = clamp(w.RequestsRemaining-requestDelta, 0, w.RequestsTotal)
	w.TokensRemaining = clamp(w.TokensRemaining-tokenDelta, 0, w.TokensTotal)
	w.UpdatedAt = now
}

// Reset replaces remaining and total budgets with budget and restarts the window at now.
func (w *UsageWindow) Reset(tier Tier, budget Budget, now time.Time) {
	w.Tier = tier
	w.RequestsRemaining = budget.Requests
	w.RequestsTotal = budget.Requests
	w.TokensRemaining = budget.Tokens
	w.TokensTotal = budget.Tokens
	w.WindowStart = now
	w.UpdatedAt = now
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sufficiency is the read-only answer to "can this request be afforded right now".
type Sufficiency struct {
	HasRequests bool
	HasTokens   bool
	Window      *UsageWindow
}

// Check evaluates sufficiency of w for one request costing estimatedTokens.
func Check(w *UsageWindow, estimatedTokens int64) Sufficiency {
	return Sufficiency{
		HasRequests: w.RequestsRemaining >= 1,
		HasTokens:   w.TokensRemaining >= estimatedTokens,
		Window:      w.Clone(),
	}
}

// Reason returns the rejection reason for s, or empty when both budgets suffice.
// Exhausted requests take precedence over exhausted tokens.
func (s Sufficiency) Reason() RejectReason {
	switch {
	case !s.HasRequests:
		return RejectRequestsExhausted
	case !s.HasTokens:
		return RejectTokensExhausted
	}
	return ""
}

// RejectReason explains why an admission was refused.
type RejectReason string

const (
	// RejectRequestsExhausted means the request count for this window is spent
	RejectRequestsExhausted RejectReason = "requests_exhausted"
	// RejectTokensExhausted means the token budget cannot cover the estimate
	RejectTokensExhausted RejectReason = "tokens_exhausted"
	// RejectStoreUnavailable means the store could not be reached under a fail-closed policy
	RejectStoreUnavailable RejectReason = "store_unavailable"
)

// ReserveRequest asks a Store to atomically admit and reserve budget.
type ReserveRequest struct {
	UserID        string
	Tier          Tier
	RequestsDelta int64
	TokensDelta   int64
}

// ReserveResult is the outcome of Store.Reserve.
type ReserveResult struct {
	// Admitted is true when both budgets sufficed and were decremented
	Admitted bool

	// Reason is set when Admitted is false
	Reason RejectReason

	// Window is the window after the operation (unchanged on rejection)
	Window *UsageWindow

	// Reset is true when this call replaced an expired window
	Reset bool
}

// AdjustRequest asks a Store to apply a token correction at most once.
type AdjustRequest struct {
	UserID      string
	TokensDelta int64

	// IdempotencyKey names the correction. While a key is remembered, applying
	// it again is a no-op. Empty disables deduplication.
	IdempotencyKey string
}

// AdjustResult is the outcome of Store.Adjust.
type AdjustResult struct {
	// Found is false when the user has no window; nothing was applied or recorded
	Found bool

	// Duplicate is true when the key had already been applied
	Duplicate bool

	// Window is the window after the operation
	Window *UsageWindow
}

// CostEstimate is the pre-flight token prediction for one operation.
type CostEstimate struct {
	Operation            Operation
	InputTokens          int64
	ExpectedOutputTokens int64

	// SystemTokens is non-zero only for full-cost estimates
	SystemTokens int64

	EstimatedTokens int64

	// Degraded is true when the exact tokenizer was unavailable and an approximation was used
	Degraded bool
}

// AdmitRequest describes one AI-backed operation awaiting admission.
type AdmitRequest struct {
	UserID    string
	Tier      Tier
	Operation Operation
	Input     string
}

// AdmitResult is the controller's decision for one request.
type AdmitResult struct {
	Allowed         bool
	EstimatedTokens int64
	Reason          RejectReason

	// Window is the user's window after the decision; nil if the store did not answer
	Window *UsageWindow

	Estimate      CostEstimate
	ReservationID string

	// FailedOpen is true when the store was unavailable and the fail-open policy admitted the request
	FailedOpen bool

	// Reset is true when this admission replaced an expired window
	Reset bool
}

// ReconcileRequest reports the actual cost of a previously admitted request.
type ReconcileRequest struct {
	UserID          string
	Operation       Operation
	EstimatedTokens int64

	// ActualTotalTokens is nil when the backend reported no usage
	ActualTotalTokens *int64

	// ReservationID is the admission being settled. Stores apply each
	// reservation's adjustment at most once, so retries are safe. Empty
	// disables deduplication.
	ReservationID string
}

// ReconciliationResult is the ledger adjustment applied by Reconcile.
type ReconciliationResult struct {
	Operation         Operation
	ActualTotalTokens *int64
	ChargedTokens     int64
	Delta             int64
	Window            *UsageWindow

	// Duplicate is true when the reservation had already been settled and nothing changed
	Duplicate bool
}

// Tokens is a convenience for building an optional actual token count.
func Tokens(n int64) *int64 {
	return &n
}
