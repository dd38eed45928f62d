package aimeter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultStoreTimeout bounds every store round-trip made by the Controller.
const DefaultStoreTimeout = 2 * time.Second

// FailurePolicy decides what Admit does when the store cannot be reached.
type FailurePolicy string

const (
	// FailClosed rejects with RejectStoreUnavailable and returns the store error
	FailClosed FailurePolicy = "fail_closed"
	// FailOpen admits without charging and logs a warning
	FailOpen FailurePolicy = "fail_open"
)

// ParseFailurePolicy converts a string into a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailClosed, FailOpen:
		return p, nil
	}
	return "", fmt.Errorf("%w: failure policy %q", ErrInvalidConfig, s)
}

// Config configures a Controller.
type Config struct {
	// StoreTimeout bounds each store call (default: 2s)
	StoreTimeout time.Duration

	// FailurePolicy applies when the store is unavailable (default: FailClosed)
	FailurePolicy FailurePolicy

	// RefundUnreportedUsage returns the whole estimate when the backend reported no usage.
	// Off by default: the estimate stands as the final charge.
	RefundUnreportedUsage bool

	// ResetInterval is used to report when windows reset. Zero takes the
	// Store's interval; any other value must match it.
	ResetInterval time.Duration

	// Clock stamps reset times reported to callers (default: SystemClock).
	// Give it the clock the Store uses.
	Clock Clock

	// Metrics is used for tracking admissions (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// NewReservationID generates the id correlating an admission with its reconcile (default: uuid)
	NewReservationID func() string
}

// Validate checks the controller configuration.
func (c Config) Validate() error {
	if c.StoreTimeout < 0 {
		return fmt.Errorf("%w: negative store timeout", ErrInvalidConfig)
	}
	if c.ResetInterval < 0 {
		return fmt.Errorf("%w: negative reset interval", ErrInvalidConfig)
	}
	if c.FailurePolicy != "" {
		if _, err := ParseFailurePolicy(string(c.FailurePolicy)); err != nil {
			return err
		}
	}
	return nil
}

// Controller is the admission controller: it admits requests against the
// user's window, reserves their estimated cost and reconciles the estimate
// against the actual cost afterwards. It holds no mutable state.
type Controller struct {
	store     Store
	estimator *TokenEstimator
	config    Config
}

// NewController creates a controller over store and estimator.
func NewController(store Store, estimator *TokenEstimator, config Config) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if estimator == nil {
		return nil, fmt.Errorf("%w: estimator is required", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.StoreTimeout == 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.FailurePolicy == "" {
		config.FailurePolicy = FailClosed
	}
	storeInterval := store.WindowConfig().ResetInterval
	switch {
	case config.ResetInterval == 0:
		config.ResetInterval = storeInterval
	case config.ResetInterval != storeInterval:
		return nil, fmt.Errorf("%w: reset interval %s does not match the store's %s",
			ErrInvalidConfig, config.ResetInterval, storeInterval)
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.NewReservationID == nil {
		config.NewReservationID = uuid.NewString
	}

	return &Controller{
		store:     store,
		estimator: estimator,
		config:    config,
	}, nil
}

// Logger returns the controller's logger.
func (c *Controller) Logger() Logger {
	return c.config.Logger
}

// Estimator returns the controller's token estimator.
func (c *Controller) Estimator() *TokenEstimator {
	return c.estimator
}

// ResetsAt returns when w expires.
func (c *Controller) ResetsAt(w *UsageWindow) time.Time {
	return w.ResetsAt(c.config.ResetInterval)
}

// Now returns the current time on the controller's clock.
func (c *Controller) Now() time.Time {
	return c.config.Clock.Now()
}

// Admit decides whether req may proceed. When allowed, one request and the
// estimated tokens have already been deducted from the user's window.
// A rejection for exhausted budget is a result, not an error.
func (c *Controller) Admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	if err := validateRequest(req.UserID, req.Tier, req.Operation); err != nil {
		return nil, err
	}

	result := &AdmitResult{ReservationID: c.config.NewReservationID()}

	window, reset, err := c.resetIfExpired(ctx, req.UserID, req.Tier)
	if err != nil {
		return c.storeFailure(result, req, err)
	}
	if reset {
		c.config.Metrics.RecordWindowReset(req.Tier)
	}
	result.Window = window
	result.Reset = reset

	est, err := c.estimator.EstimateUserCost(req.Operation, req.Input)
	if err != nil {
		return nil, err
	}
	result.Estimate = est
	result.EstimatedTokens = est.EstimatedTokens
	c.config.Metrics.RecordEstimate(req.Operation, est.EstimatedTokens, est.Degraded)
	if est.Degraded {
		c.config.Logger.Debug("Token estimate used approximate tokenizer",
			Field{"operation", req.Operation},
			Field{"estimatedTokens", est.EstimatedTokens},
		)
	}

	res, err := c.reserve(ctx, &ReserveRequest{
		UserID:        req.UserID,
		Tier:          req.Tier,
		RequestsDelta: 1,
		TokensDelta:   est.EstimatedTokens,
	})
	if err != nil {
		return c.storeFailure(result, req, err)
	}
	if res.Reset && !reset {
		// The window expired between the two store calls.
		c.config.Metrics.RecordWindowReset(req.Tier)
		result.Reset = true
	}
	result.Window = res.Window
	result.Allowed = res.Admitted
	result.Reason = res.Reason

	c.config.Metrics.RecordAdmission(req.Tier, req.Operation, result.Allowed, result.Reason, est.EstimatedTokens)
	if result.Allowed {
		c.config.Logger.Debug("Request admitted",
			Field{"userId", req.UserID},
			Field{"tier", req.Tier},
			Field{"operation", req.Operation},
			Field{"reservationId", result.ReservationID},
			Field{"estimatedTokens", est.EstimatedTokens},
			Field{"tokensRemaining", res.Window.TokensRemaining},
		)
	} else {
		c.config.Logger.Info("Request rejected",
			Field{"userId", req.UserID},
			Field{"tier", req.Tier},
			Field{"operation", req.Operation},
			Field{"reason", result.Reason},
			Field{"estimatedTokens", est.EstimatedTokens},
		)
	}
	return result, nil
}

// Check reports whether req would be admitted right now without reserving anything.
func (c *Controller) Check(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	if err := validateRequest(req.UserID, req.Tier, req.Operation); err != nil {
		return nil, err
	}

	est, err := c.estimator.EstimateUserCost(req.Operation, req.Input)
	if err != nil {
		return nil, err
	}
	result := &AdmitResult{Estimate: est, EstimatedTokens: est.EstimatedTokens}

	tctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()
	suff, err := c.store.CheckSufficiency(tctx, req.UserID, req.Tier, est.EstimatedTokens)
	if err != nil {
		result.Reason = RejectStoreUnavailable
		return result, c.classify("check_sufficiency", req.UserID, err)
	}
	result.Window = suff.Window
	result.Reason = suff.Reason()
	result.Allowed = result.Reason == ""
	return result, nil
}

// Reconcile adjusts the user's tokens once the actual cost of an admitted
// request is known, with a nil ActualTotalTokens when the backend reported no
// usage. Requests are never refunded. The adjustment is keyed on
// ReservationID, so retrying after an error is safe: a reservation already
// settled reports Duplicate and changes nothing.
func (c *Controller) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconciliationResult, error) {
	if req.UserID == "" {
		return nil, ErrInvalidUserID
	}
	system, err := c.estimator.SystemCostTokens(req.Operation)
	if err != nil {
		return nil, err
	}

	result := &ReconciliationResult{
		Operation:         req.Operation,
		ActualTotalTokens: req.ActualTotalTokens,
	}
	switch {
	case req.ActualTotalTokens != nil:
		result.ChargedTokens = max(0, *req.ActualTotalTokens-system)
		result.Delta = result.ChargedTokens - req.EstimatedTokens
	case c.config.RefundUnreportedUsage:
		result.ChargedTokens = 0
		result.Delta = -req.EstimatedTokens
	default:
		result.ChargedTokens = req.EstimatedTokens
		result.Delta = 0
	}

	tctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()
	res, err := c.store.Adjust(tctx, &AdjustRequest{
		UserID:         req.UserID,
		TokensDelta:    result.Delta,
		IdempotencyKey: req.ReservationID,
	})
	if err == nil && !res.Found {
		err = fmt.Errorf("reconcile %s: %w", req.UserID, ErrWindowNotFound)
	} else if err != nil {
		err = c.classify("adjust", req.UserID, err)
	}
	if err != nil {
		c.config.Logger.Error("Reconciliation failed",
			Field{"userId", req.UserID},
			Field{"operation", req.Operation},
			Field{"reservationId", req.ReservationID},
			Field{"delta", result.Delta},
			Field{"error", err.Error()},
		)
		return nil, err
	}

	result.Window = res.Window
	if res.Duplicate {
		result.Duplicate = true
		c.config.Logger.Debug("Reservation already reconciled",
			Field{"userId", req.UserID},
			Field{"reservationId", req.ReservationID},
		)
		return result, nil
	}

	c.config.Metrics.RecordReconciliation(req.Operation, result.Delta, req.ActualTotalTokens != nil)
	c.config.Logger.Debug("Request reconciled",
		Field{"userId", req.UserID},
		Field{"operation", req.Operation},
		Field{"reservationId", req.ReservationID},
		Field{"chargedTokens", result.ChargedTokens},
		Field{"delta", result.Delta},
	)
	return result, nil
}

// Usage returns the user's current window, replenishing it first if it expired.
func (c *Controller) Usage(ctx context.Context, userID string, tier Tier) (*UsageWindow, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	w, reset, err := c.resetIfExpired(ctx, userID, tier)
	if err != nil {
		return nil, err
	}
	if reset {
		c.config.Metrics.RecordWindowReset(tier)
	}
	return w, nil
}

// Ping checks that the store is reachable within the store timeout.
func (c *Controller) Ping(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()
	if err := c.store.Ping(tctx); err != nil {
		return c.classify("ping", "", err)
	}
	return nil
}

func (c *Controller) resetIfExpired(ctx context.Context, userID string, tier Tier) (*UsageWindow, bool, error) {
	tctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()
	w, reset, err := c.store.ResetIfExpired(tctx, userID, tier)
	if err != nil {
		return nil, false, c.classify("reset_if_expired", userID, err)
	}
	return w, reset, nil
}

func (c *Controller) reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error) {
	tctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()
	res, err := c.store.Reserve(tctx, req)
	if err != nil {
		return nil, c.classify("reserve", req.UserID, err)
	}
	return res, nil
}

// classify turns any non-configuration store error into a StoreError.
func (c *Controller) classify(op, userID string, err error) error {
	if IsConfigurationError(err) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, UserID: userID, Err: err}
}

func (c *Controller) storeFailure(result *AdmitResult, req AdmitRequest, err error) (*AdmitResult, error) {
	if IsConfigurationError(err) {
		return nil, err
	}

	if c.config.FailurePolicy == FailOpen {
		c.config.Logger.Warn("Store unavailable, admitting without quota",
			Field{"userId", req.UserID},
			Field{"tier", req.Tier},
			Field{"operation", req.Operation},
			Field{"reservationId", result.ReservationID},
			Field{"error", err.Error()},
		)
		c.config.Metrics.RecordFailOpen(req.Operation)
		result.Allowed = true
		result.FailedOpen = true
		result.Reason = ""
		if result.Estimate.Operation == "" {
			if est, estErr := c.estimator.EstimateUserCost(req.Operation, req.Input); estErr == nil {
				result.Estimate = est
				result.EstimatedTokens = est.EstimatedTokens
			}
		}
		return result, nil
	}

	c.config.Logger.Error("Store unavailable, rejecting request",
		Field{"userId", req.UserID},
		Field{"tier", req.Tier},
		Field{"operation", req.Operation},
		Field{"error", err.Error()},
	)
	c.config.Metrics.RecordAdmission(req.Tier, req.Operation, false, RejectStoreUnavailable, result.EstimatedTokens)
	result.Allowed = false
	result.Reason = RejectStoreUnavailable
	return result, err
}

func validateRequest(userID string, tier Tier, op Operation) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if !op.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	return nil
}
