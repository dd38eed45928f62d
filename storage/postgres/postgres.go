// Package postgres provides a PostgreSQL implementation of the aimeter.Store interface.
// Every mutation runs in a transaction holding the user's row lock (SELECT FOR UPDATE),
// so operations for one user are linearizable and users never contend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Schema creates the windows table (one row per user) and the record of
// applied adjustments.
const Schema = `
CREATE TABLE IF NOT EXISTS ai_usage_windows (
	user_id            TEXT PRIMARY KEY,
	tier               TEXT        NOT NULL,
	requests_remaining BIGINT      NOT NULL CHECK (requests_remaining >= 0),
	requests_total     BIGINT      NOT NULL CHECK (requests_total >= 0),
	tokens_remaining   BIGINT      NOT NULL CHECK (tokens_remaining >= 0),
	tokens_total       BIGINT      NOT NULL CHECK (tokens_total >= 0),
	window_start       TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	CHECK (requests_remaining <= requests_total),
	CHECK (tokens_remaining <= tokens_total)
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_windows_updated_at ON ai_usage_windows (updated_at);

CREATE TABLE IF NOT EXISTS ai_usage_adjustments (
	user_id         TEXT        NOT NULL,
	idempotency_key TEXT        NOT NULL,
	applied_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_adjustments_applied_at ON ai_usage_adjustments (applied_at);
`

// Storage implements aimeter.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var _ aimeter.Store = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Window is the tier budget table and reset interval
	Window aimeter.WindowConfig

	// Clock defaults to aimeter.SystemClock
	Clock aimeter.Clock

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// EnsureSchema creates the table on startup
	EnsureSchema bool

	// Retention: windows idle for longer than RetentionPeriod are deleted,
	// as are adjustment records older than Window.AdjustmentTTL
	CleanupEnabled  bool
	CleanupInterval time.Duration
	RetentionPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Window: aimeter.WindowConfig{
			Budgets:       aimeter.DefaultTierBudgets(),
			ResetInterval: aimeter.DefaultResetInterval,
		},
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		EnsureSchema:    true,
		CleanupInterval: time.Hour,
		RetentionPeriod: 30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	config.Window = config.Window.WithDefaults()
	if err := config.Window.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = aimeter.SystemClock{}
	}
	if config.CleanupEnabled && config.RetentionPeriod <= config.Window.ResetInterval {
		return nil, fmt.Errorf("%w: retention period must exceed the reset interval", aimeter.ErrInvalidConfig)
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		if config.CleanupInterval <= 0 {
			config.CleanupInterval = time.Hour
		}
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx, config.CleanupInterval)
	}

	return s, nil
}

// EnsureSchema creates the windows table if it does not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements aimeter.Store
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectColumns = `user_id, tier, requests_remaining, requests_total,
	tokens_remaining, tokens_total, window_start, updated_at`

func scanWindow(row pgx.Row) (*aimeter.UsageWindow, error) {
	var (
		w    aimeter.UsageWindow
		tier string
	)
	err := row.Scan(&w.UserID, &tier, &w.RequestsRemaining, &w.RequestsTotal,
		&w.TokensRemaining, &w.TokensTotal, &w.WindowStart, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Tier = aimeter.Tier(tier)
	w.WindowStart = w.WindowStart.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

// lockWindow returns the user's row locked for update, or nil if absent.
func lockWindow(ctx context.Context, tx pgx.Tx, userID string) (*aimeter.UsageWindow, error) {
	w, err := scanWindow(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM ai_usage_windows WHERE user_id = $1 FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock window: %w", err)
	}
	return w, nil
}

// lockOrCreate inserts a fresh window if none exists and returns the locked row.
// created reports whether this call inserted it.
func (s *Storage) lockOrCreate(ctx context.Context, tx pgx.Tx, userID string,
	tier aimeter.Tier) (w *aimeter.UsageWindow, created bool, err error) {
	w, err = lockWindow(ctx, tx, userID)
	if err != nil || w != nil {
		return w, false, err
	}

	budget, err := s.config.Window.Budgets.For(tier)
	if err != nil {
		return nil, false, err
	}
	fresh := aimeter.NewWindow(userID, tier, budget, s.config.Clock.Now())
	tag, err := tx.Exec(ctx, `
		INSERT INTO ai_usage_windows (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING`,
		fresh.UserID, string(fresh.Tier), fresh.RequestsRemaining, fresh.RequestsTotal,
		fresh.TokensRemaining, fresh.TokensTotal, fresh.WindowStart, fresh.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create window: %w", err)
	}

	// A concurrent insert won; lock the row it created.
	w, err = lockWindow(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}
	if w == nil {
		return nil, false, fmt.Errorf("window for %s vanished after insert", userID)
	}
	return w, tag.RowsAffected() == 1, nil
}

func writeWindow(ctx context.Context, tx pgx.Tx, w *aimeter.UsageWindow) error {
	_, err := tx.Exec(ctx, `
		UPDATE ai_usage_windows
		SET tier = $2, requests_remaining = $3, requests_total = $4,
			tokens_remaining = $5, tokens_total = $6, window_start = $7, updated_at = $8
		WHERE user_id = $1`,
		w.UserID, string(w.Tier), w.RequestsRemaining, w.RequestsTotal,
		w.TokensRemaining, w.TokensTotal, w.WindowStart, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write window: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Storage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetOrCreate implements aimeter.Store
func (s *Storage) GetOrCreate(ctx context.Context, userID string, tier aimeter.Tier) (*aimeter.UsageWindow, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", aimeter.ErrInvalidTier, tier)
	}
	var w *aimeter.UsageWindow
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var e error
		w, _, e = s.lockOrCreate(ctx, tx, userID, tier)
		return e
	})
	return w, err
}

// ResetIfExpired implements aimeter.Store
func (s *Storage) ResetIfExpired(ctx context.Context, userID string,
	tier aimeter.Tier) (*aimeter.UsageWindow, bool, error) {
	if !tier.Valid() {
		return nil, false, fmt.Errorf("%w: %q", aimeter.ErrInvalidTier, tier)
	}
	var (
		w     *aimeter.UsageWindow
		reset bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, _, err := s.lockOrCreate(ctx, tx, userID, tier)
		if err != nil {
			return err
		}
		w, reset, err = aimeter.ResetWindow(current, userID, tier, s.config.Window, s.config.Clock.Now())
		if err != nil || !reset {
			return err
		}
		return writeWindow(ctx, tx, w)
	})
	if err != nil {
		return nil, false, err
	}
	return w, reset, nil
}

// TryDecrement implements aimeter.Store. It is a single conditional UPDATE.
func (s *Storage) TryDecrement(ctx context.Context, userID string,
	requestDelta, tokenDelta int64) (bool, *aimeter.UsageWindow, error) {
	w, err := scanWindow(s.pool.QueryRow(ctx, `
		UPDATE ai_usage_windows
		SET requests_remaining = LEAST(GREATEST(requests_remaining - $2, 0), requests_total),
			tokens_remaining   = LEAST(GREATEST(tokens_remaining - $3, 0), tokens_total),
			updated_at         = $4
		WHERE user_id = $1
		RETURNING `+selectColumns,
		userID, requestDelta, tokenDelta, s.config.Clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to decrement window: %w", err)
	}
	return true, w, nil
}

// Adjust implements aimeter.Store. The adjustment record and the window update
// commit together; a record older than Window.AdjustmentTTL no longer dedupes.
func (s *Storage) Adjust(ctx context.Context, req *aimeter.AdjustRequest) (*aimeter.AdjustResult, error) {
	if req.IdempotencyKey == "" {
		ok, w, err := s.TryDecrement(ctx, req.UserID, 0, req.TokensDelta)
		if err != nil {
			return nil, err
		}
		return &aimeter.AdjustResult{Found: ok, Window: w}, nil
	}

	res := &aimeter.AdjustResult{}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		w, err := lockWindow(ctx, tx, req.UserID)
		if err != nil || w == nil {
			return err
		}
		res.Found = true
		res.Window = w

		now := s.config.Clock.Now()
		tag, err := tx.Exec(ctx, `
			INSERT INTO ai_usage_adjustments (user_id, idempotency_key, applied_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, idempotency_key) DO UPDATE SET applied_at = EXCLUDED.applied_at
			WHERE ai_usage_adjustments.applied_at <= $4`,
			req.UserID, req.IdempotencyKey, now, now.Add(-s.config.Window.AdjustmentTTL))
		if err != nil {
			return fmt.Errorf("failed to record adjustment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			res.Duplicate = true
			return nil
		}

		w.ApplyDelta(0, req.TokensDelta, now)
		return writeWindow(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CheckSufficiency implements aimeter.Store
func (s *Storage) CheckSufficiency(ctx context.Context, userID string, tier aimeter.Tier,
	estimatedTokens int64) (aimeter.Sufficiency, error) {
	if !tier.Valid() {
		return aimeter.Sufficiency{}, fmt.Errorf("%w: %q", aimeter.ErrInvalidTier, tier)
	}
	current, err := scanWindow(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM ai_usage_windows WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err = nil, nil
	}
	if err != nil {
		return aimeter.Sufficiency{}, fmt.Errorf("failed to read window: %w", err)
	}

	w, err := aimeter.PreviewWindow(current, userID, tier, s.config.Window, s.config.Clock.Now())
	if err != nil {
		return aimeter.Sufficiency{}, err
	}
	return aimeter.Check(w, estimatedTokens), nil
}

// Reserve implements aimeter.Store
func (s *Storage) Reserve(ctx context.Context, req *aimeter.ReserveRequest) (*aimeter.ReserveResult, error) {
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("%w: %q", aimeter.ErrInvalidTier, req.Tier)
	}
	var res *aimeter.ReserveResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, _, err := s.lockOrCreate(ctx, tx, req.UserID, req.Tier)
		if err != nil {
			return err
		}
		res, err = aimeter.ReserveWindow(current, req, s.config.Window, s.config.Clock.Now())
		if err != nil {
			return err
		}
		if !res.Admitted && !res.Reset {
			return nil
		}
		return writeWindow(ctx, tx, res.Window)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// startCleanup periodically deletes windows idle past the retention period.
func (s *Storage) startCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.DeleteIdleWindows(ctx)        //nolint:errcheck // retried on the next tick
			_, _ = s.DeleteExpiredAdjustments(ctx) //nolint:errcheck // retried on the next tick
		}
	}
}

// DeleteIdleWindows removes windows not updated within the retention period.
func (s *Storage) DeleteIdleWindows(ctx context.Context) (int64, error) {
	if s.config.RetentionPeriod <= s.config.Window.ResetInterval {
		return 0, fmt.Errorf("%w: retention period must exceed the reset interval", aimeter.ErrInvalidConfig)
	}
	cutoff := s.config.Clock.Now().Add(-s.config.RetentionPeriod)
	tag, err := s.pool.Exec(ctx, `DELETE FROM ai_usage_windows WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredAdjustments removes adjustment records older than Window.AdjustmentTTL.
func (s *Storage) DeleteExpiredAdjustments(ctx context.Context) (int64, error) {
	cutoff := s.config.Clock.Now().Add(-s.config.Window.AdjustmentTTL)
	tag, err := s.pool.Exec(ctx, `DELETE FROM ai_usage_adjustments WHERE applied_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired adjustments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WindowConfig implements aimeter.Store
func (s *Storage) WindowConfig() aimeter.WindowConfig {
	return s.config.Window
}
