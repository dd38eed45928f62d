// Package firestore provides a Firestore implementation of the aimeter.Store interface.
// Each user's window is one document; every mutation runs in a transaction on that
// document, so operations for one user are linearizable.
package firestore

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Storage implements aimeter.Store using Google Cloud Firestore
type Storage struct {
	client      *firestore.Client
	collection  string
	adjustments string
	window      aimeter.WindowConfig
	clock       aimeter.Clock
}

var _ aimeter.Store = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// WindowsCollection is the Firestore collection holding one document per user
	// Default: "ai_usage_windows"
	WindowsCollection string

	// AdjustmentsCollection is the subcollection, under each user's window
	// document, recording applied adjustments. Its expiresAt field suits a
	// Firestore TTL policy. Default: "adjustments"
	AdjustmentsCollection string

	// Window is the tier budget table and reset interval
	Window aimeter.WindowConfig

	// Clock defaults to aimeter.SystemClock
	Clock aimeter.Clock
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.WindowsCollection == "" {
		config.WindowsCollection = "ai_usage_windows"
	}
	if config.AdjustmentsCollection == "" {
		config.AdjustmentsCollection = "adjustments"
	}
	if config.Clock == nil {
		config.Clock = aimeter.SystemClock{}
	}
	config.Window = config.Window.WithDefaults()
	if err := config.Window.Validate(); err != nil {
		return nil, err
	}

	return &Storage{
		client:      client,
		collection:  config.WindowsCollection,
		adjustments: config.AdjustmentsCollection,
		window:      config.Window,
		clock:       config.Clock,
	}, nil
}

func (s *Storage) doc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(userID)
}

// adjustmentDoc names the record of one applied adjustment. Keys are
// path-escaped because document ids cannot contain slashes.
func (s *Storage) adjustmentDoc(userID, idempotencyKey string) *firestore.DocumentRef {
	return s.doc(userID).Collection(s.adjustments).Doc(url.PathEscape(idempotencyKey))
}

// readWindow loads the user's window inside tx, or nil if absent.
func readWindow(tx *firestore.Transaction, doc *firestore.DocumentRef) (*aimeter.UsageWindow, error) {
	snap, err := tx.Get(doc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	return fromData(doc.ID, snap.Data()), nil
}

func fromData(userID string, data map[string]interface{}) *aimeter.UsageWindow {
	return &aimeter.UsageWindow{
		UserID:            userID,
		Tier:              aimeter.Tier(getString(data, "tier")),
		RequestsRemaining: getInt(data, "requestsRemaining"),
		RequestsTotal:     getInt(data, "requestsTotal"),
		TokensRemaining:   getInt(data, "tokensRemaining"),
		TokensTotal:       getInt(data, "tokensTotal"),
		WindowStart:       getTime(data, "windowStart"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func toData(w *aimeter.UsageWindow) map[string]interface{} {
	return map[string]interface{}{
		"userId":            w.UserID,
		"tier":              string(w.Tier),
		"requestsRemaining": w.RequestsRemaining,
		"requestsTotal":     w.RequestsTotal,
		"tokensRemaining":   w.TokensRemaining,
		"tokensTotal":       w.TokensTotal,
		"windowStart":       w.WindowStart,
		"updatedAt":         w.UpdatedAt,
	}
}

// GetOrCreate implements aimeter.Store
func (s *Storage) GetOrCreate(ctx context.Context, userID string, tier aimeter.Tier) (*aimeter.UsageWindow, error) {
	budget, err := s.window.Budgets.For(tier)
	if err != nil {
		return nil, err
	}

	doc := s.doc(userID)
	var w *aimeter.UsageWindow
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := readWindow(tx, doc)
		if err != nil {
			return err
		}
		if current != nil {
			w = current
			return nil
		}
		w = aimeter.NewWindow(userID, tier, budget, s.clock.Now())
		return tx.Create(doc, toData(w))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get window: %w", err)
	}
	return w, nil
}

// ResetIfExpired implements aimeter.Store
func (s *Storage) ResetIfExpired(ctx context.Context, userID string,
	tier aimeter.Tier) (*aimeter.UsageWindow, bool, error) {
	if !tier.Valid() {
		return nil, false, fmt.Errorf("%w: %q", aimeter.ErrInvalidTier, tier)
	}

	doc := s.doc(userID)
	var (
		w     *aimeter.UsageWindow
		reset bool
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := readWindow(tx, doc)
		if err != nil {
			return err
		}
		created := current == nil
		w, reset, err = aimeter.ResetWindow(current, userID, tier, s.window, s.clock.Now())
		if err != nil {
			return err
		}
		if created || reset {
			return tx.Set(doc, toData(w))
		}
		return nil
	})
	if err != nil {
		if aimeter.IsConfigurationError(err) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to reset window: %w", err)
	}
	return w, reset, nil
}

// TryDecrement implements aimeter.Store
func (s *Storage) TryDecrement(ctx context.Context, userID string,
	requestDelta, tokenDelta int64) (bool, *aimeter.UsageWindow, error) {
	doc := s.doc(userID)
	var w *aimeter.UsageWindow
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := readWindow(tx, doc)
		if err != nil || current == nil {
			w = nil
			return err
		}
		current.ApplyDelta(requestDelta, tokenDelta, s.clock.Now())
		w = current
		return tx.Set(doc, toData(w))
	})
	if err != nil {
		return false, nil, fmt.Errorf("failed to decrement window: %w", err)
	}
	return w != nil, w, nil
}

// Adjust implements aimeter.Store
func (s *Storage) Adjust(ctx context.Context, req *aimeter.AdjustRequest) (*aimeter.AdjustResult, error) {
	if req.IdempotencyKey == "" {
		ok, w, err := s.TryDecrement(ctx, req.UserID, 0, req.TokensDelta)
		if err != nil {
			return nil, err
		}
		return &aimeter.AdjustResult{Found: ok, Window: w}, nil
	}

	doc := s.doc(req.UserID)
	adj := s.adjustmentDoc(req.UserID, req.IdempotencyKey)
	var res *aimeter.AdjustResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		res = &aimeter.AdjustResult{}
		current, err := readWindow(tx, doc)
		if err != nil || current == nil {
			return err
		}
		res.Found = true
		res.Window = current

		now := s.clock.Now()
		snap, err := tx.Get(adj)
		switch {
		case err != nil && status.Code(err) != codes.NotFound:
			return err
		case err == nil && snap.Exists() && now.Sub(getTime(snap.Data(), "appliedAt")) < s.window.AdjustmentTTL:
			res.Duplicate = true
			return nil
		}

		if err := tx.Set(adj, map[string]interface{}{
			"appliedAt": now,
			"expiresAt": now.Add(s.window.AdjustmentTTL),
		}); err != nil {
			return err
		}
		current.ApplyDelta(0, req.TokensDelta, now)
		return tx.Set(doc, toData(current))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to adjust window: %w", err)
	}
	return res, nil
}

// CheckSufficiency implements aimeter.Store
func (s *Storage) CheckSufficiency(ctx context.Context, userID string, tier aimeter.Tier,
	estimatedTokens int64) (aimeter.Sufficiency, error) {
	if !tier.Valid() {
		return aimeter.Sufficiency{}, fmt.Errorf("%w: %q", aimeter.ErrInvalidTier, tier)
	}

	var current *aimeter.UsageWindow
	snap, err := s.doc(userID).Get(ctx)
	switch {
	case err != nil && status.Code(err) != codes.NotFound:
		return aimeter.Sufficiency{}, fmt.Errorf("failed to read window: %w", err)
	case err == nil && snap.Exists():
		current = fromData(userID, snap.Data())
	}

	w, err := aimeter.PreviewWindow(current, userID, tier, s.window, s.clock.Now())
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

	doc := s.doc(req.UserID)
	var res *aimeter.ReserveResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := readWindow(tx, doc)
		if err != nil {
			return err
		}
		created := current == nil
		res, err = aimeter.ReserveWindow(current, req, s.window, s.clock.Now())
		if err != nil {
			return err
		}
		if created || res.Reset || res.Admitted {
			return tx.Set(doc, toData(res.Window))
		}
		return nil
	})
	if err != nil {
		if aimeter.IsConfigurationError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reserve: %w", err)
	}
	return res, nil
}

// Ping implements aimeter.Store by reading a document that need not exist.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.collection).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// WindowConfig implements aimeter.Store
func (s *Storage) WindowConfig() aimeter.WindowConfig {
	return s.window
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
