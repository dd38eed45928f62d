// Package stripe resolves aimeter tiers from Stripe subscriptions.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/pkg/billing"
	"github.com/warrenwang2025/aimeter/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultCacheTTL          = 5 * time.Minute
	defaultLookupTimeout     = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultTierKeyWildcard   = "*"
	defaultTierKeyDefault    = "default"
)

// Config configures the Stripe tier resolver.
type Config struct {
	// StripeAPIKey is used for customer and subscription lookups (required)
	StripeAPIKey string

	// StripeWebhookSecret verifies webhook signatures. Without it the
	// webhook handler answers 503.
	StripeWebhookSecret string

	// TierMapping maps Stripe Price or Product IDs to tiers.
	// Reserved keys:
	//   - "*" or "default": the tier for users without an entitling subscription
	TierMapping map[string]aimeter.Tier

	// CustomerIDResolver maps a user to a Stripe customer (optional).
	// If nil or if it fails, the Customer Search API is used.
	CustomerIDResolver func(context.Context, string) (string, error)

	// CacheTTL is how long a resolved tier is reused. Default: 5m
	CacheTTL time.Duration

	// LookupTimeout bounds one lookup against Stripe. Default: 10s
	LookupTimeout time.Duration

	// Clock defaults to aimeter.SystemClock
	Clock aimeter.Clock

	// OnTierChange is called after a lookup resolves a different tier than the cached one
	OnTierChange func(billing.TierChange)

	Metrics billing.Metrics
	Logger  aimeter.Logger
}

type cacheEntry struct {
	tier      aimeter.Tier
	expiresAt time.Time
}

// Resolver implements aimeter.TierResolver from a user's active Stripe subscriptions.
// Results are cached per user and concurrent lookups for the same user share
// one round trip.
type Resolver struct {
	source             subscriptionSource
	tierMapping        map[string]aimeter.Tier
	defaultTier        aimeter.Tier
	webhookSecret      string
	customerIDResolver func(context.Context, string) (string, error)
	cacheTTL           time.Duration
	lookupTimeout      time.Duration
	clock              aimeter.Clock
	metrics            billing.Metrics
	logger             aimeter.Logger
	rateLimiter        *internal.RateLimiter
	onTierChange       func(billing.TierChange)

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

var _ billing.Provider = (*Resolver)(nil)

// NewResolver creates a Stripe-backed tier resolver.
func NewResolver(config Config) (*Resolver, error) {
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	r, err := newResolver(config, nil)
	if err != nil {
		return nil, err
	}
	r.source = &stripeAPI{client: stripe.NewClient(apiKey), metrics: r.metrics}
	return r, nil
}

func newResolver(config Config, source subscriptionSource) (*Resolver, error) {
	defaultTier := aimeter.TierFree
	mapping := make(map[string]aimeter.Tier, len(config.TierMapping))
	for id, tier := range config.TierMapping {
		if !tier.Valid() {
			return nil, fmt.Errorf("%w: %q mapped from %q", aimeter.ErrInvalidTier, tier, id)
		}
		key := normalizeID(id)
		if key == defaultTierKeyWildcard || key == defaultTierKeyDefault {
			defaultTier = tier
			continue
		}
		mapping[key] = tier
	}

	r := &Resolver{
		source:             source,
		tierMapping:        mapping,
		defaultTier:        defaultTier,
		webhookSecret:      strings.TrimSpace(config.StripeWebhookSecret),
		customerIDResolver: config.CustomerIDResolver,
		cacheTTL:           config.CacheTTL,
		lookupTimeout:      config.LookupTimeout,
		clock:              config.Clock,
		metrics:            config.Metrics,
		logger:             config.Logger,
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		onTierChange:       config.OnTierChange,
		cache:              make(map[string]cacheEntry),
	}
	if r.cacheTTL <= 0 {
		r.cacheTTL = defaultCacheTTL
	}
	if r.lookupTimeout <= 0 {
		r.lookupTimeout = defaultLookupTimeout
	}
	if r.clock == nil {
		r.clock = aimeter.SystemClock{}
	}
	if r.metrics == nil {
		r.metrics = &billing.NoopMetrics{}
	}
	if r.logger == nil {
		r.logger = &aimeter.NoopLogger{}
	}
	return r, nil
}

// Name returns the provider name
func (r *Resolver) Name() string {
	return providerName
}

// DefaultTier is the tier of users without an entitling subscription.
func (r *Resolver) DefaultTier() aimeter.Tier {
	return r.defaultTier
}

// WebhookHandler returns the rate-limited HTTP handler for Stripe webhooks.
func (r *Resolver) WebhookHandler() http.Handler {
	return r.rateLimiter.Middleware(http.HandlerFunc(r.handleWebhook))
}

// ResolveTier returns the user's tier, from cache when fresh. When Stripe
// cannot be reached the last known tier is served if there is one.
func (r *Resolver) ResolveTier(ctx context.Context, userID string) (aimeter.Tier, error) {
	if userID == "" {
		return "", aimeter.ErrInvalidUserID
	}

	entry, cached := r.cached(userID)
	if cached && r.clock.Now().Before(entry.expiresAt) {
		r.metrics.RecordTierLookup(providerName, billing.LookupCache)
		return entry.tier, nil
	}

	ch := r.group.DoChan(userID, func() (interface{}, error) {
		// Shared by every waiter, so it must outlive any single caller.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		return r.lookup(lookupCtx, userID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(aimeter.Tier), nil
		}
		if cached {
			r.logger.Warn("Stripe lookup failed, serving last known tier",
				aimeter.Field{Key: "user_id", Value: userID},
				aimeter.Field{Key: "tier", Value: string(entry.tier)},
				aimeter.Field{Key: "error", Value: res.Err.Error()},
			)
			r.metrics.RecordTierLookup(providerName, billing.LookupCache)
			return entry.tier, nil
		}
		return "", res.Err
	}
}

// Invalidate expires the cached tier for userID so the next call asks Stripe.
// The old tier is kept as the fallback if that call fails.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	if e, ok := r.cache[userID]; ok {
		e.expiresAt = time.Time{}
		r.cache[userID] = e
	}
	r.mu.Unlock()
	r.group.Forget(userID)
}

// MapPriceToTier maps a Stripe Price ID or Product ID to a tier
func (r *Resolver) MapPriceToTier(priceID string) aimeter.Tier {
	if tier, ok := r.tierMapping[normalizeID(priceID)]; ok {
		return tier
	}
	return r.defaultTier
}

func (r *Resolver) lookup(ctx context.Context, userID string) (aimeter.Tier, error) {
	start := r.clock.Now()
	defer func() {
		r.metrics.RecordTierLookupDuration(providerName, r.clock.Now().Sub(start))
	}()

	customerID, err := r.customerID(ctx, userID)
	if errors.Is(err, billing.ErrUserNotFound) {
		r.metrics.RecordTierLookup(providerName, billing.LookupDefault)
		r.store(userID, r.defaultTier)
		return r.defaultTier, nil
	}
	if err != nil {
		r.metrics.RecordTierLookup(providerName, billing.LookupError)
		return "", err
	}

	subs, err := r.source.ActiveSubscriptions(ctx, customerID)
	if err != nil {
		r.metrics.RecordTierLookup(providerName, billing.LookupError)
		return "", err
	}

	tier := r.tierFromSubscriptions(subs)
	r.metrics.RecordTierLookup(providerName, billing.LookupAPI)
	r.store(userID, tier)
	return tier, nil
}

func (r *Resolver) customerID(ctx context.Context, userID string) (string, error) {
	if r.customerIDResolver != nil {
		id, err := r.customerIDResolver(ctx, userID)
		if err == nil && id != "" {
			return id, nil
		}
		if err != nil {
			r.logger.Debug("CustomerIDResolver failed, falling back to Search API",
				aimeter.Field{Key: "user_id", Value: userID},
				aimeter.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return r.source.FindCustomer(ctx, userID)
}

func (r *Resolver) cached(userID string) (cacheEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[userID]
	return e, ok
}

func (r *Resolver) store(userID string, tier aimeter.Tier) {
	now := r.clock.Now()
	r.mu.Lock()
	prev, had := r.cache[userID]
	r.cache[userID] = cacheEntry{tier: tier, expiresAt: now.Add(r.cacheTTL)}
	r.mu.Unlock()

	if had && prev.tier != tier {
		r.metrics.RecordTierChange(providerName, string(prev.tier), string(tier))
		r.logger.Info("Subscription tier changed",
			aimeter.Field{Key: "user_id", Value: userID},
			aimeter.Field{Key: "from", Value: string(prev.tier)},
			aimeter.Field{Key: "to", Value: string(tier)},
		)
		if r.onTierChange != nil {
			r.onTierChange(billing.TierChange{
				UserID:       userID,
				PreviousTier: prev.tier,
				NewTier:      tier,
				Provider:     providerName,
				DetectedAt:   now,
			})
		}
	}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
