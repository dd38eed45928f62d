package aimeter

import (
	"context"
	"fmt"
	"sync"
)

// TierResolver looks up a user's subscription tier.
type TierResolver interface {
	ResolveTier(ctx context.Context, userID string) (Tier, error)
}

// TierResolverFunc adapts a function into a TierResolver.
type TierResolverFunc func(ctx context.Context, userID string) (Tier, error)

// ResolveTier calls f.
func (f TierResolverFunc) ResolveTier(ctx context.Context, userID string) (Tier, error) {
	return f(ctx, userID)
}

// StaticTierResolver resolves tiers from an in-memory table, falling back to a default tier.
type StaticTierResolver struct {
	mu          sync.RWMutex
	tiers       map[string]Tier
	defaultTier Tier
}

// NewStaticTierResolver creates a resolver. An empty defaultTier means TierFree.
func NewStaticTierResolver(defaultTier Tier, tiers map[string]Tier) (*StaticTierResolver, error) {
	if defaultTier == "" {
		defaultTier = TierFree
	}
	if !defaultTier.Valid() {
		return nil, fmt.Errorf("%w: default tier %q", ErrInvalidTier, defaultTier)
	}
	r := &StaticTierResolver{tiers: make(map[string]Tier, len(tiers)), defaultTier: defaultTier}
	for userID, tier := range tiers {
		if err := r.Set(userID, tier); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Set assigns tier to userID.
func (r *StaticTierResolver) Set(userID string, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	r.mu.Lock()
	r.tiers[userID] = tier
	r.mu.Unlock()
	return nil
}

func (r *StaticTierResolver) ResolveTier(_ context.Context, userID string) (Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tier, ok := r.tiers[userID]; ok {
		return tier, nil
	}
	return r.defaultTier, nil
}
