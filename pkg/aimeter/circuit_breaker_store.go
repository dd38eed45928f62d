package aimeter

import "context"

// CircuitBreakerStore wraps a Store with circuit breaker protection.
// Configuration errors pass through without counting as failures.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

var _ Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

// guard runs fn through the breaker, hiding configuration errors from it.
func (s *CircuitBreakerStore) guard(ctx context.Context, fn func() error) error {
	var callErr error
	err := s.cb.Execute(ctx, func() error {
		callErr = fn()
		if IsConfigurationError(callErr) {
			return nil
		}
		return callErr
	})
	if err != nil {
		return err
	}
	return callErr
}

func (s *CircuitBreakerStore) GetOrCreate(ctx context.Context, userID string, tier Tier) (*UsageWindow, error) {
	var w *UsageWindow
	err := s.guard(ctx, func() error {
		var e error
		w, e = s.store.GetOrCreate(ctx, userID, tier)
		return e
	})
	return w, err
}

func (s *CircuitBreakerStore) ResetIfExpired(ctx context.Context, userID string, tier Tier) (*UsageWindow, bool, error) {
	var (
		w     *UsageWindow
		reset bool
	)
	err := s.guard(ctx, func() error {
		var e error
		w, reset, e = s.store.ResetIfExpired(ctx, userID, tier)
		return e
	})
	return w, reset, err
}

func (s *CircuitBreakerStore) TryDecrement(ctx context.Context, userID string,
	requestDelta, tokenDelta int64) (bool, *UsageWindow, error) {
	var (
		ok bool
		w  *UsageWindow
	)
	err := s.guard(ctx, func() error {
		var e error
		ok, w, e = s.store.TryDecrement(ctx, userID, requestDelta, tokenDelta)
		return e
	})
	return ok, w, err
}

func (s *CircuitBreakerStore) Adjust(ctx context.Context, req *AdjustRequest) (*AdjustResult, error) {
	var res *AdjustResult
	err := s.guard(ctx, func() error {
		var e error
		res, e = s.store.Adjust(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStore) CheckSufficiency(ctx context.Context, userID string, tier Tier,
	estimatedTokens int64) (Sufficiency, error) {
	var suff Sufficiency
	err := s.guard(ctx, func() error {
		var e error
		suff, e = s.store.CheckSufficiency(ctx, userID, tier, estimatedTokens)
		return e
	})
	return suff, err
}

func (s *CircuitBreakerStore) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error) {
	var res *ReserveResult
	err := s.guard(ctx, func() error {
		var e error
		res, e = s.store.Reserve(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStore) Ping(ctx context.Context) error {
	return s.guard(ctx, func() error {
		return s.store.Ping(ctx)
	})
}

func (s *CircuitBreakerStore) WindowConfig() WindowConfig {
	return s.store.WindowConfig()
}
