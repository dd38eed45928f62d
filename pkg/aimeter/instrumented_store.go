package aimeter

import (
	"context"
	"time"
)

// InstrumentedStore records the latency and outcome of every call into Metrics.
type InstrumentedStore struct {
	store   Store
	metrics Metrics
}

var _ Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps store. A nil metrics records nothing.
func NewInstrumentedStore(store Store, metrics Metrics) *InstrumentedStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
}

func (s *InstrumentedStore) GetOrCreate(ctx context.Context, userID string, tier Tier) (*UsageWindow, error) {
	start := time.Now()
	w, err := s.store.GetOrCreate(ctx, userID, tier)
	s.observe("get_or_create", start, err)
	return w, err
}

func (s *InstrumentedStore) ResetIfExpired(ctx context.Context, userID string, tier Tier) (*UsageWindow, bool, error) {
	start := time.Now()
	w, reset, err := s.store.ResetIfExpired(ctx, userID, tier)
	s.observe("reset_if_expired", start, err)
	return w, reset, err
}

func (s *InstrumentedStore) TryDecrement(ctx context.Context, userID string,
	requestDelta, tokenDelta int64) (bool, *UsageWindow, error) {
	start := time.Now()
	ok, w, err := s.store.TryDecrement(ctx, userID, requestDelta, tokenDelta)
	s.observe("try_decrement", start, err)
	return ok, w, err
}

func (s *InstrumentedStore) Adjust(ctx context.Context, req *AdjustRequest) (*AdjustResult, error) {
	start := time.Now()
	res, err := s.store.Adjust(ctx, req)
	s.observe("adjust", start, err)
	return res, err
}

func (s *InstrumentedStore) CheckSufficiency(ctx context.Context, userID string, tier Tier,
	estimatedTokens int64) (Sufficiency, error) {
	start := time.Now()
	suff, err := s.store.CheckSufficiency(ctx, userID, tier, estimatedTokens)
	s.observe("check_sufficiency", start, err)
	return suff, err
}

func (s *InstrumentedStore) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error) {
	start := time.Now()
	res, err := s.store.Reserve(ctx, req)
	s.observe("reserve", start, err)
	return res, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.store.Ping(ctx)
	s.observe("ping", start, err)
	return err
}

func (s *InstrumentedStore) WindowConfig() WindowConfig {
	return s.store.WindowConfig()
}
