package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/storage/memory"
)

const testUserID = "user123"

// newTestController builds a controller over an in-memory store with the default tables.
func newTestController(t *testing.T) *aimeter.Controller {
	t.Helper()
	store, err := memory.New(memory.Config{})
	require.NoError(t, err)
	est, err := aimeter.NewTokenEstimator(aimeter.DefaultEstimatorConfig())
	require.NoError(t, err)
	ctrl, err := aimeter.NewController(store, est, aimeter.Config{})
	require.NoError(t, err)
	return ctrl
}

func newTestHandler(t *testing.T, ctrl *aimeter.Controller, tier aimeter.Tier) *Handler {
	t.Helper()
	tiers, err := aimeter.NewStaticTierResolver(tier, nil)
	require.NoError(t, err)
	h, err := NewHandler(Config{
		Controller: ctrl,
		GetUserID:  FromHeader("X-User-ID"),
		Tiers:      tiers,
	})
	require.NoError(t, err)
	return h
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewHandler_Validation(t *testing.T) {
	ctrl := newTestController(t)
	tiers := aimeter.TierResolverFunc(func(context.Context, string) (aimeter.Tier, error) {
		return aimeter.TierFree, nil
	})

	tests := []struct {
		name   string
		config Config
	}{
		{name: "missing controller", config: Config{GetUserID: FromHeader("X"), Tiers: tiers}},
		{name: "missing user extractor", config: Config{Controller: ctrl, Tiers: tiers}},
		{name: "missing tiers", config: Config{Controller: ctrl, GetUserID: FromHeader("X")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandler(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestHandler_GetUsage(t *testing.T) {
	ctrl := newTestController(t)
	h := newTestHandler(t, ctrl, aimeter.TierPlus)

	res, err := ctrl.Admit(context.Background(), aimeter.AdmitRequest{
		UserID: testUserID, Tier: aimeter.TierPlus, Operation: aimeter.OperationHeadlines,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	h.GetUsage(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[UsageResponse](t, rec)
	assert.Equal(t, testUserID, body.UserID)
	assert.Equal(t, "plus", body.Tier)
	assert.Equal(t, BudgetUsage{Remaining: 99, Total: 100, Used: 1}, body.Requests)
	assert.Equal(t, int64(res.EstimatedTokens), body.Tokens.Used)
	assert.Equal(t, body.WindowStart.Add(aimeter.DefaultResetInterval), body.ResetsAt)
}

func TestHandler_GetUsage_NewUser(t *testing.T) {
	h := newTestHandler(t, newTestController(t), aimeter.TierFree)

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.Header.Set("X-User-ID", "fresh")
	rec := httptest.NewRecorder()
	h.GetUsage(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[UsageResponse](t, rec)
	assert.Equal(t, BudgetUsage{Remaining: 10, Total: 10}, body.Requests)
	assert.Equal(t, BudgetUsage{Remaining: 100_000, Total: 100_000}, body.Tokens)
}

func TestHandler_UserIDErrors(t *testing.T) {
	h := newTestHandler(t, newTestController(t), aimeter.TierFree)

	tests := []struct {
		name   string
		userID string
		want   int
	}{
		{name: "missing", userID: "", want: http.StatusUnauthorized},
		{name: "too long", userID: strings.Repeat("u", maxUserIDLen+1), want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/usage", nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			rec := httptest.NewRecorder()
			h.GetUsage(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestHandler_Check(t *testing.T) {
	ctrl := newTestController(t)
	h := newTestHandler(t, ctrl, aimeter.TierFree)

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantAllowed bool
		wantReason  string
	}{
		{name: "affordable", body: `{"operation":"summarize","input":"some text"}`, wantStatus: http.StatusOK, wantAllowed: true},
		{name: "too expensive", body: `{"operation":"draft","input":"` + strings.Repeat("x", 400_000) + `"}`, wantStatus: http.StatusOK, wantReason: "tokens_exhausted"},
		{name: "unknown operation", body: `{"operation":"poem"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/usage/check", strings.NewReader(tt.body))
			req.Header.Set("X-User-ID", testUserID)
			rec := httptest.NewRecorder()
			h.Check(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			body := decode[CheckResponse](t, rec)
			assert.Equal(t, tt.wantAllowed, body.Allowed)
			assert.Equal(t, tt.wantReason, body.Reason)
			assert.Positive(t, body.EstimatedTokens)
			assert.True(t, body.Approximate)
			assert.Equal(t, int64(10), body.Usage.Requests.Remaining)
		})
	}

	// Nothing was reserved by any of the checks
	w, err := ctrl.Usage(context.Background(), testUserID, aimeter.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.RequestsRemaining)
}

func TestHandler_TierResolverFailure(t *testing.T) {
	var logged []string
	h, err := NewHandler(Config{
		Controller: newTestController(t),
		GetUserID:  FromContext(ctxKey{}),
		Tiers: aimeter.TierResolverFunc(func(context.Context, string) (aimeter.Tier, error) {
			return "", errors.New("billing down")
		}),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			logged = append(logged, err.Error())
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))
	rec := httptest.NewRecorder()
	h.GetUsage(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "billing down")
}

type ctxKey struct{}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&aimeter.StoreError{Op: "reserve", Err: errors.New("x")}))
	assert.Equal(t, http.StatusBadRequest, statusFor(aimeter.ErrInvalidUserID))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}

func TestWriteQuotaExceeded(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()
	req := aimeter.AdmitRequest{UserID: testUserID, Tier: aimeter.TierFree, Operation: aimeter.OperationHeadlines}

	var res *aimeter.AdmitResult
	for i := 0; i < 11; i++ {
		var err error
		res, err = ctrl.Admit(ctx, req)
		require.NoError(t, err)
	}
	require.False(t, res.Allowed)

	rec := httptest.NewRecorder()
	WriteQuotaExceeded(rec, res, ctrl)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decode[QuotaExceededResponse](t, rec)
	assert.Equal(t, "requests_exhausted", body.Reason)
	assert.Equal(t, "Too many requests this hour", body.Error)
	assert.Equal(t, int64(0), body.RequestsRemaining)
	assert.Equal(t, int64(10), body.RequestsTotal)
	require.NotNil(t, body.ResetsAt)
}

func TestWriteQuotaExceeded_RetryAfterUsesControllerClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	clock := aimeter.ClockFunc(func() time.Time { return now })

	store, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	est, err := aimeter.NewTokenEstimator(aimeter.DefaultEstimatorConfig())
	require.NoError(t, err)
	ctrl, err := aimeter.NewController(store, est, aimeter.Config{Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	req := aimeter.AdmitRequest{UserID: testUserID, Tier: aimeter.TierFree, Operation: aimeter.OperationHeadlines}
	var res *aimeter.AdmitResult
	for i := 0; i < 11; i++ {
		res, err = ctrl.Admit(ctx, req)
		require.NoError(t, err)
	}
	require.False(t, res.Allowed)

	now = start.Add(20*time.Minute + 30*time.Second)
	rec := httptest.NewRecorder()
	WriteQuotaExceeded(rec, res, ctrl)

	assert.Equal(t, "2370", rec.Header().Get("Retry-After"))
	body := decode[QuotaExceededResponse](t, rec)
	require.NotNil(t, body.ResetsAt)
	assert.True(t, start.Add(time.Hour).Equal(*body.ResetsAt))
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		resetsAt time.Time
		want     string
	}{
		{"whole seconds", now.Add(90 * time.Second), "90"},
		{"rounds up", now.Add(1500 * time.Millisecond), "2"},
		{"already past", now.Add(-time.Minute), "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryAfter(tt.resetsAt, now))
		})
	}
}

func TestWriteStoreUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteStoreUnavailable(rec, &aimeter.AdmitResult{EstimatedTokens: 750, Reason: aimeter.RejectStoreUnavailable})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[QuotaExceededResponse](t, rec)
	assert.Equal(t, "store_unavailable", body.Reason)
	assert.Equal(t, int64(750), body.EstimatedTokens)
	assert.Nil(t, body.ResetsAt)
}
