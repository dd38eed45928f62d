package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

const (
	maxUserIDLen    = 255
	maxCheckBodyLen = 1 << 20
)

// Handler provides HTTP endpoints for quota inspection
type Handler struct {
	config Config
}

// GetUsage returns the user's current window as JSON, replenishing it first if it expired
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	tier, err := h.config.Tiers.ResolveTier(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve tier: %w", err), http.StatusInternalServerError)
		return
	}

	window, err := h.config.Controller.Usage(r.Context(), userID, tier)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get usage: %w", err), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, NewUsageResponse(window, h.config.Controller.ResetsAt(window)))
}

// Check reports whether the operation in the request body would be admitted
// right now, without reserving anything.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var body CheckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCheckBodyLen)).Decode(&body); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	op, err := aimeter.ParseOperation(body.Operation)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	tier, err := h.config.Tiers.ResolveTier(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve tier: %w", err), http.StatusInternalServerError)
		return
	}

	res, err := h.config.Controller.Check(r.Context(), aimeter.AdmitRequest{
		UserID:    userID,
		Tier:      tier,
		Operation: op,
		Input:     body.Input,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to check admission: %w", err), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{
		Allowed:         res.Allowed,
		Reason:          string(res.Reason),
		EstimatedTokens: res.EstimatedTokens,
		Approximate:     res.Estimate.Degraded,
		Usage:           NewUsageResponse(res.Window, h.config.Controller.ResetsAt(res.Window)),
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// statusFor maps core errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case aimeter.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, aimeter.ErrInvalidUserID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("Usage API request failed",
			aimeter.Field{Key: "path", Value: r.URL.Path},
			aimeter.Field{Key: "status", Value: statusCode},
			aimeter.Field{Key: "error", Value: err.Error()},
		)
	}
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

// WriteQuotaExceeded writes a 429 response describing a rejected admission
func WriteQuotaExceeded(w http.ResponseWriter, res *aimeter.AdmitResult, ctrl *aimeter.Controller) {
	var resetsAt *time.Time
	if res.Window != nil && ctrl != nil {
		t := ctrl.ResetsAt(res.Window)
		resetsAt = &t
		w.Header().Set("Retry-After", RetryAfter(t, ctrl.Now()))
	}
	writeJSON(w, http.StatusTooManyRequests, NewQuotaExceededResponse(res, resetsAt))
}

// WriteStoreUnavailable writes a 503 response for an admission refused because the store failed
func WriteStoreUnavailable(w http.ResponseWriter, res *aimeter.AdmitResult) {
	writeJSON(w, http.StatusServiceUnavailable, NewStoreUnavailableResponse(res))
}

// WriteError writes a JSON error body with status
func WriteError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// RetryAfter returns whole seconds from now until t, at least 1, as a Retry-After value
func RetryAfter(t, now time.Time) string {
	secs := int64(math.Ceil(t.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already written; an encoding error cannot be reported
	_ = json.NewEncoder(w).Encode(v)
}
