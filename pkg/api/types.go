package api

import (
	"time"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// UsageResponse is a user's standing in the current window
type UsageResponse struct {
	UserID      string      `json:"user_id"`
	Tier        string      `json:"tier"`
	Requests    BudgetUsage `json:"requests"`
	Tokens      BudgetUsage `json:"tokens"`
	WindowStart time.Time   `json:"window_start"`
	ResetsAt    time.Time   `json:"resets_at"`
}

// BudgetUsage renders as "Remaining of Total remaining"
type BudgetUsage struct {
	Remaining int64 `json:"remaining"`
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
}

// QuotaExceededResponse is the 429 body returned when an admission is rejected
type QuotaExceededResponse struct {
	Error             string     `json:"error"`
	Reason            string     `json:"reason"`
	RequestsRemaining int64      `json:"requests_remaining"`
	RequestsTotal     int64      `json:"requests_total"`
	TokensRemaining   int64      `json:"tokens_remaining"`
	TokensTotal       int64      `json:"tokens_total"`
	EstimatedTokens   int64      `json:"estimated_tokens"`
	ResetsAt          *time.Time `json:"resets_at,omitempty"`
}

// CheckRequest is the body of a dry-run admission check
type CheckRequest struct {
	Operation string `json:"operation"`
	Input     string `json:"input"`
}

// CheckResponse reports whether a request would be admitted right now
type CheckResponse struct {
	Allowed         bool          `json:"allowed"`
	Reason          string        `json:"reason,omitempty"`
	EstimatedTokens int64         `json:"estimated_tokens"`
	Approximate     bool          `json:"approximate"`
	Usage           UsageResponse `json:"usage"`
}

// ErrorResponse is the body of every non-quota error
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewUsageResponse renders w. resetsAt is when w will be replenished.
func NewUsageResponse(w *aimeter.UsageWindow, resetsAt time.Time) UsageResponse {
	return UsageResponse{
		UserID: w.UserID,
		Tier:   string(w.Tier),
		Requests: BudgetUsage{
			Remaining: w.RequestsRemaining,
			Total:     w.RequestsTotal,
			Used:      w.RequestsTotal - w.RequestsRemaining,
		},
		Tokens: BudgetUsage{
			Remaining: w.TokensRemaining,
			Total:     w.TokensTotal,
			Used:      w.TokensTotal - w.TokensRemaining,
		},
		WindowStart: w.WindowStart,
		ResetsAt:    resetsAt,
	}
}

// NewQuotaExceededResponse renders a rejected admission.
func NewQuotaExceededResponse(res *aimeter.AdmitResult, resetsAt *time.Time) QuotaExceededResponse {
	body := QuotaExceededResponse{
		Error:           rejectMessage(res.Reason),
		Reason:          string(res.Reason),
		EstimatedTokens: res.EstimatedTokens,
		ResetsAt:        resetsAt,
	}
	if res.Window != nil {
		body.RequestsRemaining = res.Window.RequestsRemaining
		body.RequestsTotal = res.Window.RequestsTotal
		body.TokensRemaining = res.Window.TokensRemaining
		body.TokensTotal = res.Window.TokensTotal
	}
	return body
}

// NewStoreUnavailableResponse renders an admission refused because the store failed.
// res may be nil.
func NewStoreUnavailableResponse(res *aimeter.AdmitResult) QuotaExceededResponse {
	body := QuotaExceededResponse{
		Error:  rejectMessage(aimeter.RejectStoreUnavailable),
		Reason: string(aimeter.RejectStoreUnavailable),
	}
	if res != nil {
		body.EstimatedTokens = res.EstimatedTokens
	}
	return body
}

func rejectMessage(reason aimeter.RejectReason) string {
	switch reason {
	case aimeter.RejectRequestsExhausted:
		return "Too many requests this hour"
	case aimeter.RejectTokensExhausted:
		return "Insufficient token budget"
	case aimeter.RejectStoreUnavailable:
		return "Quota service unavailable"
	}
	return "Request rejected"
}
