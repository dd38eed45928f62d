// Package http provides net/http middleware that meters AI-backed endpoints:
// it admits each request against the user's hourly budget before the handler
// runs and reconciles the estimate with the reported usage afterwards.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/pkg/api"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// OperationExtractor determines which kind of AI operation the request performs
type OperationExtractor func(r *http.Request) (aimeter.Operation, error)

// InputExtractor returns the formatted input whose tokens are estimated
type InputExtractor func(r *http.Request) (string, error)

// Config holds middleware configuration
type Config struct {
	// Controller is the admission controller instance (required)
	Controller *aimeter.Controller

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Tiers resolves the user's tier (required)
	Tiers aimeter.TierResolver

	// GetOperation extracts the operation kind (required)
	GetOperation OperationExtractor

	// GetInput extracts the input text
	// Default: the request body, which is restored for the handler
	GetInput InputExtractor

	// Reconciler applies the post-request reconciliation
	// Default: Controller. Use an *aimeter.ReconcileQueue to retry failures in the background.
	Reconciler aimeter.Reconciler

	// OnRejected is called when the budget is exhausted
	// If nil, returns 429 JSON with the reason and remaining budgets
	OnRejected func(w http.ResponseWriter, r *http.Request, result *aimeter.AdmitResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 503 for store failures, 400 for bad input and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// OnReconcileError is called when reconciliation could not be persisted
	OnReconcileError func(r *http.Request, err error)

	// Logger records reconciliation failures when OnReconcileError is nil
	// Default: the Controller\'s logger
	Logger aimeter.Logger
}

// Middleware creates an HTTP middleware that meters AI usage
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Controller == nil {
		panic("aimeter/http: Config.Controller is required")
	}
	if config.GetUserID == nil {
		panic("aimeter/http: Config.GetUserID is required")
	}
	if config.Tiers == nil {
		panic("aimeter/http: Config.Tiers is required")
	}
	if config.GetOperation == nil {
		panic("aimeter/http: Config.GetOperation is required")
	}
	if config.GetInput == nil {
		config.GetInput = BodyText(1 << 20)
	}
	if config.Reconciler == nil {
		config.Reconciler = config.Controller
	}
	if config.Logger == nil {
		config.Logger = config.Controller.Logger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					api.WriteError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				}
				return
			}

			op, err := config.GetOperation(r)
			if err != nil {
				config.fail(w, r, err, http.StatusBadRequest)
				return
			}
			input, err := config.GetInput(r)
			if err != nil {
				config.fail(w, r, err, http.StatusBadRequest)
				return
			}

			ctx := r.Context()
			tier, err := config.Tiers.ResolveTier(ctx, userID)
			if err != nil {
				config.fail(w, r, fmt.Errorf("resolve tier: %w", err), http.StatusInternalServerError)
				return
			}

			req := aimeter.AdmitRequest{UserID: userID, Tier: tier, Operation: op, Input: input}
			result, err := config.Controller.Admit(ctx, req)
			if err != nil {
				if aimeter.IsStoreUnavailable(err) {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						api.WriteStoreUnavailable(w, result)
					}
					return
				}
				config.fail(w, r, err, http.StatusInternalServerError)
				return
			}
			if !result.Allowed {
				if config.OnRejected != nil {
					config.OnRejected(w, r, result)
				} else {
					api.WriteQuotaExceeded(w, result, config.Controller)
				}
				return
			}

			ctx, report := aimeter.WithUsageReport(ctx, req, result)
			defer func() {
				// The request context may already be cancelled; the charge must still settle.
				if _, err := report.Settle(context.WithoutCancel(ctx), config.Reconciler); err != nil {
					if config.OnReconcileError != nil {
						config.OnReconcileError(r, err)
						return
					}
					config.Logger.Error("Usage reconciliation dropped",
						aimeter.Field{Key: "userId", Value: req.UserID},
						aimeter.Field{Key: "operation", Value: req.Operation},
						aimeter.Field{Key: "reservationId", Value: result.ReservationID},
						aimeter.Field{Key: "error", Value: err.Error()},
					)
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that meters AI usage (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func (c *Config) fail(w http.ResponseWriter, r *http.Request, err error, status int) {
	if c.OnError != nil {
		c.OnError(w, r, err)
		return
	}
	if aimeter.IsConfigurationError(err) || errors.Is(err, aimeter.ErrInvalidUserID) {
		status = http.StatusBadRequest
	}
	api.WriteError(w, status, err)
}

// Common extractors for convenience

// FixedOperation returns an OperationExtractor for endpoints serving a single operation
func FixedOperation(op aimeter.Operation) OperationExtractor {
	return func(*http.Request) (aimeter.Operation, error) {
		return op, nil
	}
}

// OperationFromQuery returns an OperationExtractor reading a query parameter
func OperationFromQuery(param string) OperationExtractor {
	return func(r *http.Request) (aimeter.Operation, error) {
		return aimeter.ParseOperation(r.URL.Query().Get(param))
	}
}

// BodyText returns an InputExtractor that reads up to limit bytes of the body
// and restores it for the next handler
func BodyText(limit int64) InputExtractor {
	return func(r *http.Request) (string, error) {
		if r.Body == nil {
			return "", nil
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return "", err
		}
		if int64(len(body)) > limit {
			return "", fmt.Errorf("request body exceeds %d bytes", limit)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		return string(body), nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "aimeter:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
