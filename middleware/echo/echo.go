// Package echo provides Echo middleware for AI usage admission control
package echo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/pkg/api"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// OperationExtractor determines which AI operation the request performs
type OperationExtractor func(c echo.Context) (aimeter.Operation, error)

// InputExtractor returns the formatted input whose tokens are estimated
type InputExtractor func(c echo.Context) (string, error)

// Config holds middleware configuration
type Config struct {
	// Controller is the admission controller instance
	Controller *aimeter.Controller

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Tiers resolves the user's tier (required)
	Tiers aimeter.TierResolver

	// GetOperation extracts the operation from context (required)
	GetOperation OperationExtractor

	// GetInput extracts the input text
	// If nil, the raw request body is used and restored for the handler
	GetInput InputExtractor

	// Reconciler settles the reservation once the handler returns
	// Default: Controller
	Reconciler aimeter.Reconciler

	// OnRejected is called when the hourly budget cannot cover the request
	// If nil, responds 429 JSON with the reason and remaining budgets
	OnRejected func(c echo.Context, result *aimeter.AdmitResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 400 for bad input, 503 when the store is unavailable and 500 otherwise
	OnError func(c echo.Context, err error) error

	// OnReconcileError is called when the post-request reconciliation fails
	OnReconcileError func(c echo.Context, err error)

	// Logger records reconciliation failures when OnReconcileError is nil
	// Default: the Controller\'s logger
	Logger aimeter.Logger
}

// Middleware creates an Echo middleware that admits requests against the user's hourly budget
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Controller == nil {
		panic("aimeter/echo: Config.Controller is required")
	}
	if cfg.GetUserID == nil {
		panic("aimeter/echo: Config.GetUserID is required")
	}
	if cfg.Tiers == nil {
		panic("aimeter/echo: Config.Tiers is required")
	}
	if cfg.GetOperation == nil {
		panic("aimeter/echo: Config.GetOperation is required")
	}

	if cfg.GetInput == nil {
		cfg.GetInput = BodyText(1 << 20)
	}
	if cfg.Reconciler == nil {
		cfg.Reconciler = cfg.Controller
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Controller.Logger()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			op, err := cfg.GetOperation(c)
			if err != nil {
				return cfg.badRequest(c, err)
			}
			input, err := cfg.GetInput(c)
			if err != nil {
				return cfg.badRequest(c, err)
			}

			ctx := c.Request().Context()
			tier, err := cfg.Tiers.ResolveTier(ctx, userID)
			if err != nil {
				return cfg.internalError(c, fmt.Errorf("resolve tier: %w", err))
			}

			req := aimeter.AdmitRequest{UserID: userID, Tier: tier, Operation: op, Input: input}
			result, err := cfg.Controller.Admit(ctx, req)
			if err != nil {
				if aimeter.IsConfigurationError(err) || errors.Is(err, aimeter.ErrInvalidUserID) {
					return cfg.badRequest(c, err)
				}
				if aimeter.IsStoreUnavailable(err) && cfg.OnError == nil {
					api.WriteStoreUnavailable(c.Response(), result)
					return nil
				}
				return cfg.internalError(c, err)
			}

			if !result.Allowed {
				if cfg.OnRejected != nil {
					return cfg.OnRejected(c, result)
				}
				api.WriteQuotaExceeded(c.Response(), result, cfg.Controller)
				return nil
			}

			ctx, report := aimeter.WithUsageReport(ctx, req, result)
			c.SetRequest(c.Request().WithContext(ctx))
			defer func() {
				if _, serr := report.Settle(context.WithoutCancel(ctx), cfg.Reconciler); serr != nil {
					if cfg.OnReconcileError != nil {
						cfg.OnReconcileError(c, serr)
						return
					}
					cfg.Logger.Error("Usage reconciliation dropped",
						aimeter.Field{Key: "userId", Value: req.UserID},
						aimeter.Field{Key: "operation", Value: req.Operation},
						aimeter.Field{Key: "reservationId", Value: result.ReservationID},
						aimeter.Field{Key: "error", Value: serr.Error()},
					)
				}
			}()

			return next(c)
		}
	}
}

// ReportUsage records the generation backend's reported total tokens for the
// request. It returns false if the request was not admitted by Middleware.
func ReportUsage(c echo.Context, totalTokens int64) bool {
	return aimeter.ReportUsage(c.Request().Context(), totalTokens)
}

func (cfg *Config) badRequest(c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
}

func (cfg *Config) internalError(c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Internal Server Error"})
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "Unauthorized"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an upstream auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Operation

// FixedOperation returns an OperationExtractor that always returns op
func FixedOperation(op aimeter.Operation) OperationExtractor {
	return func(echo.Context) (aimeter.Operation, error) {
		return op, nil
	}
}

// OperationFromParam returns an OperationExtractor reading a route parameter
func OperationFromParam(paramName string) OperationExtractor {
	return func(c echo.Context) (aimeter.Operation, error) {
		return aimeter.ParseOperation(c.Param(paramName))
	}
}

// OperationFromQuery returns an OperationExtractor reading a query parameter
func OperationFromQuery(param string) OperationExtractor {
	return func(c echo.Context) (aimeter.Operation, error) {
		return aimeter.ParseOperation(c.QueryParam(param))
	}
}

// Convenience extractors for Input

// BodyText returns an InputExtractor that reads up to limit bytes of the raw body
func BodyText(limit int64) InputExtractor {
	return func(c echo.Context) (string, error) {
		r := c.Request()
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

// FromFormValue returns an InputExtractor that reads a form field
func FromFormValue(field string) InputExtractor {
	return func(c echo.Context) (string, error) {
		return c.FormValue(field), nil
	}
}
