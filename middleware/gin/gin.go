// Package gin provides Gin middleware for AI usage admission control
package gin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/pkg/api"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// OperationExtractor determines which AI operation the request performs
type OperationExtractor func(c *gongin.Context) (aimeter.Operation, error)

// InputExtractor returns the formatted input whose tokens are estimated
type InputExtractor func(c *gongin.Context) (string, error)

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
	// If nil, uses default response: 429 JSON with the reason and remaining budgets
	OnRejected func(c *gongin.Context, result *aimeter.AdmitResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 503 when the store is unavailable and 500 otherwise
	OnError func(c *gongin.Context, err error)

	// OnReconcileError is called when the post-request reconciliation fails
	OnReconcileError func(c *gongin.Context, err error)

	// Logger records reconciliation failures when OnReconcileError is nil
	// Default: the Controller\'s logger
	Logger aimeter.Logger
}

// Middleware creates a Gin middleware that admits requests against the user's hourly budget
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Controller == nil {
		panic("aimeter/gin: Config.Controller is required")
	}
	if cfg.GetUserID == nil {
		panic("aimeter/gin: Config.GetUserID is required")
	}
	if cfg.Tiers == nil {
		panic("aimeter/gin: Config.Tiers is required")
	}
	if cfg.GetOperation == nil {
		panic("aimeter/gin: Config.GetOperation is required")
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

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		op, err := cfg.GetOperation(c)
		if err != nil {
			cfg.badRequest(c, err)
			return
		}
		input, err := cfg.GetInput(c)
		if err != nil {
			cfg.badRequest(c, err)
			return
		}

		ctx := c.Request.Context()
		tier, err := cfg.Tiers.ResolveTier(ctx, userID)
		if err != nil {
			cfg.internalError(c, fmt.Errorf("resolve tier: %w", err))
			return
		}

		req := aimeter.AdmitRequest{UserID: userID, Tier: tier, Operation: op, Input: input}
		result, err := cfg.Controller.Admit(ctx, req)
		if err != nil {
			if aimeter.IsConfigurationError(err) || errors.Is(err, aimeter.ErrInvalidUserID) {
				cfg.badRequest(c, err)
				return
			}
			if aimeter.IsStoreUnavailable(err) && cfg.OnError == nil {
				api.WriteStoreUnavailable(c.Writer, result)
				c.Abort()
				return
			}
			cfg.internalError(c, err)
			return
		}

		if !result.Allowed {
			if cfg.OnRejected != nil {
				cfg.OnRejected(c, result)
			} else {
				defaultRejected(c, result, cfg.Controller)
			}
			c.Abort()
			return
		}

		ctx, report := aimeter.WithUsageReport(ctx, req, result)
		c.Request = c.Request.WithContext(ctx)
		defer func() {
			if _, err := report.Settle(context.WithoutCancel(ctx), cfg.Reconciler); err != nil {
				if cfg.OnReconcileError != nil {
					cfg.OnReconcileError(c, err)
					return
				}
				cfg.Logger.Error("Usage reconciliation dropped",
					aimeter.Field{Key: "userId", Value: req.UserID},
					aimeter.Field{Key: "operation", Value: req.Operation},
					aimeter.Field{Key: "reservationId", Value: result.ReservationID},
					aimeter.Field{Key: "error", Value: err.Error()},
				)
			}
		}()

		c.Next()
	}
}

// ReportUsage records the generation backend's reported total tokens for the
// request. It returns false if the request was not admitted by Middleware.
func ReportUsage(c *gongin.Context, totalTokens int64) bool {
	return aimeter.ReportUsage(c.Request.Context(), totalTokens)
}

func (cfg *Config) badRequest(c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
	}
	c.Abort()
}

func (cfg *Config) internalError(c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Internal Server Error"})
	}
	c.Abort()
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultRejected(c *gongin.Context, result *aimeter.AdmitResult, ctrl *aimeter.Controller) {
	api.WriteQuotaExceeded(c.Writer, result, ctrl)
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In metering middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Operation

// FixedOperation returns an OperationExtractor that always returns op
func FixedOperation(op aimeter.Operation) OperationExtractor {
	return func(*gongin.Context) (aimeter.Operation, error) {
		return op, nil
	}
}

// OperationFromParam returns an OperationExtractor reading a route parameter,
// e.g. "/generate/:operation"
func OperationFromParam(paramName string) OperationExtractor {
	return func(c *gongin.Context) (aimeter.Operation, error) {
		return aimeter.ParseOperation(c.Param(paramName))
	}
}

// Convenience extractors for Input

// BodyText returns an InputExtractor that reads up to limit bytes of the raw body
func BodyText(limit int64) InputExtractor {
	return func(c *gongin.Context) (string, error) {
		if c.Request.Body == nil {
			return "", nil
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			return "", err
		}
		if int64(len(body)) > limit {
			return "", fmt.Errorf("request body exceeds %d bytes", limit)
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		return string(body), nil
	}
}

// FromPostForm returns an InputExtractor that reads a form field
func FromPostForm(field string) InputExtractor {
	return func(c *gongin.Context) (string, error) {
		return c.PostForm(field), nil
	}
}
