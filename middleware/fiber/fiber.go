// Package fiber provides Fiber middleware for AI usage admission control
package fiber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/pkg/api"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// OperationExtractor determines which AI operation the request performs
type OperationExtractor func(c *fiber.Ctx) (aimeter.Operation, error)

// InputExtractor returns the formatted input whose tokens are estimated
type InputExtractor func(c *fiber.Ctx) (string, error)

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
	// If nil, the raw request body is used
	GetInput InputExtractor

	// Reconciler settles the reservation once the handler returns
	// Default: Controller
	Reconciler aimeter.Reconciler

	// OnRejected is called when the hourly budget cannot cover the request
	// If nil, responds 429 JSON with the reason and remaining budgets
	OnRejected func(c *fiber.Ctx, result *aimeter.AdmitResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 400 for bad input, 503 when the store is unavailable and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error

	// OnReconcileError is called when the post-request reconciliation fails
	OnReconcileError func(c *fiber.Ctx, err error)

	// Logger records reconciliation failures when OnReconcileError is nil
	// Default: the Controller\'s logger
	Logger aimeter.Logger
}

// Middleware creates a Fiber middleware that admits requests against the user's hourly budget
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Controller == nil {
		panic("aimeter/fiber: Config.Controller is required")
	}
	if cfg.GetUserID == nil {
		panic("aimeter/fiber: Config.GetUserID is required")
	}
	if cfg.Tiers == nil {
		panic("aimeter/fiber: Config.Tiers is required")
	}
	if cfg.GetOperation == nil {
		panic("aimeter/fiber: Config.GetOperation is required")
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

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(api.ErrorResponse{Error: "Unauthorized"})
		}

		op, err := cfg.GetOperation(c)
		if err != nil {
			return cfg.badRequest(c, err)
		}
		input, err := cfg.GetInput(c)
		if err != nil {
			return cfg.badRequest(c, err)
		}

		// Fiber runs on fasthttp: the request's context.Context lives in UserContext
		ctx := c.UserContext()
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
				return c.Status(fiber.StatusServiceUnavailable).JSON(api.NewStoreUnavailableResponse(result))
			}
			return cfg.internalError(c, err)
		}

		if !result.Allowed {
			if cfg.OnRejected != nil {
				return cfg.OnRejected(c, result)
			}
			return defaultRejected(c, result, cfg.Controller)
		}

		ctx, report := aimeter.WithUsageReport(ctx, req, result)
		c.SetUserContext(ctx)
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

		return c.Next()
	}
}

// ReportUsage records the generation backend's reported total tokens for the
// request. It returns false if the request was not admitted by Middleware.
func ReportUsage(c *fiber.Ctx, totalTokens int64) bool {
	return aimeter.ReportUsage(c.UserContext(), totalTokens)
}

func (cfg *Config) badRequest(c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.Status(fiber.StatusBadRequest).JSON(api.ErrorResponse{Error: err.Error()})
}

func (cfg *Config) internalError(c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(api.ErrorResponse{Error: "Internal Server Error"})
}

func defaultRejected(c *fiber.Ctx, result *aimeter.AdmitResult, ctrl *aimeter.Controller) error {
	var resetsAt *time.Time
	if result.Window != nil {
		t := ctrl.ResetsAt(result.Window)
		resetsAt = &t
		c.Set(fiber.HeaderRetryAfter, api.RetryAfter(t, ctrl.Now()))
	}
	return c.Status(fiber.StatusTooManyRequests).JSON(api.NewQuotaExceededResponse(result, resetsAt))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by an upstream auth middleware via c.Locals(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
// c.Get aliases the request buffer, so the value is copied before it is stored.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return utils.CopyString(c.Get(headerName))
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return utils.CopyString(c.Params(paramName))
	}
}

// Convenience extractors for Operation

// FixedOperation returns an OperationExtractor that always returns op
func FixedOperation(op aimeter.Operation) OperationExtractor {
	return func(*fiber.Ctx) (aimeter.Operation, error) {
		return op, nil
	}
}

// OperationFromParam returns an OperationExtractor reading a route parameter
func OperationFromParam(paramName string) OperationExtractor {
	return func(c *fiber.Ctx) (aimeter.Operation, error) {
		return aimeter.ParseOperation(utils.CopyString(c.Params(paramName)))
	}
}

// Convenience extractors for Input

// BodyText returns an InputExtractor over the raw body. Fiber buffers the whole
// body (bounded by the app's BodyLimit), so reading it does not consume it.
func BodyText(limit int) InputExtractor {
	return func(c *fiber.Ctx) (string, error) {
		body := c.Body()
		if len(body) > limit {
			return "", fmt.Errorf("request body exceeds %d bytes", limit)
		}
		// string copies; c.Body is reused once the handler returns
		return string(body), nil
	}
}

// FromFormValue returns an InputExtractor that reads a form field
func FromFormValue(field string) InputExtractor {
	return func(c *fiber.Ctx) (string, error) {
		return utils.CopyString(c.FormValue(field)), nil
	}
}
