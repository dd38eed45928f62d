package api

import (
	"fmt"
	"net/http"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Config holds configuration for the Usage API handler
type Config struct {
	// Controller is the admission controller instance (required)
	Controller *aimeter.Controller

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// Tiers resolves the user's tier (required)
	Tiers aimeter.TierResolver

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger defaults to NoopLogger
	Logger aimeter.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Controller == nil {
		return fmt.Errorf("controller is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.Tiers == nil {
		return fmt.Errorf("tier resolver is required")
	}
	return nil
}

// NewHandler creates a new Usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &aimeter.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
