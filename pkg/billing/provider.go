package billing

import (
	"net/http"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Provider is a tier resolver backed by a billing system, kept fresh by the
// provider's webhooks.
type Provider interface {
	aimeter.TierResolver

	// Name returns the provider name (e.g. "stripe")
	Name() string

	// DefaultTier is the tier of users without an entitling subscription
	DefaultTier() aimeter.Tier

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// Events that change a user's subscription expire that user's cached tier.
	WebhookHandler() http.Handler

	// Invalidate forces the next ResolveTier for userID to ask the provider
	Invalidate(userID string)
}
