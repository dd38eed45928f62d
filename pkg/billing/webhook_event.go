package billing

import (
	"time"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// TierChange describes a user whose resolved tier differs from the previously
// cached one. The new tier applies from the user's next window reset.
type TierChange struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousTier is the tier resolved before the change
	PreviousTier aimeter.Tier

	// NewTier is the tier resolved now
	NewTier aimeter.Tier

	// Provider is the billing provider name ("stripe")
	Provider string

	// DetectedAt is when the resolver observed the change
	DetectedAt time.Time
}
