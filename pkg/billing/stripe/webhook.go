package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/pkg/billing"
	"github.com/warrenwang2025/aimeter/pkg/billing/internal"
)

const maxWebhookBody = 256 * 1024

// handleWebhook expires the cached tier of any user whose subscriptions changed.
func (r *Resolver) handleWebhook(w http.ResponseWriter, req *http.Request) {
	internal.SetSecurityHeaders(w)

	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, req, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			r.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			r.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, req.Header.Get("Stripe-Signature"), r.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		r.logger.Warn("Stripe webhook rejected",
			aimeter.Field{Key: "error", Value: fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err).Error()},
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		r.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := r.processWebhookEvent(req.Context(), &event); err != nil {
		r.logger.Error("Stripe webhook processing failed",
			aimeter.Field{Key: "event_id", Value: event.ID},
			aimeter.Field{Key: "event_type", Value: eventType},
			aimeter.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		r.metrics.RecordWebhookEvent(providerName, eventType, "error")
		r.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
	r.metrics.RecordWebhookEvent(providerName, eventType, "success")
}

func (r *Resolver) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.deleted", "customer.subscription.paused",
		"customer.subscription.resumed":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		userID, err := r.userIDFromSubscription(ctx, &sub)
		if err != nil {
			return err
		}
		r.Invalidate(userID)
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		userID := session.ClientReferenceID
		if userID == "" && session.Metadata != nil {
			userID = session.Metadata[userIDMetadataKey]
		}
		if userID == "" {
			return fmt.Errorf("%w: checkout session %s has no user", billing.ErrInvalidWebhookPayload, session.ID)
		}
		r.Invalidate(userID)
	}
	// Other event types do not affect tiers
	return nil
}

// userIDFromSubscription reads metadata.user_id from the subscription, then from its customer.
func (r *Resolver) userIDFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil && sub.Metadata[userIDMetadataKey] != "" {
		return sub.Metadata[userIDMetadataKey], nil
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		userID, err := r.source.CustomerUserID(ctx, sub.Customer.ID)
		if err != nil {
			return "", err
		}
		if userID != "" {
			return userID, nil
		}
	}
	return "", fmt.Errorf("%w: metadata.%s missing on subscription %s",
		billing.ErrInvalidWebhookPayload, userIDMetadataKey, sub.ID)
}
