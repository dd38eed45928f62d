package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/pkg/billing"
)

const (
	subscriptionStatusActive   = "active"
	subscriptionStatusTrialing = "trialing"
	userIDMetadataKey          = "user_id"
)

// subscriptionSource is the slice of the Stripe API the resolver needs.
type subscriptionSource interface {
	// FindCustomer returns the customer whose metadata.user_id is userID,
	// or billing.ErrUserNotFound.
	FindCustomer(ctx context.Context, userID string) (string, error)

	// ActiveSubscriptions lists the customer's active and trialing subscriptions.
	ActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)

	// CustomerUserID returns metadata.user_id of the customer, if any.
	CustomerUserID(ctx context.Context, customerID string) (string, error)
}

// stripeAPI implements subscriptionSource with the v83 client.
type stripeAPI struct {
	client  *stripe.Client
	metrics billing.Metrics
}

func (a *stripeAPI) FindCustomer(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", userIDMetadataKey, userID)

	for cust, err := range a.client.V1Customers.Search(ctx, params) {
		if err != nil {
			a.metrics.RecordAPICall(providerName, "/customers/search", "error")
			return "", fmt.Errorf("%w: customer search: %v", billing.ErrProviderAPIError, err)
		}
		// Search is eventually consistent and may return near matches
		if cust.Metadata != nil && cust.Metadata[userIDMetadataKey] == userID {
			a.metrics.RecordAPICall(providerName, "/customers/search", "ok")
			return cust.ID, nil
		}
	}
	a.metrics.RecordAPICall(providerName, "/customers/search", "ok")
	return "", billing.ErrUserNotFound
}

func (a *stripeAPI) ActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)

	var subs []*stripe.Subscription
	for sub, err := range a.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			a.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return nil, fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if isEntitling(sub) {
			subs = append(subs, sub)
		}
	}
	a.metrics.RecordAPICall(providerName, "/subscriptions/list", "ok")
	return subs, nil
}

func (a *stripeAPI) CustomerUserID(ctx context.Context, customerID string) (string, error) {
	cust, err := a.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		a.metrics.RecordAPICall(providerName, "/customers/retrieve", "error")
		return "", fmt.Errorf("%w: retrieve customer: %v", billing.ErrProviderAPIError, err)
	}
	a.metrics.RecordAPICall(providerName, "/customers/retrieve", "ok")
	if cust.Metadata == nil {
		return "", nil
	}
	return cust.Metadata[userIDMetadataKey], nil
}

func isEntitling(sub *stripe.Subscription) bool {
	return sub != nil && (string(sub.Status) == subscriptionStatusActive || string(sub.Status) == subscriptionStatusTrialing)
}

// tierFromSubscriptions picks the highest-ranked tier any entitling subscription
// item maps to. Ties go to the most recently created subscription.
func (r *Resolver) tierFromSubscriptions(subs []*stripe.Subscription) aimeter.Tier {
	best := r.defaultTier
	bestRank := best.Rank()
	var bestCreated int64

	for _, sub := range subs {
		if !isEntitling(sub) || sub.Items == nil {
			continue
		}
		for _, item := range sub.Items.Data {
			tier, ok := r.tierForItem(item)
			if !ok {
				continue
			}
			rank := tier.Rank()
			if rank > bestRank || (rank == bestRank && sub.Created > bestCreated) {
				best, bestRank, bestCreated = tier, rank, sub.Created
			}
		}
	}
	return best
}

func (r *Resolver) tierForItem(item *stripe.SubscriptionItem) (aimeter.Tier, bool) {
	if item == nil || item.Price == nil {
		return "", false
	}
	if tier, ok := r.tierMapping[normalizeID(item.Price.ID)]; ok {
		return tier, true
	}
	if item.Price.Product != nil {
		if tier, ok := r.tierMapping[normalizeID(item.Price.Product.ID)]; ok {
			return tier, true
		}
	}
	return "", false
}
