package plans

import (
	"time"

	"llmready/internal/models"
)

// Apply moves sub onto a tier and interval and resets its limits to that
// tier's monthly quotas. Usage above the new ceiling is capped.
func Apply(sub *models.Subscription, tierID, interval string) {
	tier := MustGet(tierID)
	if interval != Yearly {
		interval = Monthly
	}
	sub.PlanTier = tier.ID
	sub.BillingInterval = interval
	sub.GenerationsLimit = tier.GenerationQuota
	sub.WebsitesLimit = tier.WebsiteQuota
	CapUsage(sub)
}

// CapUsage clamps the generation counter to the current limit.
func CapUsage(sub *models.Subscription) {
	if sub.GenerationsUsed > sub.GenerationsLimit {
		sub.GenerationsUsed = sub.GenerationsLimit
	}
	if sub.GenerationsUsed < 0 {
		sub.GenerationsUsed = 0
	}
}

// Downgrade puts sub on the free tier in the canceled state and unlinks its
// provider subscription.
func Downgrade(sub *models.Subscription, now time.Time) {
	Apply(sub, Free, Monthly)
	sub.SetStatus(models.SubscriptionCanceled, now)
	sub.StripeSubscriptionID = nil
	sub.StripePriceID = ""
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = &now
	sub.UpdatedAt = now
}

// NewFreeSubscription is the record every user starts with.
func NewFreeSubscription(userID int64) models.Subscription {
	sub := models.Subscription{
		UserID: userID,
		Status: models.SubscriptionActive,
	}
	Apply(&sub, Free, Monthly)
	return sub
}

// IsDowngraded reports whether sub already sits in the terminal free state.
func IsDowngraded(sub models.Subscription) bool {
	return sub.Status == models.SubscriptionCanceled && sub.PlanTier == Free && !sub.HasStripeSubscription()
}
