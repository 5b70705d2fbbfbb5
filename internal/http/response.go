package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"llmready/internal/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

type SubscriptionResponse struct {
	PlanTier          string     `json:"plan_tier"`
	BillingInterval   string     `json:"billing_interval"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	GenerationsUsed   int        `json:"generations_used"`
	GenerationsLimit  int        `json:"generations_limit"`
	WebsitesUsed      int        `json:"websites_used"`
	WebsitesLimit     int        `json:"websites_limit"`
	HasStripe         bool       `json:"has_stripe_subscription"`
	CreatedAt         time.Time  `json:"created_at"`
}

func subscriptionResponse(sub models.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		PlanTier:          sub.PlanTier,
		BillingInterval:   sub.BillingInterval,
		Status:            sub.Status,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		GenerationsUsed:   sub.GenerationsUsed,
		GenerationsLimit:  sub.GenerationsLimit,
		WebsitesUsed:      sub.WebsitesUsed,
		WebsitesLimit:     sub.WebsitesLimit,
		HasStripe:         sub.HasStripeSubscription(),
		CreatedAt:         sub.CreatedAt,
	}
}
