package models

import "time"

type User struct {
	ID           int64
	Email        string
	PasswordHash string `json:"-"`
	FullName     string
	Status       string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Subscription is the per-user billing record. One row per user.
type Subscription struct {
	ID                   int64
	UserID               int64
	PlanTier             string
	BillingInterval      string
	Status               string
	StripeCustomerID     string
	StripeSubscriptionID *string
	StripePriceID        string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	GenerationsUsed      int
	GenerationsLimit     int
	WebsitesUsed         int
	WebsitesLimit        int
	CanceledAt           *time.Time

	// PastDueSince anchors the payment grace period. Set on the transition
	// into past_due, cleared on the way out.
	PastDueSince *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasStripeSubscription reports whether the record is linked to a live
// provider subscription.
func (s Subscription) HasStripeSubscription() bool {
	return s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != ""
}

// SetStatus moves the subscription to status. Staying in past_due keeps
// the original PastDueSince.
func (s *Subscription) SetStatus(status string, now time.Time) {
	if status == s.Status {
		return
	}
	if status == SubscriptionPastDue {
		since := now
		s.PastDueSince = &since
	} else {
		s.PastDueSince = nil
	}
	s.Status = status
}

func (s Subscription) StripeSubscriptionRef() string {
	if s.StripeSubscriptionID == nil {
		return ""
	}
	return *s.StripeSubscriptionID
}

func (s Subscription) RemainingGenerations() int {
	if s.GenerationsUsed >= s.GenerationsLimit {
		return 0
	}
	return s.GenerationsLimit - s.GenerationsUsed
}

// BillingEvent is one row of the append-only webhook event log.
type BillingEvent struct {
	EventID      string
	EventType    string
	EventCreated int64
	Status       string
	ProcessedAt  time.Time
	ErrorDetail  string
}

type GenerationRecord struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the generation reached a terminal status.
func (g GenerationRecord) Finished() bool {
	return g.Status == GenerationCompleted || g.Status == GenerationFailed
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

const (
	SubscriptionActive     = "active"
	SubscriptionTrialing   = "trialing"
	SubscriptionPastDue    = "past_due"
	SubscriptionCanceled   = "canceled"
	SubscriptionIncomplete = "incomplete"
)

const (
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
)

const (
	GenerationPending    = "pending"
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
)

// ValidSubscriptionStatus reports whether status is one of the known
// subscription states.
func ValidSubscriptionStatus(status string) bool {
	switch status {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue, SubscriptionCanceled, SubscriptionIncomplete:
		return true
	}
	return false
}
