package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"llmready/internal/billing"
	"llmready/internal/config"
	"llmready/internal/logging"
	"llmready/internal/metrics"
	"llmready/internal/models"
	"llmready/internal/plans"
	"llmready/internal/store"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrEmailTaken          = errors.New("email already registered")
	ErrForbidden           = errors.New("forbidden")
	ErrQuotaExceeded       = errors.New("generation quota exceeded")
	ErrWebsiteLimit        = errors.New("website limit reached")
	ErrAlreadySubscribed   = errors.New("already on a paid plan")
	ErrGenerationFinished  = errors.New("generation already finished")
	ErrStripeNotConfigured = billing.ErrNotConfigured
)

type Service struct {
	store   store.Store
	billing billing.Client
	catalog *plans.Catalog
	config  config.Config
	now     func() time.Time
}

func New(st store.Store, bc billing.Client, cfg config.Config) *Service {
	return &Service{
		store:   st,
		billing: bc,
		catalog: cfg.Catalog(),
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser registers a user together with their free subscription.
func (s *Service) CreateUser(ctx context.Context, email, password, fullName string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") || len(password) < 8 {
		return models.User{}, ErrInvalidRequest
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		user, err = tx.CreateUser(ctx, models.User{
			Email:        email,
			PasswordHash: string(passwordHash),
			FullName:     strings.TrimSpace(fullName),
			Status:       models.UserStatusActive,
			Role:         models.UserRoleUser,
		})
		if errors.Is(err, store.ErrConflict) {
			return ErrEmailTaken
		}
		if err != nil {
			return err
		}
		_, err = tx.InsertSubscription(ctx, plans.NewFreeSubscription(user.ID))
		return err
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	var user models.User
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}
	if user.Status != models.UserStatusActive {
		return models.User{}, ErrForbidden
	}
	return user, nil
}

func (s *Service) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	var user models.User
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

// DeleteUser cancels any live Stripe subscription and then removes the user.
// A failed cancellation is logged and does not block the deletion.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	sub, err := s.GetSubscription(ctx, id)
	switch {
	case err == nil && sub.HasStripeSubscription():
		if err := s.billing.CancelSubscription(ctx, sub.StripeSubscriptionRef()); err != nil && !billing.IsNotFound(err) {
			logging.FromContext(ctx).Error().Err(err).
				Int64("user_id", id).
				Str("subscription", sub.StripeSubscriptionRef()).
				Msg("Stripe cancellation on account deletion failed")
		}
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteUser(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Service) GetSubscription(ctx context.Context, userID int64) (models.Subscription, error) {
	var sub models.Subscription
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		sub, err = tx.SubscriptionByUser(ctx, userID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Subscription{}, ErrNotFound
	}
	return sub, err
}

type QuotaDecision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	Remaining     int    `json:"remaining"`
	InGracePeriod bool   `json:"in_grace_period"`
}

// EvaluateQuota decides whether sub may start another generation at now.
// A past_due subscription keeps its quota for graceDays whole days after
// PastDueSince; without an anchor it is treated as overdue.
func EvaluateQuota(sub models.Subscription, now time.Time, graceDays int) QuotaDecision {
	d := QuotaDecision{Remaining: sub.RemainingGenerations()}
	switch sub.Status {
	case models.SubscriptionActive, models.SubscriptionTrialing:
	case models.SubscriptionPastDue:
		if sub.PastDueSince == nil || int(now.Sub(*sub.PastDueSince)/(24*time.Hour)) > graceDays {
			d.Reason = "payment overdue"
			return d
		}
		d.InGracePeriod = true
	default:
		d.Reason = "subscription " + sub.Status
		return d
	}
	if sub.GenerationsUsed >= sub.GenerationsLimit {
		d.Reason = "quota exhausted"
		return d
	}
	d.Allowed = true
	return d
}

func (s *Service) CheckGenerationQuota(ctx context.Context, userID int64) (QuotaDecision, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		metrics.QuotaDenials.WithLabelValues("none").Inc()
		return QuotaDecision{Reason: "no subscription"}, nil
	}
	if err != nil {
		return QuotaDecision{}, err
	}
	d := EvaluateQuota(sub, s.now(), s.config.GracePeriodDays)
	logger := logging.FromContext(ctx)
	switch {
	case !d.Allowed:
		metrics.QuotaDenials.WithLabelValues(sub.Status).Inc()
		if sub.Status == models.SubscriptionPastDue {
			logger.Warn().Int64("user_id", userID).Msg("Grace period exceeded")
		}
	case d.InGracePeriod:
		logger.Info().Int64("user_id", userID).Msg("Generation allowed in grace period")
	}
	return d, nil
}

// StartGeneration charges one generation to userID's quota and records it
// as pending, both in one transaction. The generation pipeline reports the
// result through FinishGeneration. PastDueSince is left untouched.
func (s *Service) StartGeneration(ctx context.Context, userID int64) (models.GenerationRecord, models.Subscription, error) {
	var (
		gen models.GenerationRecord
		sub models.Subscription
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		sub, err = tx.SubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		if sub.GenerationsUsed >= sub.GenerationsLimit {
			return ErrQuotaExceeded
		}
		sub.GenerationsUsed++
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		gen, err = tx.InsertGeneration(ctx, models.GenerationRecord{UserID: userID, Status: models.GenerationPending})
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.GenerationRecord{}, models.Subscription{}, ErrNotFound
	}
	if err != nil {
		return models.GenerationRecord{}, models.Subscription{}, err
	}
	return gen, sub, nil
}

// FinishGeneration moves a pending generation to completed or failed. A
// failed generation gives its unit of quota back.
func (s *Service) FinishGeneration(ctx context.Context, userID, generationID int64, succeeded bool) (models.GenerationRecord, error) {
	var gen models.GenerationRecord
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		gen, err = tx.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		if gen.UserID != userID {
			return store.ErrNotFound
		}
		if gen.Finished() {
			return fmt.Errorf("%w: generation %d is %s", ErrGenerationFinished, gen.ID, gen.Status)
		}
		finished := s.now()
		gen.FinishedAt = &finished
		gen.Status = models.GenerationCompleted
		if !succeeded {
			gen.Status = models.GenerationFailed
		}
		if err := tx.UpdateGeneration(ctx, gen); err != nil {
			return err
		}
		if succeeded {
			return nil
		}
		sub, err := tx.SubscriptionByUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sub.GenerationsUsed == 0 {
			return nil
		}
		sub.GenerationsUsed--
		return tx.UpdateSubscription(ctx, sub)
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.GenerationRecord{}, ErrNotFound
	}
	if err != nil {
		return models.GenerationRecord{}, err
	}
	logging.FromContext(ctx).Info().
		Int64("user_id", userID).
		Int64("generation_id", gen.ID).
		Str("status", gen.Status).
		Msg("Generation finished")
	return gen, nil
}

// AddWebsite claims one of the plan's website slots.
func (s *Service) AddWebsite(ctx context.Context, userID int64) (models.Subscription, error) {
	return s.adjustWebsites(ctx, userID, 1)
}

// RemoveWebsite frees a website slot. It is a no-op at zero.
func (s *Service) RemoveWebsite(ctx context.Context, userID int64) (models.Subscription, error) {
	return s.adjustWebsites(ctx, userID, -1)
}

func (s *Service) adjustWebsites(ctx context.Context, userID int64, delta int) (models.Subscription, error) {
	var sub models.Subscription
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		sub, err = tx.SubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		next := sub.WebsitesUsed + delta
		switch {
		case next < 0:
			return nil
		case delta > 0 && next > sub.WebsitesLimit:
			return ErrWebsiteLimit
		}
		sub.WebsitesUsed = next
		return tx.UpdateSubscription(ctx, sub)
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Subscription{}, ErrNotFound
	}
	if err != nil {
		return models.Subscription{}, err
	}
	return sub, nil
}

// ResetMonthlyUsage zeroes every subscription's generation counter.
func (s *Service) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.ResetGenerationsUsed(ctx)
		return err
	})
	return n, err
}

type UsageStats struct {
	PlanTier             string     `json:"plan_tier"`
	BillingInterval      string     `json:"billing_interval"`
	Status               string     `json:"status"`
	GenerationsUsed      int        `json:"generations_used"`
	GenerationsLimit     int        `json:"generations_limit"`
	GenerationsRemaining int        `json:"generations_remaining"`
	UsagePercent         float64    `json:"usage_percentage"`
	WebsitesUsed         int        `json:"websites_used"`
	WebsitesLimit        int        `json:"websites_limit"`
	PagesPerWebsite      int        `json:"pages_per_website"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
}

func (s *Service) UsageStats(ctx context.Context, userID int64) (UsageStats, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return UsageStats{}, err
	}
	stats := UsageStats{
		PlanTier:             sub.PlanTier,
		BillingInterval:      sub.BillingInterval,
		Status:               sub.Status,
		GenerationsUsed:      sub.GenerationsUsed,
		GenerationsLimit:     sub.GenerationsLimit,
		GenerationsRemaining: sub.RemainingGenerations(),
		WebsitesUsed:         sub.WebsitesUsed,
		WebsitesLimit:        sub.WebsitesLimit,
		PagesPerWebsite:      plans.MustGet(sub.PlanTier).PagesPerWebsite,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
	}
	if sub.GenerationsLimit > 0 {
		stats.UsagePercent = float64(sub.GenerationsUsed) / float64(sub.GenerationsLimit) * 100
	}
	return stats, nil
}

type CheckoutInput struct {
	PlanTier        string
	BillingInterval string
	SuccessURL      string
	CancelURL       string
}

// StartCheckout opens a Stripe Checkout session for a paid tier, creating
// the Stripe customer on first use. The tier is applied when the
// checkout.session.completed webhook arrives.
func (s *Service) StartCheckout(ctx context.Context, userID int64, in CheckoutInput) (billing.CheckoutSession, error) {
	tier, ok := plans.Get(in.PlanTier)
	if !ok || !tier.Paid() {
		return billing.CheckoutSession{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidRequest, in.PlanTier)
	}
	interval := in.BillingInterval
	if interval != plans.Yearly {
		interval = plans.Monthly
	}
	priceID, err := s.catalog.PriceFor(tier.ID, interval)
	if err != nil {
		return billing.CheckoutSession{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if in.SuccessURL == "" {
		in.SuccessURL = s.config.FrontendURL + "/dashboard/subscription?success=true"
	}
	if in.CancelURL == "" {
		in.CancelURL = s.config.FrontendURL + "/pricing?canceled=true"
	}

	var session billing.CheckoutSession
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		sub, err := tx.SubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		if sub.HasStripeSubscription() && sub.PlanTier != plans.Free {
			return ErrAlreadySubscribed
		}

		uid := strconv.FormatInt(userID, 10)
		if sub.StripeCustomerID == "" {
			cus, err := s.billing.CreateCustomer(ctx, billing.CustomerRequest{
				Email:    user.Email,
				Name:     user.FullName,
				Metadata: map[string]string{"user_id": uid},
			})
			if err != nil {
				return err
			}
			sub.StripeCustomerID = cus.ID
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		}

		session, err = s.billing.CreateCheckoutSession(ctx, billing.CheckoutRequest{
			CustomerID: sub.StripeCustomerID,
			PriceID:    priceID,
			SuccessURL: in.SuccessURL,
			CancelURL:  in.CancelURL,
			Metadata: map[string]string{
				"user_id":          uid,
				"plan_type":        tier.ID,
				"billing_interval": interval,
			},
		})
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return billing.CheckoutSession{}, ErrNotFound
	}
	if err != nil {
		return billing.CheckoutSession{}, err
	}
	return session, nil
}

type SyncResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// SyncStripeSubscriptions re-reads every unsettled subscription from Stripe
// and copies status and period changes that a missed webhook would have
// carried.
func (s *Service) SyncStripeSubscriptions(ctx context.Context) (SyncResult, error) {
	var pending []models.Subscription
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListUnsettledSubscriptions(ctx)
		return err
	})
	if err != nil {
		return SyncResult{}, err
	}

	logger := logging.FromContext(ctx)
	var res SyncResult
	for _, candidate := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		changed, err := s.syncOne(ctx, candidate.StripeSubscriptionRef())
		if err != nil {
			res.Failed++
			logger.Error().Err(err).Str("subscription", candidate.StripeSubscriptionRef()).Msg("Stripe sync failed")
			continue
		}
		if changed {
			res.Updated++
		}
	}
	return res, nil
}

func (s *Service) syncOne(ctx context.Context, ref string) (bool, error) {
	changed := false
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		sub, err := tx.SubscriptionByStripeID(ctx, ref)
		if err != nil {
			return err
		}
		now := s.now()
		remote, err := s.billing.GetSubscription(ctx, ref)
		if billing.IsNotFound(err) {
			plans.Downgrade(&sub, now)
			changed = true
			metrics.Downgrades.WithLabelValues("sync_missing").Inc()
			return tx.UpdateSubscription(ctx, sub)
		}
		if err != nil {
			return err
		}

		status := billing.NormalizeStatus(remote.Status)
		if status == models.SubscriptionCanceled {
			plans.Downgrade(&sub, now)
			changed = true
			metrics.Downgrades.WithLabelValues("sync_canceled").Inc()
			return tx.UpdateSubscription(ctx, sub)
		}
		if status != "" && status != sub.Status {
			sub.SetStatus(status, now)
			sub.UpdatedAt = now
			changed = true
		}
		if remote.CurrentPeriodStart > 0 && !sameUnix(sub.CurrentPeriodStart, remote.CurrentPeriodStart) {
			t := time.Unix(remote.CurrentPeriodStart, 0).UTC()
			sub.CurrentPeriodStart = &t
			changed = true
		}
		if remote.CurrentPeriodEnd > 0 && !sameUnix(sub.CurrentPeriodEnd, remote.CurrentPeriodEnd) {
			t := time.Unix(remote.CurrentPeriodEnd, 0).UTC()
			sub.CurrentPeriodEnd = &t
			changed = true
		}
		if !changed {
			return nil
		}
		return tx.UpdateSubscription(ctx, sub)
	})
	return changed, err
}

func sameUnix(t *time.Time, ts int64) bool {
	return t != nil && t.Unix() == ts
}
