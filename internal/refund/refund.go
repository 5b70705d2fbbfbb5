// Package refund implements the cooling-off withdrawal flow: a subscriber who
// cancels within the statutory window is refunded what they paid less a
// charge for the generations they consumed.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmready/internal/billing"
	"llmready/internal/email"
	"llmready/internal/logging"
	"llmready/internal/metrics"
	"llmready/internal/models"
	"llmready/internal/plans"
	"llmready/internal/store"
)

const (
	WindowDays              = 14
	MinimumChargeCents      = 1000
	ExcessiveUsageThreshold = 10
	FallbackUnitCents       = 500
)

var (
	ErrNoSubscription       = errors.New("no subscription found")
	ErrFreePlan             = errors.New("you are on the free plan, nothing to cancel")
	ErrOutsideWindow        = errors.New("outside 14-day cooling-off period, use standard cancellation at period end")
	ErrUsageNotAcknowledged = errors.New("you must acknowledge that usage charges will be deducted from your refund")
	ErrPaymentInfo          = errors.New("could not retrieve payment information")
	ErrRefundFailed         = errors.New("refund failed")
)

// DaysSinceStart counts whole days since the subscription was created.
func DaysSinceStart(sub models.Subscription, now time.Time) int {
	if sub.CreatedAt.IsZero() {
		return 0
	}
	d := now.Sub(sub.CreatedAt)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// IsWithinWindow reports whether sub is still inside the cooling-off window.
func IsWithinWindow(sub models.Subscription, now time.Time) bool {
	if sub.CreatedAt.IsZero() {
		return false
	}
	return DaysSinceStart(sub, now) <= WindowDays
}

type UsageCharge struct {
	Generations    int
	PerUnitCents   int64
	RawCents       int64
	ChargeCents    int64
	MinimumApplied bool
	ExcessiveUsage bool
}

// CalculateUsageCharge prices count generations at the tier's per-unit rate
// for interval. The raw charge is price*count/quota rounded half up, so the
// per-unit rounding never compounds.
func CalculateUsageCharge(tierID, interval string, count int) UsageCharge {
	if count < 0 {
		count = 0
	}
	uc := UsageCharge{Generations: count, ExcessiveUsage: count > ExcessiveUsageThreshold}

	tier, ok := plans.Get(tierID)
	price, quota := int64(0), int64(0)
	if ok && tier.Paid() {
		price = tier.PriceCents(interval)
		quota = int64(tier.QuotaFor(interval))
	}
	if price > 0 && quota > 0 {
		uc.PerUnitCents = divRound(price, quota)
		uc.RawCents = divRound(price*int64(count), quota)
	} else {
		uc.PerUnitCents = FallbackUnitCents
		uc.RawCents = FallbackUnitCents * int64(count)
	}

	uc.ChargeCents = uc.RawCents
	if count > 0 && uc.ChargeCents < MinimumChargeCents {
		uc.ChargeCents = MinimumChargeCents
		uc.MinimumApplied = true
	}
	if count == 0 {
		uc.ChargeCents = 0
	}
	return uc
}

// ComputeRefund returns paid minus charge, never below zero.
func ComputeRefund(paidCents, chargeCents int64) int64 {
	if r := paidCents - chargeCents; r > 0 {
		return r
	}
	return 0
}

func divRound(n, d int64) int64 {
	return (2*n + d) / (2 * d)
}

type Calculation struct {
	Eligible         bool   `json:"eligible"`
	Reason           string `json:"reason,omitempty"`
	DaysSinceStart   int    `json:"days_since_start"`
	TotalPaidCents   int64  `json:"total_paid_cents"`
	Generations      int    `json:"generations_used"`
	PerUnitCents     int64  `json:"price_per_generation_cents"`
	UsageChargeCents int64  `json:"usage_charge_cents"`
	MinimumApplied   bool   `json:"minimum_applied"`
	RefundCents      int64  `json:"refund_amount_cents"`
	ExcessiveUsage   bool   `json:"is_excessive_usage"`
	BillingInterval  string `json:"billing_interval,omitempty"`
	Message          string `json:"message"`
}

type Result struct {
	Refunded         bool   `json:"refunded"`
	RefundID         string `json:"refund_id,omitempty"`
	RefundCents      int64  `json:"refund_amount_cents"`
	UsageChargeCents int64  `json:"usage_charge_cents"`
	Generations      int    `json:"generations_used"`
	Message          string `json:"message"`
}

// Service reads usage from the store and payments from the billing client.
type Service struct {
	store    store.Store
	billing  billing.Client
	notifier email.Notifier
	now      func() time.Time
}

func NewService(st store.Store, bc billing.Client, notifier email.Notifier) *Service {
	if notifier == nil {
		notifier = email.LogNotifier{}
	}
	return &Service{
		store:    st,
		billing:  bc,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type quote struct {
	Calculation
	invoice billing.Invoice
}

// CalculateRefund previews the cooling-off refund for userID without
// changing anything.
func (s *Service) CalculateRefund(ctx context.Context, userID int64) (Calculation, error) {
	var q quote
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		sub, err := refundable(ctx, tx, userID)
		if err != nil {
			return err
		}
		q, err = s.quote(ctx, tx, sub)
		return err
	})
	if err != nil {
		return Calculation{}, err
	}
	return q.Calculation, nil
}

// ProcessRefund refunds and downgrades userID's subscription in one
// transaction. A failed refund call leaves the subscription untouched.
func (s *Service) ProcessRefund(ctx context.Context, userID int64, reason string, acknowledged bool) (Result, error) {
	logger := logging.FromContext(ctx).With().Int64("user_id", userID).Logger()
	if reason == "" {
		reason = "cooling-off period"
	}

	var (
		res  Result
		user models.User
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		sub, err := refundable(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !IsWithinWindow(sub, s.now()) {
			return ErrOutsideWindow
		}
		if !acknowledged {
			return ErrUsageNotAcknowledged
		}
		q, err := s.quote(ctx, tx, sub)
		if err != nil {
			return err
		}
		if !q.Eligible {
			return ErrOutsideWindow
		}
		if user, err = tx.GetUser(ctx, userID); err != nil {
			return err
		}

		res = Result{
			RefundCents:      q.RefundCents,
			UsageChargeCents: q.UsageChargeCents,
			Generations:      q.Generations,
			Message:          "Subscription canceled. No refund due to service usage.",
		}
		if q.RefundCents > 0 {
			if q.invoice.ChargeID == "" {
				return fmt.Errorf("%w: %w on invoice %s", ErrRefundFailed, billing.ErrNoCharge, q.invoice.ID)
			}
			refund, err := s.billing.CreateRefund(ctx, billing.RefundRequest{
				ChargeID:    q.invoice.ChargeID,
				AmountCents: q.RefundCents,
				Metadata: map[string]string{
					"cooling_off_period": "true",
					"user_id":            fmt.Sprint(userID),
					"generations_used":   fmt.Sprint(q.Generations),
					"usage_charge_cents": fmt.Sprint(q.UsageChargeCents),
					"days_since_start":   fmt.Sprint(q.DaysSinceStart),
					"reason":             reason,
				},
				IdempotencyKey: fmt.Sprintf("cooling-off-%d-%s", userID, q.invoice.ChargeID),
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRefundFailed, err)
			}
			res.Refunded = true
			res.RefundID = refund.ID
			res.Message = q.Message
		}

		// The money has moved; a failed remote cancel must not strand the
		// user on a paid plan locally.
		if err := s.billing.CancelSubscription(ctx, sub.StripeSubscriptionRef()); err != nil && !billing.IsNotFound(err) {
			logger.Error().Err(err).Str("subscription", sub.StripeSubscriptionRef()).Msg("Stripe cancellation after refund failed")
		}
		plans.Downgrade(&sub, s.now())
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		if errors.Is(err, ErrRefundFailed) {
			metrics.RefundsTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Msg("Cooling-off refund failed")
		}
		return Result{}, err
	}

	metrics.Downgrades.WithLabelValues("cooling_off").Inc()
	if res.Refunded {
		metrics.RefundsTotal.WithLabelValues("refunded").Inc()
		metrics.RefundedCents.Add(float64(res.RefundCents))
	} else {
		metrics.RefundsTotal.WithLabelValues("no_refund").Inc()
	}
	logger.Info().
		Bool("refunded", res.Refunded).
		Int64("refund_cents", res.RefundCents).
		Int64("usage_charge_cents", res.UsageChargeCents).
		Int("generations", res.Generations).
		Msg("Cooling-off cancellation processed")

	if err := s.notifier.Notify(ctx, email.Notification{
		Kind:             email.KindRefundProcessed,
		UserID:           user.ID,
		To:               user.Email,
		Name:             user.FullName,
		AmountCents:      res.RefundCents,
		UsageChargeCents: res.UsageChargeCents,
		Generations:      res.Generations,
	}); err != nil {
		logger.Warn().Err(err).Msg("Refund notification failed")
	}
	return res, nil
}

func refundable(ctx context.Context, tx store.Tx, userID int64) (models.Subscription, error) {
	sub, err := tx.SubscriptionByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return sub, ErrNoSubscription
	}
	if err != nil {
		return sub, err
	}
	if sub.PlanTier == plans.Free || !sub.HasStripeSubscription() {
		return sub, ErrFreePlan
	}
	return sub, nil
}

func (s *Service) quote(ctx context.Context, tx store.Tx, sub models.Subscription) (quote, error) {
	now := s.now()
	q := quote{Calculation: Calculation{DaysSinceStart: DaysSinceStart(sub, now)}}
	if !IsWithinWindow(sub, now) {
		q.Reason = "outside_cooling_off_period"
		q.Message = "Cooling-off period ended. Standard cancellation policy applies."
		return q, nil
	}

	remote, err := s.billing.GetSubscription(ctx, sub.StripeSubscriptionRef())
	if err != nil {
		return q, fmt.Errorf("%w: %v", ErrPaymentInfo, err)
	}
	if remote.LatestInvoiceID == "" {
		return q, fmt.Errorf("%w: %w", ErrPaymentInfo, billing.ErrNoInvoice)
	}
	inv, err := s.billing.GetInvoice(ctx, remote.LatestInvoiceID)
	if err != nil {
		return q, fmt.Errorf("%w: %v", ErrPaymentInfo, err)
	}

	count, err := tx.CountCompletedGenerations(ctx, sub.UserID, sub.CreatedAt)
	if err != nil {
		return q, err
	}
	interval := remote.Interval
	if interval == "" {
		interval = sub.BillingInterval
	}
	usage := CalculateUsageCharge(sub.PlanTier, interval, count)

	q.invoice = inv
	q.Eligible = true
	q.TotalPaidCents = inv.AmountPaid
	q.Generations = count
	q.PerUnitCents = usage.PerUnitCents
	q.UsageChargeCents = usage.ChargeCents
	q.MinimumApplied = usage.MinimumApplied
	q.ExcessiveUsage = usage.ExcessiveUsage
	q.BillingInterval = interval
	q.RefundCents = ComputeRefund(inv.AmountPaid, usage.ChargeCents)
	q.Message = message(q.Calculation)
	return q, nil
}

func message(c Calculation) string {
	paid := email.FormatEuros(c.TotalPaidCents)
	switch {
	case c.Generations == 0:
		return fmt.Sprintf("Full refund of %s (no service usage).", paid)
	case c.ExcessiveUsage:
		return fmt.Sprintf("Refund of %s from %s paid. Usage charge of %s for %d generations (exceeds reasonable testing limit of %d).",
			email.FormatEuros(c.RefundCents), paid, email.FormatEuros(c.UsageChargeCents), c.Generations, ExcessiveUsageThreshold)
	default:
		return fmt.Sprintf("Refund of %s from %s paid. Usage charge of %s for %d generation(s) created.",
			email.FormatEuros(c.RefundCents), paid, email.FormatEuros(c.UsageChargeCents), c.Generations)
	}
}
