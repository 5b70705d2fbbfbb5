package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"llmready/internal/billing"
	"llmready/internal/email"
	"llmready/internal/logging"
	"llmready/internal/models"
	"llmready/internal/plans"
	"llmready/internal/store"
)

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func strPtr(s string) *string {
	return &s
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, tx store.Tx, p billing.CheckoutCompleted, fx *effects) error {
	tier, ok := plans.Get(p.PlanTier)
	if !ok || !tier.Paid() {
		return fmt.Errorf("checkout %s: %w: %q", p.SessionID, plans.ErrUnknownPlan, p.PlanTier)
	}
	if _, err := tx.GetUser(ctx, p.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("checkout %s: %w: %d", p.SessionID, ErrUserNotFound, p.UserID)
		}
		return err
	}

	remote, err := r.billing.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return err
	}
	interval := p.BillingInterval
	if ref, ok := r.catalog.Resolve(remote.PriceID); ok {
		tier = plans.MustGet(ref.Tier)
		interval = ref.Interval
	} else if remote.Interval != "" && interval == "" {
		interval = remote.Interval
	}

	sub, err := tx.SubscriptionByUser(ctx, p.UserID)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return err
	}
	if isNew {
		sub = plans.NewFreeSubscription(p.UserID)
	}

	now := r.now()
	status := billing.NormalizeStatus(remote.Status)
	if status == "" {
		status = models.SubscriptionActive
	}
	sub.StripeCustomerID = p.CustomerID
	sub.StripeSubscriptionID = strPtr(p.SubscriptionID)
	sub.StripePriceID = remote.PriceID
	sub.SetStatus(status, now)
	if start := unixPtr(remote.CurrentPeriodStart); start != nil {
		sub.CurrentPeriodStart = start
	}
	if end := unixPtr(remote.CurrentPeriodEnd); end != nil {
		sub.CurrentPeriodEnd = end
	}
	sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	sub.CanceledAt = nil
	sub.UpdatedAt = now
	plans.Apply(&sub, tier.ID, interval)
	if status == models.SubscriptionCanceled {
		plans.Downgrade(&sub, now)
	}

	if isNew {
		_, err = tx.InsertSubscription(ctx, sub)
		return err
	}
	return tx.UpdateSubscription(ctx, sub)
}

// lookup finds the subscription a provider event refers to: by subscription
// ref first, then by customer ref. A customer match that is linked to a
// different live subscription is only returned when relink is set.
func lookup(ctx context.Context, tx store.Tx, subscriptionID, customerID string, relink bool) (models.Subscription, error) {
	sub, err := tx.SubscriptionByStripeID(ctx, subscriptionID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return sub, err
	}
	sub, err = tx.SubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return sub, err
	}
	if sub.HasStripeSubscription() && sub.StripeSubscriptionRef() != subscriptionID && !relink {
		return models.Subscription{}, store.ErrNotFound
	}
	return sub, nil
}

// ownerFromCustomer resolves the local user from the user_id stored in the
// Stripe customer's metadata.
func (r *Reconciler) ownerFromCustomer(ctx context.Context, tx store.Tx, customerID string) (models.User, error) {
	if customerID == "" {
		return models.User{}, ErrSubscriptionNotFound
	}
	cus, err := r.billing.GetCustomer(ctx, customerID)
	if err != nil {
		return models.User{}, err
	}
	userID, err := strconv.ParseInt(cus.Metadata["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		return models.User{}, fmt.Errorf("%w: customer %s has no user_id metadata", ErrSubscriptionNotFound, customerID)
	}
	user, err := tx.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, fmt.Errorf("%w: %d from customer %s", ErrUserNotFound, userID, customerID)
	}
	return user, err
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, tx store.Tx, p billing.SubscriptionChanged, fx *effects) error {
	status := billing.NormalizeStatus(p.Status)
	terminal := status == models.SubscriptionCanceled

	sub, err := lookup(ctx, tx, p.SubscriptionID, p.CustomerID, !terminal)
	isNew := false
	if errors.Is(err, store.ErrNotFound) {
		if terminal {
			return nil
		}
		user, uerr := r.ownerFromCustomer(ctx, tx, p.CustomerID)
		if uerr != nil {
			return fmt.Errorf("subscription %s: %w", p.SubscriptionID, uerr)
		}
		sub, err = tx.SubscriptionByUser(ctx, user.ID)
		if errors.Is(err, store.ErrNotFound) {
			sub, err, isNew = plans.NewFreeSubscription(user.ID), nil, true
		}
	}
	if err != nil {
		return err
	}

	now := r.now()
	if terminal {
		if plans.IsDowngraded(sub) {
			return nil
		}
		plans.Downgrade(&sub, now)
		fx.downgrades = append(fx.downgrades, "subscription_canceled")
		r.notify(ctx, tx, fx, sub.UserID, email.Notification{Kind: email.KindSubscriptionCanceled})
		return tx.UpdateSubscription(ctx, sub)
	}

	sub.StripeSubscriptionID = strPtr(p.SubscriptionID)
	if p.CustomerID != "" {
		sub.StripeCustomerID = p.CustomerID
	}
	if status != "" {
		sub.SetStatus(status, now)
	}
	if start := unixPtr(p.CurrentPeriodStart); start != nil {
		sub.CurrentPeriodStart = start
	}
	if end := unixPtr(p.CurrentPeriodEnd); end != nil {
		sub.CurrentPeriodEnd = end
	}
	sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
	sub.CanceledAt = nil
	sub.UpdatedAt = now

	if ref, ok := r.catalog.Resolve(p.PriceID); ok {
		if ref.Tier != sub.PlanTier || ref.Interval != sub.BillingInterval {
			logging.FromContext(ctx).Info().
				Int64("user_id", sub.UserID).
				Str("from", sub.PlanTier).
				Str("to", ref.Tier).
				Bool("upgrade", plans.IsUpgrade(sub.PlanTier, ref.Tier)).
				Msg("Plan changed")
			fx.planChanges = append(fx.planChanges, planDirection(sub.PlanTier, ref.Tier))
			plans.Apply(&sub, ref.Tier, ref.Interval)
		}
		sub.StripePriceID = p.PriceID
	}
	plans.CapUsage(&sub)

	if isNew {
		_, err = tx.InsertSubscription(ctx, sub)
		return err
	}
	return tx.UpdateSubscription(ctx, sub)
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, tx store.Tx, p billing.SubscriptionDeleted, fx *effects) error {
	sub, err := lookup(ctx, tx, p.SubscriptionID, p.CustomerID, false)
	if errors.Is(err, store.ErrNotFound) {
		logging.FromContext(ctx).Info().Str("subscription", p.SubscriptionID).Msg("Deleted subscription has no local record")
		return nil
	}
	if err != nil {
		return err
	}
	if plans.IsDowngraded(sub) {
		return nil
	}
	plans.Downgrade(&sub, r.now())
	fx.downgrades = append(fx.downgrades, "subscription_deleted")
	r.notify(ctx, tx, fx, sub.UserID, email.Notification{Kind: email.KindSubscriptionCanceled})
	return tx.UpdateSubscription(ctx, sub)
}

func (r *Reconciler) paymentFailed(ctx context.Context, tx store.Tx, p billing.PaymentFailed, fx *effects) error {
	sub, err := lookup(ctx, tx, p.SubscriptionID, p.CustomerID, false)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("invoice %s: %w: %s", p.InvoiceID, ErrSubscriptionNotFound, p.SubscriptionID)
	}
	if err != nil {
		return err
	}
	if sub.Status == models.SubscriptionCanceled {
		return nil
	}
	if sub.Status != models.SubscriptionPastDue {
		now := r.now()
		sub.SetStatus(models.SubscriptionPastDue, now)
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
	}
	r.notify(ctx, tx, fx, sub.UserID, email.Notification{Kind: email.KindPaymentFailed, AmountCents: p.AmountDue})
	return nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, tx store.Tx, p billing.PaymentSucceeded, fx *effects) error {
	if p.SubscriptionID == "" {
		fx.ignored = true
		return nil
	}
	sub, err := lookup(ctx, tx, p.SubscriptionID, p.CustomerID, false)
	if errors.Is(err, store.ErrNotFound) {
		logging.FromContext(ctx).Info().Str("subscription", p.SubscriptionID).Msg("Paid invoice has no linked subscription yet")
		fx.ignored = true
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status == models.SubscriptionCanceled || sub.Status == models.SubscriptionActive {
		return nil
	}
	now := r.now()
	sub.SetStatus(models.SubscriptionActive, now)
	sub.UpdatedAt = now
	return tx.UpdateSubscription(ctx, sub)
}

func (r *Reconciler) paymentActionRequired(ctx context.Context, tx store.Tx, p billing.PaymentActionRequired, fx *effects) error {
	if p.SubscriptionID == "" {
		fx.ignored = true
		return nil
	}
	sub, err := lookup(ctx, tx, p.SubscriptionID, p.CustomerID, false)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("invoice %s: %w: %s", p.InvoiceID, ErrSubscriptionNotFound, p.SubscriptionID)
	}
	if err != nil {
		return err
	}
	if sub.Status == models.SubscriptionCanceled {
		return nil
	}
	now := r.now()
	sub.SetStatus(models.SubscriptionIncomplete, now)
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	r.notify(ctx, tx, fx, sub.UserID, email.Notification{Kind: email.KindPaymentActionRequired, ActionURL: p.HostedInvoiceURL})
	return nil
}

func (r *Reconciler) chargeDisputed(ctx context.Context, tx store.Tx, p billing.ChargeDisputed, fx *effects) error {
	charge, err := r.billing.GetCharge(ctx, p.ChargeID)
	if err != nil {
		return err
	}
	sub, err := tx.SubscriptionByCustomer(ctx, charge.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("dispute %s: %w for customer %q", p.DisputeID, ErrSubscriptionNotFound, charge.CustomerID)
	}
	if err != nil {
		return err
	}
	return r.forceDowngrade(ctx, tx, sub, "dispute", fx)
}

func (r *Reconciler) chargeRefunded(ctx context.Context, tx store.Tx, p billing.ChargeRefunded, fx *effects) error {
	if !p.Full() {
		logging.FromContext(ctx).Info().
			Str("charge", p.ChargeID).
			Int64("amount_refunded", p.AmountRefunded).
			Msg("Partial refund leaves subscription unchanged")
		return nil
	}
	customerID := p.CustomerID
	if customerID == "" {
		charge, err := r.billing.GetCharge(ctx, p.ChargeID)
		if err != nil {
			return err
		}
		customerID = charge.CustomerID
	}
	sub, err := tx.SubscriptionByCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("charge %s: %w for customer %q", p.ChargeID, ErrSubscriptionNotFound, customerID)
	}
	if err != nil {
		return err
	}
	return r.forceDowngrade(ctx, tx, sub, "full_refund", fx)
}

// forceDowngrade cancels immediately with no grace period. The provider
// subscription is canceled after commit.
func (r *Reconciler) forceDowngrade(ctx context.Context, tx store.Tx, sub models.Subscription, cause string, fx *effects) error {
	if plans.IsDowngraded(sub) {
		return nil
	}
	if sub.HasStripeSubscription() {
		fx.cancel = append(fx.cancel, sub.StripeSubscriptionRef())
	}
	plans.Downgrade(&sub, r.now())
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	fx.downgrades = append(fx.downgrades, cause)
	r.notify(ctx, tx, fx, sub.UserID, email.Notification{Kind: email.KindChargebackDowngrade})
	return nil
}

func (r *Reconciler) customerDeleted(ctx context.Context, tx store.Tx, p billing.CustomerDeleted, fx *effects) error {
	sub, err := tx.SubscriptionByCustomer(ctx, p.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		fx.ignored = true
		return nil
	}
	if err != nil {
		return err
	}
	wasDowngraded := plans.IsDowngraded(sub)
	plans.Downgrade(&sub, r.now())
	sub.StripeCustomerID = ""
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if !wasDowngraded {
		fx.downgrades = append(fx.downgrades, "customer_deleted")
		r.notify(ctx, tx, fx, sub.UserID, email.Notification{Kind: email.KindSubscriptionCanceled})
	}
	return nil
}

func planDirection(from, to string) string {
	switch {
	case plans.IsUpgrade(from, to):
		return "upgrade"
	case plans.IsUpgrade(to, from):
		return "downgrade"
	}
	return "interval"
}
