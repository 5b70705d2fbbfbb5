package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"llmready/internal/billing"
	"llmready/internal/billing/billingtest"
	"llmready/internal/email"
	"llmready/internal/metrics"
	"llmready/internal/models"
	"llmready/internal/plans"
	"llmready/internal/services"
	"llmready/internal/store/storetest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []email.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg email.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) kinds() []email.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]email.Kind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

type fixture struct {
	store    *storetest.Memory
	stripe   *billingtest.Fake
	notifier *recordingNotifier
	r        *Reconciler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storetest.NewMemory(),
		stripe:   billingtest.NewFake(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	catalog := plans.NewCatalog(plans.PriceIDs{
		StarterMonthly:  "price_starter_m",
		StandardMonthly: "price_standard_m",
		StandardYearly:  "price_standard_y",
		ProMonthly:      "price_pro_m",
		ProYearly:       "price_pro_y",
	})
	f.r = New(f.store, f.stripe, catalog, f.notifier)
	f.r.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) user(email string) models.User {
	return f.store.AddUser(models.User{Email: email, FullName: "Test User", Status: models.UserStatusActive, Role: models.UserRoleUser})
}

func (f *fixture) paidSub(userID int64, tier string, used int, subRef, customer string) models.Subscription {
	sub := plans.NewFreeSubscription(userID)
	plans.Apply(&sub, tier, plans.Monthly)
	sub.GenerationsUsed = used
	sub.StripeCustomerID = customer
	if subRef != "" {
		sub.StripeSubscriptionID = &subRef
	}
	sub.CreatedAt = f.now.Add(-48 * time.Hour)
	sub.UpdatedAt = sub.CreatedAt
	return f.store.PutSubscription(sub)
}

func (f *fixture) sub(t *testing.T, userID int64) models.Subscription {
	t.Helper()
	sub, ok := f.store.Subscription(userID)
	require.True(t, ok)
	return sub
}

func (f *fixture) handle(t *testing.T, evt billing.Event) Outcome {
	t.Helper()
	out, err := f.r.Handle(context.Background(), evt)
	require.NoError(t, err)
	return out
}

func event(id, typ string, created int64, payload billing.Payload) billing.Event {
	return billing.Event{ID: id, Type: typ, Created: created, Payload: payload}
}

func updated(subRef, customer, status, price string) billing.SubscriptionChanged {
	return billing.SubscriptionChanged{
		SubscriptionID:     subRef,
		CustomerID:         customer,
		Status:             status,
		PriceID:            price,
		CurrentPeriodStart: 1772000000,
		CurrentPeriodEnd:   1774600000,
	}
}

func TestDowngradeCapsUsageAtNewLimit(t *testing.T) {
	f := newFixture(t)
	u := f.user("pro@example.com")
	f.paidSub(u.ID, plans.Pro, 15, "sub_1", "cus_1")
	before := testutil.ToFloat64(metrics.PlanChanges.WithLabelValues("downgrade"))

	out := f.handle(t, event("evt_1", billing.EventSubscriptionUpdated, 1000,
		updated("sub_1", "cus_1", "active", "price_standard_m")))
	require.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PlanChanges.WithLabelValues("downgrade")))

	sub := f.sub(t, u.ID)
	assert.Equal(t, plans.Standard, sub.PlanTier)
	assert.Equal(t, 10, sub.GenerationsLimit)
	assert.Equal(t, 10, sub.GenerationsUsed)
	assert.Equal(t, 5, sub.WebsitesLimit)
	assert.Equal(t, "price_standard_m", sub.StripePriceID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1774600000), sub.CurrentPeriodEnd.Unix())
}

func TestUpgradeKeepsUsage(t *testing.T) {
	f := newFixture(t)
	u := f.user("std@example.com")
	f.paidSub(u.ID, plans.Standard, 7, "sub_1", "cus_1")
	before := testutil.ToFloat64(metrics.PlanChanges.WithLabelValues("upgrade"))

	f.handle(t, event("evt_1", billing.EventSubscriptionUpdated, 1000,
		updated("sub_1", "cus_1", "active", "price_pro_y")))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PlanChanges.WithLabelValues("upgrade")))

	sub := f.sub(t, u.ID)
	assert.Equal(t, plans.Pro, sub.PlanTier)
	assert.Equal(t, plans.Yearly, sub.BillingInterval)
	assert.Equal(t, 25, sub.GenerationsLimit)
	assert.Equal(t, 7, sub.GenerationsUsed)
}

func TestPlanDirection(t *testing.T) {
	assert.Equal(t, "upgrade", planDirection(plans.Starter, plans.Pro))
	assert.Equal(t, "downgrade", planDirection(plans.Pro, plans.Standard))
	assert.Equal(t, "interval", planDirection(plans.Standard, plans.Standard))
}

func TestQuotaCapHoldsAcrossTransitions(t *testing.T) {
	prices := []string{"price_starter_m", "price_standard_m", "price_standard_y", "price_pro_m", "price_unknown"}
	for _, from := range []string{plans.Starter, plans.Standard, plans.Pro} {
		for _, price := range prices {
			for used := 0; used <= 30; used += 5 {
				f := newFixture(t)
				u := f.user("cap@example.com")
				f.paidSub(u.ID, from, used, "sub_1", "cus_1")
				f.handle(t, event("evt_cap", billing.EventSubscriptionUpdated, 1,
					updated("sub_1", "cus_1", "active", price)))
				sub := f.sub(t, u.ID)
				assert.LessOrEqual(t, sub.GenerationsUsed, sub.GenerationsLimit, "%s -> %s used=%d", from, price, used)
			}
		}
	}
}

func TestRedeliveredEventIsDuplicate(t *testing.T) {
	f := newFixture(t)
	u := f.user("dup@example.com")
	f.paidSub(u.ID, plans.Standard, 2, "sub_1", "cus_1")

	change := updated("sub_1", "cus_1", "active", "price_standard_m")
	change.CancelAtPeriodEnd = true
	evtA := event("evt_A", billing.EventSubscriptionUpdated, 1000, change)

	require.Equal(t, OutcomeProcessed, f.handle(t, evtA))
	sub := f.sub(t, u.ID)
	require.True(t, sub.CancelAtPeriodEnd)

	sub.CancelAtPeriodEnd = false
	f.store.PutSubscription(sub)

	assert.Equal(t, OutcomeDuplicate, f.handle(t, evtA))
	assert.False(t, f.sub(t, u.ID).CancelAtPeriodEnd)
	assert.Len(t, f.store.Events(), 1)
}

func TestStaleEventDoesNotOverrideNewerState(t *testing.T) {
	f := newFixture(t)
	u := f.user("order@example.com")
	f.paidSub(u.ID, plans.Standard, 0, "sub_1", "cus_1")

	require.Equal(t, OutcomeProcessed, f.handle(t, event("evt_A", billing.EventSubscriptionUpdated, 1000,
		updated("sub_1", "cus_1", "past_due", "price_standard_m"))))
	require.Equal(t, OutcomeProcessed, f.handle(t, event("evt_B", billing.EventSubscriptionUpdated, 2000,
		updated("sub_1", "cus_1", "active", "price_standard_m"))))

	out := f.handle(t, event("evt_C", billing.EventSubscriptionUpdated, 1500,
		updated("sub_1", "cus_1", "past_due", "price_standard_m")))
	assert.Equal(t, OutcomeStale, out)
	assert.Equal(t, models.SubscriptionActive, f.sub(t, u.ID).Status)

	logged, ok := f.store.Event("evt_C")
	require.True(t, ok)
	assert.Equal(t, models.EventStatusProcessed, logged.Status)

	assert.Equal(t, OutcomeDuplicate, f.handle(t, event("evt_C", billing.EventSubscriptionUpdated, 1500,
		updated("sub_1", "cus_1", "past_due", "price_standard_m"))))
}

func TestUnknownPriceKeepsTier(t *testing.T) {
	f := newFixture(t)
	u := f.user("keep@example.com")
	f.paidSub(u.ID, plans.Standard, 3, "sub_1", "cus_1")

	f.handle(t, event("evt_1", billing.EventSubscriptionUpdated, 1,
		updated("sub_1", "cus_1", "trialing", "price_other")))

	sub := f.sub(t, u.ID)
	assert.Equal(t, plans.Standard, sub.PlanTier)
	assert.Equal(t, models.SubscriptionTrialing, sub.Status)
	assert.Equal(t, 10, sub.GenerationsLimit)
}

func TestSubscriptionFallsBackToCustomerRef(t *testing.T) {
	f := newFixture(t)
	u := f.user("link@example.com")
	f.paidSub(u.ID, plans.Free, 0, "", "cus_1")

	out := f.handle(t, event("evt_1", billing.EventSubscriptionCreated, 1,
		updated("sub_new", "cus_1", "active", "price_starter_m")))
	require.Equal(t, OutcomeProcessed, out)

	sub := f.sub(t, u.ID)
	assert.Equal(t, "sub_new", sub.StripeSubscriptionRef())
	assert.Equal(t, plans.Starter, sub.PlanTier)
	assert.Equal(t, 3, sub.GenerationsLimit)
}

func TestSubscriptionFallsBackToCustomerMetadata(t *testing.T) {
	f := newFixture(t)
	u := f.user("meta@example.com")
	f.store.PutSubscription(plans.NewFreeSubscription(u.ID))
	f.stripe.Customers["cus_9"] = billing.Customer{ID: "cus_9", Metadata: map[string]string{"user_id": strconv.FormatInt(u.ID, 10)}}

	out := f.handle(t, event("evt_1", billing.EventSubscriptionCreated, 1,
		updated("sub_9", "cus_9", "active", "price_pro_m")))
	require.Equal(t, OutcomeProcessed, out)

	sub := f.sub(t, u.ID)
	assert.Equal(t, "cus_9", sub.StripeCustomerID)
	assert.Equal(t, "sub_9", sub.StripeSubscriptionRef())
	assert.Equal(t, plans.Pro, sub.PlanTier)
}

func TestSubscriptionCreatedForUserWithoutRecord(t *testing.T) {
	f := newFixture(t)
	u := f.user("norecord@example.com")
	f.stripe.Customers["cus_9"] = billing.Customer{ID: "cus_9", Metadata: map[string]string{"user_id": strconv.FormatInt(u.ID, 10)}}

	out := f.handle(t, event("evt_1", billing.EventSubscriptionCreated, 1,
		updated("sub_9", "cus_9", "active", "price_standard_m")))
	require.Equal(t, OutcomeProcessed, out)

	sub := f.sub(t, u.ID)
	assert.Equal(t, plans.Standard, sub.PlanTier)
	assert.Zero(t, sub.GenerationsUsed)
}

func TestUnresolvableSubscriptionIsRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	f.stripe.Customers["cus_x"] = billing.Customer{ID: "cus_x"}

	out := f.handle(t, event("evt_1", billing.EventSubscriptionUpdated, 1,
		updated("sub_x", "cus_x", "active", "price_pro_m")))
	assert.Equal(t, OutcomeFailed, out)

	logged, ok := f.store.Event("evt_1")
	require.True(t, ok)
	assert.Equal(t, models.EventStatusFailed, logged.Status)
	assert.Contains(t, logged.ErrorDetail, "user_id")

	// a retry of a failed event is not reapplied
	assert.Equal(t, OutcomeDuplicate, f.handle(t, event("evt_1", billing.EventSubscriptionUpdated, 1,
		updated("sub_x", "cus_x", "active", "price_pro_m"))))
}

func TestCanceledStatusDowngrades(t *testing.T) {
	f := newFixture(t)
	u := f.user("cancel@example.com")
	f.paidSub(u.ID, plans.Pro, 4, "sub_1", "cus_1")

	f.handle(t, event("evt_1", billing.EventSubscriptionUpdated, 1,
		updated("sub_1", "cus_1", "canceled", "price_pro_m")))

	sub := f.sub(t, u.ID)
	assert.True(t, plans.IsDowngraded(sub))
	assert.Equal(t, []email.Kind{email.KindSubscriptionCanceled}, f.notifier.kinds())
}

func TestCheckoutCompletedActivatesPlan(t *testing.T) {
	f := newFixture(t)
	u := f.user("buyer@example.com")
	f.store.PutSubscription(plans.NewFreeSubscription(u.ID))
	f.stripe.Subscriptions["sub_1"] = billing.Subscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_standard_y",
		Interval: plans.Yearly, CurrentPeriodStart: 1772000000, CurrentPeriodEnd: 1803536000,
	}

	out := f.handle(t, event("evt_1", billing.EventCheckoutCompleted, 1, billing.CheckoutCompleted{
		SessionID: "cs_1", CustomerID: "cus_1", SubscriptionID: "sub_1", UserID: u.ID,
		PlanTier: plans.Standard, BillingInterval: plans.Yearly,
	}))
	require.Equal(t, OutcomeProcessed, out)

	sub := f.sub(t, u.ID)
	assert.Equal(t, plans.Standard, sub.PlanTier)
	assert.Equal(t, plans.Yearly, sub.BillingInterval)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionRef())
	assert.Equal(t, 10, sub.GenerationsLimit)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.Equal(t, int64(1772000000), sub.CurrentPeriodStart.Unix())
}

func TestCheckoutCompletedCreatesMissingRecord(t *testing.T) {
	f := newFixture(t)
	u := f.user("fresh@example.com")
	f.stripe.Subscriptions["sub_1"] = billing.Subscription{ID: "sub_1", Status: "trialing", PriceID: "price_pro_m"}

	f.handle(t, event("evt_1", billing.EventCheckoutCompleted, 1, billing.CheckoutCompleted{
		SessionID: "cs_1", CustomerID: "cus_1", SubscriptionID: "sub_1", UserID: u.ID, PlanTier: plans.Pro,
	}))

	sub := f.sub(t, u.ID)
	assert.Equal(t, plans.Pro, sub.PlanTier)
	assert.Equal(t, models.SubscriptionTrialing, sub.Status)
	assert.Equal(t, 25, sub.GenerationsLimit)
	assert.Zero(t, sub.GenerationsUsed)
}

func TestCheckoutFailures(t *testing.T) {
	f := newFixture(t)
	u := f.user("fail@example.com")

	out := f.handle(t, event("evt_1", billing.EventCheckoutCompleted, 1, billing.CheckoutCompleted{
		SessionID: "cs_1", CustomerID: "cus_1", SubscriptionID: "sub_1", UserID: u.ID + 100, PlanTier: plans.Pro,
	}))
	assert.Equal(t, OutcomeFailed, out)

	out = f.handle(t, event("evt_2", billing.EventCheckoutCompleted, 1, billing.CheckoutCompleted{
		SessionID: "cs_2", CustomerID: "cus_1", SubscriptionID: "sub_1", UserID: u.ID, PlanTier: "platinum",
	}))
	assert.Equal(t, OutcomeFailed, out)

	// provider lookup failure rolls back and records the error
	f.stripe.GetErr = errors.New("stripe unavailable")
	out = f.handle(t, event("evt_3", billing.EventCheckoutCompleted, 1, billing.CheckoutCompleted{
		SessionID: "cs_3", CustomerID: "cus_1", SubscriptionID: "sub_1", UserID: u.ID, PlanTier: plans.Pro,
	}))
	assert.Equal(t, OutcomeFailed, out)
	logged, _ := f.store.Event("evt_3")
	assert.Contains(t, logged.ErrorDetail, "stripe unavailable")
	_, ok := f.store.Subscription(u.ID)
	assert.False(t, ok)
}

func TestSubscriptionDeletedDowngrades(t *testing.T) {
	f := newFixture(t)
	u := f.user("del@example.com")
	f.paidSub(u.ID, plans.Standard, 8, "sub_1", "cus_1")

	out := f.handle(t, event("evt_1", billing.EventSubscriptionDeleted, 1,
		billing.SubscriptionDeleted{SubscriptionID: "sub_1", CustomerID: "cus_1"}))
	require.Equal(t, OutcomeProcessed, out)

	sub := f.sub(t, u.ID)
	assert.Equal(t, plans.Free, sub.PlanTier)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	assert.Nil(t, sub.StripeSubscriptionID)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, 1, sub.GenerationsLimit)
	assert.Equal(t, 1, sub.GenerationsUsed)
	assert.Equal(t, []email.Kind{email.KindSubscriptionCanceled}, f.notifier.kinds())
}

func TestDeletedOldSubscriptionDoesNotTouchNewOne(t *testing.T) {
	f := newFixture(t)
	u := f.user("switch@example.com")
	f.paidSub(u.ID, plans.Pro, 0, "sub_new", "cus_1")

	out := f.handle(t, event("evt_1", billing.EventSubscriptionDeleted, 1,
		billing.SubscriptionDeleted{SubscriptionID: "sub_old", CustomerID: "cus_1"}))
	assert.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, plans.Pro, f.sub(t, u.ID).PlanTier)
	assert.Empty(t, f.notifier.kinds())
}

func TestPaymentFailedStartsGracePeriodOnce(t *testing.T) {
	f := newFixture(t)
	u := f.user("late@example.com")
	f.paidSub(u.ID, plans.Standard, 3, "sub_1", "cus_1")
	failedAt := f.now

	f.handle(t, event("evt_1", billing.EventPaymentFailed, 1,
		billing.PaymentFailed{InvoiceID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1", AmountDue: 3900}))
	sub := f.sub(t, u.ID)
	assert.Equal(t, models.SubscriptionPastDue, sub.Status)
	require.NotNil(t, sub.PastDueSince)
	assert.Equal(t, failedAt, *sub.PastDueSince)
	assert.Equal(t, 10, sub.GenerationsLimit)

	f.now = f.now.Add(24 * time.Hour)
	f.handle(t, event("evt_2", billing.EventPaymentFailed, 2,
		billing.PaymentFailed{InvoiceID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1", AmountDue: 3900}))
	sub = f.sub(t, u.ID)
	require.NotNil(t, sub.PastDueSince)
	assert.Equal(t, failedAt, *sub.PastDueSince)
	assert.Equal(t, []email.Kind{email.KindPaymentFailed, email.KindPaymentFailed}, f.notifier.kinds())
}

func TestSubscriptionUpdatedKeepsGraceAnchor(t *testing.T) {
	f := newFixture(t)
	u := f.user("dunning@example.com")
	sub := f.paidSub(u.ID, plans.Standard, 3, "sub_1", "cus_1")
	failedAt := f.now.Add(-5 * 24 * time.Hour)
	sub.SetStatus(models.SubscriptionPastDue, failedAt)
	sub.UpdatedAt = failedAt
	f.store.PutSubscription(sub)

	// Stripe keeps sending past_due updates while it retries the invoice.
	for i, ref := range []string{"evt_1", "evt_2"} {
		f.now = f.now.Add(time.Hour)
		out := f.handle(t, event(ref, billing.EventSubscriptionUpdated, int64(i+1),
			updated("sub_1", "cus_1", "past_due", "price_standard_m")))
		require.Equal(t, OutcomeProcessed, out)
	}

	sub = f.sub(t, u.ID)
	assert.Equal(t, models.SubscriptionPastDue, sub.Status)
	require.NotNil(t, sub.PastDueSince)
	assert.Equal(t, failedAt, *sub.PastDueSince)
	assert.Equal(t, f.now, sub.UpdatedAt)

	d := services.EvaluateQuota(sub, f.now, 3)
	assert.False(t, d.Allowed)
	assert.Equal(t, "payment overdue", d.Reason)
}

func TestPaymentFailedForUnknownSubscriptionFails(t *testing.T) {
	f := newFixture(t)
	out := f.handle(t, event("evt_1", billing.EventPaymentFailed, 1,
		billing.PaymentFailed{InvoiceID: "in_1", SubscriptionID: "sub_missing"}))
	assert.Equal(t, OutcomeFailed, out)
}

func TestPaymentSucceededRecovers(t *testing.T) {
	f := newFixture(t)
	u := f.user("recover@example.com")
	sub := f.paidSub(u.ID, plans.Standard, 3, "sub_1", "cus_1")
	sub.SetStatus(models.SubscriptionPastDue, f.now.Add(-time.Hour))
	f.store.PutSubscription(sub)

	out := f.handle(t, event("evt_1", billing.EventInvoicePaid, 1,
		billing.PaymentSucceeded{InvoiceID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1", AmountPaid: 3900}))
	require.Equal(t, OutcomeProcessed, out)
	sub = f.sub(t, u.ID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Nil(t, sub.PastDueSince)

	out = f.handle(t, event("evt_2", billing.EventPaymentSucceeded, 2,
		billing.PaymentSucceeded{InvoiceID: "in_2", CustomerID: "cus_1"}))
	assert.Equal(t, OutcomeIgnored, out)
}

func TestPaymentSucceededDoesNotReviveCanceled(t *testing.T) {
	f := newFixture(t)
	u := f.user("gone@example.com")
	sub := f.paidSub(u.ID, plans.Free, 0, "", "cus_1")
	sub.Status = models.SubscriptionCanceled
	f.store.PutSubscription(sub)

	f.handle(t, event("evt_1", billing.EventInvoicePaid, 1,
		billing.PaymentSucceeded{InvoiceID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1"}))
	assert.Equal(t, models.SubscriptionCanceled, f.sub(t, u.ID).Status)
}

func TestPaymentActionRequiredMarksIncomplete(t *testing.T) {
	f := newFixture(t)
	u := f.user("sca@example.com")
	f.paidSub(u.ID, plans.Starter, 0, "sub_1", "cus_1")

	f.handle(t, event("evt_1", billing.EventPaymentActionRequired, 1,
		billing.PaymentActionRequired{InvoiceID: "in_1", SubscriptionID: "sub_1", HostedInvoiceURL: "https://pay/in_1"}))

	assert.Equal(t, models.SubscriptionIncomplete, f.sub(t, u.ID).Status)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "https://pay/in_1", f.notifier.sent[0].ActionURL)
	assert.Equal(t, "sca@example.com", f.notifier.sent[0].To)
}

func TestDisputeDowngradesImmediately(t *testing.T) {
	f := newFixture(t)
	u := f.user("fraud@example.com")
	f.paidSub(u.ID, plans.Pro, 12, "sub_1", "cus_1")
	f.stripe.Charges["ch_1"] = billing.Charge{ID: "ch_1", CustomerID: "cus_1", Amount: 7900}

	out := f.handle(t, event("evt_1", billing.EventChargeDisputeCreated, 1,
		billing.ChargeDisputed{DisputeID: "dp_1", ChargeID: "ch_1", Amount: 7900}))
	require.Equal(t, OutcomeProcessed, out)

	sub := f.sub(t, u.ID)
	assert.True(t, plans.IsDowngraded(sub))
	assert.Equal(t, []string{"sub_1"}, f.stripe.CanceledIDs())
	assert.Equal(t, []email.Kind{email.KindChargebackDowngrade}, f.notifier.kinds())
}

func TestDisputeWithoutLocalCustomerFails(t *testing.T) {
	f := newFixture(t)
	f.stripe.Charges["ch_1"] = billing.Charge{ID: "ch_1", CustomerID: "cus_unknown"}

	out := f.handle(t, event("evt_1", billing.EventChargeDisputeCreated, 1,
		billing.ChargeDisputed{DisputeID: "dp_1", ChargeID: "ch_1"}))
	assert.Equal(t, OutcomeFailed, out)
}

func TestFullRefundDowngradesPartialDoesNot(t *testing.T) {
	f := newFixture(t)
	u := f.user("refund@example.com")
	f.paidSub(u.ID, plans.Standard, 2, "sub_1", "cus_1")

	out := f.handle(t, event("evt_1", billing.EventChargeRefunded, 1,
		billing.ChargeRefunded{ChargeID: "ch_1", CustomerID: "cus_1", Amount: 3900, AmountRefunded: 1000}))
	require.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, plans.Standard, f.sub(t, u.ID).PlanTier)

	out = f.handle(t, event("evt_2", billing.EventChargeRefunded, 2,
		billing.ChargeRefunded{ChargeID: "ch_1", CustomerID: "cus_1", Amount: 3900, AmountRefunded: 3900, Refunded: true}))
	require.Equal(t, OutcomeProcessed, out)
	assert.True(t, plans.IsDowngraded(f.sub(t, u.ID)))
	assert.Equal(t, []string{"sub_1"}, f.stripe.CanceledIDs())

	// a second full refund on a downgraded record changes nothing
	f.handle(t, event("evt_3", billing.EventChargeRefunded, 3,
		billing.ChargeRefunded{ChargeID: "ch_2", CustomerID: "cus_1", Amount: 100, AmountRefunded: 100}))
	assert.Len(t, f.notifier.kinds(), 1)
}

func TestCustomerDeletedClearsBothRefs(t *testing.T) {
	f := newFixture(t)
	u := f.user("bye@example.com")
	f.paidSub(u.ID, plans.Pro, 0, "sub_1", "cus_1")

	out := f.handle(t, event("evt_1", billing.EventCustomerDeleted, 1,
		billing.CustomerDeleted{CustomerID: "cus_1"}))
	require.Equal(t, OutcomeProcessed, out)

	sub := f.sub(t, u.ID)
	assert.Empty(t, sub.StripeCustomerID)
	assert.Nil(t, sub.StripeSubscriptionID)
	assert.Equal(t, plans.Free, sub.PlanTier)

	out = f.handle(t, event("evt_2", billing.EventCustomerDeleted, 2,
		billing.CustomerDeleted{CustomerID: "cus_unknown"}))
	assert.Equal(t, OutcomeIgnored, out)
}

func TestUnhandledEventIsLogged(t *testing.T) {
	f := newFixture(t)
	out := f.handle(t, event("evt_1", "product.created", 1, billing.Unhandled{}))
	assert.Equal(t, OutcomeIgnored, out)

	logged, ok := f.store.Event("evt_1")
	require.True(t, ok)
	assert.Equal(t, models.EventStatusProcessed, logged.Status)
}

func TestNotificationFailureKeepsStateChange(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	u := f.user("notify@example.com")
	f.paidSub(u.ID, plans.Standard, 0, "sub_1", "cus_1")

	out := f.handle(t, event("evt_1", billing.EventSubscriptionDeleted, 1,
		billing.SubscriptionDeleted{SubscriptionID: "sub_1"}))
	assert.Equal(t, OutcomeProcessed, out)
	assert.True(t, plans.IsDowngraded(f.sub(t, u.ID)))
}

func TestUnrecordedFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	r := New(storetest.Unavailable{}, f.stripe, f.r.catalog, f.notifier)

	out, err := r.Handle(context.Background(), event("evt_1", billing.EventSubscriptionDeleted, 1,
		billing.SubscriptionDeleted{SubscriptionID: "sub_1"}))
	assert.Equal(t, OutcomeFailed, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, storetest.ErrUnavailable)
	assert.NotErrorIs(t, err, billing.ErrMalformedPayload)
	assert.Empty(t, f.notifier.kinds())

	raw := stripe.Event{
		ID: "evt_2", Type: "customer.subscription.deleted", Created: 2,
		Data: &stripe.EventData{Raw: json.RawMessage(`{"customer":"cus_1"}`)},
	}
	out, err = r.Process(context.Background(), raw)
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, storetest.ErrUnavailable)
	assert.NotErrorIs(t, err, billing.ErrMalformedPayload)
}

func TestRecordedFailureIsNotAnError(t *testing.T) {
	f := newFixture(t)
	out, err := f.r.Handle(context.Background(), event("evt_1", billing.EventPaymentFailed, 1,
		billing.PaymentFailed{InvoiceID: "in_1", SubscriptionID: "sub_missing"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	logged, ok := f.store.Event("evt_1")
	require.True(t, ok)
	assert.Equal(t, models.EventStatusFailed, logged.Status)
}

func TestProcessDecodesStripeEvents(t *testing.T) {
	f := newFixture(t)
	u := f.user("raw@example.com")
	f.paidSub(u.ID, plans.Standard, 0, "sub_1", "cus_1")

	raw := stripe.Event{
		ID: "evt_raw", Type: "customer.subscription.deleted", Created: 10,
		Data: &stripe.EventData{Raw: json.RawMessage(`{"id":"sub_1","customer":"cus_1"}`)},
	}
	out, err := f.r.Process(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)
	assert.True(t, plans.IsDowngraded(f.sub(t, u.ID)))

	malformed := stripe.Event{
		ID: "evt_bad", Type: "customer.subscription.deleted", Created: 11,
		Data: &stripe.EventData{Raw: json.RawMessage(`{"customer":"cus_1"}`)},
	}
	out, err = f.r.Process(context.Background(), malformed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	logged, ok := f.store.Event("evt_bad")
	require.True(t, ok)
	assert.Equal(t, models.EventStatusFailed, logged.Status)

	_, err = f.r.Process(context.Background(), stripe.Event{Type: "customer.deleted"})
	assert.ErrorIs(t, err, billing.ErrMalformedPayload)
}
