// Package reconcile applies verified Stripe events to local subscriptions.
//
// Every event runs in one transaction that holds the event log write and
// the subscription mutation together. Handler failures roll back and are
// recorded as failed in the event log. A failure that cannot be recorded is
// returned to the caller so the delivery can be retried. Notifications and
// remote cancellations run only after commit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmready/internal/billing"
	"llmready/internal/email"
	"llmready/internal/eventlog"
	"llmready/internal/logging"
	"llmready/internal/metrics"
	"llmready/internal/plans"
	"llmready/internal/store"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrUserNotFound         = errors.New("user not found")
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeFailed    Outcome = "failed"
	OutcomeIgnored   Outcome = "ignored"
)

type Reconciler struct {
	store    store.Store
	billing  billing.Client
	catalog  *plans.Catalog
	notifier email.Notifier
	now      func() time.Time
}

func New(st store.Store, bc billing.Client, catalog *plans.Catalog, notifier email.Notifier) *Reconciler {
	if notifier == nil {
		notifier = email.LogNotifier{}
	}
	return &Reconciler{
		store:    st,
		billing:  bc,
		catalog:  catalog,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// effects are collected while a handler runs and carried out after commit.
type effects struct {
	ignored       bool
	notifications []email.Notification
	cancel        []string
	downgrades    []string
	planChanges   []string
}

// Process decodes a verified Stripe event and handles it. The error wraps
// billing.ErrMalformedPayload when the envelope has no id or type; any other
// error means the outcome could not be persisted.
func (r *Reconciler) Process(ctx context.Context, raw stripe.Event) (Outcome, error) {
	evt, err := billing.Decode(raw)
	if err != nil {
		if evt.ID == "" || evt.Type == "" {
			return "", err
		}
		return r.fail(ctx, evt, err)
	}
	return r.Handle(ctx, evt)
}

// Handle gates evt on the event log and applies it. Handler failures come
// back as OutcomeFailed with a nil error once they are in the event log.
func (r *Reconciler) Handle(ctx context.Context, evt billing.Event) (Outcome, error) {
	logger := r.logger(ctx, evt)

	var (
		fx       effects
		decision eventlog.Decision
	)
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		fx = effects{}
		d, err := eventlog.ShouldProcess(ctx, tx, evt.ID, evt.Type, evt.Created)
		if err != nil {
			return err
		}
		decision = d
		if d != eventlog.Apply {
			return nil
		}
		if err := r.apply(ctx, tx, evt.Payload, &fx); err != nil {
			return err
		}
		return eventlog.MarkProcessed(ctx, tx, evt.ID, evt.Type, evt.Created)
	})

	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		// lost the race against a concurrent delivery of the same id
		return r.record(evt, OutcomeDuplicate, logger), nil
	case err != nil:
		return r.fail(ctx, evt, err)
	case decision == eventlog.Duplicate:
		return r.record(evt, OutcomeDuplicate, logger), nil
	case decision == eventlog.Stale:
		return r.record(evt, OutcomeStale, logger), nil
	}

	r.afterCommit(ctx, fx, logger)
	if fx.ignored {
		return r.record(evt, OutcomeIgnored, logger), nil
	}
	return r.record(evt, OutcomeProcessed, logger), nil
}

func (r *Reconciler) fail(ctx context.Context, evt billing.Event, cause error) (Outcome, error) {
	logger := r.logger(ctx, evt)
	logger.Error().Err(cause).Msg("Billing event failed")
	if err := eventlog.MarkFailed(ctx, r.store, evt.ID, evt.Type, evt.Created, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("Could not record failed billing event")
		r.record(evt, OutcomeFailed, logger)
		return OutcomeFailed, fmt.Errorf("record failed event %s (%v): %w", evt.ID, cause, err)
	}
	return r.record(evt, OutcomeFailed, logger), nil
}

func (r *Reconciler) record(evt billing.Event, outcome Outcome, logger zerolog.Logger) Outcome {
	metrics.EventOutcomes.WithLabelValues(evt.Type, string(outcome)).Inc()
	logger.Info().Str("outcome", string(outcome)).Msg("Billing event handled")
	return outcome
}

func (r *Reconciler) logger(ctx context.Context, evt billing.Event) zerolog.Logger {
	l := logging.FromContext(ctx)
	return l.With().Str("event_id", evt.ID).Str("type", evt.Type).Logger()
}

func (r *Reconciler) apply(ctx context.Context, tx store.Tx, payload billing.Payload, fx *effects) error {
	switch p := payload.(type) {
	case billing.CheckoutCompleted:
		return r.checkoutCompleted(ctx, tx, p, fx)
	case billing.SubscriptionChanged:
		return r.subscriptionChanged(ctx, tx, p, fx)
	case billing.SubscriptionDeleted:
		return r.subscriptionDeleted(ctx, tx, p, fx)
	case billing.PaymentFailed:
		return r.paymentFailed(ctx, tx, p, fx)
	case billing.PaymentSucceeded:
		return r.paymentSucceeded(ctx, tx, p, fx)
	case billing.PaymentActionRequired:
		return r.paymentActionRequired(ctx, tx, p, fx)
	case billing.ChargeDisputed:
		return r.chargeDisputed(ctx, tx, p, fx)
	case billing.ChargeRefunded:
		return r.chargeRefunded(ctx, tx, p, fx)
	case billing.CustomerDeleted:
		return r.customerDeleted(ctx, tx, p, fx)
	case billing.Unhandled:
		fx.ignored = true
		return nil
	case nil:
		return fmt.Errorf("%w: no payload", billing.ErrMalformedPayload)
	default:
		return fmt.Errorf("unsupported payload %T", p)
	}
}

func (r *Reconciler) afterCommit(ctx context.Context, fx effects, logger zerolog.Logger) {
	for _, cause := range fx.downgrades {
		metrics.Downgrades.WithLabelValues(cause).Inc()
	}
	for _, direction := range fx.planChanges {
		metrics.PlanChanges.WithLabelValues(direction).Inc()
	}
	for _, id := range fx.cancel {
		if err := r.billing.CancelSubscription(ctx, id); err != nil && !billing.IsNotFound(err) {
			logger.Error().Err(err).Str("subscription", id).Msg("Stripe cancellation after downgrade failed")
		}
	}
	for _, n := range fx.notifications {
		if err := r.notifier.Notify(ctx, n); err != nil {
			logger.Warn().Err(err).Str("kind", string(n.Kind)).Int64("user_id", n.UserID).Msg("Billing notification failed")
		}
	}
}

// notify queues a notification for the owner of userID. Lookup failures
// drop the notification without failing the event.
func (r *Reconciler) notify(ctx context.Context, tx store.Tx, fx *effects, userID int64, n email.Notification) {
	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return
	}
	n.UserID = user.ID
	n.To = user.Email
	n.Name = user.FullName
	fx.notifications = append(fx.notifications, n)
}
