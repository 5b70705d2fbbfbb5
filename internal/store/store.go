// Package store persists users, subscriptions, the billing event log and
// generation records. Every read-modify-write goes through Store.InTx.
package store

import (
	"context"
	"errors"
	"time"

	"llmready/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEvent = errors.New("duplicate billing event")
	ErrConflict       = errors.New("conflict")
)

// Store runs fn inside a single transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of queries available inside a transaction. Subscription
// lookups lock the returned row until the transaction ends.
type Tx interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	DeleteUser(ctx context.Context, id int64) error

	SubscriptionByUser(ctx context.Context, userID int64) (models.Subscription, error)
	SubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (models.Subscription, error)
	SubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (models.Subscription, error)
	InsertSubscription(ctx context.Context, sub models.Subscription) (models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub models.Subscription) error
	// ListUnsettledSubscriptions returns Stripe-linked subscriptions whose
	// status is not active, trialing or canceled.
	ListUnsettledSubscriptions(ctx context.Context) ([]models.Subscription, error)
	ResetGenerationsUsed(ctx context.Context) (int64, error)

	EventExists(ctx context.Context, eventID string) (bool, error)
	// LatestProcessedEventTime returns the greatest event_created among
	// processed events of eventType. ok is false when there are none.
	LatestProcessedEventTime(ctx context.Context, eventType string) (created int64, ok bool, err error)
	InsertEvent(ctx context.Context, event models.BillingEvent) error

	InsertGeneration(ctx context.Context, gen models.GenerationRecord) (models.GenerationRecord, error)
	// GetGeneration locks the generation row until the transaction ends.
	GetGeneration(ctx context.Context, id int64) (models.GenerationRecord, error)
	UpdateGeneration(ctx context.Context, gen models.GenerationRecord) error
	CountCompletedGenerations(ctx context.Context, userID int64, since time.Time) (int, error)
}
