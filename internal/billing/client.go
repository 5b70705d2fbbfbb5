// Package billing wraps the Stripe API behind a narrow interface and decodes
// verified webhook events into typed payloads.
package billing

import (
	"context"
	"errors"
	"fmt"

	"llmready/internal/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

var (
	ErrNotConfigured = errors.New("stripe not configured")
	ErrNoInvoice     = errors.New("subscription has no invoice")
	ErrNoCharge      = errors.New("invoice has no charge")
)

type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Interval           string // "monthly" or "yearly"
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	CancelAtPeriodEnd  bool
	LatestInvoiceID    string
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	ChargeID       string
	AmountPaid     int64
}

type Charge struct {
	ID             string
	CustomerID     string
	InvoiceID      string
	Amount         int64
	AmountRefunded int64
}

type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
	Deleted  bool
}

type RefundRequest struct {
	ChargeID       string
	AmountCents    int64
	Metadata       map[string]string
	IdempotencyKey string
}

type Refund struct {
	ID          string
	AmountCents int64
	Status      string
}

type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Client is the subset of the Stripe API the billing core depends on.
type Client interface {
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	GetCharge(ctx context.Context, id string) (Charge, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	CreateCustomer(ctx context.Context, req CustomerRequest) (Customer, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// StripeClient implements Client with an explicitly keyed API value. The
// package-level stripe.Key is never read or written.
type StripeClient struct {
	api *client.API
}

// NewStripeClient returns a client for secretKey. With an empty key every
// call fails with ErrNotConfigured.
func NewStripeClient(secretKey string) *StripeClient {
	if secretKey == "" {
		return &StripeClient{}
	}
	return &StripeClient{api: client.New(secretKey, nil)}
}

func (c *StripeClient) Configured() bool {
	return c.api != nil
}

func (c *StripeClient) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	if c.api == nil {
		return Subscription{}, ErrNotConfigured
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return Subscription{}, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	return subscriptionFromStripe(sub), nil
}

func subscriptionFromStripe(sub *stripe.Subscription) Subscription {
	out := Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoiceID = sub.LatestInvoice.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		out.PriceID = price.ID
		if price.Recurring != nil {
			out.Interval = IntervalFromStripe(string(price.Recurring.Interval))
		}
	}
	return out
}

func (c *StripeClient) CancelSubscription(ctx context.Context, id string) error {
	if c.api == nil {
		return ErrNotConfigured
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Cancel(id, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", id, err)
	}
	return nil
}

func (c *StripeClient) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	if c.api == nil {
		return Invoice{}, ErrNotConfigured
	}
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := c.api.Invoices.Get(id, params)
	if err != nil {
		return Invoice{}, fmt.Errorf("retrieve invoice %s: %w", id, err)
	}
	out := Invoice{ID: inv.ID, AmountPaid: inv.AmountPaid}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Charge != nil {
		out.ChargeID = inv.Charge.ID
	}
	return out, nil
}

func (c *StripeClient) GetCharge(ctx context.Context, id string) (Charge, error) {
	if c.api == nil {
		return Charge{}, ErrNotConfigured
	}
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := c.api.Charges.Get(id, params)
	if err != nil {
		return Charge{}, fmt.Errorf("retrieve charge %s: %w", id, err)
	}
	out := Charge{ID: ch.ID, Amount: ch.Amount, AmountRefunded: ch.AmountRefunded}
	if ch.Customer != nil {
		out.CustomerID = ch.Customer.ID
	}
	if ch.Invoice != nil {
		out.InvoiceID = ch.Invoice.ID
	}
	return out, nil
}

func (c *StripeClient) GetCustomer(ctx context.Context, id string) (Customer, error) {
	if c.api == nil {
		return Customer{}, ErrNotConfigured
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cus, err := c.api.Customers.Get(id, params)
	if err != nil {
		return Customer{}, fmt.Errorf("retrieve customer %s: %w", id, err)
	}
	return Customer{ID: cus.ID, Email: cus.Email, Metadata: cus.Metadata, Deleted: cus.Deleted}, nil
}

func (c *StripeClient) CreateCustomer(ctx context.Context, req CustomerRequest) (Customer, error) {
	if c.api == nil {
		return Customer{}, ErrNotConfigured
	}
	params := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	cus, err := c.api.Customers.New(params)
	if err != nil {
		return Customer{}, fmt.Errorf("create customer: %w", err)
	}
	return Customer{ID: cus.ID, Email: cus.Email, Metadata: cus.Metadata}, nil
}

func (c *StripeClient) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	if c.api == nil {
		return Refund{}, ErrNotConfigured
	}
	params := &stripe.RefundParams{
		Charge: stripe.String(req.ChargeID),
		Amount: stripe.Int64(req.AmountCents),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	ref, err := c.api.Refunds.New(params)
	if err != nil {
		return Refund{}, fmt.Errorf("create refund for charge %s: %w", req.ChargeID, err)
	}
	return Refund{ID: ref.ID, AmountCents: ref.Amount, Status: string(ref.Status)}, nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if c.api == nil {
		return CheckoutSession{}, ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(req.CustomerID),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		AllowPromotionCodes: stripe.Bool(true),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// IsNotFound reports whether err is Stripe's resource_missing error.
func IsNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

// IntervalFromStripe maps a Stripe recurring interval to a billing interval.
func IntervalFromStripe(interval string) string {
	if interval == "year" {
		return "yearly"
	}
	return "monthly"
}

// NormalizeStatus maps a Stripe subscription status onto the local set.
// An empty result means the status carries no information.
func NormalizeStatus(status string) string {
	switch status {
	case models.SubscriptionActive, models.SubscriptionTrialing, models.SubscriptionPastDue,
		models.SubscriptionCanceled, models.SubscriptionIncomplete:
		return status
	case "unpaid", "paused":
		return models.SubscriptionPastDue
	case "incomplete_expired":
		return models.SubscriptionCanceled
	}
	return ""
}
