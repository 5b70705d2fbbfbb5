package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
)

var ErrMalformedPayload = errors.New("malformed event payload")

// Event is a verified provider event with its payload decoded by type.
type Event struct {
	ID      string
	Type    string
	Created int64
	Payload Payload
}

// Payload is implemented by one struct per handled event type.
type Payload interface {
	payload()
}

type CheckoutCompleted struct {
	SessionID       string
	CustomerID      string
	SubscriptionID  string
	UserID          int64
	PlanTier        string
	BillingInterval string
}

type SubscriptionChanged struct {
	SubscriptionID     string
	CustomerID         string
	Status             string
	PriceID            string
	Interval           string
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	CancelAtPeriodEnd  bool
	Created            bool
}

type SubscriptionDeleted struct {
	SubscriptionID string
	CustomerID     string
}

type PaymentFailed struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AmountDue      int64
	AttemptCount   int64
}

type PaymentSucceeded struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
}

type PaymentActionRequired struct {
	InvoiceID        string
	CustomerID       string
	SubscriptionID   string
	HostedInvoiceURL string
}

type ChargeDisputed struct {
	DisputeID string
	ChargeID  string
	Amount    int64
	Reason    string
}

type ChargeRefunded struct {
	ChargeID       string
	CustomerID     string
	Amount         int64
	AmountRefunded int64
	Refunded       bool
}

// Full reports whether the refund covers the whole charge.
func (c ChargeRefunded) Full() bool {
	return c.Refunded || (c.Amount > 0 && c.AmountRefunded >= c.Amount)
}

type CustomerDeleted struct {
	CustomerID string
}

// Unhandled carries event types the reconciler does not act on.
type Unhandled struct{}

func (CheckoutCompleted) payload()     {}
func (SubscriptionChanged) payload()   {}
func (SubscriptionDeleted) payload()   {}
func (PaymentFailed) payload()         {}
func (PaymentSucceeded) payload()      {}
func (PaymentActionRequired) payload() {}
func (ChargeDisputed) payload()        {}
func (ChargeRefunded) payload()        {}
func (CustomerDeleted) payload()       {}
func (Unhandled) payload()             {}

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventPaymentFailed         = "invoice.payment_failed"
	EventPaymentSucceeded      = "invoice.payment_succeeded"
	EventInvoicePaid           = "invoice.paid"
	EventPaymentActionRequired = "invoice.payment_action_required"
	EventChargeDisputeCreated  = "charge.dispute.created"
	EventChargeRefunded        = "charge.refunded"
	EventCustomerDeleted       = "customer.deleted"
)

// Wire shapes. Only the fields the reconciler reads are declared; expandable
// references arrive as plain ids in webhook payloads.
type (
	rawCheckoutSession struct {
		ID           string            `json:"id"`
		Customer     string            `json:"customer"`
		Subscription string            `json:"subscription"`
		Metadata     map[string]string `json:"metadata"`
	}
	rawSubscription struct {
		ID                 string `json:"id"`
		Customer           string `json:"customer"`
		Status             string `json:"status"`
		CurrentPeriodStart int64  `json:"current_period_start"`
		CurrentPeriodEnd   int64  `json:"current_period_end"`
		CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
		Items              struct {
			Data []struct {
				Price struct {
					ID        string `json:"id"`
					Recurring *struct {
						Interval string `json:"interval"`
					} `json:"recurring"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	}
	rawInvoice struct {
		ID               string `json:"id"`
		Customer         string `json:"customer"`
		Subscription     string `json:"subscription"`
		AmountDue        int64  `json:"amount_due"`
		AmountPaid       int64  `json:"amount_paid"`
		AttemptCount     int64  `json:"attempt_count"`
		HostedInvoiceURL string `json:"hosted_invoice_url"`
	}
	rawDispute struct {
		ID     string `json:"id"`
		Charge string `json:"charge"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	rawCharge struct {
		ID             string `json:"id"`
		Customer       string `json:"customer"`
		Amount         int64  `json:"amount"`
		AmountRefunded int64  `json:"amount_refunded"`
		Refunded       bool   `json:"refunded"`
	}
	rawCustomer struct {
		ID string `json:"id"`
	}
)

// Decode converts a verified Stripe event into a typed Event. Unknown types
// decode to Unhandled. A known type whose object lacks required fields
// returns the envelope with ErrMalformedPayload.
func Decode(evt stripe.Event) (Event, error) {
	out := Event{ID: evt.ID, Type: string(evt.Type), Created: evt.Created}
	if out.ID == "" || out.Type == "" {
		return out, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}
	var raw json.RawMessage
	if evt.Data != nil {
		raw = evt.Data.Raw
	}

	payload, err := decodePayload(out.Type, raw)
	if err != nil {
		return out, err
	}
	out.Payload = payload
	return out, nil
}

func decodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	switch eventType {
	case EventCheckoutCompleted:
		var s rawCheckoutSession
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		userID, err := strconv.ParseInt(s.Metadata["user_id"], 10, 64)
		if err != nil || userID <= 0 {
			return nil, fmt.Errorf("%w: checkout session %s has no valid user_id", ErrMalformedPayload, s.ID)
		}
		if s.Customer == "" || s.Subscription == "" || s.Metadata["plan_type"] == "" {
			return nil, fmt.Errorf("%w: checkout session %s missing customer, subscription or plan", ErrMalformedPayload, s.ID)
		}
		return CheckoutCompleted{
			SessionID:       s.ID,
			CustomerID:      s.Customer,
			SubscriptionID:  s.Subscription,
			UserID:          userID,
			PlanTier:        s.Metadata["plan_type"],
			BillingInterval: s.Metadata["billing_interval"],
		}, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var s rawSubscription
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s.ID == "" {
			return nil, fmt.Errorf("%w: subscription event without id", ErrMalformedPayload)
		}
		changed := SubscriptionChanged{
			SubscriptionID:     s.ID,
			CustomerID:         s.Customer,
			Status:             s.Status,
			CurrentPeriodStart: s.CurrentPeriodStart,
			CurrentPeriodEnd:   s.CurrentPeriodEnd,
			CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
			Created:            eventType == EventSubscriptionCreated,
		}
		if len(s.Items.Data) > 0 {
			changed.PriceID = s.Items.Data[0].Price.ID
			if rec := s.Items.Data[0].Price.Recurring; rec != nil {
				changed.Interval = IntervalFromStripe(rec.Interval)
			}
		}
		return changed, nil

	case EventSubscriptionDeleted:
		var s rawSubscription
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s.ID == "" {
			return nil, fmt.Errorf("%w: subscription event without id", ErrMalformedPayload)
		}
		return SubscriptionDeleted{SubscriptionID: s.ID, CustomerID: s.Customer}, nil

	case EventPaymentFailed, EventPaymentSucceeded, EventInvoicePaid, EventPaymentActionRequired:
		var inv rawInvoice
		if err := unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		switch eventType {
		case EventPaymentFailed:
			if inv.Subscription == "" {
				return nil, fmt.Errorf("%w: invoice %s has no subscription", ErrMalformedPayload, inv.ID)
			}
			return PaymentFailed{
				InvoiceID: inv.ID, CustomerID: inv.Customer, SubscriptionID: inv.Subscription,
				AmountDue: inv.AmountDue, AttemptCount: inv.AttemptCount,
			}, nil
		case EventPaymentActionRequired:
			return PaymentActionRequired{
				InvoiceID: inv.ID, CustomerID: inv.Customer, SubscriptionID: inv.Subscription,
				HostedInvoiceURL: inv.HostedInvoiceURL,
			}, nil
		default:
			return PaymentSucceeded{
				InvoiceID: inv.ID, CustomerID: inv.Customer, SubscriptionID: inv.Subscription,
				AmountPaid: inv.AmountPaid,
			}, nil
		}

	case EventChargeDisputeCreated:
		var d rawDispute
		if err := unmarshal(raw, &d); err != nil {
			return nil, err
		}
		if d.Charge == "" {
			return nil, fmt.Errorf("%w: dispute %s has no charge", ErrMalformedPayload, d.ID)
		}
		return ChargeDisputed{DisputeID: d.ID, ChargeID: d.Charge, Amount: d.Amount, Reason: d.Reason}, nil

	case EventChargeRefunded:
		var c rawCharge
		if err := unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.ID == "" {
			return nil, fmt.Errorf("%w: refunded charge without id", ErrMalformedPayload)
		}
		return ChargeRefunded{
			ChargeID: c.ID, CustomerID: c.Customer, Amount: c.Amount,
			AmountRefunded: c.AmountRefunded, Refunded: c.Refunded,
		}, nil

	case EventCustomerDeleted:
		var c rawCustomer
		if err := unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.ID == "" {
			return nil, fmt.Errorf("%w: customer event without id", ErrMalformedPayload)
		}
		return CustomerDeleted{CustomerID: c.ID}, nil
	}
	return Unhandled{}, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
