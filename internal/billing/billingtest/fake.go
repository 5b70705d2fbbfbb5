// Package billingtest provides a scriptable billing.Client for tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"

	"llmready/internal/billing"
)

// Fake serves canned objects and records every mutating call. Setting one
// of the Err fields makes the matching call fail.
type Fake struct {
	mu sync.Mutex

	Subscriptions map[string]billing.Subscription
	Invoices      map[string]billing.Invoice
	Charges       map[string]billing.Charge
	Customers     map[string]billing.Customer

	CancelErr   error
	RefundErr   error
	GetErr      error
	CheckoutErr error

	Canceled  []string
	Refunds   []billing.RefundRequest
	Created   []billing.CustomerRequest
	Checkouts []billing.CheckoutRequest
}

func NewFake() *Fake {
	return &Fake{
		Subscriptions: make(map[string]billing.Subscription),
		Invoices:      make(map[string]billing.Invoice),
		Charges:       make(map[string]billing.Charge),
		Customers:     make(map[string]billing.Customer),
	}
}

func (f *Fake) GetSubscription(_ context.Context, id string) (billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return billing.Subscription{}, f.GetErr
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return billing.Subscription{}, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

func (f *Fake) CancelSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.Canceled = append(f.Canceled, id)
	if sub, ok := f.Subscriptions[id]; ok {
		sub.Status = "canceled"
		f.Subscriptions[id] = sub
	}
	return nil
}

func (f *Fake) GetInvoice(_ context.Context, id string) (billing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return billing.Invoice{}, f.GetErr
	}
	inv, ok := f.Invoices[id]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("no such invoice: %s", id)
	}
	return inv, nil
}

func (f *Fake) GetCharge(_ context.Context, id string) (billing.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return billing.Charge{}, f.GetErr
	}
	ch, ok := f.Charges[id]
	if !ok {
		return billing.Charge{}, fmt.Errorf("no such charge: %s", id)
	}
	return ch, nil
}

func (f *Fake) GetCustomer(_ context.Context, id string) (billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return billing.Customer{}, f.GetErr
	}
	cus, ok := f.Customers[id]
	if !ok {
		return billing.Customer{}, fmt.Errorf("no such customer: %s", id)
	}
	return cus, nil
}

func (f *Fake) CreateCustomer(_ context.Context, req billing.CustomerRequest) (billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, req)
	cus := billing.Customer{
		ID:       fmt.Sprintf("cus_fake_%d", len(f.Created)),
		Email:    req.Email,
		Metadata: req.Metadata,
	}
	f.Customers[cus.ID] = cus
	return cus, nil
}

func (f *Fake) CreateRefund(_ context.Context, req billing.RefundRequest) (billing.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return billing.Refund{}, f.RefundErr
	}
	f.Refunds = append(f.Refunds, req)
	return billing.Refund{
		ID:          fmt.Sprintf("re_fake_%d", len(f.Refunds)),
		AmountCents: req.AmountCents,
		Status:      "succeeded",
	}, nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (billing.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CheckoutErr != nil {
		return billing.CheckoutSession{}, f.CheckoutErr
	}
	f.Checkouts = append(f.Checkouts, req)
	id := fmt.Sprintf("cs_fake_%d", len(f.Checkouts))
	return billing.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *Fake) CanceledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Canceled...)
}

func (f *Fake) RefundRequests() []billing.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.RefundRequest(nil), f.Refunds...)
}
