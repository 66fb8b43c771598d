// Package processortest provides an in-memory Connector for service tests.
package processortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	"github.com/studiobooking/payments-backend/internal/processor"
)

// Connector records calls and serves canned processor objects. Unset lookups
// return an error so tests fail loudly on unexpected processor traffic.
type Connector struct {
	mu sync.Mutex

	Account        string
	PaymentIntents map[string]*stripe.PaymentIntent
	SetupIntents   map[string]*stripe.SetupIntent
	Subscriptions  map[string]*stripe.Subscription
	Upcoming       map[string]*processor.UpcomingInvoice
	BillingEmail   string
	CustomerID     string
	PriceID        string
	PortalURL      string

	CreateErr error
	UpdateErr error

	Created           []processor.PaymentIntentInput
	Updated           []processor.PaymentIntentInput
	SubscriptionsMade []processor.SubscriptionInput
	Cancelled         map[string]bool
	PriceUpdates      map[string]string
	DiscountsRemoved  []string
	ProductsCreated   []processor.ProductInput
	ProductsUpdated   []processor.ProductInput

	seq int
}

var _ processor.Connector = (*Connector)(nil)

func New(account string) *Connector {
	return &Connector{
		Account:        account,
		PaymentIntents: map[string]*stripe.PaymentIntent{},
		SetupIntents:   map[string]*stripe.SetupIntent{},
		Subscriptions:  map[string]*stripe.Subscription{},
		Upcoming:       map[string]*processor.UpcomingInvoice{},
		Cancelled:      map[string]bool{},
		PriceUpdates:   map[string]string{},
	}
}

// Provider returns the connector from Connector(ctx).
type Provider struct {
	Conn processor.Connector
	Err  error
}

func (p Provider) Connector(context.Context) (processor.Connector, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Conn, nil
}

func (c *Connector) AccountID() string { return c.Account }

func (c *Connector) CreatePaymentIntent(_ context.Context, in processor.PaymentIntentInput) (*stripe.PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	c.seq++
	id := fmt.Sprintf("pi_test_%d", c.seq)
	pi := &stripe.PaymentIntent{
		ID:           id,
		Amount:       processor.ToMinorUnits(in.Amount),
		Currency:     stripe.CurrencyGBP,
		Description:  in.Description,
		ClientSecret: id + "_secret",
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		Metadata:     copyMap(in.Metadata),
	}
	c.PaymentIntents[id] = pi
	c.Created = append(c.Created, in)
	return pi, nil
}

func (c *Connector) GetPaymentIntent(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pi, ok := c.PaymentIntents[id]
	if !ok {
		return nil, fmt.Errorf("payment intent %s not found", id)
	}
	return pi, nil
}

func (c *Connector) UpdatePaymentIntent(_ context.Context, id string, in processor.PaymentIntentInput) (*stripe.PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UpdateErr != nil {
		return nil, c.UpdateErr
	}
	pi, ok := c.PaymentIntents[id]
	if !ok {
		return nil, fmt.Errorf("payment intent %s not found", id)
	}
	pi.Amount = processor.ToMinorUnits(in.Amount)
	pi.Description = in.Description
	// Same merge rule as the processor: empty values delete the key.
	if pi.Metadata == nil {
		pi.Metadata = map[string]string{}
	}
	for k, v := range in.Metadata {
		if v == "" {
			delete(pi.Metadata, k)
			continue
		}
		pi.Metadata[k] = v
	}
	c.Updated = append(c.Updated, in)
	return pi, nil
}

func (c *Connector) GetSetupIntent(_ context.Context, id string) (*stripe.SetupIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	si, ok := c.SetupIntents[id]
	if !ok {
		return nil, fmt.Errorf("setup intent %s not found", id)
	}
	return si, nil
}

func (c *Connector) GetChargeBillingEmail(context.Context, *stripe.PaymentIntent) (string, error) {
	return c.BillingEmail, nil
}

func (c *Connector) CreateSubscription(_ context.Context, in processor.SubscriptionInput) (*stripe.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	dates := processor.SubscriptionCycleDates(in.Now)
	sub := &stripe.Subscription{
		ID:                 fmt.Sprintf("sub_test_%d", c.seq),
		Status:             stripe.SubscriptionStatusIncomplete,
		Customer:           &stripe.Customer{ID: in.CustomerID},
		BillingCycleAnchor: dates.NextStart.Unix(),
		StartDate:          in.Now.Unix(),
		LatestInvoice: &stripe.Invoice{
			ConfirmationSecret: &stripe.InvoiceConfirmationSecret{ClientSecret: fmt.Sprintf("sub_test_%d_secret", c.seq)},
		},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{ID: "si_test", Price: &stripe.Price{ID: in.PriceID}},
		}},
	}
	c.Subscriptions[sub.ID] = sub
	c.SubscriptionsMade = append(c.SubscriptionsMade, in)
	return sub, nil
}

func (c *Connector) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	return sub, nil
}

func (c *Connector) ListSubscriptions(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*stripe.Subscription
	for _, sub := range c.Subscriptions {
		if sub.Customer == nil || sub.Customer.ID == customerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (c *Connector) CancelSubscription(_ context.Context, id string, immediately bool) (*stripe.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	c.Cancelled[id] = immediately
	if immediately {
		sub.Status = stripe.SubscriptionStatusCanceled
	} else {
		sub.CancelAtPeriodEnd = true
	}
	return sub, nil
}

func (c *Connector) UpdateSubscriptionPrice(_ context.Context, id, priceID string) (*stripe.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	c.PriceUpdates[id] = priceID
	return sub, nil
}

func (c *Connector) GetUpcomingInvoice(_ context.Context, subscriptionID string) (*processor.UpcomingInvoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.Upcoming[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no upcoming invoice for %s", subscriptionID)
	}
	return inv, nil
}

func (c *Connector) RemoveSubscriptionDiscount(_ context.Context, subscriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DiscountsRemoved = append(c.DiscountsRemoved, subscriptionID)
	return nil
}

func (c *Connector) CreateProduct(_ context.Context, in processor.ProductInput) (*stripe.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProductsCreated = append(c.ProductsCreated, in)
	return &stripe.Product{ID: in.ProductID, Name: in.Name, Active: true, DefaultPrice: &stripe.Price{ID: c.PriceID}}, nil
}

func (c *Connector) UpdateProduct(_ context.Context, in processor.ProductInput) (*stripe.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProductsUpdated = append(c.ProductsUpdated, in)
	return &stripe.Product{ID: in.ProductID, Name: in.Name, Active: in.Active}, nil
}

func (c *Connector) GetOrCreatePrice(context.Context, string, decimal.Decimal) (string, error) {
	return c.PriceID, nil
}

func (c *Connector) GetOrCreateCustomer(context.Context, processor.CustomerInput) (string, error) {
	return c.CustomerID, nil
}

func (c *Connector) CustomerPortalURL(context.Context, string, string) (string, error) {
	return c.PortalURL, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
