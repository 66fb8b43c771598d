package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	portalsession "github.com/stripe/stripe-go/v84/billingportal/session"
	"github.com/stripe/stripe-go/v84/charge"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/price"
	"github.com/stripe/stripe-go/v84/product"
	"github.com/stripe/stripe-go/v84/setupintent"
	"github.com/stripe/stripe-go/v84/subscription"
)

const (
	paymentBehaviorDefaultIncomplete = "default_incomplete"
	saveDefaultPaymentOnSubscription = "on_subscription"
	prorationCreate                  = "create_prorations"
	prorationNone                    = "none"
	recurringMonthly                 = "month"
)

type stripeConnector struct {
	account  string
	currency string
}

// NewStripeConnector returns a Connector bound to the given connected account.
// The API key must already be installed by pkg/stripe.NewClient.
func NewStripeConnector(account, currency string) Connector {
	return &stripeConnector{account: account, currency: strings.ToLower(currency)}
}

func (c *stripeConnector) AccountID() string {
	return c.account
}

func (c *stripeConnector) paymentIntentParams(ctx context.Context, in PaymentIntentInput) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(ToMinorUnits(in.Amount)),
		Currency:           stripe.String(c.currency),
		Description:        stripe.String(in.Description),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return params
}

func (c *stripeConnector) CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*stripe.PaymentIntent, error) {
	return paymentintent.New(c.paymentIntentParams(ctx, in))
}

func (c *stripeConnector) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return paymentintent.Get(id, params)
}

func (c *stripeConnector) UpdatePaymentIntent(ctx context.Context, id string, in PaymentIntentInput) (*stripe.PaymentIntent, error) {
	params := c.paymentIntentParams(ctx, in)
	// payment_method_types cannot be changed once the intent has been confirmed
	params.PaymentMethodTypes = nil
	return paymentintent.Update(id, params)
}

func (c *stripeConnector) GetSetupIntent(ctx context.Context, id string) (*stripe.SetupIntent, error) {
	params := &stripe.SetupIntentParams{}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return setupintent.Get(id, params)
}

func (c *stripeConnector) GetChargeBillingEmail(ctx context.Context, pi *stripe.PaymentIntent) (string, error) {
	if pi == nil || pi.LatestCharge == nil {
		return "", nil
	}
	ch := pi.LatestCharge
	if ch.BillingDetails == nil {
		params := &stripe.ChargeParams{}
		params.Context = ctx
		params.SetStripeAccount(c.account)
		fetched, err := charge.Get(ch.ID, params)
		if err != nil {
			return "", fmt.Errorf("retrieve charge %s: %w", ch.ID, err)
		}
		ch = fetched
	}
	if ch.BillingDetails == nil {
		return "", nil
	}
	return strings.TrimSpace(ch.BillingDetails.Email), nil
}

func (c *stripeConnector) CreateSubscription(ctx context.Context, in SubscriptionInput) (*stripe.Subscription, error) {
	dates := SubscriptionCycleDates(in.Now)

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(in.PriceID), Quantity: stripe.Int64(1)},
		},
		BillingCycleAnchor: stripe.Int64(dates.NextStart.Unix()),
		PaymentBehavior:    stripe.String(paymentBehaviorDefaultIncomplete),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String(saveDefaultPaymentOnSubscription),
		},
	}
	if in.DefaultPaymentMethod != "" {
		params.DefaultPaymentMethod = stripe.String(in.DefaultPaymentMethod)
	}
	if in.PromotionCodeID != "" {
		params.Discounts = []*stripe.SubscriptionDiscountParams{
			{PromotionCode: stripe.String(in.PromotionCodeID)},
		}
	}
	if in.Backdate || dates.Backdate {
		params.BackdateStartDate = stripe.Int64(dates.CurrentStart.Unix())
		params.ProrationBehavior = stripe.String(prorationCreate)
	} else {
		params.ProrationBehavior = stripe.String(prorationNone)
	}
	params.AddExpand("latest_invoice.confirmation_secret")
	params.AddExpand("pending_setup_intent")
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return subscription.New(params)
}

func (c *stripeConnector) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.AddExpand("latest_invoice")
	params.AddExpand("pending_setup_intent")
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return subscription.Get(id, params)
}

func (c *stripeConnector) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)

	var subs []*stripe.Subscription
	iter := subscription.List(params)
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (c *stripeConnector) CancelSubscription(ctx context.Context, id string, immediately bool) (*stripe.Subscription, error) {
	if immediately {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		params.SetStripeAccount(c.account)
		return subscription.Cancel(id, params)
	}
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
		ProrationBehavior: stripe.String(prorationNone),
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return subscription.Update(id, params)
}

func (c *stripeConnector) UpdateSubscriptionPrice(ctx context.Context, id, priceID string) (*stripe.Subscription, error) {
	current, err := c.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items", id)
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String(prorationNone),
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return subscription.Update(id, params)
}

func (c *stripeConnector) GetUpcomingInvoice(ctx context.Context, subscriptionID string) (*UpcomingInvoice, error) {
	params := &stripe.InvoiceCreatePreviewParams{
		Subscription: stripe.String(subscriptionID),
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	inv, err := invoice.CreatePreview(params)
	if err != nil {
		return nil, err
	}

	next := inv.NextPaymentAttempt
	if next == 0 {
		next = inv.Created
	}
	out := &UpcomingInvoice{
		SubscriptionID: subscriptionID,
		AmountDue:      FromMinorUnits(inv.AmountDue),
	}
	if ts := FromTimestamp(next); ts != nil {
		out.NextPaymentDate = *ts
	}
	for _, d := range inv.Discounts {
		if d != nil && d.PromotionCode != nil && d.PromotionCode.ID != "" {
			out.PromotionCodes = append(out.PromotionCodes, d.PromotionCode.ID)
		}
	}
	return out, nil
}

func (c *stripeConnector) RemoveSubscriptionDiscount(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionDeleteDiscountParams{}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	_, err := subscription.DeleteDiscount(subscriptionID, params)
	return err
}

func (c *stripeConnector) CreateProduct(ctx context.Context, in ProductInput) (*stripe.Product, error) {
	params := &stripe.ProductParams{
		ID:          stripe.String(in.ProductID),
		Name:        stripe.String(in.Name),
		Description: stripe.String(in.Description),
		DefaultPriceData: &stripe.ProductDefaultPriceDataParams{
			Currency:   stripe.String(c.currency),
			UnitAmount: stripe.Int64(ToMinorUnits(in.Price)),
			Recurring: &stripe.ProductDefaultPriceDataRecurringParams{
				Interval: stripe.String(recurringMonthly),
			},
		},
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)

	created, err := product.New(params)
	if err == nil {
		return created, nil
	}

	// Product ids are slugs of the membership name; a collision means a
	// membership was deleted locally, so the existing product is reused.
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || !strings.Contains(stripeErr.Msg, "already exists") {
		return nil, err
	}
	priceID, err := c.GetOrCreatePrice(ctx, in.ProductID, in.Price)
	if err != nil {
		return nil, err
	}
	in.PriceID = priceID
	in.Active = true
	return c.UpdateProduct(ctx, in)
}

func (c *stripeConnector) UpdateProduct(ctx context.Context, in ProductInput) (*stripe.Product, error) {
	params := &stripe.ProductParams{
		Name:        stripe.String(in.Name),
		Description: stripe.String(in.Description),
		Active:      stripe.Bool(in.Active),
	}
	if in.PriceID != "" {
		params.DefaultPrice = stripe.String(in.PriceID)
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	return product.Update(in.ProductID, params)
}

func (c *stripeConnector) GetOrCreatePrice(ctx context.Context, productID string, amount decimal.Decimal) (string, error) {
	unitAmount := ToMinorUnits(amount)

	listParams := &stripe.PriceListParams{
		Product: stripe.String(productID),
		Active:  stripe.Bool(true),
		Recurring: &stripe.PriceListRecurringParams{
			Interval: stripe.String(recurringMonthly),
		},
	}
	listParams.Context = ctx
	listParams.SetStripeAccount(c.account)
	iter := price.List(listParams)
	for iter.Next() {
		if p := iter.Price(); p.UnitAmount == unitAmount {
			return p.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", err
	}

	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		Currency:   stripe.String(c.currency),
		UnitAmount: stripe.Int64(unitAmount),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(recurringMonthly),
		},
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	created, err := price.New(params)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *stripeConnector) GetOrCreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(in.Email)}
	listParams.Context = ctx
	listParams.SetStripeAccount(c.account)
	iter := customer.List(listParams)
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", err
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(in.Email),
		Name:  stripe.String(strings.TrimSpace(in.FirstName + " " + in.LastName)),
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	created, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *stripeConnector) CustomerPortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	params.SetStripeAccount(c.account)
	sess, err := portalsession.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}
