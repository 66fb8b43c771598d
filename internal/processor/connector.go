package processor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
)

// ErrNoSeller is returned when no connected processor account is configured
// for the studio.
var ErrNoSeller = errors.New("no connected processor account configured")

// PaymentIntentInput is the payable shape of an invoice.
type PaymentIntentInput struct {
	Amount      decimal.Decimal
	Description string
	Metadata    map[string]string
}

// SubscriptionInput describes a new membership subscription.
type SubscriptionInput struct {
	CustomerID string
	PriceID    string
	// Backdate requests a subscription that starts in the current cycle. It
	// is forced on from the 25th of the month onwards.
	Backdate             bool
	DefaultPaymentMethod string
	PromotionCodeID      string
	Now                  time.Time
}

type ProductInput struct {
	ProductID   string
	Name        string
	Description string
	Active      bool
	Price       decimal.Decimal
	PriceID     string
}

type CustomerInput struct {
	Email     string
	FirstName string
	LastName  string
}

// UpcomingInvoice is the next invoice the processor will raise for a
// subscription.
type UpcomingInvoice struct {
	SubscriptionID  string
	AmountDue       decimal.Decimal
	NextPaymentDate time.Time
	PromotionCodes  []string
}

// Connector is a thin typed wrapper over the payment processor bound to one
// connected account. It carries no business rules.
type Connector interface {
	AccountID() string

	CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	// UpdatePaymentIntent merges in.Metadata into the intent; keys sent with
	// an empty value are removed. See ReplaceMetadata.
	UpdatePaymentIntent(ctx context.Context, id string, in PaymentIntentInput) (*stripe.PaymentIntent, error)
	GetSetupIntent(ctx context.Context, id string) (*stripe.SetupIntent, error)
	// GetChargeBillingEmail returns the billing email of the intent's latest
	// charge, used to backfill guest invoices.
	GetChargeBillingEmail(ctx context.Context, pi *stripe.PaymentIntent) (string, error)

	CreateSubscription(ctx context.Context, in SubscriptionInput) (*stripe.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string, immediately bool) (*stripe.Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, id, priceID string) (*stripe.Subscription, error)
	GetUpcomingInvoice(ctx context.Context, subscriptionID string) (*UpcomingInvoice, error)
	RemoveSubscriptionDiscount(ctx context.Context, subscriptionID string) error

	CreateProduct(ctx context.Context, in ProductInput) (*stripe.Product, error)
	UpdateProduct(ctx context.Context, in ProductInput) (*stripe.Product, error)
	GetOrCreatePrice(ctx context.Context, productID string, amount decimal.Decimal) (string, error)
	GetOrCreateCustomer(ctx context.Context, in CustomerInput) (string, error)
	CustomerPortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}
