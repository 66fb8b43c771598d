package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/internal/cart"
	"github.com/studiobooking/payments-backend/internal/invoices"
	"github.com/studiobooking/payments-backend/internal/payments"
	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/outbox"
	"github.com/studiobooking/payments-backend/pkg/outbox/payloads"
)

// Redirect names where the client should go instead of the payment form.
type Redirect string

const (
	RedirectNone     Redirect = ""
	RedirectCart     Redirect = "cart"
	RedirectComplete Redirect = "purchase_complete"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type cartLoader interface {
	Load(ctx context.Context, principal *uuid.UUID, sel cart.Selection) (*cart.Cart, error)
	Repository() cart.Repository
}

type outboxEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Request is a submitted checkout form.
type Request struct {
	// Principal is nil for guests.
	Principal        *uuid.UUID
	Username         string
	Type             enums.CheckoutType
	SubmittedTotal   decimal.Decimal
	BookingReference string
	GiftVoucherID    uuid.UUID
}

func (r Request) selection() cart.Selection {
	return cart.Selection{Type: r.Type, BookingReference: r.BookingReference, GiftVoucherID: r.GiftVoucherID}
}

// Result is what the payment page needs, or where to send the client instead.
type Result struct {
	Redirect        Redirect
	Reason          string
	ClientSecret    string
	PaymentIntentID string
	InvoiceID       string
	Total           decimal.Decimal
	CheckoutType    enums.CheckoutType
	Items           []cart.Item
	// PreprocessingError means no payment form can be shown right now.
	PreprocessingError bool
	AlreadyPaid        bool
	Complete           bool
}

type ServiceParams struct {
	DB       txRunner
	Cart     cartLoader
	Invoices *invoices.Service
	Intents  payments.IntentRepository
	Provider processor.Provider
	Outbox   outboxEmitter
	Logger   *logger.Logger
	// TestCharge is the amount of the operator smoke-test charge.
	TestCharge decimal.Decimal
}

// Service turns a cart into a payable invoice bound to one payment intent.
type Service struct {
	db         txRunner
	cart       cartLoader
	invoices   *invoices.Service
	intents    payments.IntentRepository
	provider   processor.Provider
	outbox     outboxEmitter
	logg       *logger.Logger
	testCharge decimal.Decimal
	now        func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Cart == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cart service required")
	}
	if params.Invoices == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "invoice service required")
	}
	if params.Intents == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment intent repo required")
	}
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "processor provider required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	testCharge := params.TestCharge
	if !testCharge.IsPositive() {
		testCharge = decimal.New(30, -2)
	}
	return &Service{
		db:         params.DB,
		cart:       params.Cart,
		invoices:   params.Invoices,
		intents:    params.Intents,
		provider:   params.Provider,
		outbox:     params.Outbox,
		logg:       params.Logger,
		testCharge: testCharge,
		now:        time.Now,
	}, nil
}

// CheckTotal returns the authoritative total for the selection without side
// effects. Nothing payable yields zero.
func (s *Service) CheckTotal(ctx context.Context, principal *uuid.UUID, sel cart.Selection) (decimal.Decimal, error) {
	if !sel.Type.IsValid() {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "unknown checkout type")
	}
	if sel.Type == enums.CheckoutStripeTest {
		return s.testCharge, nil
	}
	c, err := s.cart.Load(ctx, principal, sel)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Total(), nil
}

// Checkout validates the submitted total against the server-side price and
// returns the payment intent the client should confirm.
func (s *Service) Checkout(ctx context.Context, req Request) (*Result, error) {
	if !req.Type.IsValid() {
		return &Result{Redirect: RedirectCart, Reason: "nothing to pay for"}, nil
	}
	ctx = s.logg.WithField(ctx, "checkout_type", string(req.Type))
	if req.Principal != nil {
		ctx = s.logg.WithUserID(ctx, req.Principal.String())
	}

	c, total, stripeTest, err := s.price(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &Result{CheckoutType: req.Type, Total: total, Items: c.Items}

	if !stripeTest {
		if c.Empty() {
			result.Redirect = RedirectCart
			result.Reason = "your cart is empty"
			return result, nil
		}
		if !total.Equal(req.SubmittedTotal) || len(c.StaleVouchers) > 0 {
			return s.rejectStaleTotal(ctx, c, req, total)
		}
	}

	if total.IsZero() {
		return s.completeWithoutPayment(ctx, c, req, result)
	}

	conn, err := s.provider.Connector(ctx)
	if err != nil {
		if errors.Is(err, processor.ErrNoSeller) {
			s.logg.Warn(ctx, "checkout attempted with no processor account configured")
			result.PreprocessingError = true
			result.Reason = "payments are not available right now"
			return result, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve processor account")
	}

	var inv *models.Invoice
	if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		created, err := s.invoices.GetOrCreate(ctx, tx, c, req.Username, total, stripeTest)
		inv = created
		return err
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "prepare invoice")
	}
	ctx = s.logg.WithInvoiceID(ctx, inv.InvoiceID)
	result.InvoiceID = inv.InvoiceID

	input := processor.PaymentIntentInput{
		Amount:      total,
		Description: describe(req.Type, c, inv.InvoiceID),
		Metadata:    s.invoices.PaymentMetadata(inv, c.Items),
	}
	pi, state := s.bindPaymentIntent(ctx, conn, inv.StripePaymentIntentID, input)
	switch state {
	case intentAlreadyPaid:
		result.AlreadyPaid = true
		result.PreprocessingError = true
		result.Reason = "this payment has already been completed"
		return result, nil
	case intentUnavailable:
		result.PreprocessingError = true
		result.Reason = "payment could not be prepared, please try again"
		return result, nil
	}

	if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if inv.StripePaymentIntentID == nil || *inv.StripePaymentIntentID != pi.ID {
			id := pi.ID
			inv.StripePaymentIntentID = &id
			if err := s.invoices.Repository().WithTx(tx).Save(ctx, inv); err != nil {
				return err
			}
		}
		return s.intents.WithTx(tx).Upsert(ctx, payments.IntentRecord(pi, &inv.ID))
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record payment intent")
	}

	s.logg.Info(s.logg.WithField(ctx, "payment_intent_id", pi.ID), "checkout ready")
	result.ClientSecret = pi.ClientSecret
	result.PaymentIntentID = pi.ID
	return result, nil
}

// price loads and prices the cart, or returns the fixed test charge.
func (s *Service) price(ctx context.Context, req Request) (*cart.Cart, decimal.Decimal, bool, error) {
	if req.Type == enums.CheckoutStripeTest {
		if req.Principal == nil {
			return nil, decimal.Zero, false, pkgerrors.New(pkgerrors.CodeUnauthorized, "login required for test charges")
		}
		return &cart.Cart{}, s.testCharge, true, nil
	}
	c, err := s.cart.Load(ctx, req.Principal, req.selection())
	if err != nil {
		return nil, decimal.Zero, false, err
	}
	return c, c.Total(), false, nil
}

func (s *Service) rejectStaleTotal(ctx context.Context, c *cart.Cart, req Request, total decimal.Decimal) (*Result, error) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"submitted_total": req.SubmittedTotal.StringFixed(2),
		"total":           total.StringFixed(2),
	})
	s.logg.Warn(logCtx, "submitted total does not match cart")
	if err := s.cart.Repository().ResetVoucherCodes(ctx, c); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reset voucher codes")
	}
	return &Result{
		Redirect:     RedirectCart,
		Reason:       "some items in your cart have changed, please review and try again",
		CheckoutType: req.Type,
		Total:        total,
	}, nil
}

// completeWithoutPayment settles a cart fully covered by vouchers.
func (s *Service) completeWithoutPayment(ctx context.Context, c *cart.Cart, req Request, result *Result) (*Result, error) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		inv, err := s.invoices.GetOrCreate(ctx, tx, c, req.Username, decimal.Zero, false)
		if err != nil {
			return err
		}
		result.InvoiceID = inv.InvoiceID
		paidAt := s.now().UTC()
		if err := s.invoices.ApplyPaid(ctx, tx, inv, c, paidAt); err != nil {
			return err
		}
		confirmed := outbox.DomainEvent{
			EventType:     enums.EventPaymentConfirmed,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   inv.ID,
			Actor:         &outbox.ActorRef{Email: inv.Username},
			Data: payloads.PaymentConfirmedEvent{
				InvoiceID: inv.InvoiceID,
				Username:  inv.Username,
				Items:     paidItems(c.Items),
				PaidAt:    paidAt,
			},
		}
		if err := s.outbox.EmitIfNotExists(ctx, tx, confirmed); err != nil {
			return err
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.Activity(confirmed, fmt.Sprintf(
			"Invoice %s for %s settled with vouchers: %d item(s), no payment taken",
			inv.InvoiceID, inv.Username, len(c.Items))))
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete zero total checkout")
	}
	s.logg.Info(s.logg.WithInvoiceID(ctx, result.InvoiceID), "checkout completed without payment")
	result.Complete = true
	result.Redirect = RedirectComplete
	return result, nil
}

type intentState int

const (
	intentReady intentState = iota
	intentAlreadyPaid
	intentUnavailable
)

// bindPaymentIntent reuses the invoice's payment intent, updating it in place
// when the amount or metadata changed, or creates a new one. Processor errors
// are resolved by re-reading the intent.
func (s *Service) bindPaymentIntent(ctx context.Context, conn processor.Connector, existingID *string, input processor.PaymentIntentInput) (*stripe.PaymentIntent, intentState) {
	if existingID != nil && *existingID != "" {
		pi, err := conn.GetPaymentIntent(ctx, *existingID)
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "stored payment intent could not be read, creating a new one")
		} else {
			if pi.Status == stripe.PaymentIntentStatusSucceeded {
				return pi, intentAlreadyPaid
			}
			if pi.Amount == processor.ToMinorUnits(input.Amount) && sameMetadata(pi.Metadata, input.Metadata) {
				return pi, intentReady
			}
			update := input
			update.Metadata = processor.ReplaceMetadata(pi.Metadata, input.Metadata)
			updated, err := conn.UpdatePaymentIntent(ctx, pi.ID, update)
			if err == nil {
				return updated, intentReady
			}
			s.logg.Error(ctx, "update payment intent", err)
			return s.resolveAfterFailure(ctx, conn, pi.ID)
		}
	}

	pi, err := conn.CreatePaymentIntent(ctx, input)
	if err != nil {
		s.logg.Error(ctx, "create payment intent", err)
		return nil, intentUnavailable
	}
	return pi, intentReady
}

func (s *Service) resolveAfterFailure(ctx context.Context, conn processor.Connector, id string) (*stripe.PaymentIntent, intentState) {
	pi, err := conn.GetPaymentIntent(ctx, id)
	if err != nil {
		return nil, intentUnavailable
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		return pi, intentAlreadyPaid
	}
	return nil, intentUnavailable
}

func sameMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func describe(kind enums.CheckoutType, c *cart.Cart, invoiceID string) string {
	if kind == enums.CheckoutStripeTest {
		return "Stripe test charge " + invoiceID
	}
	return fmt.Sprintf("%s (invoice %s)", c.Describe(), invoiceID)
}

func paidItems(items []cart.Item) []payloads.PaidItem {
	out := make([]payloads.PaidItem, 0, len(items))
	for _, item := range items {
		out = append(out, payloads.PaidItem{
			Kind:    item.Kind,
			ID:      item.ID,
			Name:    item.Name,
			CostInP: processor.ToMinorUnits(item.Cost),
			Voucher: item.VoucherCode,
		})
	}
	return out
}
