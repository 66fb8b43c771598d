package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/internal/cart"
	"github.com/studiobooking/payments-backend/internal/invoices"
	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/outbox"
	"github.com/studiobooking/payments-backend/pkg/outbox/payloads"
)

// Outcome is the result of a confirmation attempt that did not fail.
type Outcome string

const (
	// OutcomeNotOurs means the intent carries no invoice id, typically a
	// subscription payment.
	OutcomeNotOurs     Outcome = "not_ours"
	OutcomeAlreadyPaid Outcome = "already_paid"
	OutcomeConfirmed   Outcome = "confirmed"
)

// BrowserStatus is what the payment return page shows.
type BrowserStatus string

const (
	BrowserSucceeded  BrowserStatus = "succeeded"
	BrowserProcessing BrowserStatus = "processing"
	BrowserFailed     BrowserStatus = "failed"
)

type BrowserResult struct {
	Status    BrowserStatus
	Outcome   Outcome
	InvoiceID string
	Reason    string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ServiceParams struct {
	DB       txRunner
	Invoices *invoices.Service
	Intents  IntentRepository
	Provider processor.Provider
	Outbox   outboxEmitter
	Logger   *logger.Logger
}

// Service confirms processor payments against local invoices. It is safe to
// run for the same payment intent from the browser return and the webhook at
// once: the invoice paid flag is the only synchronization point.
type Service struct {
	db       txRunner
	invoices *invoices.Service
	intents  IntentRepository
	provider processor.Provider
	outbox   outboxEmitter
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
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
	return &Service{
		db:       params.DB,
		invoices: params.Invoices,
		intents:  params.Intents,
		provider: params.Provider,
		outbox:   params.Outbox,
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

// ConfirmPaymentIntent marks the invoice referenced by a succeeded payment
// intent paid, exactly once. Integrity failures are returned with
// CodeIntegrity after an operator notification has been queued.
func (s *Service) ConfirmPaymentIntent(ctx context.Context, pi *stripe.PaymentIntent) (Outcome, error) {
	if pi == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payment intent required")
	}
	invoiceID := pi.Metadata[invoices.MetadataInvoiceID]
	if invoiceID == "" {
		return OutcomeNotOurs, nil
	}
	ctx = s.logg.WithInvoiceID(ctx, invoiceID)
	ctx = s.logg.WithField(ctx, "payment_intent_id", pi.ID)

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("payment intent is %s, not succeeded", pi.Status))
	}

	// The billing email lookup is a processor round trip, so it happens
	// before the transaction opens.
	billingEmail := s.guestBillingEmail(ctx, invoiceID, pi)

	outcome := OutcomeConfirmed
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		inv, err := s.invoices.Repository().WithTx(tx).FindByInvoiceID(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return pkgerrors.Wrap(pkgerrors.CodeIntegrity, invoices.ErrInvoiceNotFound,
				fmt.Sprintf("invoice %s referenced by payment intent %s does not exist", invoiceID, pi.ID))
		}
		if err := s.invoices.Verify(inv, pi.Metadata[invoices.MetadataInvoiceSignature], pi.Amount); err != nil {
			return err
		}
		if err := s.intents.WithTx(tx).Upsert(ctx, IntentRecord(pi, &inv.ID)); err != nil {
			return fmt.Errorf("record payment intent: %w", err)
		}
		if inv.Paid {
			outcome = OutcomeAlreadyPaid
			return nil
		}

		items, err := s.invoices.Items(ctx, tx, inv)
		if err != nil {
			return fmt.Errorf("load invoice items: %w", err)
		}
		if err := s.invoices.BackfillUsername(ctx, tx, inv, items, billingEmail); err != nil {
			return err
		}
		if inv.StripePaymentIntentID == nil {
			id := pi.ID
			inv.StripePaymentIntentID = &id
		}
		paidAt := s.now().UTC()
		if err := s.invoices.ApplyPaid(ctx, tx, inv, items, paidAt); err != nil {
			return err
		}

		confirmed := outbox.DomainEvent{
			EventType:     enums.EventPaymentConfirmed,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   inv.ID,
			Actor:         &outbox.ActorRef{Email: inv.Username},
			Data: payloads.PaymentConfirmedEvent{
				InvoiceID:       inv.InvoiceID,
				Username:        inv.Username,
				AmountInP:       pi.Amount,
				PaymentIntentID: pi.ID,
				Items:           PaidItems(items, pi.Metadata),
				PaidAt:          paidAt,
			},
		}
		if err := s.outbox.EmitIfNotExists(ctx, tx, confirmed); err != nil {
			return err
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.Activity(confirmed, fmt.Sprintf(
			"Invoice %s paid by %s: %d item(s), %s (payment intent %s)",
			inv.InvoiceID, inv.Username, len(items.Refs()), "£"+decimal.New(pi.Amount, -2).StringFixed(2), pi.ID)))
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeIntegrity) {
			s.logg.Error(ctx, "payment integrity error", err)
			s.reportIntegrity(ctx, pi, invoiceID, "", err)
		}
		return "", err
	}

	switch outcome {
	case OutcomeAlreadyPaid:
		s.logg.Info(ctx, "invoice already paid")
	default:
		s.logg.Info(ctx, "invoice paid")
	}
	return outcome, nil
}

// CompleteFromBrowser handles the customer's return from the payment page.
func (s *Service) CompleteFromBrowser(ctx context.Context, paymentIntentID string) (*BrowserResult, error) {
	if paymentIntentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment_intent is required")
	}
	conn, err := s.provider.Connector(ctx)
	if err != nil {
		if errors.Is(err, processor.ErrNoSeller) {
			return nil, pkgerrors.Wrap(pkgerrors.CodePreprocessing, err, "payments are not configured for this studio")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve processor account")
	}
	pi, err := conn.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieve payment intent")
	}

	result := &BrowserResult{InvoiceID: pi.Metadata[invoices.MetadataInvoiceID]}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		outcome, err := s.ConfirmPaymentIntent(ctx, pi)
		if err != nil {
			return nil, err
		}
		result.Status = BrowserSucceeded
		result.Outcome = outcome
	case stripe.PaymentIntentStatusProcessing:
		result.Status = BrowserProcessing
		if err := s.emitStatus(ctx, pi, enums.EventPaymentProcessing); err != nil {
			return nil, err
		}
	default:
		result.Status = BrowserFailed
		result.Reason = failureReason(pi)
		if err := s.RecordFailure(ctx, pi); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RecordFailure notifies the customer and operators that a payment for one
// of our invoices did not go through. Intents without an invoice id are
// ignored.
func (s *Service) RecordFailure(ctx context.Context, pi *stripe.PaymentIntent) error {
	invoiceID := pi.Metadata[invoices.MetadataInvoiceID]
	if invoiceID == "" {
		return nil
	}
	reason := failureReason(pi)
	logCtx := s.logg.WithInvoiceID(ctx, invoiceID)
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"payment_intent_id": pi.ID,
		"status":            pi.Status,
		"reason":            reason,
	})
	s.logg.Warn(logCtx, "payment failed")

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		aggregateID := outbox.ProcessorAggregateID(pi.ID)
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   aggregateID,
			Data: payloads.PaymentStatusEvent{
				PaymentIntentID: pi.ID,
				InvoiceID:       invoiceID,
				Status:          string(pi.Status),
				Reason:          reason,
			},
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOperatorAlert,
			AggregateType: enums.AggregateProcessorEvent,
			AggregateID:   aggregateID,
			Data: payloads.OperatorAlertEvent{
				Subject: "Payment failed",
				Message: fmt.Sprintf("Payment %s for invoice %s ended as %s: %s", pi.ID, invoiceID, pi.Status, reason),
			},
		})
	})
}

// ReportIntegrity queues an operator notification for a payment that could
// not be matched. It uses its own transaction so it survives the rollback of
// the failed confirmation.
func (s *Service) ReportIntegrity(ctx context.Context, pi *stripe.PaymentIntent, processorEvent string, cause error) {
	s.reportIntegrity(ctx, pi, pi.Metadata[invoices.MetadataInvoiceID], processorEvent, cause)
}

func (s *Service) reportIntegrity(ctx context.Context, pi *stripe.PaymentIntent, invoiceID, processorEvent string, cause error) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentIntegrityError,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   outbox.ProcessorAggregateID(pi.ID),
			Data: payloads.IntegrityErrorEvent{
				PaymentIntentID: pi.ID,
				InvoiceID:       invoiceID,
				ProcessorEvent:  processorEvent,
				Reason:          cause.Error(),
			},
		})
	})
	if err != nil {
		s.logg.Error(ctx, "queue integrity notification", err)
	}
}

func (s *Service) emitStatus(ctx context.Context, pi *stripe.PaymentIntent, eventType enums.OutboxEventType) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     eventType,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   outbox.ProcessorAggregateID(pi.ID),
			Data: payloads.PaymentStatusEvent{
				PaymentIntentID: pi.ID,
				InvoiceID:       pi.Metadata[invoices.MetadataInvoiceID],
				Status:          string(pi.Status),
			},
		})
	})
}

// guestBillingEmail returns the charge's billing email when the invoice was
// raised for a guest and is still unpaid. Lookup failures only lose the
// backfill.
func (s *Service) guestBillingEmail(ctx context.Context, invoiceID string, pi *stripe.PaymentIntent) string {
	inv, err := s.invoices.Repository().FindByInvoiceID(ctx, invoiceID)
	if err != nil || inv == nil || inv.Paid || inv.Username != "" {
		return ""
	}
	conn, err := s.provider.Connector(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "billing email lookup skipped")
		return ""
	}
	email, err := conn.GetChargeBillingEmail(ctx, pi)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "billing email lookup failed")
		return ""
	}
	return email
}

func failureReason(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		return pi.LastPaymentError.Msg
	}
	return string(pi.Status)
}

// PaidItems recovers the per-item summary of a payment from the intent
// metadata, in the order the items are linked to the invoice.
func PaidItems(items *cart.Cart, metadata map[string]string) []payloads.PaidItem {
	refs := items.Refs()
	out := make([]payloads.PaidItem, 0, len(refs))
	for _, ref := range refs {
		paid := payloads.PaidItem{
			Kind:    ref.Kind,
			ID:      ref.ID,
			Name:    metadata[invoices.ItemMetadataKey(ref.Kind, ref.ID, invoices.SuffixItem)],
			Voucher: metadata[invoices.ItemMetadataKey(ref.Kind, ref.ID, invoices.SuffixVoucher)],
		}
		if raw := metadata[invoices.ItemMetadataKey(ref.Kind, ref.ID, invoices.SuffixCost)]; raw != "" {
			if cost, err := strconv.ParseInt(raw, 10, 64); err == nil {
				paid.CostInP = cost
			}
		}
		out = append(out, paid)
	}
	return out
}
