package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/internal/invoices"
	"github.com/studiobooking/payments-backend/internal/payments"
	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/metrics"
	"github.com/studiobooking/payments-backend/pkg/outbox"
	"github.com/studiobooking/payments-backend/pkg/outbox/payloads"
)

// ErrMalformedPayload marks an event whose object could not be decoded. The
// delivery is answered with 400.
var ErrMalformedPayload = errors.New("malformed event payload")

// Outcome classifies a delivery that should be acknowledged.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	// OutcomeIgnored covers events for other accounts, event types the
	// studio does not act on and deliveries while no seller is connected.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected is a data or business error that redelivery cannot
	// fix. Operators have been notified.
	OutcomeRejected Outcome = "rejected"
)

type paymentHandler interface {
	ConfirmPaymentIntent(ctx context.Context, pi *stripe.PaymentIntent) (payments.Outcome, error)
	RecordFailure(ctx context.Context, pi *stripe.PaymentIntent) error
}

type membershipHandler interface {
	SubscriptionCreated(ctx context.Context, sub *stripe.Subscription) error
	SubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error
	SubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error
	SetupIntentSucceeded(ctx context.Context, si *stripe.SetupIntent) error
	ProductUpdated(ctx context.Context, product *stripe.Product) (bool, error)
	RecordSubscriptionInvoice(ctx context.Context, inv *stripe.Invoice) error
	RenewalUpcoming(ctx context.Context, inv *stripe.Invoice) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ServiceParams struct {
	Payments    paymentHandler
	Memberships membershipHandler
	Provider    processor.Provider
	DB          txRunner
	Outbox      outboxEmitter
	Metrics     *metrics.WebhookMetrics
	Logger      *logger.Logger
}

// Service routes verified processor events to the payment and membership
// handlers.
type Service struct {
	payments    paymentHandler
	memberships membershipHandler
	provider    processor.Provider
	db          txRunner
	outbox      outboxEmitter
	metrics     *metrics.WebhookMetrics
	logg        *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment service required")
	}
	if params.Memberships == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "membership service required")
	}
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "processor provider required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		payments:    params.Payments,
		memberships: params.Memberships,
		provider:    params.Provider,
		db:          params.DB,
		outbox:      params.Outbox,
		metrics:     params.Metrics,
		logg:        params.Logger,
	}, nil
}

// HandleEvent applies one event. A returned error means the delivery should
// be retried; everything else is acknowledged.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) (Outcome, error) {
	if event == nil || event.Data == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	ctx = s.logg.WithEvent(ctx, event.ID, string(event.Type))

	outcome, err := s.handle(ctx, event)
	if err != nil {
		outcome, err = s.classify(ctx, event, err)
	}
	label := string(outcome)
	if err != nil {
		label = "retry"
	}
	s.metrics.Observe(string(event.Type), label)
	return outcome, err
}

func (s *Service) handle(ctx context.Context, event *stripe.Event) (Outcome, error) {
	kind := ParseEventKind(event.Type)
	if kind == KindUnhandled {
		s.logg.Debug(ctx, "event type not handled")
		return OutcomeIgnored, nil
	}

	conn, err := s.provider.Connector(ctx)
	noSeller := errors.Is(err, processor.ErrNoSeller)
	if err != nil && !noSeller {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve processor connector")
	}
	if !kind.accountScoped() {
		studioAccount := ""
		if !noSeller {
			studioAccount = conn.AccountID()
		}
		return s.accountConnection(ctx, kind, event, studioAccount)
	}
	if noSeller {
		s.logg.Warn(ctx, "no seller account connected, event ignored")
		return OutcomeIgnored, nil
	}
	if event.Account != conn.AccountID() {
		s.logg.Info(s.logg.WithField(ctx, "account", event.Account), "event for another account ignored")
		return OutcomeIgnored, nil
	}

	return s.dispatch(ctx, kind, event)
}

func (s *Service) dispatch(ctx context.Context, kind EventKind, event *stripe.Event) (Outcome, error) {
	switch kind {
	case KindPaymentIntentSucceeded:
		return s.paymentSucceeded(ctx, event)
	case KindPaymentIntentFailed:
		return s.paymentFailed(ctx, event)
	case KindSubscriptionCreated:
		return decodeAnd(event, s.memberships.SubscriptionCreated)(ctx)
	case KindSubscriptionUpdated:
		return decodeAnd(event, s.memberships.SubscriptionUpdated)(ctx)
	case KindSubscriptionDeleted:
		return decodeAnd(event, s.memberships.SubscriptionDeleted)(ctx)
	case KindSetupIntentSucceeded:
		return decodeAnd(event, s.memberships.SetupIntentSucceeded)(ctx)
	case KindProductUpdated:
		return s.productUpdated(ctx, event)
	case KindInvoiceFinalized, KindInvoicePaid:
		return decodeAnd(event, s.memberships.RecordSubscriptionInvoice)(ctx)
	case KindInvoiceUpcoming:
		return decodeAnd(event, s.memberships.RenewalUpcoming)(ctx)
	case KindSourceExpiring:
		return s.sourceExpiring(ctx, event)
	case KindChargeRefunded:
		return s.chargeRefunded(ctx, event)
	case KindRefundUpdated:
		return s.refundUpdated(ctx, event)
	case KindUnhandled, KindAccountAuthorized, KindAccountDeauthorized:
		return OutcomeIgnored, nil
	}
	return "", pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("no handler for event kind %d", kind))
}

// decodeAnd unmarshals the event object into T and hands it to fn.
func decodeAnd[T any](event *stripe.Event, fn func(context.Context, *T) error) func(context.Context) (Outcome, error) {
	return func(ctx context.Context) (Outcome, error) {
		obj, err := decode[T](event)
		if err != nil {
			return "", err
		}
		if err := fn(ctx, obj); err != nil {
			return "", err
		}
		return OutcomeProcessed, nil
	}
}

func decode[T any](event *stripe.Event) (*T, error) {
	var obj T
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, fmt.Errorf("%w: %w", ErrMalformedPayload, err), fmt.Sprintf("decode %s payload", event.Type))
	}
	return &obj, nil
}

func (s *Service) paymentSucceeded(ctx context.Context, event *stripe.Event) (Outcome, error) {
	pi, err := decode[stripe.PaymentIntent](event)
	if err != nil {
		return "", err
	}
	outcome, err := s.payments.ConfirmPaymentIntent(ctx, pi)
	if err != nil {
		return "", err
	}
	if outcome == payments.OutcomeNotOurs {
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, nil
}

func (s *Service) paymentFailed(ctx context.Context, event *stripe.Event) (Outcome, error) {
	pi, err := decode[stripe.PaymentIntent](event)
	if err != nil {
		return "", err
	}
	if err := s.payments.RecordFailure(ctx, pi); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *Service) productUpdated(ctx context.Context, event *stripe.Event) (Outcome, error) {
	product, err := decode[stripe.Product](event)
	if err != nil {
		return "", err
	}
	changed, err := s.memberships.ProductUpdated(ctx, product)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, nil
}

func (s *Service) sourceExpiring(ctx context.Context, event *stripe.Event) (Outcome, error) {
	card, err := decode[stripe.Card](event)
	if err != nil {
		return "", err
	}
	customerID := ""
	if card.Customer != nil {
		customerID = card.Customer.ID
	}
	if customerID == "" {
		return OutcomeIgnored, nil
	}
	err = s.emit(ctx, outbox.DomainEvent{
		EventType:     enums.EventCardExpiring,
		AggregateType: enums.AggregateProcessorEvent,
		AggregateID:   outbox.ProcessorAggregateID(event.ID),
		Data: payloads.CardExpiringEvent{
			CustomerID: customerID,
			Brand:      string(card.Brand),
			Last4:      card.Last4,
			ExpMonth:   card.ExpMonth,
			ExpYear:    card.ExpYear,
		},
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *Service) chargeRefunded(ctx context.Context, event *stripe.Event) (Outcome, error) {
	ch, err := decode[stripe.Charge](event)
	if err != nil {
		return "", err
	}
	refund := payloads.RefundReceivedEvent{
		ObjectID:  ch.ID,
		InvoiceID: ch.Metadata[invoices.MetadataInvoiceID],
		AmountInP: ch.AmountRefunded,
		Status:    string(ch.Status),
	}
	if ch.PaymentIntent != nil {
		refund.PaymentIntentID = ch.PaymentIntent.ID
	}
	return s.refundReceived(ctx, event, refund)
}

func (s *Service) refundUpdated(ctx context.Context, event *stripe.Event) (Outcome, error) {
	r, err := decode[stripe.Refund](event)
	if err != nil {
		return "", err
	}
	refund := payloads.RefundReceivedEvent{
		ObjectID:  r.ID,
		InvoiceID: r.Metadata[invoices.MetadataInvoiceID],
		AmountInP: r.Amount,
		Status:    string(r.Status),
	}
	if r.PaymentIntent != nil {
		refund.PaymentIntentID = r.PaymentIntent.ID
	}
	return s.refundReceived(ctx, event, refund)
}

// refundReceived hands refunds to studio staff. Refunds are never applied
// to local state automatically.
func (s *Service) refundReceived(ctx context.Context, event *stripe.Event, refund payloads.RefundReceivedEvent) (Outcome, error) {
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"object_id":         refund.ObjectID,
		"payment_intent_id": refund.PaymentIntentID,
		"invoice_id":        refund.InvoiceID,
	}), "refund received")
	err := s.emit(ctx, outbox.DomainEvent{
		EventType:     enums.EventRefundReceived,
		AggregateType: enums.AggregateProcessorEvent,
		AggregateID:   outbox.ProcessorAggregateID(event.ID),
		Data:          refund,
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

// accountConnection reports changes to the platform's access to connected
// accounts. studioAccount is "" when no seller is connected.
func (s *Service) accountConnection(ctx context.Context, kind EventKind, event *stripe.Event, studioAccount string) (Outcome, error) {
	logCtx := s.logg.WithField(ctx, "account", event.Account)
	switch {
	case kind == KindAccountDeauthorized && (studioAccount == "" || event.Account == studioAccount):
		s.logg.Warn(logCtx, "studio processor account disconnected")
		return OutcomeProcessed, s.alert(ctx, event, "Processor account disconnected",
			fmt.Sprintf("Account %s was disconnected; payments will fail until it is reconnected", event.Account))
	case kind == KindAccountAuthorized && event.Account != studioAccount:
		s.logg.Error(logCtx, "connected account has no seller", nil)
		return OutcomeProcessed, s.alert(ctx, event, "Processor account has no seller",
			fmt.Sprintf("Account %s was authorised but is not the studio's seller account", event.Account))
	}
	s.logg.Info(logCtx, "account connection event")
	return OutcomeProcessed, nil
}

// classify turns a handler error into the delivery result. Data and business
// errors are acknowledged after notifying operators; malformed payloads and
// anything else are retried.
func (s *Service) classify(ctx context.Context, event *stripe.Event, err error) (Outcome, error) {
	if errors.Is(err, ErrMalformedPayload) {
		s.logg.Error(ctx, "event payload could not be decoded", err)
		return "", err
	}

	typed := pkgerrors.As(err)
	code := pkgerrors.CodeInternal
	if typed != nil {
		code = typed.Code()
	}

	switch code {
	case pkgerrors.CodeIntegrity:
		// the payment handler has already queued its own notice
		s.logg.Error(ctx, "payment integrity error", err)
		return OutcomeRejected, nil
	case pkgerrors.CodeNotFound, pkgerrors.CodeStateConflict, pkgerrors.CodeConflict,
		pkgerrors.CodeValidation, pkgerrors.CodePreprocessing:
		s.logg.Error(ctx, "event rejected", err)
		if alertErr := s.alert(ctx, event, "Webhook event could not be applied", err.Error()); alertErr != nil {
			return "", alertErr
		}
		return OutcomeRejected, nil
	}

	s.logg.Error(ctx, "event processing failed", err)
	if alertErr := s.alert(ctx, event, "Webhook event processing failed", err.Error()); alertErr != nil {
		s.logg.Error(ctx, "queue operator alert", alertErr)
	}
	return "", err
}

func (s *Service) alert(ctx context.Context, event *stripe.Event, subject, message string) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOperatorAlert,
			AggregateType: enums.AggregateProcessorEvent,
			AggregateID:   outbox.ProcessorAggregateID(event.ID),
			Data: payloads.OperatorAlertEvent{
				Subject:   subject,
				Message:   message,
				EventID:   event.ID,
				EventType: string(event.Type),
			},
		})
	})
}

func (s *Service) emit(ctx context.Context, event outbox.DomainEvent) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.EmitIfNotExists(ctx, tx, event)
	})
}
