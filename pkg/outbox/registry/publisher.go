package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	"github.com/studiobooking/payments-backend/pkg/outbox"
	"github.com/studiobooking/payments-backend/pkg/outbox/payloads"
)

// EventDescriptor links an event type to its aggregate/topic/payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() interface{}
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    interface{}
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the dispatcher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewEventRegistry builds the registry with the configured topic names.
// Operator-facing events go to the operator topic regardless of aggregate;
// activity entries go to their own topic when one is configured.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.PaymentsTopic == "" {
		return nil, fmt.Errorf("payments topic is required")
	}
	if cfg.MembershipsTopic == "" {
		return nil, fmt.Errorf("memberships topic is required")
	}
	if cfg.OperatorTopic == "" {
		return nil, fmt.Errorf("operator topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}

	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventPaymentConfirmed,
			AggregateType:  enums.AggregateInvoice,
			Topic:          cfg.PaymentsTopic,
			PayloadFactory: func() interface{} { return &payloads.PaymentConfirmedEvent{} },
		},
		{
			EventType:      enums.EventPaymentProcessing,
			AggregateType:  enums.AggregatePaymentIntent,
			Topic:          cfg.PaymentsTopic,
			PayloadFactory: func() interface{} { return &payloads.PaymentStatusEvent{} },
		},
		{
			EventType:      enums.EventPaymentFailed,
			AggregateType:  enums.AggregatePaymentIntent,
			Topic:          cfg.PaymentsTopic,
			PayloadFactory: func() interface{} { return &payloads.PaymentStatusEvent{} },
		},
	} {
		reg.register(desc)
	}

	for _, eventType := range []enums.OutboxEventType{
		enums.EventMembershipActivated,
		enums.EventMembershipPastDue,
		enums.EventMembershipCancelled,
	} {
		reg.register(EventDescriptor{
			EventType:      eventType,
			AggregateType:  enums.AggregateUserMembership,
			Topic:          cfg.MembershipsTopic,
			PayloadFactory: func() interface{} { return &payloads.MembershipEvent{} },
		})
	}
	reg.register(EventDescriptor{
		EventType:      enums.EventRenewalUpcoming,
		AggregateType:  enums.AggregateUserMembership,
		Topic:          cfg.MembershipsTopic,
		PayloadFactory: func() interface{} { return &payloads.RenewalUpcomingEvent{} },
	})
	reg.register(EventDescriptor{
		EventType:      enums.EventCardExpiring,
		AggregateType:  enums.AggregateProcessorEvent,
		Topic:          cfg.MembershipsTopic,
		PayloadFactory: func() interface{} { return &payloads.CardExpiringEvent{} },
	})

	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventPaymentIntegrityError,
			AggregateType:  enums.AggregatePaymentIntent,
			PayloadFactory: func() interface{} { return &payloads.IntegrityErrorEvent{} },
		},
		{
			EventType:      enums.EventMembershipPriceChanged,
			AggregateType:  enums.AggregateUserMembership,
			PayloadFactory: func() interface{} { return &payloads.MembershipPriceChangedEvent{} },
		},
		{
			EventType:      enums.EventRefundReceived,
			AggregateType:  enums.AggregateProcessorEvent,
			PayloadFactory: func() interface{} { return &payloads.RefundReceivedEvent{} },
		},
		{
			EventType:      enums.EventOperatorAlert,
			AggregateType:  enums.AggregateProcessorEvent,
			PayloadFactory: func() interface{} { return &payloads.OperatorAlertEvent{} },
		},
	} {
		desc.Topic = cfg.OperatorTopic
		reg.register(desc)
	}

	activityTopic := cfg.ActivityTopic
	if activityTopic == "" {
		activityTopic = cfg.OperatorTopic
	}
	reg.register(EventDescriptor{
		EventType:      enums.EventActivityRecorded,
		AggregateType:  enums.AggregateActivity,
		Topic:          activityTopic,
		PayloadFactory: func() interface{} { return &payloads.ActivityEvent{} },
	})

	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.EventType] = desc
}

// Descriptor returns the registered descriptor for an event type.
func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}

	payload := desc.PayloadFactory()
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}
