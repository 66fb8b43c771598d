package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateInvoice        OutboxAggregateType = "invoice"
	AggregateUserMembership OutboxAggregateType = "user_membership"
	AggregateMembership     OutboxAggregateType = "membership"
	AggregatePaymentIntent  OutboxAggregateType = "payment_intent"
	AggregateProcessorEvent OutboxAggregateType = "processor_event"
	AggregateActivity       OutboxAggregateType = "activity"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateInvoice,
	AggregateUserMembership,
	AggregateMembership,
	AggregatePaymentIntent,
	AggregateProcessorEvent,
	AggregateActivity,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres. Every value is a
// notification side effect raised by the payment core and delivered by the
// outbox publisher.
type OutboxEventType string

const (
	EventPaymentConfirmed       OutboxEventType = "payment_confirmed"
	EventPaymentProcessing      OutboxEventType = "payment_processing"
	EventPaymentFailed          OutboxEventType = "payment_failed"
	EventPaymentIntegrityError  OutboxEventType = "payment_integrity_error"
	EventMembershipActivated    OutboxEventType = "membership_activated"
	EventMembershipPastDue      OutboxEventType = "membership_past_due"
	EventMembershipPriceChanged OutboxEventType = "membership_price_changed"
	EventMembershipCancelled    OutboxEventType = "membership_cancelled"
	EventRenewalUpcoming        OutboxEventType = "renewal_upcoming"
	EventCardExpiring           OutboxEventType = "card_expiring"
	EventRefundReceived         OutboxEventType = "refund_received"
	EventOperatorAlert          OutboxEventType = "operator_alert"
	EventActivityRecorded       OutboxEventType = "activity_recorded"
)

var validOutboxEventTypes = []OutboxEventType{
	EventPaymentConfirmed,
	EventPaymentProcessing,
	EventPaymentFailed,
	EventPaymentIntegrityError,
	EventMembershipActivated,
	EventMembershipPastDue,
	EventMembershipPriceChanged,
	EventMembershipCancelled,
	EventRenewalUpcoming,
	EventCardExpiring,
	EventRefundReceived,
	EventOperatorAlert,
	EventActivityRecorded,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// IsOperatorFacing reports whether the event is addressed to studio staff
// rather than to the paying user.
func (e OutboxEventType) IsOperatorFacing() bool {
	switch e {
	case EventPaymentIntegrityError, EventMembershipPriceChanged, EventOperatorAlert, EventRefundReceived:
		return true
	}
	return false
}

// Audience is the "audience" attribute published with the event. Activity
// entries are an audit trail and are never sent to anyone.
func (e OutboxEventType) Audience() string {
	switch {
	case e == EventActivityRecorded:
		return "audit"
	case e.IsOperatorFacing():
		return "operator"
	}
	return "user"
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
