package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

// PaidItem is one line of a confirmed payment.
type PaidItem struct {
	Kind    enums.ItemKind `json:"kind"`
	ID      uuid.UUID      `json:"id"`
	Name    string         `json:"name"`
	CostInP int64          `json:"cost_in_p"`
	Voucher string         `json:"voucher,omitempty"`
}

// PaymentConfirmedEvent is emitted once per invoice when it is marked paid.
type PaymentConfirmedEvent struct {
	InvoiceID       string     `json:"invoice_id"`
	Username        string     `json:"username"`
	AmountInP       int64      `json:"amount_in_p"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	Items           []PaidItem `json:"items"`
	PaidAt          time.Time  `json:"paid_at"`
}

// PaymentStatusEvent reports a non-final or failed payment from the browser
// return path or a payment_failed webhook.
type PaymentStatusEvent struct {
	PaymentIntentID string `json:"payment_intent_id"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

// IntegrityErrorEvent tells operators a payment could not be matched to our
// records.
type IntegrityErrorEvent struct {
	PaymentIntentID string `json:"payment_intent_id"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	ProcessorEvent  string `json:"processor_event,omitempty"`
	Reason          string `json:"reason"`
}

// MembershipEvent covers activation, past-due and cancellation notices.
type MembershipEvent struct {
	UserMembershipID uuid.UUID                `json:"user_membership_id"`
	UserID           uuid.UUID                `json:"user_id"`
	MembershipID     uuid.UUID                `json:"membership_id"`
	MembershipName   string                   `json:"membership_name"`
	SubscriptionID   string                   `json:"subscription_id"`
	Status           enums.SubscriptionStatus `json:"status"`
	StartDate        time.Time                `json:"start_date"`
	EndDate          *time.Time               `json:"end_date,omitempty"`
}

// MembershipPriceChangedEvent flags a subscription whose billed price no
// longer matches its membership.
type MembershipPriceChangedEvent struct {
	UserMembershipID uuid.UUID `json:"user_membership_id"`
	SubscriptionID   string    `json:"subscription_id"`
	OldMembershipID  uuid.UUID `json:"old_membership_id"`
	NewMembershipID  uuid.UUID `json:"new_membership_id"`
	PriceID          string    `json:"price_id"`
}

// RenewalUpcomingEvent warns a member their next invoice is about to be raised.
type RenewalUpcomingEvent struct {
	UserMembershipID uuid.UUID `json:"user_membership_id"`
	UserID           uuid.UUID `json:"user_id"`
	SubscriptionID   string    `json:"subscription_id"`
	AmountDueInP     int64     `json:"amount_due_in_p"`
	NextPaymentDate  time.Time `json:"next_payment_date"`
	DiscountRemoved  bool      `json:"discount_removed"`
}

// CardExpiringEvent asks a customer to update their saved card.
type CardExpiringEvent struct {
	CustomerID string `json:"customer_id"`
	Brand      string `json:"brand,omitempty"`
	Last4      string `json:"last4,omitempty"`
	ExpMonth   int64  `json:"exp_month"`
	ExpYear    int64  `json:"exp_year"`
}

// RefundReceivedEvent records a refund raised on the processor side.
type RefundReceivedEvent struct {
	ObjectID        string `json:"object_id"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	AmountInP       int64  `json:"amount_in_p"`
	Status          string `json:"status,omitempty"`
}

// OperatorAlertEvent is a free-form message for studio staff.
type OperatorAlertEvent struct {
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// ActivityEvent is one line of the studio activity log: a human readable
// record of a payment or membership change, kept for staff auditing.
type ActivityEvent struct {
	Action      string     `json:"action"`
	SubjectType string     `json:"subject_type"`
	SubjectID   uuid.UUID  `json:"subject_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	Log         string     `json:"log"`
}
