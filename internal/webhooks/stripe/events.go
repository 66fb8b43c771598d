package stripewebhook

import "github.com/stripe/stripe-go/v84"

// EventKind is the closed set of processor events the studio acts on.
type EventKind int

const (
	KindUnhandled EventKind = iota
	KindPaymentIntentSucceeded
	KindPaymentIntentFailed
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindSetupIntentSucceeded
	KindProductUpdated
	KindInvoiceFinalized
	KindInvoicePaid
	KindInvoiceUpcoming
	KindSourceExpiring
	KindChargeRefunded
	KindRefundUpdated
	KindAccountAuthorized
	KindAccountDeauthorized
)

var eventKinds = map[stripe.EventType]EventKind{
	stripe.EventTypePaymentIntentSucceeded:         KindPaymentIntentSucceeded,
	stripe.EventTypePaymentIntentPaymentFailed:     KindPaymentIntentFailed,
	stripe.EventTypeCustomerSubscriptionCreated:    KindSubscriptionCreated,
	stripe.EventTypeCustomerSubscriptionUpdated:    KindSubscriptionUpdated,
	stripe.EventTypeCustomerSubscriptionDeleted:    KindSubscriptionDeleted,
	stripe.EventTypeSetupIntentSucceeded:           KindSetupIntentSucceeded,
	stripe.EventTypeProductUpdated:                 KindProductUpdated,
	stripe.EventTypeInvoiceFinalized:               KindInvoiceFinalized,
	stripe.EventTypeInvoicePaid:                    KindInvoicePaid,
	stripe.EventTypeInvoiceUpcoming:                KindInvoiceUpcoming,
	stripe.EventTypeCustomerSourceExpiring:         KindSourceExpiring,
	stripe.EventTypeChargeRefunded:                 KindChargeRefunded,
	stripe.EventTypeChargeRefundUpdated:            KindRefundUpdated,
	stripe.EventTypeAccountApplicationAuthorized:   KindAccountAuthorized,
	stripe.EventTypeAccountApplicationDeauthorized: KindAccountDeauthorized,
}

// ParseEventKind maps a raw event type onto EventKind. Anything else is
// KindUnhandled.
func ParseEventKind(t stripe.EventType) EventKind {
	if kind, ok := eventKinds[t]; ok {
		return kind
	}
	return KindUnhandled
}

// accountScoped reports whether the event must come from the studio's
// connected account to be acted on. Authorization events describe the
// connection itself.
func (k EventKind) accountScoped() bool {
	return k != KindAccountAuthorized && k != KindAccountDeauthorized
}
