package enums

import "fmt"

// CheckoutType discriminates the mutually exclusive cart totals a client can
// submit for payment.
type CheckoutType string

const (
	CheckoutBookings       CheckoutType = "bookings"
	CheckoutBlocks         CheckoutType = "blocks"
	CheckoutTicketBookings CheckoutType = "ticket_bookings"
	CheckoutGiftVoucher    CheckoutType = "gift_voucher"
	CheckoutStripeTest     CheckoutType = "stripe_test"
)

var validCheckoutTypes = []CheckoutType{
	CheckoutBookings,
	CheckoutBlocks,
	CheckoutTicketBookings,
	CheckoutGiftVoucher,
	CheckoutStripeTest,
}

func (c CheckoutType) IsValid() bool {
	for _, candidate := range validCheckoutTypes {
		if candidate == c {
			return true
		}
	}
	return false
}

// AllowsGuest reports whether an unauthenticated principal may pay for this
// checkout type.
func (c CheckoutType) AllowsGuest() bool {
	return c == CheckoutGiftVoucher
}

// ItemKind returns the line item kind a checkout of this type is made of.
func (c CheckoutType) ItemKind() (ItemKind, bool) {
	switch c {
	case CheckoutBookings:
		return ItemBooking, true
	case CheckoutBlocks:
		return ItemBlock, true
	case CheckoutTicketBookings:
		return ItemTicketBooking, true
	case CheckoutGiftVoucher:
		return ItemGiftVoucher, true
	}
	return "", false
}

func ParseCheckoutType(value string) (CheckoutType, error) {
	for _, candidate := range validCheckoutTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid checkout type %q", value)
}

// ItemKind names a payable line item family. The value is used verbatim as
// the prefix of payment intent metadata keys.
type ItemKind string

const (
	ItemBooking       ItemKind = "booking"
	ItemBlock         ItemKind = "block"
	ItemTicketBooking ItemKind = "ticket_booking"
	ItemGiftVoucher   ItemKind = "gift_voucher"
)

var validItemKinds = []ItemKind{ItemBooking, ItemBlock, ItemTicketBooking, ItemGiftVoucher}

func (k ItemKind) IsValid() bool {
	for _, candidate := range validItemKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func ParseItemKind(value string) (ItemKind, error) {
	for _, candidate := range validItemKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid item kind %q", value)
}

// BookingStatus mirrors the booking domain's open/cancelled flag.
type BookingStatus string

const (
	BookingStatusOpen      BookingStatus = "OPEN"
	BookingStatusCancelled BookingStatus = "CANCELLED"
)
