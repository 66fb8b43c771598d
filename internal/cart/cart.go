package cart

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

// Item is one payable line with its voucher-adjusted cost.
type Item struct {
	Kind        enums.ItemKind
	ID          uuid.UUID
	Name        string
	Cost        decimal.Decimal
	VoucherCode string
}

// Key identifies the item across kinds.
func (i Item) Key() string {
	return string(i.Kind) + ":" + i.ID.String()
}

// Cart is the set of items a principal is paying for in one checkout. Only the
// slice matching the checkout's item kind is populated, except for carts
// loaded back from an invoice which may hold any mix.
type Cart struct {
	Bookings       []models.Booking
	Blocks         []models.Block
	TicketBookings []models.TicketBooking
	GiftVouchers   []models.GiftVoucher

	// Items is filled in by pricing.
	Items []Item
	// StaleVouchers lists items whose voucher code no longer validates and was
	// ignored when pricing.
	StaleVouchers []uuid.UUID
}

func (c *Cart) Empty() bool {
	return c == nil || len(c.Bookings)+len(c.Blocks)+len(c.TicketBookings)+len(c.GiftVouchers) == 0
}

// Total sums the priced items.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	if c == nil {
		return total
	}
	for _, item := range c.Items {
		total = total.Add(item.Cost)
	}
	return total
}

// Refs lists every item in the cart by kind and id, without pricing.
func (c *Cart) Refs() []Item {
	if c == nil {
		return nil
	}
	refs := make([]Item, 0, len(c.Bookings)+len(c.Blocks)+len(c.TicketBookings)+len(c.GiftVouchers))
	for _, b := range c.Bookings {
		refs = append(refs, Item{Kind: enums.ItemBooking, ID: b.ID})
	}
	for _, b := range c.Blocks {
		refs = append(refs, Item{Kind: enums.ItemBlock, ID: b.ID})
	}
	for _, t := range c.TicketBookings {
		refs = append(refs, Item{Kind: enums.ItemTicketBooking, ID: t.ID})
	}
	for _, g := range c.GiftVouchers {
		refs = append(refs, Item{Kind: enums.ItemGiftVoucher, ID: g.ID})
	}
	return refs
}

// Keys returns the sorted identity set of every item in the cart.
func (c *Cart) Keys() []string {
	refs := c.Refs()
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, ref.Key())
	}
	sort.Strings(keys)
	return keys
}

// SameItems reports whether both carts hold exactly the same items.
func SameItems(a, b *Cart) bool {
	ka, kb := a.Keys(), b.Keys()
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

// Describe renders a short human summary used in logs.
func (c *Cart) Describe() string {
	parts := make([]string, 0, 4)
	if n := len(c.Bookings); n > 0 {
		parts = append(parts, fmt.Sprintf("%d bookings", n))
	}
	if n := len(c.Blocks); n > 0 {
		parts = append(parts, fmt.Sprintf("%d blocks", n))
	}
	if n := len(c.TicketBookings); n > 0 {
		parts = append(parts, fmt.Sprintf("%d ticket bookings", n))
	}
	if n := len(c.GiftVouchers); n > 0 {
		parts = append(parts, fmt.Sprintf("%d gift vouchers", n))
	}
	return strings.Join(parts, ", ")
}

func collectIDs[T any](rows []T, id func(T) uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		out = append(out, id(row))
	}
	return out
}

func (c *Cart) bookingIDs() []uuid.UUID {
	return collectIDs(c.Bookings, func(b models.Booking) uuid.UUID { return b.ID })
}

func (c *Cart) blockIDs() []uuid.UUID {
	return collectIDs(c.Blocks, func(b models.Block) uuid.UUID { return b.ID })
}

func (c *Cart) ticketBookingIDs() []uuid.UUID {
	return collectIDs(c.TicketBookings, func(t models.TicketBooking) uuid.UUID { return t.ID })
}

func (c *Cart) giftVoucherIDs() []uuid.UUID {
	return collectIDs(c.GiftVouchers, func(g models.GiftVoucher) uuid.UUID { return g.ID })
}
