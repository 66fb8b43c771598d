package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/internal/vouchers"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
)

// Selection identifies what a checkout is paying for.
type Selection struct {
	Type             enums.CheckoutType
	BookingReference string
	GiftVoucherID    uuid.UUID
}

type voucherSource interface {
	Find(ctx context.Context, code string) (*models.Voucher, error)
	Usage(ctx context.Context, voucher *models.Voucher, principal uuid.UUID) (vouchers.Usage, error)
}

// Service loads carts and prices them against the voucher ledger.
type Service struct {
	repo     Repository
	vouchers voucherSource
	now      func() time.Time
}

func NewService(repo Repository, voucherSvc voucherSource) *Service {
	return &Service{repo: repo, vouchers: voucherSvc, now: time.Now}
}

func (s *Service) Repository() Repository {
	return s.repo
}

// Load fetches the unpaid items for the selection and prices them. principal
// may be nil only for gift voucher purchases.
func (s *Service) Load(ctx context.Context, principal *uuid.UUID, sel Selection) (*Cart, error) {
	if principal == nil && !sel.Type.AllowsGuest() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "login required to pay for "+string(sel.Type))
	}
	now := s.now().UTC()
	c := &Cart{}
	var err error

	switch sel.Type {
	case enums.CheckoutBookings:
		c.Bookings, err = s.repo.UnpaidBookings(ctx, *principal, now)
	case enums.CheckoutBlocks:
		c.Blocks, err = s.repo.UnpaidBlocks(ctx, *principal, now)
	case enums.CheckoutTicketBookings:
		if sel.BookingReference == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "booking reference required")
		}
		c.TicketBookings, err = s.repo.UnpaidTicketBookings(ctx, *principal, sel.BookingReference)
	case enums.CheckoutGiftVoucher:
		if sel.GiftVoucherID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "gift voucher id required")
		}
		var gift *models.GiftVoucher
		gift, err = s.repo.UnpaidGiftVoucher(ctx, sel.GiftVoucherID)
		if gift != nil {
			c.GiftVouchers = []models.GiftVoucher{*gift}
		}
	case enums.CheckoutStripeTest:
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown checkout type")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart items")
	}

	if err := s.Price(ctx, principal, c); err != nil {
		return nil, err
	}
	return c, nil
}

// voucherTally is the running usage of one voucher while a cart is priced.
// Each discounted item counts as a use, so a cart can never spend more uses
// than the voucher has left.
type voucherTally struct {
	voucher *models.Voucher
	usage   vouchers.Usage
}

// Price fills c.Items with voucher-adjusted costs. Voucher codes that no
// longer validate, or that would exceed the voucher's remaining uses, are
// ignored and reported in c.StaleVouchers.
func (s *Service) Price(ctx context.Context, principal *uuid.UUID, c *Cart) error {
	now := s.now().UTC()
	c.Items = c.Items[:0]
	c.StaleVouchers = nil
	tallies := map[string]*voucherTally{}

	check := func(code string, target vouchers.Target) (*models.Voucher, bool, error) {
		if principal == nil {
			return nil, false, nil
		}
		tally, ok := tallies[code]
		if !ok {
			voucher, err := s.vouchers.Find(ctx, code)
			if err != nil {
				return nil, false, err
			}
			tally = &voucherTally{voucher: voucher}
			if voucher != nil {
				if tally.usage, err = s.vouchers.Usage(ctx, voucher, *principal); err != nil {
					return nil, false, err
				}
			}
			tallies[code] = tally
		}
		if tally.voucher == nil {
			return nil, false, nil
		}
		if !vouchers.Evaluate(tally.voucher, target, tally.usage, now).Valid() {
			return tally.voucher, false, nil
		}
		tally.usage.Total++
		tally.usage.ByPrincipal++
		return tally.voucher, true, nil
	}

	for _, b := range c.Bookings {
		if b.Event == nil {
			return fmt.Errorf("booking %s loaded without its event", b.ID)
		}
		item := Item{Kind: enums.ItemBooking, ID: b.ID, Name: bookingName(b), Cost: b.Event.Cost}
		if b.VoucherCode != nil && *b.VoucherCode != "" {
			voucher, ok, err := check(*b.VoucherCode, vouchers.Target{Kind: enums.VoucherKindEvent, ID: b.Event.EventTypeID})
			if err != nil {
				return err
			}
			if ok {
				item.Cost = vouchers.DiscountedCost(item.Cost, voucher)
				item.VoucherCode = *b.VoucherCode
			} else {
				c.StaleVouchers = append(c.StaleVouchers, b.ID)
			}
		}
		c.Items = append(c.Items, item)
	}

	for _, b := range c.Blocks {
		item := Item{Kind: enums.ItemBlock, ID: b.ID, Name: b.Name, Cost: b.Cost}
		if b.VoucherCode != nil && *b.VoucherCode != "" {
			voucher, ok, err := check(*b.VoucherCode, vouchers.Target{Kind: enums.VoucherKindBlock, ID: b.EventTypeID})
			if err != nil {
				return err
			}
			if ok {
				item.Cost = vouchers.DiscountedCost(item.Cost, voucher)
				item.VoucherCode = *b.VoucherCode
			} else {
				c.StaleVouchers = append(c.StaleVouchers, b.ID)
			}
		}
		c.Items = append(c.Items, item)
	}

	for _, t := range c.TicketBookings {
		c.Items = append(c.Items, Item{
			Kind: enums.ItemTicketBooking,
			ID:   t.ID,
			Name: fmt.Sprintf("%s x%d", t.EventName, t.Quantity),
			Cost: t.Cost(),
		})
	}

	for _, g := range c.GiftVouchers {
		c.Items = append(c.Items, Item{Kind: enums.ItemGiftVoucher, ID: g.ID, Name: g.Name, Cost: g.Cost})
	}
	return nil
}

func bookingName(b models.Booking) string {
	return fmt.Sprintf("%s - %s", b.Event.Name, b.Event.Date.UTC().Format("02 Jan 2006 15:04"))
}

// ApplyResult reports how many items a voucher code was applied to.
type ApplyResult struct {
	Applied int
	Reason  string
}

// ApplyVoucher sets code on the principal's eligible unpaid bookings or
// blocks, up to the uses the voucher has left for them.
func (s *Service) ApplyVoucher(ctx context.Context, principal uuid.UUID, code string, kind enums.ItemKind) (ApplyResult, error) {
	now := s.now().UTC()
	voucher, err := s.vouchers.Find(ctx, code)
	if err != nil {
		return ApplyResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load voucher")
	}
	if voucher == nil {
		return ApplyResult{Reason: fmt.Sprintf("voucher code %s is not valid", code)}, nil
	}
	usage, err := s.vouchers.Usage(ctx, voucher, principal)
	if err != nil {
		return ApplyResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load voucher usage")
	}

	type candidate struct {
		id     uuid.UUID
		target vouchers.Target
	}
	var candidates []candidate
	switch kind {
	case enums.ItemBooking:
		rows, err := s.repo.UnpaidBookings(ctx, principal, now)
		if err != nil {
			return ApplyResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load bookings")
		}
		for _, b := range rows {
			candidates = append(candidates, candidate{b.ID, vouchers.Target{Kind: enums.VoucherKindEvent, ID: b.Event.EventTypeID}})
		}
	case enums.ItemBlock:
		rows, err := s.repo.UnpaidBlocks(ctx, principal, now)
		if err != nil {
			return ApplyResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load blocks")
		}
		for _, b := range rows {
			candidates = append(candidates, candidate{b.ID, vouchers.Target{Kind: enums.VoucherKindBlock, ID: b.EventTypeID}})
		}
	default:
		return ApplyResult{}, pkgerrors.New(pkgerrors.CodeValidation, "vouchers only apply to bookings and blocks")
	}

	remaining := vouchers.RemainingUses(voucher, usage)
	var chosen []uuid.UUID
	var lastReason string
	for _, cand := range candidates {
		if remaining >= 0 && len(chosen) >= remaining {
			break
		}
		res := vouchers.Evaluate(voucher, cand.target, usage, now)
		if !res.Valid() {
			lastReason = res.Reason
			continue
		}
		chosen = append(chosen, cand.id)
	}
	if len(chosen) == 0 {
		if lastReason == "" {
			lastReason = fmt.Sprintf("voucher code %s is not valid for any items in your cart", code)
		}
		return ApplyResult{Reason: lastReason}, nil
	}
	if err := s.repo.SetVoucherCode(ctx, kind, chosen, voucher.Code); err != nil {
		return ApplyResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply voucher code")
	}
	return ApplyResult{Applied: len(chosen)}, nil
}
