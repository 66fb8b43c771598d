package cart

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

// Repository loads and mutates checkout items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	UnpaidBookings(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Booking, error)
	UnpaidBlocks(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Block, error)
	UnpaidTicketBookings(ctx context.Context, userID uuid.UUID, reference string) ([]models.TicketBooking, error)
	UnpaidGiftVoucher(ctx context.Context, id uuid.UUID) (*models.GiftVoucher, error)
	ItemsForInvoice(ctx context.Context, invoiceID uuid.UUID) (*Cart, error)

	MarkChecked(ctx context.Context, c *Cart, at time.Time) error
	ResetVoucherCodes(ctx context.Context, c *Cart) error
	SetVoucherCode(ctx context.Context, kind enums.ItemKind, ids []uuid.UUID, code string) error
	LinkInvoice(ctx context.Context, c *Cart, invoiceID uuid.UUID) error
	MarkPaid(ctx context.Context, c *Cart, paidAt time.Time) error
	SetPurchaserEmail(ctx context.Context, c *Cart, email string) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// UnpaidBookings returns open bookings for future events that are still
// awaiting payment.
func (r *repository) UnpaidBookings(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Booking, error) {
	upcoming := r.db.Model(&models.Event{}).Select("id").Where("date >= ?", now)
	var rows []models.Booking
	err := r.db.WithContext(ctx).
		Preload("Event").
		Where("user_id = ?", userID).
		Where("status = ?", enums.BookingStatusOpen).
		Where("no_show = ? AND paid = ? AND payment_open = ?", false, false, true).
		Where("event_id IN (?)", upcoming).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// UnpaidBlocks returns unpaid blocks that are neither expired nor full.
func (r *repository) UnpaidBlocks(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Block, error) {
	var rows []models.Block
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND paid = ?", userID, false).
		Where("(expiry_date IS NULL OR expiry_date > ?)", now).
		Where("(SELECT COUNT(*) FROM bookings WHERE bookings.block_id = blocks.id) < blocks.size").
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) UnpaidTicketBookings(ctx context.Context, userID uuid.UUID, reference string) ([]models.TicketBooking, error) {
	var rows []models.TicketBooking
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND booking_reference = ?", userID, reference).
		Where("paid = ? AND cancelled = ?", false, false).
		Find(&rows).Error
	return rows, err
}

func (r *repository) UnpaidGiftVoucher(ctx context.Context, id uuid.UUID) (*models.GiftVoucher, error) {
	var row models.GiftVoucher
	err := r.db.WithContext(ctx).
		Where("id = ? AND paid = ?", id, false).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repository) ItemsForInvoice(ctx context.Context, invoiceID uuid.UUID) (*Cart, error) {
	c := &Cart{}
	db := r.db.WithContext(ctx)
	if err := db.Preload("Event").Where("invoice_id = ?", invoiceID).Find(&c.Bookings).Error; err != nil {
		return nil, err
	}
	if err := db.Where("invoice_id = ?", invoiceID).Find(&c.Blocks).Error; err != nil {
		return nil, err
	}
	if err := db.Where("invoice_id = ?", invoiceID).Find(&c.TicketBookings).Error; err != nil {
		return nil, err
	}
	if err := db.Where("invoice_id = ?", invoiceID).Find(&c.GiftVouchers).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// updateAll applies the same column updates to every item in the cart.
func (r *repository) updateAll(ctx context.Context, c *Cart, values map[string]any) error {
	db := r.db.WithContext(ctx)
	if ids := c.bookingIDs(); len(ids) > 0 {
		if err := db.Model(&models.Booking{}).Where("id IN ?", ids).Updates(values).Error; err != nil {
			return err
		}
	}
	if ids := c.blockIDs(); len(ids) > 0 {
		if err := db.Model(&models.Block{}).Where("id IN ?", ids).Updates(values).Error; err != nil {
			return err
		}
	}
	if ids := c.ticketBookingIDs(); len(ids) > 0 {
		if err := db.Model(&models.TicketBooking{}).Where("id IN ?", ids).Updates(values).Error; err != nil {
			return err
		}
	}
	if ids := c.giftVoucherIDs(); len(ids) > 0 {
		if err := db.Model(&models.GiftVoucher{}).Where("id IN ?", ids).Updates(values).Error; err != nil {
			return err
		}
	}
	return nil
}

// MarkChecked stamps checkout_time so the unpaid-item sweep leaves the items
// alone while the checkout is in progress.
func (r *repository) MarkChecked(ctx context.Context, c *Cart, at time.Time) error {
	return r.updateAll(ctx, c, map[string]any{"checkout_time": at})
}

func (r *repository) ResetVoucherCodes(ctx context.Context, c *Cart) error {
	db := r.db.WithContext(ctx)
	if ids := c.bookingIDs(); len(ids) > 0 {
		if err := db.Model(&models.Booking{}).Where("id IN ?", ids).Update("voucher_code", nil).Error; err != nil {
			return err
		}
	}
	if ids := c.blockIDs(); len(ids) > 0 {
		if err := db.Model(&models.Block{}).Where("id IN ?", ids).Update("voucher_code", nil).Error; err != nil {
			return err
		}
	}
	for i := range c.Bookings {
		c.Bookings[i].VoucherCode = nil
	}
	for i := range c.Blocks {
		c.Blocks[i].VoucherCode = nil
	}
	return nil
}

func (r *repository) SetVoucherCode(ctx context.Context, kind enums.ItemKind, ids []uuid.UUID, code string) error {
	if len(ids) == 0 {
		return nil
	}
	var model any
	switch kind {
	case enums.ItemBooking:
		model = &models.Booking{}
	case enums.ItemBlock:
		model = &models.Block{}
	default:
		return errors.New("vouchers only apply to bookings and blocks")
	}
	return r.db.WithContext(ctx).Model(model).Where("id IN ?", ids).Update("voucher_code", code).Error
}

func (r *repository) LinkInvoice(ctx context.Context, c *Cart, invoiceID uuid.UUID) error {
	return r.updateAll(ctx, c, map[string]any{"invoice_id": invoiceID})
}

// MarkPaid flips every item in the cart to paid. Gift vouchers are activated
// along with the voucher they carry.
func (r *repository) MarkPaid(ctx context.Context, c *Cart, paidAt time.Time) error {
	db := r.db.WithContext(ctx)
	if ids := c.bookingIDs(); len(ids) > 0 {
		err := db.Model(&models.Booking{}).Where("id IN ?", ids).Updates(map[string]any{
			"paid":              true,
			"payment_confirmed": true,
			"date_paid":         paidAt,
		}).Error
		if err != nil {
			return err
		}
	}
	if ids := c.blockIDs(); len(ids) > 0 {
		if err := db.Model(&models.Block{}).Where("id IN ?", ids).Update("paid", true).Error; err != nil {
			return err
		}
	}
	if ids := c.ticketBookingIDs(); len(ids) > 0 {
		err := db.Model(&models.TicketBooking{}).Where("id IN ?", ids).Updates(map[string]any{
			"paid":      true,
			"date_paid": paidAt,
		}).Error
		if err != nil {
			return err
		}
	}
	if giftIDs := c.giftVoucherIDs(); len(giftIDs) > 0 {
		err := db.Model(&models.GiftVoucher{}).Where("id IN ?", giftIDs).Updates(map[string]any{
			"paid":      true,
			"activated": true,
		}).Error
		if err != nil {
			return err
		}
		voucherIDs := collectIDs(c.GiftVouchers, func(g models.GiftVoucher) uuid.UUID { return g.VoucherID })
		if err := db.Model(&models.Voucher{}).Where("id IN ?", voucherIDs).Update("active", true).Error; err != nil {
			return err
		}
	}
	return nil
}

// SetPurchaserEmail fills in the purchaser of guest-bought gift vouchers. Rows
// that already carry an email are left alone.
func (r *repository) SetPurchaserEmail(ctx context.Context, c *Cart, email string) error {
	ids := c.giftVoucherIDs()
	if len(ids) == 0 || email == "" {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.GiftVoucher{}).
		Where("id IN ? AND purchaser_email = ''", ids).
		Update("purchaser_email", email).Error
}
