package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/studiobooking/payments-backend/pkg/enums"
	"gorm.io/gorm"
)

type Event struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Name        string          `gorm:"column:name;not null"`
	EventTypeID uuid.UUID       `gorm:"column:event_type_id;type:uuid;not null;index"`
	Date        time.Time       `gorm:"column:date;not null"`
	Cost        decimal.Decimal `gorm:"column:cost;type:numeric(10,2);not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (e *Event) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

// Booking is a user's place on a single event.
type Booking struct {
	ID               uuid.UUID           `gorm:"type:uuid;primaryKey"`
	UserID           uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	EventID          uuid.UUID           `gorm:"column:event_id;type:uuid;not null"`
	Event            *Event              `gorm:"foreignKey:EventID"`
	Status           enums.BookingStatus `gorm:"column:status;not null;default:'OPEN'"`
	NoShow           bool                `gorm:"column:no_show;not null;default:false"`
	PaymentOpen      bool                `gorm:"column:payment_open;not null;default:true"`
	Paid             bool                `gorm:"column:paid;not null;default:false"`
	PaymentConfirmed bool                `gorm:"column:payment_confirmed;not null;default:false"`
	VoucherCode      *string             `gorm:"column:voucher_code"`
	InvoiceID        *uuid.UUID          `gorm:"column:invoice_id;type:uuid;index"`
	MembershipID     *uuid.UUID          `gorm:"column:membership_id;type:uuid;index"`
	BlockID          *uuid.UUID          `gorm:"column:block_id;type:uuid;index"`
	CheckoutTime     *time.Time          `gorm:"column:checkout_time"`
	DatePaid         *time.Time          `gorm:"column:date_paid"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (b *Booking) BeforeCreate(*gorm.DB) error {
	ensureID(&b.ID)
	return nil
}

// Block is a pre-paid bundle of bookings for one event type.
type Block struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index"`
	EventTypeID  uuid.UUID       `gorm:"column:event_type_id;type:uuid;not null"`
	Name         string          `gorm:"column:name;not null"`
	Size         int             `gorm:"column:size;not null"`
	Cost         decimal.Decimal `gorm:"column:cost;type:numeric(10,2);not null"`
	Paid         bool            `gorm:"column:paid;not null;default:false"`
	StartDate    time.Time       `gorm:"column:start_date;not null"`
	ExpiryDate   *time.Time      `gorm:"column:expiry_date"`
	VoucherCode  *string         `gorm:"column:voucher_code"`
	InvoiceID    *uuid.UUID      `gorm:"column:invoice_id;type:uuid;index"`
	CheckoutTime *time.Time      `gorm:"column:checkout_time"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (b *Block) BeforeCreate(*gorm.DB) error {
	ensureID(&b.ID)
	return nil
}

// Expired reports whether the block can no longer be used at t.
func (b Block) Expired(t time.Time) bool {
	return b.ExpiryDate != nil && !b.ExpiryDate.After(t)
}

// TicketBooking is a bundle of tickets for a ticketed event, addressed by its
// public booking reference.
type TicketBooking struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BookingReference string          `gorm:"column:booking_reference;not null;uniqueIndex"`
	UserID           uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index"`
	EventName        string          `gorm:"column:event_name;not null"`
	Quantity         int             `gorm:"column:quantity;not null"`
	TicketCost       decimal.Decimal `gorm:"column:ticket_cost;type:numeric(10,2);not null"`
	Paid             bool            `gorm:"column:paid;not null;default:false"`
	Cancelled        bool            `gorm:"column:cancelled;not null;default:false"`
	InvoiceID        *uuid.UUID      `gorm:"column:invoice_id;type:uuid;index"`
	CheckoutTime     *time.Time      `gorm:"column:checkout_time"`
	DatePaid         *time.Time      `gorm:"column:date_paid"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (t *TicketBooking) BeforeCreate(*gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

func (t TicketBooking) Cost() decimal.Decimal {
	return t.TicketCost.Mul(decimal.NewFromInt(int64(t.Quantity)))
}

// GiftVoucher is a purchasable voucher. Activating it makes its code redeemable.
type GiftVoucher struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	VoucherID      uuid.UUID       `gorm:"column:voucher_id;type:uuid;not null"`
	Name           string          `gorm:"column:name;not null"`
	Cost           decimal.Decimal `gorm:"column:cost;type:numeric(10,2);not null"`
	PurchaserEmail string          `gorm:"column:purchaser_email;not null;default:''"`
	Activated      bool            `gorm:"column:activated;not null;default:false"`
	Paid           bool            `gorm:"column:paid;not null;default:false"`
	InvoiceID      *uuid.UUID      `gorm:"column:invoice_id;type:uuid;index"`
	CheckoutTime   *time.Time      `gorm:"column:checkout_time"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (g *GiftVoucher) BeforeCreate(*gorm.DB) error {
	ensureID(&g.ID)
	return nil
}
