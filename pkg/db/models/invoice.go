package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice is the unit of payment for a set of cart items. Username is the
// principal's email and deliberately not a foreign key so financial records
// survive account deletion.
type Invoice struct {
	ID                    uuid.UUID       `gorm:"type:uuid;primaryKey"`
	InvoiceID             string          `gorm:"column:invoice_id;not null;uniqueIndex"`
	Username              string          `gorm:"column:username;not null;default:''"`
	Amount                decimal.Decimal `gorm:"column:amount;type:numeric(10,2);not null"`
	Paid                  bool            `gorm:"column:paid;not null;default:false"`
	DatePaid              *time.Time      `gorm:"column:date_paid"`
	StripePaymentIntentID *string         `gorm:"column:stripe_payment_intent_id"`
	IsStripeTest          bool            `gorm:"column:is_stripe_test;not null;default:false"`
	CreatedAt             time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *Invoice) BeforeCreate(*gorm.DB) error {
	ensureID(&i.ID)
	return nil
}
