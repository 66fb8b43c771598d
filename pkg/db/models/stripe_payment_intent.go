package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/studiobooking/payments-backend/pkg/types"
	"gorm.io/gorm"
)

// StripePaymentIntent mirrors a processor payment intent for audit. The
// processor stays authoritative for status.
type StripePaymentIntent struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PaymentIntentID string          `gorm:"column:payment_intent_id;not null;uniqueIndex"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(10,2);not null"`
	Description     string          `gorm:"column:description;not null;default:''"`
	Status          string          `gorm:"column:status;not null"`
	InvoiceID       *uuid.UUID      `gorm:"column:invoice_id;type:uuid"`
	SellerID        *uuid.UUID      `gorm:"column:seller_id;type:uuid"`
	Metadata        types.Metadata  `gorm:"column:metadata;type:jsonb"`
	Currency        string          `gorm:"column:currency;not null"`
	ClientSecret    string          `gorm:"column:client_secret;not null;default:''"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *StripePaymentIntent) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// StripeSubscriptionInvoice records processor invoices raised for membership
// subscriptions.
type StripeSubscriptionInvoice struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	InvoiceID      string          `gorm:"column:invoice_id;not null;uniqueIndex"`
	SubscriptionID string          `gorm:"column:subscription_id;not null;index"`
	Status         string          `gorm:"column:status;not null"`
	Total          decimal.Decimal `gorm:"column:total;type:numeric(10,2);not null"`
	InvoiceDate    time.Time       `gorm:"column:invoice_date;not null"`
	PromoCode      *string         `gorm:"column:promo_code"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *StripeSubscriptionInvoice) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
