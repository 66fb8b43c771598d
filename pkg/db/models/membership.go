package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/studiobooking/payments-backend/pkg/enums"
	"gorm.io/gorm"
)

// Membership is a monthly plan mirrored as a processor product and price.
type Membership struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Name            string           `gorm:"column:name;not null"`
	Description     *string          `gorm:"column:description"`
	Price           decimal.Decimal  `gorm:"column:price;type:numeric(8,2);not null"`
	StripeProductID string           `gorm:"column:stripe_product_id;not null;uniqueIndex"`
	StripePriceID   *string          `gorm:"column:stripe_price_id;index"`
	Active          bool             `gorm:"column:active;not null;default:true"`
	Items           []MembershipItem `gorm:"foreignKey:MembershipID"`
	CreatedAt       time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (m *Membership) BeforeCreate(*gorm.DB) error {
	ensureID(&m.ID)
	return nil
}

// ItemFor returns the allowance for an event type, if the plan covers it.
func (m Membership) ItemFor(eventTypeID uuid.UUID) (MembershipItem, bool) {
	for _, item := range m.Items {
		if item.EventTypeID == eventTypeID {
			return item, true
		}
	}
	return MembershipItem{}, false
}

// MembershipItem is the number of classes of one event type a plan allows per month.
type MembershipItem struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	MembershipID uuid.UUID `gorm:"column:membership_id;type:uuid;not null;uniqueIndex:idx_membership_items_type"`
	EventTypeID  uuid.UUID `gorm:"column:event_type_id;type:uuid;not null;uniqueIndex:idx_membership_items_type"`
	Quantity     int       `gorm:"column:quantity;not null"`
}

func (m *MembershipItem) BeforeCreate(*gorm.DB) error {
	ensureID(&m.ID)
	return nil
}

// UserMembership is a user's subscription to a Membership. StartDate and
// EndDate are the studio-facing coverage window and always fall on the 1st of
// a month; the Subscription* fields are raw processor timestamps.
type UserMembership struct {
	ID                             uuid.UUID                `gorm:"type:uuid;primaryKey"`
	MembershipID                   uuid.UUID                `gorm:"column:membership_id;type:uuid;not null"`
	Membership                     *Membership              `gorm:"foreignKey:MembershipID"`
	UserID                         uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	StartDate                      time.Time                `gorm:"column:start_date;not null"`
	EndDate                        *time.Time               `gorm:"column:end_date"`
	SubscriptionID                 string                   `gorm:"column:subscription_id;not null;uniqueIndex"`
	SubscriptionStatus             enums.SubscriptionStatus `gorm:"column:subscription_status;not null"`
	SubscriptionStartDate          time.Time                `gorm:"column:subscription_start_date;not null"`
	SubscriptionEndDate            *time.Time               `gorm:"column:subscription_end_date"`
	SubscriptionBillingCycleAnchor time.Time                `gorm:"column:subscription_billing_cycle_anchor;not null"`
	PendingSetupIntent             *string                  `gorm:"column:pending_setup_intent"`
	CreatedAt                      time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                      time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (u *UserMembership) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

// IsActive reports whether the subscription currently grants coverage. It
// says nothing about a particular class date. past_due memberships keep
// coverage until the 28th, after which the processor cancels them.
func (u UserMembership) IsActive(now time.Time) bool {
	switch u.SubscriptionStatus {
	case enums.SubscriptionStatusActive:
		return true
	case enums.SubscriptionStatusPastDue:
		return now.Day() <= 28
	case enums.SubscriptionStatusCanceled:
		return u.EndDate != nil && u.StartDate.Before(now) && now.Before(*u.EndDate)
	}
	return false
}
