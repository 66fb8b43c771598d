package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the paying principal. Accounts are owned by the accounts service;
// this table only carries what the payment core needs.
type User struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email            string    `gorm:"type:text;not null;uniqueIndex"`
	FirstName        string    `gorm:"column:first_name;not null"`
	LastName         string    `gorm:"column:last_name;not null"`
	StripeCustomerID *string   `gorm:"column:stripe_customer_id"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

// FullName joins first and last name without a separator, the way payment
// descriptions have always been rendered.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName) + strings.TrimSpace(u.LastName)
}

// Seller is the studio's connected processor account.
type Seller struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID `gorm:"column:user_id;type:uuid;not null"`
	StripeUserID string    `gorm:"column:stripe_user_id;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (s *Seller) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
