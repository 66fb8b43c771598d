package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	dbtypes "github.com/studiobooking/payments-backend/pkg/db/types"
	"github.com/studiobooking/payments-backend/pkg/enums"
	"gorm.io/gorm"
)

// Voucher is a discount code. Event and block vouchers apply to single
// purchases; subscription vouchers mirror a processor promotion code.
// TargetIDs holds the event type, block type or membership ids the voucher is
// valid for.
type Voucher struct {
	ID                 uuid.UUID             `gorm:"type:uuid;primaryKey"`
	Code               string                `gorm:"column:code;not null;uniqueIndex"`
	Kind               enums.VoucherKind     `gorm:"column:kind;not null"`
	Active             bool                  `gorm:"column:active;not null;default:true"`
	StartDate          time.Time             `gorm:"column:start_date;not null"`
	ExpiryDate         *time.Time            `gorm:"column:expiry_date"`
	MaxVouchers        *int                  `gorm:"column:max_vouchers"`
	MaxPerUser         *int                  `gorm:"column:max_per_user"`
	PercentOff         *int                  `gorm:"column:percent_off"`
	AmountOff          *decimal.Decimal      `gorm:"column:amount_off;type:numeric(10,2)"`
	Duration           enums.VoucherDuration `gorm:"column:duration;not null;default:'once'"`
	DurationInMonths   *int                  `gorm:"column:duration_in_months"`
	NewMembershipsOnly bool                  `gorm:"column:new_memberships_only;not null;default:false"`
	PromoCodeID        *string               `gorm:"column:promo_code_id"`
	TargetIDs          dbtypes.UUIDArray     `gorm:"column:target_ids;type:uuid[]"`
	CreatedAt          time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (v *Voucher) BeforeCreate(*gorm.DB) error {
	ensureID(&v.ID)
	return nil
}

// UsedVoucher is one redemption in the append-only usage ledger.
type UsedVoucher struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	VoucherID uuid.UUID `gorm:"column:voucher_id;type:uuid;not null;uniqueIndex:idx_used_vouchers_redemption"`
	UserID    uuid.UUID `gorm:"column:user_id;type:uuid;not null;uniqueIndex:idx_used_vouchers_redemption"`
	ItemID    string    `gorm:"column:item_id;not null;uniqueIndex:idx_used_vouchers_redemption"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (u *UsedVoucher) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}
