package vouchers

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/db/models"
)

// Repository reads vouchers and appends to the redemption ledger. Usage is
// always counted from used_vouchers rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByCode(ctx context.Context, code string) (*models.Voucher, error)
	FindByPromoCode(ctx context.Context, promoCodeID string) (*models.Voucher, error)
	CountUses(ctx context.Context, voucherID uuid.UUID) (int, error)
	CountUsesByUser(ctx context.Context, voucherID, userID uuid.UUID) (int, error)
	HasMembership(ctx context.Context, userID uuid.UUID) (bool, error)
	RecordUse(ctx context.Context, voucherID, userID uuid.UUID, itemID string) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) Repository {
	return &repository{db: conn}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByCode(ctx context.Context, code string) (*models.Voucher, error) {
	return r.findOne(ctx, "code = ?", strings.TrimSpace(code))
}

func (r *repository) FindByPromoCode(ctx context.Context, promoCodeID string) (*models.Voucher, error) {
	return r.findOne(ctx, "promo_code_id = ?", promoCodeID)
}

func (r *repository) findOne(ctx context.Context, query string, arg any) (*models.Voucher, error) {
	var voucher models.Voucher
	if err := r.db.WithContext(ctx).Where(query, arg).First(&voucher).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &voucher, nil
}

func (r *repository) CountUses(ctx context.Context, voucherID uuid.UUID) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UsedVoucher{}).
		Where("voucher_id = ?", voucherID).
		Count(&count).Error
	return int(count), err
}

func (r *repository) CountUsesByUser(ctx context.Context, voucherID, userID uuid.UUID) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UsedVoucher{}).
		Where("voucher_id = ? AND user_id = ?", voucherID, userID).
		Count(&count).Error
	return int(count), err
}

func (r *repository) HasMembership(ctx context.Context, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UserMembership{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count > 0, err
}

// RecordUse appends a redemption. Recording the same (voucher, user, item)
// twice is a no-op.
func (r *repository) RecordUse(ctx context.Context, voucherID, userID uuid.UUID, itemID string) error {
	err := r.db.WithContext(ctx).Create(&models.UsedVoucher{
		VoucherID: voucherID,
		UserID:    userID,
		ItemID:    itemID,
	}).Error
	if err != nil && db.IsUniqueViolation(err, "") {
		return nil
	}
	return err
}
