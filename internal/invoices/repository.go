package invoices

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/pkg/db/models"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByInvoiceID(ctx context.Context, invoiceID string) (*models.Invoice, error)
	FindUnpaidByUsername(ctx context.Context, username string, stripeTest bool) ([]models.Invoice, error)
	Create(ctx context.Context, inv *models.Invoice) error
	Save(ctx context.Context, inv *models.Invoice) error
	DeleteUnused(ctx context.Context, createdBefore time.Time) (int64, error)
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

func (r *repository) FindByInvoiceID(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	var inv models.Invoice
	if err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &inv, nil
}

func (r *repository) FindUnpaidByUsername(ctx context.Context, username string, stripeTest bool) ([]models.Invoice, error) {
	var rows []models.Invoice
	err := r.db.WithContext(ctx).
		Where("username = ? AND paid = ? AND is_stripe_test = ?", username, false, stripeTest).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) Create(ctx context.Context, inv *models.Invoice) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *repository) Save(ctx context.Context, inv *models.Invoice) error {
	return r.db.WithContext(ctx).Save(inv).Error
}

// DeleteUnused removes unpaid invoices created before the cutoff that no
// longer own any item.
func (r *repository) DeleteUnused(ctx context.Context, createdBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("paid = ? AND created_at < ?", false, createdBefore).
		Where("NOT EXISTS (SELECT 1 FROM bookings WHERE bookings.invoice_id = invoices.id)").
		Where("NOT EXISTS (SELECT 1 FROM blocks WHERE blocks.invoice_id = invoices.id)").
		Where("NOT EXISTS (SELECT 1 FROM ticket_bookings WHERE ticket_bookings.invoice_id = invoices.id)").
		Where("NOT EXISTS (SELECT 1 FROM gift_vouchers WHERE gift_vouchers.invoice_id = invoices.id)").
		Delete(&models.Invoice{})
	return res.RowsAffected, res.Error
}
