package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/types"
)

// IntentRepository keeps the local audit copy of processor payment intents.
type IntentRepository interface {
	WithTx(tx *gorm.DB) IntentRepository
	Upsert(ctx context.Context, rec *models.StripePaymentIntent) error
	FindByPaymentIntentID(ctx context.Context, id string) (*models.StripePaymentIntent, error)
}

type intentRepository struct {
	db *gorm.DB
}

func NewIntentRepository(db *gorm.DB) IntentRepository {
	return &intentRepository{db: db}
}

func (r *intentRepository) WithTx(tx *gorm.DB) IntentRepository {
	if tx == nil {
		return r
	}
	return &intentRepository{db: tx}
}

func (r *intentRepository) Upsert(ctx context.Context, rec *models.StripePaymentIntent) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_intent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "description", "status", "invoice_id", "metadata", "client_secret", "updated_at"}),
		}).
		Create(rec).Error
}

func (r *intentRepository) FindByPaymentIntentID(ctx context.Context, id string) (*models.StripePaymentIntent, error) {
	var rec models.StripePaymentIntent
	err := r.db.WithContext(ctx).Where("payment_intent_id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// IntentRecord maps a processor payment intent onto the audit row.
func IntentRecord(pi *stripe.PaymentIntent, invoiceID *uuid.UUID) *models.StripePaymentIntent {
	return &models.StripePaymentIntent{
		PaymentIntentID: pi.ID,
		Amount:          processor.FromMinorUnits(pi.Amount),
		Description:     pi.Description,
		Status:          string(pi.Status),
		InvoiceID:       invoiceID,
		Metadata:        types.Metadata(pi.Metadata),
		Currency:        string(pi.Currency),
		ClientSecret:    pi.ClientSecret,
	}
}
