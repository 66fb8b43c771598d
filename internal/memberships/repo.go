package memberships

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

// Repository exposes membership persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds the repo to the provided GORM connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func first[T any](q *gorm.DB) (*T, error) {
	var row T
	err := q.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindBySubscriptionID loads the user membership mirroring a processor
// subscription, with its membership and allowance items.
func (r *Repository) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*models.UserMembership, error) {
	return first[models.UserMembership](r.db.WithContext(ctx).
		Preload("Membership.Items").
		Where("subscription_id = ?", subscriptionID))
}

func (r *Repository) FindUserMembership(ctx context.Context, id uuid.UUID) (*models.UserMembership, error) {
	return first[models.UserMembership](r.db.WithContext(ctx).
		Preload("Membership.Items").
		Where("id = ?", id))
}

// FindPendingSetup returns the setup_pending membership waiting on the given
// setup intent.
func (r *Repository) FindPendingSetup(ctx context.Context, setupIntentID string) (*models.UserMembership, error) {
	return first[models.UserMembership](r.db.WithContext(ctx).
		Preload("Membership.Items").
		Where("pending_setup_intent = ? AND subscription_status = ?", setupIntentID, enums.SubscriptionStatusSetupPending))
}

// ListForReconcile returns memberships whose processor state can still change.
func (r *Repository) ListForReconcile(ctx context.Context) ([]models.UserMembership, error) {
	var rows []models.UserMembership
	err := r.db.WithContext(ctx).
		Preload("Membership.Items").
		Where("subscription_status IN ?", []enums.SubscriptionStatus{
			enums.SubscriptionStatusActive,
			enums.SubscriptionStatusPastDue,
			enums.SubscriptionStatusSetupPending,
			enums.SubscriptionStatusIncomplete,
		}).
		Order("created_at").
		Find(&rows).Error
	return rows, err
}

// ListActive returns active memberships, used by the discount expiry sweep.
func (r *Repository) ListActive(ctx context.Context) ([]models.UserMembership, error) {
	var rows []models.UserMembership
	err := r.db.WithContext(ctx).
		Where("subscription_status = ?", enums.SubscriptionStatusActive).
		Order("created_at").
		Find(&rows).Error
	return rows, err
}

// ListLiveForMembership returns the memberships still billed for m: not
// terminal and with no end date scheduled.
func (r *Repository) ListLiveForMembership(ctx context.Context, membershipID uuid.UUID) ([]models.UserMembership, error) {
	var rows []models.UserMembership
	err := r.db.WithContext(ctx).
		Where("membership_id = ? AND end_date IS NULL", membershipID).
		Where("subscription_status IN ?", []enums.SubscriptionStatus{
			enums.SubscriptionStatusActive,
			enums.SubscriptionStatusPastDue,
			enums.SubscriptionStatusSetupPending,
			enums.SubscriptionStatusIncomplete,
		}).
		Order("created_at").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) CreateUserMembership(ctx context.Context, um *models.UserMembership) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(um).Error
}

func (r *Repository) SaveUserMembership(ctx context.Context, um *models.UserMembership) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(um).Error
}

func (r *Repository) DeleteUserMembership(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.UserMembership{}, "id = ?", id).Error
}

func (r *Repository) FindMembership(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return first[models.Membership](r.db.WithContext(ctx).Preload("Items").Where("id = ?", id))
}

func (r *Repository) FindMembershipByPriceID(ctx context.Context, priceID string) (*models.Membership, error) {
	return first[models.Membership](r.db.WithContext(ctx).Preload("Items").Where("stripe_price_id = ?", priceID))
}

func (r *Repository) FindMembershipByProductID(ctx context.Context, productID string) (*models.Membership, error) {
	return first[models.Membership](r.db.WithContext(ctx).Where("stripe_product_id = ?", productID))
}

func (r *Repository) SaveMembership(ctx context.Context, m *models.Membership) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(m).Error
}

// UpsertSubscriptionInvoice records a processor invoice raised for a
// subscription, keyed on the processor invoice id.
func (r *Repository) UpsertSubscriptionInvoice(ctx context.Context, inv *models.StripeSubscriptionInvoice) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "invoice_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "total", "invoice_date", "promo_code", "updated_at"}),
		}).
		Create(inv).Error
}

// FindCurrentForUser returns the user's live subscription to a membership:
// one that is not terminal and has no end date scheduled.
func (r *Repository) FindCurrentForUser(ctx context.Context, userID, membershipID uuid.UUID) (*models.UserMembership, error) {
	return first[models.UserMembership](r.db.WithContext(ctx).
		Where("user_id = ? AND membership_id = ? AND end_date IS NULL", userID, membershipID).
		Where("subscription_status IN ?", []enums.SubscriptionStatus{
			enums.SubscriptionStatusActive,
			enums.SubscriptionStatusPastDue,
			enums.SubscriptionStatusSetupPending,
		}))
}
