package bookings

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

// Repository reads and reassigns the bookings covered by memberships and
// blocks.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindMembership(ctx context.Context, id uuid.UUID) (*models.Membership, error)
	BookingsAfter(ctx context.Context, userMembershipID uuid.UUID, after time.Time) ([]models.Booking, error)
	UnpaidBookingsAfter(ctx context.Context, userID uuid.UUID, after time.Time) ([]models.Booking, error)
	ActiveMemberships(ctx context.Context, userID, exclude uuid.UUID) ([]models.UserMembership, error)
	CountMembershipBookings(ctx context.Context, userMembershipID, eventTypeID uuid.UUID, from, to time.Time) (int64, error)
	UsableBlocks(ctx context.Context, userID, eventTypeID uuid.UUID, now time.Time) ([]models.Block, error)
	CountBlockBookings(ctx context.Context, blockID uuid.UUID) (int64, error)
	Allocate(ctx context.Context, bookingID uuid.UUID, alloc Allocation) error
}

// Allocation is what pays for a booking. Both ids nil with Paid false leaves
// the booking unpaid.
type Allocation struct {
	UserMembershipID *uuid.UUID
	BlockID          *uuid.UUID
	Paid             bool
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

func (r *repository) FindMembership(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	err := r.db.WithContext(ctx).Preload("Items").First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repository) withEvents(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.Booking{}).
		Preload("Event").
		Joins("JOIN events ON events.id = bookings.event_id")
}

// BookingsAfter returns every booking paid by the user membership for events
// strictly after the given time.
func (r *repository) BookingsAfter(ctx context.Context, userMembershipID uuid.UUID, after time.Time) ([]models.Booking, error) {
	var rows []models.Booking
	err := r.withEvents(ctx).
		Where("bookings.membership_id = ? AND events.date > ?", userMembershipID, after).
		Order("events.date").
		Find(&rows).Error
	return rows, err
}

// UnpaidBookingsAfter returns the user's open, attended, unpaid bookings for
// events after the given time.
func (r *repository) UnpaidBookingsAfter(ctx context.Context, userID uuid.UUID, after time.Time) ([]models.Booking, error) {
	var rows []models.Booking
	err := r.withEvents(ctx).
		Where("bookings.user_id = ? AND bookings.paid = ? AND bookings.status = ? AND bookings.no_show = ?",
			userID, false, enums.BookingStatusOpen, false).
		Where("events.date > ?", after).
		Order("events.date").
		Find(&rows).Error
	return rows, err
}

func (r *repository) ActiveMemberships(ctx context.Context, userID, exclude uuid.UUID) ([]models.UserMembership, error) {
	var rows []models.UserMembership
	err := r.db.WithContext(ctx).
		Preload("Membership.Items").
		Where("user_id = ? AND id <> ? AND subscription_status = ?", userID, exclude, enums.SubscriptionStatusActive).
		Order("start_date").
		Find(&rows).Error
	return rows, err
}

// CountMembershipBookings counts open bookings the user membership pays for
// with events of one type in [from, to).
func (r *repository) CountMembershipBookings(ctx context.Context, userMembershipID, eventTypeID uuid.UUID, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Booking{}).
		Joins("JOIN events ON events.id = bookings.event_id").
		Where("bookings.membership_id = ? AND bookings.status = ?", userMembershipID, enums.BookingStatusOpen).
		Where("events.event_type_id = ? AND events.date >= ? AND events.date < ?", eventTypeID, from, to).
		Count(&count).Error
	return count, err
}

// UsableBlocks returns the user's paid, unexpired blocks for the event type,
// soonest expiry first. Fullness is checked by the caller.
func (r *repository) UsableBlocks(ctx context.Context, userID, eventTypeID uuid.UUID, now time.Time) ([]models.Block, error) {
	var rows []models.Block
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND event_type_id = ? AND paid = ?", userID, eventTypeID, true).
		Where("expiry_date IS NULL OR expiry_date >= ?", now).
		Order("expiry_date IS NULL, expiry_date").
		Find(&rows).Error
	return rows, err
}

func (r *repository) CountBlockBookings(ctx context.Context, blockID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Booking{}).Where("block_id = ?", blockID).Count(&count).Error
	return count, err
}

func (r *repository) Allocate(ctx context.Context, bookingID uuid.UUID, alloc Allocation) error {
	return r.db.WithContext(ctx).
		Model(&models.Booking{}).
		Where("id = ?", bookingID).
		Updates(map[string]any{
			"membership_id":     alloc.UserMembershipID,
			"block_id":          alloc.BlockID,
			"paid":              alloc.Paid,
			"payment_confirmed": alloc.Paid,
		}).Error
}
