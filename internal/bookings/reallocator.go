// Package bookings moves bookings between memberships and blocks when a
// membership starts or stops covering them.
package bookings

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

// Summary counts what a reallocation did.
type Summary struct {
	Attached     int
	ToMembership int
	ToBlock      int
	Unpaid       int
}

func (s Summary) String() string {
	return fmt.Sprintf("attached=%d to_membership=%d to_block=%d unpaid=%d", s.Attached, s.ToMembership, s.ToBlock, s.Unpaid)
}

type Reallocator struct {
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewReallocator(repo Repository, logg *logger.Logger) (*Reallocator, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "bookings repo required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Reallocator{repo: repo, logg: logg, now: time.Now}, nil
}

// Reallocate brings the user's bookings in line with um. Once um has an end
// date, bookings after it move to another active membership, then to a
// usable block, and otherwise become unpaid. An active membership without an
// end date picks up the user's unpaid bookings it is valid for.
func (r *Reallocator) Reallocate(ctx context.Context, tx *gorm.DB, um *models.UserMembership) error {
	repo := r.repo.WithTx(tx)
	if um.Membership == nil || um.Membership.Items == nil {
		m, err := repo.FindMembership(ctx, um.MembershipID)
		if err != nil {
			return fmt.Errorf("load membership: %w", err)
		}
		if m == nil {
			return fmt.Errorf("membership %s not found", um.MembershipID)
		}
		um.Membership = m
	}

	var summary Summary
	var err error
	switch {
	case um.EndDate != nil:
		summary, err = r.releaseAfterEnd(ctx, repo, um)
	case um.SubscriptionStatus == enums.SubscriptionStatusActive:
		summary, err = r.attachUnpaid(ctx, repo, um)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"user_membership_id": um.ID.String(),
		"subscription_id":    um.SubscriptionID,
	})
	r.logg.Info(logCtx, "bookings reallocated: "+summary.String())
	return nil
}

func (r *Reallocator) releaseAfterEnd(ctx context.Context, repo Repository, um *models.UserMembership) (Summary, error) {
	var summary Summary
	now := r.now().UTC()
	rows, err := repo.BookingsAfter(ctx, um.ID, *um.EndDate)
	if err != nil {
		return summary, fmt.Errorf("load bookings after end date: %w", err)
	}
	if len(rows) == 0 {
		return summary, nil
	}
	others, err := repo.ActiveMemberships(ctx, um.UserID, um.ID)
	if err != nil {
		return summary, fmt.Errorf("load other memberships: %w", err)
	}

	for _, b := range rows {
		if b.NoShow || b.Status == enums.BookingStatusCancelled {
			if err := repo.Allocate(ctx, b.ID, Allocation{}); err != nil {
				return summary, err
			}
			summary.Unpaid++
			continue
		}

		moved := false
		for i := range others {
			ok, err := validForEvent(ctx, repo, &others[i], b.Event, now)
			if err != nil {
				return summary, err
			}
			if ok {
				id := others[i].ID
				if err := repo.Allocate(ctx, b.ID, Allocation{UserMembershipID: &id, Paid: true}); err != nil {
					return summary, err
				}
				summary.ToMembership++
				moved = true
				break
			}
		}
		if moved {
			continue
		}

		block, err := nextUsableBlock(ctx, repo, b, now)
		if err != nil {
			return summary, err
		}
		if block != nil {
			id := block.ID
			if err := repo.Allocate(ctx, b.ID, Allocation{BlockID: &id, Paid: true}); err != nil {
				return summary, err
			}
			summary.ToBlock++
			continue
		}

		if err := repo.Allocate(ctx, b.ID, Allocation{}); err != nil {
			return summary, err
		}
		summary.Unpaid++
	}
	return summary, nil
}

func (r *Reallocator) attachUnpaid(ctx context.Context, repo Repository, um *models.UserMembership) (Summary, error) {
	var summary Summary
	now := r.now().UTC()
	rows, err := repo.UnpaidBookingsAfter(ctx, um.UserID, um.StartDate)
	if err != nil {
		return summary, fmt.Errorf("load unpaid bookings: %w", err)
	}
	for _, b := range rows {
		ok, err := validForEvent(ctx, repo, um, b.Event, now)
		if err != nil {
			return summary, err
		}
		if !ok {
			continue
		}
		id := um.ID
		if err := repo.Allocate(ctx, b.ID, Allocation{UserMembershipID: &id, Paid: true}); err != nil {
			return summary, err
		}
		summary.Attached++
	}
	return summary, nil
}

// validForEvent reports whether um can pay for a class: it must be active,
// cover the event type, span the event date and have allowance left in the
// event's month.
func validForEvent(ctx context.Context, repo Repository, um *models.UserMembership, ev *models.Event, now time.Time) (bool, error) {
	if ev == nil || um.Membership == nil || !um.IsActive(now) {
		return false, nil
	}
	item, ok := um.Membership.ItemFor(ev.EventTypeID)
	if !ok {
		return false, nil
	}
	if ev.Date.Before(um.StartDate) {
		return false, nil
	}
	if um.EndDate != nil && um.EndDate.Before(ev.Date) {
		return false, nil
	}
	from, to := monthBounds(ev.Date)
	used, err := repo.CountMembershipBookings(ctx, um.ID, ev.EventTypeID, from, to)
	if err != nil {
		return false, fmt.Errorf("count membership bookings: %w", err)
	}
	return used < int64(item.Quantity), nil
}

func nextUsableBlock(ctx context.Context, repo Repository, b models.Booking, now time.Time) (*models.Block, error) {
	if b.Event == nil {
		return nil, nil
	}
	blocks, err := repo.UsableBlocks(ctx, b.UserID, b.Event.EventTypeID, now)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	for i := range blocks {
		used, err := repo.CountBlockBookings(ctx, blocks[i].ID)
		if err != nil {
			return nil, fmt.Errorf("count block bookings: %w", err)
		}
		if used < int64(blocks[i].Size) {
			return &blocks[i], nil
		}
	}
	return nil, nil
}

func monthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}
