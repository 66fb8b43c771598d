package vouchers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

// Service loads usage from the ledger and evaluates vouchers against it. It
// never writes.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Validate looks up code and evaluates it for principal against target. An
// unknown code yields an invalid result with a nil voucher.
func (s *Service) Validate(ctx context.Context, code string, principal uuid.UUID, target Target) (*models.Voucher, Result, error) {
	voucher, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, Result{}, err
	}
	if voucher == nil {
		return nil, invalid("voucher code %s is not valid", code), nil
	}
	usage, err := s.Usage(ctx, voucher, principal)
	if err != nil {
		return nil, Result{}, err
	}
	return voucher, Evaluate(voucher, target, usage, s.now().UTC()), nil
}

// Usage snapshots the ledger for voucher and principal.
func (s *Service) Usage(ctx context.Context, voucher *models.Voucher, principal uuid.UUID) (Usage, error) {
	var usage Usage
	var err error
	if usage.Total, err = s.repo.CountUses(ctx, voucher.ID); err != nil {
		return Usage{}, err
	}
	if usage.ByPrincipal, err = s.repo.CountUsesByUser(ctx, voucher.ID, principal); err != nil {
		return Usage{}, err
	}
	if voucher.Kind == enums.VoucherKindSubscription && voucher.NewMembershipsOnly {
		if usage.HasMembership, err = s.repo.HasMembership(ctx, principal); err != nil {
			return Usage{}, err
		}
	}
	return usage, nil
}

// Find returns the voucher with code, or nil.
func (s *Service) Find(ctx context.Context, code string) (*models.Voucher, error) {
	return s.repo.FindByCode(ctx, code)
}

// FindByPromoCode returns the voucher mirrored by a processor promotion code,
// or nil.
func (s *Service) FindByPromoCode(ctx context.Context, promoCodeID string) (*models.Voucher, error) {
	return s.repo.FindByPromoCode(ctx, promoCodeID)
}
