package cron

import (
	"context"
	"fmt"

	"github.com/studiobooking/payments-backend/pkg/logger"
)

type discountRemover interface {
	RemoveExpiredDiscounts(ctx context.Context) (int, error)
}

type SubscriptionVoucherExpiryJobParams struct {
	Logger      *logger.Logger
	Memberships discountRemover
}

// NewSubscriptionVoucherExpiryJob drops subscription discounts whose voucher
// lapses before the next invoice is raised.
func NewSubscriptionVoucherExpiryJob(params SubscriptionVoucherExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Memberships == nil {
		return nil, fmt.Errorf("membership service required")
	}
	return &voucherExpiryJob{logg: params.Logger, memberships: params.Memberships}, nil
}

type voucherExpiryJob struct {
	logg        *logger.Logger
	memberships discountRemover
}

func (j *voucherExpiryJob) Name() string { return "subscription-voucher-expiry" }

func (j *voucherExpiryJob) Run(ctx context.Context) error {
	removed, err := j.memberships.RemoveExpiredDiscounts(ctx)
	ctx = j.logg.WithField(ctx, "discounts_removed", removed)
	if err != nil {
		return fmt.Errorf("remove expired discounts: %w", err)
	}
	j.logg.Info(ctx, "subscription voucher expiry complete")
	return nil
}
