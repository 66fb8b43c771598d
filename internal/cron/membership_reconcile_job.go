package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

type membershipReconciler interface {
	Reconcilable(ctx context.Context) ([]models.UserMembership, error)
	Reconcile(ctx context.Context, um *models.UserMembership) error
}

type MembershipReconcileJobParams struct {
	Logger      *logger.Logger
	Memberships membershipReconciler
}

// NewMembershipReconcileJob re-reads every non-terminal subscription from the
// processor so a missed webhook cannot leave a membership stuck.
func NewMembershipReconcileJob(params MembershipReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Memberships == nil {
		return nil, fmt.Errorf("membership service required")
	}
	return &membershipReconcileJob{logg: params.Logger, memberships: params.Memberships}, nil
}

type membershipReconcileJob struct {
	logg        *logger.Logger
	memberships membershipReconciler
}

func (j *membershipReconcileJob) Name() string { return "membership-reconcile" }

func (j *membershipReconcileJob) Run(ctx context.Context) error {
	candidates, err := j.memberships.Reconcilable(ctx)
	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}

	var (
		errs   error
		synced int
	)
	for i := range candidates {
		um := &candidates[i]
		if err := j.memberships.Reconcile(ctx, um); err != nil {
			j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
				"subscription_id": um.SubscriptionID,
				"error":           err.Error(),
			}), "membership reconcile failed")
			errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", um.SubscriptionID, err))
			continue
		}
		synced++
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"synced":     synced,
	}), "membership reconcile complete")
	return errs
}
