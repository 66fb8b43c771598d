package memberships

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/internal/vouchers"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
)

type SubscribeRequest struct {
	Principal    uuid.UUID
	MembershipID uuid.UUID
	// Backdate charges for the current month straight away instead of
	// starting at the next billing anchor.
	Backdate    bool
	VoucherCode string
}

type SubscribeResult struct {
	UserMembership *models.UserMembership
	SubscriptionID string
	// ClientSecret confirms the first payment, or the setup intent when
	// nothing is due yet.
	ClientSecret string
}

// Subscribe creates a processor subscription for the principal and records
// the local membership straight away. The created webhook that follows finds
// it already in place.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	user, err := s.users.FindByID(ctx, req.Principal)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	membership, err := s.repo.FindMembership(ctx, req.MembershipID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load membership")
	}
	if membership == nil || !membership.Active {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "membership not found")
	}
	if membership.StripePriceID == nil || *membership.StripePriceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "membership is not available for purchase")
	}
	current, err := s.repo.FindCurrentForUser(ctx, user.ID, membership.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load current membership")
	}
	if current != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "already subscribed to this membership")
	}

	var voucher *models.Voucher
	if req.VoucherCode != "" {
		v, result, err := s.vouchers.Validate(ctx, req.VoucherCode, user.ID, vouchers.Target{Kind: enums.VoucherKindSubscription, ID: membership.ID})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "validate voucher")
		}
		if !result.Valid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, result.Reason)
		}
		if v.PromoCodeID == nil || *v.PromoCodeID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("voucher code %s is not valid for memberships", v.Code))
		}
		voucher = v
	}

	conn, err := s.provider.Connector(ctx)
	if err != nil {
		return nil, connectorError(err)
	}

	customerID := ""
	if user.StripeCustomerID != nil {
		customerID = *user.StripeCustomerID
	}
	if customerID == "" {
		customerID, err = conn.GetOrCreateCustomer(ctx, processor.CustomerInput{
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create customer")
		}
		if err := s.users.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save customer id")
		}
	}

	sub, err := openSubscription(ctx, conn, customerID, *membership.StripePriceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	if sub != nil {
		// a previous attempt got as far as the processor; its discount stands
		voucher = nil
		s.logg.Warn(s.logg.WithField(ctx, "subscription_id", sub.ID), "reusing open subscription for membership")
	} else {
		in := processor.SubscriptionInput{
			CustomerID: customerID,
			PriceID:    *membership.StripePriceID,
			Backdate:   req.Backdate,
			Now:        s.now().UTC(),
		}
		if voucher != nil {
			in.PromotionCodeID = *voucher.PromoCodeID
		}
		sub, err = conn.CreateSubscription(ctx, in)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
		}
	}

	var um *models.UserMembership
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		created, err := s.createFromSubscription(ctx, tx, sub, user.ID)
		if err != nil {
			return err
		}
		um = created
		if voucher != nil {
			return s.ledger.WithTx(tx).RecordUse(ctx, voucher.ID, user.ID, sub.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"subscription_id": sub.ID,
		"user_id":         user.ID.String(),
		"backdate":        req.Backdate,
	}), "membership subscription created")

	return &SubscribeResult{
		UserMembership: um,
		SubscriptionID: sub.ID,
		ClientSecret:   subscriptionClientSecret(sub),
	}, nil
}

// openSubscription finds a subscription the customer already holds for
// priceID that can still be paid or is already running.
func openSubscription(ctx context.Context, conn processor.Connector, customerID, priceID string) (*stripe.Subscription, error) {
	subs, err := conn.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if subscriptionPriceID(sub) != priceID || sub.CancelAtPeriodEnd || sub.CancelAt > 0 {
			continue
		}
		switch sub.Status {
		case stripe.SubscriptionStatusIncomplete, stripe.SubscriptionStatusActive, stripe.SubscriptionStatusPastDue:
			return sub, nil
		}
	}
	return nil, nil
}

// Cancel ends the principal's membership. Active and past-due memberships
// run to the end of the paid period; anything not yet paid for is cancelled
// at once. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, principal, userMembershipID uuid.UUID) (*models.UserMembership, error) {
	um, err := s.repo.FindUserMembership(ctx, userMembershipID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user membership")
	}
	if um == nil || um.UserID != principal {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "membership not found")
	}
	if um.SubscriptionStatus.IsTerminal() || um.EndDate != nil {
		return um, nil
	}

	conn, err := s.provider.Connector(ctx)
	if err != nil {
		return nil, connectorError(err)
	}
	immediately := um.SubscriptionStatus != enums.SubscriptionStatusActive &&
		um.SubscriptionStatus != enums.SubscriptionStatusPastDue
	sub, err := conn.CancelSubscription(ctx, um.SubscriptionID, immediately)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel subscription")
	}

	now := s.now().UTC()
	if immediately {
		um.SubscriptionStatus = enums.SubscriptionStatusCanceled
		endDate := processor.FirstOfNextMonth(now.Unix())
		um.SubscriptionEndDate = &now
		um.EndDate = &endDate
	} else {
		cancelAt := sub.CancelAt
		if cancelAt == 0 {
			cancelAt = processor.SubscriptionCycleDates(now).NextStart.Unix()
		}
		syncCancellation(um, cancelAt)
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).SaveUserMembership(ctx, um); err != nil {
			return err
		}
		return s.reallocator.Reallocate(ctx, tx, um)
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"subscription_id": um.SubscriptionID,
		"immediately":     immediately,
	}), "membership cancelled by member")
	return um, nil
}

// PortalURL returns a processor-hosted page where the principal manages
// payment details.
func (s *Service) PortalURL(ctx context.Context, principal uuid.UUID, returnURL string) (string, error) {
	user, err := s.users.FindByID(ctx, principal)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil || user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "no billing account")
	}
	conn, err := s.provider.Connector(ctx)
	if err != nil {
		return "", connectorError(err)
	}
	url, err := conn.CustomerPortalURL(ctx, *user.StripeCustomerID, returnURL)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create portal session")
	}
	return url, nil
}

// Reconcilable lists memberships whose processor state can still move.
func (s *Service) Reconcilable(ctx context.Context) ([]models.UserMembership, error) {
	return s.repo.ListForReconcile(ctx)
}

// Reconcile fetches the subscription behind um and applies it as if it had
// arrived by webhook. A membership waiting on a setup intent is activated
// once that intent has succeeded.
func (s *Service) Reconcile(ctx context.Context, um *models.UserMembership) error {
	conn, err := s.provider.Connector(ctx)
	if err != nil {
		return connectorError(err)
	}
	if um.SubscriptionStatus == enums.SubscriptionStatusSetupPending && um.PendingSetupIntent != nil {
		si, err := conn.GetSetupIntent(ctx, *um.PendingSetupIntent)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch setup intent")
		}
		// the succeeded webhook may have been missed
		if si.Status == stripe.SetupIntentStatusSucceeded {
			return s.SetupIntentSucceeded(ctx, si)
		}
	}
	sub, err := conn.GetSubscription(ctx, um.SubscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch subscription")
	}
	if enums.SubscriptionStatus(sub.Status) == enums.SubscriptionStatusCanceled &&
		um.SubscriptionStatus != enums.SubscriptionStatusCanceled {
		return s.SubscriptionDeleted(ctx, sub)
	}
	return s.SubscriptionUpdated(ctx, sub)
}

// RemoveExpiredDiscounts checks every active membership's upcoming invoice
// and drops discounts whose voucher lapses before it is raised. It returns
// how many discounts were removed.
func (s *Service) RemoveExpiredDiscounts(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list active memberships")
	}
	if len(active) == 0 {
		return 0, nil
	}
	conn, err := s.provider.Connector(ctx)
	if err != nil {
		return 0, connectorError(err)
	}

	removed := 0
	var errs error
	for _, um := range active {
		upcoming, err := conn.GetUpcomingInvoice(ctx, um.SubscriptionID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("upcoming invoice for %s: %w", um.SubscriptionID, err))
			continue
		}
		if len(upcoming.PromotionCodes) == 0 {
			continue
		}
		dropped, err := s.dropExpiredDiscount(ctx, um.SubscriptionID, upcoming.PromotionCodes, upcoming.NextPaymentDate)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if dropped {
			removed++
		}
	}
	return removed, errs
}

func subscriptionClientSecret(sub *stripe.Subscription) string {
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		return sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	if sub.PendingSetupIntent != nil {
		return sub.PendingSetupIntent.ClientSecret
	}
	return ""
}
