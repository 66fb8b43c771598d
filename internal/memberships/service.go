// Package memberships keeps local user memberships in step with processor
// subscriptions and exposes the member-facing subscription operations.
package memberships

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/internal/users"
	"github.com/studiobooking/payments-backend/internal/vouchers"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/outbox"
	"github.com/studiobooking/payments-backend/pkg/outbox/payloads"
)

// Reallocator moves bookings onto or off a membership after its coverage
// changes. It runs inside the caller's transaction.
type Reallocator interface {
	Reallocate(ctx context.Context, tx *gorm.DB, um *models.UserMembership) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type voucherService interface {
	Validate(ctx context.Context, code string, principal uuid.UUID, target vouchers.Target) (*models.Voucher, vouchers.Result, error)
	FindByPromoCode(ctx context.Context, promoCodeID string) (*models.Voucher, error)
}

type ServiceParams struct {
	DB          txRunner
	Repo        *Repository
	Users       *users.Repository
	Provider    processor.Provider
	Outbox      outboxEmitter
	Reallocator Reallocator
	Vouchers    voucherService
	// VoucherLedger records subscription voucher redemptions.
	VoucherLedger vouchers.Repository
	Logger        *logger.Logger
}

type Service struct {
	db          txRunner
	repo        *Repository
	users       *users.Repository
	provider    processor.Provider
	outbox      outboxEmitter
	reallocator Reallocator
	vouchers    voucherService
	ledger      vouchers.Repository
	logg        *logger.Logger
	now         func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "membership repo required")
	}
	if params.Users == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "users repo required")
	}
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "processor provider required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	if params.Reallocator == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reallocator required")
	}
	if params.Vouchers == nil || params.VoucherLedger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "voucher service required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		db:          params.DB,
		repo:        params.Repo,
		users:       params.Users,
		provider:    params.Provider,
		outbox:      params.Outbox,
		reallocator: params.Reallocator,
		vouchers:    params.Vouchers,
		ledger:      params.VoucherLedger,
		logg:        params.Logger,
		now:         time.Now,
	}, nil
}

// SubscriptionCreated records the local mirror of a new subscription. A
// subscription that is already recorded is left untouched.
func (s *Service) SubscriptionCreated(ctx context.Context, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription required")
	}
	customerID := subscriptionCustomerID(sub)
	user, err := s.users.FindByCustomerID(ctx, customerID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load customer")
	}
	if user == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no user for customer %s", customerID))
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.createFromSubscription(ctx, tx, sub, user.ID)
		return err
	})
	if db.IsUniqueViolation(err, "") {
		return nil
	}
	return err
}

func (s *Service) createFromSubscription(ctx context.Context, tx *gorm.DB, sub *stripe.Subscription, userID uuid.UUID) (*models.UserMembership, error) {
	repo := s.repo.WithTx(tx)
	existing, err := repo.FindBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	priceID := subscriptionPriceID(sub)
	membership, err := repo.FindMembershipByPriceID(ctx, priceID)
	if err != nil {
		return nil, err
	}
	if membership == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no membership for price %s", priceID))
	}

	status, pending := derivedStatus(sub)
	startedAt := s.now().UTC()
	if ts := processor.FromTimestamp(sub.StartDate); ts != nil {
		startedAt = *ts
	}
	anchor := processor.FromTimestamp(sub.BillingCycleAnchor)
	if anchor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription billing anchor missing")
	}

	um := &models.UserMembership{
		MembershipID:                   membership.ID,
		Membership:                     membership,
		UserID:                         userID,
		StartDate:                      processor.FirstOfNextMonth(sub.BillingCycleAnchor),
		SubscriptionID:                 sub.ID,
		SubscriptionStatus:             status,
		SubscriptionStartDate:          startedAt,
		SubscriptionBillingCycleAnchor: *anchor,
		PendingSetupIntent:             pending,
	}
	if err := repo.CreateUserMembership(ctx, um); err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subscription_id":    sub.ID,
		"user_membership_id": um.ID.String(),
		"status":             status.String(),
	})
	s.logg.Info(logCtx, "user membership created")

	if err := s.reallocator.Reallocate(ctx, tx, um); err != nil {
		return nil, err
	}
	return um, nil
}

// SubscriptionUpdated re-derives local state from the subscription payload.
// Applying the same payload twice leaves the membership unchanged.
func (s *Service) SubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription required")
	}
	um, err := s.repo.FindBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user membership")
	}
	if um == nil {
		if enums.SubscriptionStatus(sub.Status).IsTerminal() {
			return nil
		}
		// update delivered before create
		return s.SubscriptionCreated(ctx, sub)
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.applyUpdate(ctx, tx, um, sub)
	})
}

func (s *Service) applyUpdate(ctx context.Context, tx *gorm.DB, um *models.UserMembership, sub *stripe.Subscription) error {
	repo := s.repo.WithTx(tx)
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subscription_id":    sub.ID,
		"user_membership_id": um.ID.String(),
	})

	oldStatus := um.SubscriptionStatus
	newStatus, pending := derivedStatus(sub)
	changed := false

	if newStatus != oldStatus {
		s.logg.Info(logCtx, fmt.Sprintf("subscription status %s -> %s", oldStatus, newStatus))
		if newStatus == enums.SubscriptionStatusIncompleteExpired {
			return repo.DeleteUserMembership(ctx, um.ID)
		}
		um.SubscriptionStatus = newStatus
		changed = true
	}

	switch newStatus {
	case enums.SubscriptionStatusActive:
		activated := oldStatus == enums.SubscriptionStatusIncomplete || oldStatus == enums.SubscriptionStatusSetupPending
		if activated && um.PendingSetupIntent != nil {
			um.PendingSetupIntent = nil
			changed = true
		}
		if syncCancellation(um, sub.CancelAt) {
			changed = true
		}
		switched, err := s.syncPrice(ctx, tx, um, sub)
		if err != nil {
			return err
		}
		changed = changed || switched

		if changed {
			if err := repo.SaveUserMembership(ctx, um); err != nil {
				return err
			}
		}
		if activated {
			if err := s.emitMembership(ctx, tx, enums.EventMembershipActivated, um, true); err != nil {
				return err
			}
		}
		return s.reallocator.Reallocate(ctx, tx, um)

	case enums.SubscriptionStatusSetupPending:
		if pending != nil && (um.PendingSetupIntent == nil || *um.PendingSetupIntent != *pending) {
			um.PendingSetupIntent = pending
			changed = true
		}
	}

	if changed {
		if err := repo.SaveUserMembership(ctx, um); err != nil {
			return err
		}
	}
	if newStatus == enums.SubscriptionStatusPastDue && oldStatus != enums.SubscriptionStatusPastDue {
		s.logg.Warn(logCtx, "subscription past due")
		return s.emitMembership(ctx, tx, enums.EventMembershipPastDue, um, false)
	}
	return nil
}

// syncCancellation mirrors a scheduled cancellation onto the membership and
// clears one that is no longer scheduled. It reports whether anything changed.
func syncCancellation(um *models.UserMembership, cancelAt int64) bool {
	if cancelAt > 0 {
		endAt := processor.FromTimestamp(cancelAt)
		endDate := processor.FirstOfNextMonth(cancelAt)
		if um.SubscriptionEndDate != nil && um.SubscriptionEndDate.Equal(*endAt) &&
			um.EndDate != nil && um.EndDate.Equal(endDate) {
			return false
		}
		um.SubscriptionEndDate = endAt
		um.EndDate = &endDate
		return true
	}
	if um.SubscriptionEndDate == nil && um.EndDate == nil {
		return false
	}
	um.SubscriptionEndDate = nil
	um.EndDate = nil
	return true
}

// syncPrice points the membership at the plan matching the billed price. A
// price change made on the processor side needs a studio follow-up, so it
// also queues an operator notice.
func (s *Service) syncPrice(ctx context.Context, tx *gorm.DB, um *models.UserMembership, sub *stripe.Subscription) (bool, error) {
	priceID := subscriptionPriceID(sub)
	if priceID == "" || um.Membership == nil {
		return false, nil
	}
	if um.Membership.StripePriceID != nil && *um.Membership.StripePriceID == priceID {
		return false, nil
	}

	repo := s.repo.WithTx(tx)
	next, err := repo.FindMembershipByPriceID(ctx, priceID)
	if err != nil {
		return false, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subscription_id": sub.ID,
		"price_id":        priceID,
	})
	if next == nil {
		s.logg.Warn(logCtx, "subscription billed at a price with no membership")
		// one alert per subscription and price, however often it is replayed
		return false, s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOperatorAlert,
			AggregateType: enums.AggregateProcessorEvent,
			AggregateID:   outbox.ProcessorAggregateID(sub.ID + "/" + priceID),
			Data: payloads.OperatorAlertEvent{
				Subject: "Membership price not recognised",
				Message: fmt.Sprintf("Subscription %s is billed at price %s, which matches no membership", sub.ID, priceID),
			},
		})
	}
	if next.ID == um.MembershipID {
		return false, nil
	}

	previous := um.MembershipID
	um.MembershipID = next.ID
	um.Membership = next
	s.logg.Warn(logCtx, fmt.Sprintf("membership switched from %s to %s after price change", previous, next.ID))
	changed := outbox.DomainEvent{
		EventType:     enums.EventMembershipPriceChanged,
		AggregateType: enums.AggregateUserMembership,
		AggregateID:   um.ID,
		Actor:         &outbox.ActorRef{UserID: um.UserID},
		Data: payloads.MembershipPriceChangedEvent{
			UserMembershipID: um.ID,
			SubscriptionID:   sub.ID,
			OldMembershipID:  previous,
			NewMembershipID:  next.ID,
			PriceID:          priceID,
		},
	}
	if err := s.outbox.Emit(ctx, tx, changed); err != nil {
		return false, err
	}
	err = s.outbox.Emit(ctx, tx, outbox.Activity(changed, fmt.Sprintf(
		"Membership for user %s changed to %s after price change to %s (subscription %s)",
		um.UserID, next.Name, priceID, sub.ID)))
	return err == nil, err
}

// SubscriptionDeleted applies a processor-side cancellation. Unknown
// subscriptions are ignored.
func (s *Service) SubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription required")
	}
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		um, err := repo.FindBySubscriptionID(ctx, sub.ID)
		if err != nil {
			return err
		}
		if um == nil {
			s.logg.Info(s.logg.WithField(ctx, "subscription_id", sub.ID), "deleted subscription has no user membership")
			return nil
		}

		canceledAt := sub.CanceledAt
		if canceledAt == 0 {
			canceledAt = sub.EndedAt
		}
		if canceledAt == 0 {
			canceledAt = s.now().Unix()
		}
		endDate := processor.FirstOfNextMonth(canceledAt)
		um.SubscriptionStatus = enums.SubscriptionStatus(sub.Status)
		um.SubscriptionEndDate = processor.FromTimestamp(canceledAt)
		um.EndDate = &endDate
		if err := repo.SaveUserMembership(ctx, um); err != nil {
			return err
		}
		if err := s.emitMembership(ctx, tx, enums.EventMembershipCancelled, um, true); err != nil {
			return err
		}
		return s.reallocator.Reallocate(ctx, tx, um)
	})
}

// SetupIntentSucceeded activates the setup_pending membership waiting on si.
func (s *Service) SetupIntentSucceeded(ctx context.Context, si *stripe.SetupIntent) error {
	if si == nil || si.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "setup intent required")
	}
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		um, err := repo.FindPendingSetup(ctx, si.ID)
		if err != nil {
			return err
		}
		if um == nil {
			return nil
		}
		um.SubscriptionStatus = enums.SubscriptionStatusActive
		um.PendingSetupIntent = nil
		if err := repo.SaveUserMembership(ctx, um); err != nil {
			return err
		}
		s.logg.Info(s.logg.WithField(ctx, "subscription_id", um.SubscriptionID), "setup intent confirmed, membership active")
		if err := s.emitMembership(ctx, tx, enums.EventMembershipActivated, um, true); err != nil {
			return err
		}
		return s.reallocator.Reallocate(ctx, tx, um)
	})
}

// ProductUpdated syncs a membership's active flag, name and description from
// its processor product. Nothing is written when they already agree.
func (s *Service) ProductUpdated(ctx context.Context, product *stripe.Product) (bool, error) {
	if product == nil || product.ID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "product required")
	}
	m, err := s.repo.FindMembershipByProductID(ctx, product.ID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load membership")
	}
	if m == nil {
		return false, nil
	}

	current := ""
	if m.Description != nil {
		current = *m.Description
	}
	if m.Active == product.Active && m.Name == product.Name && current == product.Description {
		return false, nil
	}
	m.Active = product.Active
	m.Name = product.Name
	if product.Description == "" {
		m.Description = nil
	} else {
		desc := product.Description
		m.Description = &desc
	}
	if err := s.repo.SaveMembership(ctx, m); err != nil {
		return false, err
	}
	s.logg.Info(s.logg.WithField(ctx, "product_id", product.ID), "membership updated from product")
	return true, nil
}

// RecordSubscriptionInvoice upserts the local record of a subscription
// invoice. Invoices not raised for a subscription are skipped.
func (s *Service) RecordSubscriptionInvoice(ctx context.Context, inv *stripe.Invoice) error {
	if inv == nil || inv.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "invoice required")
	}
	subID := invoiceSubscriptionID(inv)
	if subID == "" {
		return nil
	}
	record := &models.StripeSubscriptionInvoice{
		InvoiceID:      inv.ID,
		SubscriptionID: subID,
		Status:         string(inv.Status),
		Total:          processor.FromMinorUnits(inv.Total),
		InvoiceDate:    time.Unix(inv.Created, 0).UTC(),
	}
	if codes := invoicePromotionCodes(inv); len(codes) > 0 {
		record.PromoCode = &codes[0]
	}
	return s.repo.UpsertSubscriptionInvoice(ctx, record)
}

// RenewalUpcoming drops discounts whose voucher lapses before the renewal
// and queues the renewal notice.
func (s *Service) RenewalUpcoming(ctx context.Context, inv *stripe.Invoice) error {
	if inv == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "invoice required")
	}
	subID := invoiceSubscriptionID(inv)
	if subID == "" {
		return nil
	}
	um, err := s.repo.FindBySubscriptionID(ctx, subID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user membership")
	}
	if um == nil {
		return nil
	}

	next := time.Unix(inv.Created, 0).UTC()
	if ts := processor.FromTimestamp(inv.NextPaymentAttempt); ts != nil {
		next = *ts
	}
	removed, err := s.dropExpiredDiscount(ctx, subID, invoicePromotionCodes(inv), next)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRenewalUpcoming,
			AggregateType: enums.AggregateUserMembership,
			AggregateID:   um.ID,
			Data: payloads.RenewalUpcomingEvent{
				UserMembershipID: um.ID,
				UserID:           um.UserID,
				SubscriptionID:   subID,
				AmountDueInP:     inv.AmountDue,
				NextPaymentDate:  next,
				DiscountRemoved:  removed,
			},
		})
	})
}

// dropExpiredDiscount removes the subscription's discount when the voucher
// behind one of its promotion codes lapses before next.
func (s *Service) dropExpiredDiscount(ctx context.Context, subscriptionID string, promoCodes []string, next time.Time) (bool, error) {
	for _, code := range promoCodes {
		v, err := s.vouchers.FindByPromoCode(ctx, code)
		if err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load voucher for promotion code")
		}
		if !vouchers.ExpiresBeforeNextPaymentDate(v, next) {
			continue
		}
		conn, err := s.provider.Connector(ctx)
		if err != nil {
			return false, connectorError(err)
		}
		if err := conn.RemoveSubscriptionDiscount(ctx, subscriptionID); err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove subscription discount")
		}
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"subscription_id": subscriptionID,
			"voucher_code":    v.Code,
		}), "expired discount removed from subscription")
		return true, nil
	}
	return false, nil
}

func (s *Service) emitMembership(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, um *models.UserMembership, once bool) error {
	name := ""
	if um.Membership != nil {
		name = um.Membership.Name
	}
	event := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateUserMembership,
		AggregateID:   um.ID,
		Actor:         &outbox.ActorRef{UserID: um.UserID},
		Data: payloads.MembershipEvent{
			UserMembershipID: um.ID,
			UserID:           um.UserID,
			MembershipID:     um.MembershipID,
			MembershipName:   name,
			SubscriptionID:   um.SubscriptionID,
			Status:           um.SubscriptionStatus,
			StartDate:        um.StartDate,
			EndDate:          um.EndDate,
		},
	}
	activity := outbox.Activity(event, membershipActivity(eventType, um, name))
	if once {
		if err := s.outbox.EmitIfNotExists(ctx, tx, event); err != nil {
			return err
		}
		return s.outbox.EmitIfNotExists(ctx, tx, activity)
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return err
	}
	return s.outbox.Emit(ctx, tx, activity)
}

func membershipActivity(eventType enums.OutboxEventType, um *models.UserMembership, name string) string {
	switch eventType {
	case enums.EventMembershipActivated:
		return fmt.Sprintf("Membership %s set up for user %s (subscription %s, status %s)", name, um.UserID, um.SubscriptionID, um.SubscriptionStatus)
	case enums.EventMembershipCancelled:
		ends := "now"
		if um.EndDate != nil {
			ends = um.EndDate.Format("2006-01-02")
		}
		return fmt.Sprintf("Membership %s for user %s cancelled, ends %s (subscription %s)", name, um.UserID, ends, um.SubscriptionID)
	}
	return fmt.Sprintf("Membership %s for user %s updated to %s (subscription %s)", name, um.UserID, um.SubscriptionStatus, um.SubscriptionID)
}

// derivedStatus maps the processor status to the local one. A subscription
// reported active while its setup intent is unconfirmed and no default
// payment method exists has not been authorised yet and stays setup_pending.
func derivedStatus(sub *stripe.Subscription) (enums.SubscriptionStatus, *string) {
	status := enums.SubscriptionStatus(sub.Status)
	if status == enums.SubscriptionStatusActive &&
		sub.DefaultPaymentMethod == nil &&
		sub.PendingSetupIntent != nil && sub.PendingSetupIntent.ID != "" {
		id := sub.PendingSetupIntent.ID
		return enums.SubscriptionStatusSetupPending, &id
	}
	return status, nil
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func subscriptionCustomerID(sub *stripe.Subscription) string {
	if sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}

func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
		return ""
	}
	return inv.Parent.SubscriptionDetails.Subscription.ID
}

func invoicePromotionCodes(inv *stripe.Invoice) []string {
	var codes []string
	for _, d := range inv.Discounts {
		if d != nil && d.PromotionCode != nil && d.PromotionCode.ID != "" {
			codes = append(codes, d.PromotionCode.ID)
		}
	}
	return codes
}

func connectorError(err error) error {
	if errors.Is(err, processor.ErrNoSeller) {
		return pkgerrors.Wrap(pkgerrors.CodePreprocessing, err, "payment processing is not configured")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve processor connector")
}
