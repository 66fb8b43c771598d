package memberships

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
)

// ProductSyncResult reports what SyncProduct changed on the processor.
type ProductSyncResult struct {
	Membership *models.Membership
	// Created is set when the membership had no processor price yet.
	Created bool
	// PriceChanged is set when the membership moved to a new monthly price.
	PriceChanged bool
	// Migrated counts live subscriptions moved onto the new price.
	Migrated int
}

// SyncProduct pushes a membership's name, description, active flag and
// monthly price to the processor. A price change creates (or reuses) a
// matching price, makes it the product default and moves every live
// subscription onto it without proration. Subscriptions that fail to move are
// reported in the returned error; the rest keep their new price.
func (s *Service) SyncProduct(ctx context.Context, membershipID uuid.UUID) (*ProductSyncResult, error) {
	m, err := s.repo.FindMembership(ctx, membershipID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load membership")
	}
	if m == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "membership not found")
	}
	if !m.Price.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "membership price must be positive")
	}
	if m.StripeProductID == "" {
		m.StripeProductID = productSlug(m.Name)
		if m.StripeProductID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "membership name required")
		}
	}

	conn, err := s.provider.Connector(ctx)
	if err != nil {
		return nil, connectorError(err)
	}

	in := processor.ProductInput{
		ProductID: m.StripeProductID,
		Name:      m.Name,
		Active:    m.Active,
		Price:     m.Price,
	}
	if m.Description != nil {
		in.Description = *m.Description
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"membership_id": m.ID.String(),
		"product_id":    m.StripeProductID,
	})
	result := &ProductSyncResult{Membership: m}

	if m.StripePriceID == nil || *m.StripePriceID == "" {
		product, err := conn.CreateProduct(ctx, in)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create product")
		}
		if product.DefaultPrice == nil || product.DefaultPrice.ID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("product %s has no default price", product.ID))
		}
		priceID := product.DefaultPrice.ID
		m.StripePriceID = &priceID
		if err := s.repo.SaveMembership(ctx, m); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save membership")
		}
		result.Created = true
		s.logg.Info(s.logg.WithField(logCtx, "price_id", priceID), "membership product created")
		return result, nil
	}

	previous := *m.StripePriceID
	priceID, err := conn.GetOrCreatePrice(ctx, m.StripeProductID, m.Price)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve price")
	}
	in.PriceID = priceID
	if _, err := conn.UpdateProduct(ctx, in); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update product")
	}
	if priceID == previous {
		s.logg.Info(logCtx, "membership product updated")
		return result, nil
	}

	m.StripePriceID = &priceID
	if err := s.repo.SaveMembership(ctx, m); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save membership")
	}
	result.PriceChanged = true
	s.logg.Info(s.logg.WithFields(logCtx, map[string]any{
		"old_price_id": previous,
		"price_id":     priceID,
	}), "membership price changed")

	live, err := s.repo.ListLiveForMembership(ctx, m.ID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list live memberships")
	}
	var errs error
	for _, um := range live {
		if _, err := conn.UpdateSubscriptionPrice(ctx, um.SubscriptionID, priceID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("move %s to %s: %w", um.SubscriptionID, priceID, err))
			continue
		}
		result.Migrated++
	}
	if errs != nil {
		s.logg.Error(s.logg.WithField(logCtx, "failed", len(multierr.Errors(errs))), "some subscriptions kept the old price", errs)
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, errs, "move subscriptions to new price")
	}
	return result, nil
}

// productSlug turns a membership name into a processor product id.
func productSlug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
