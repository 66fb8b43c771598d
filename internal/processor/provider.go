package processor

import (
	"context"
	"errors"
	"strings"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"gorm.io/gorm"
)

// Provider hands out a Connector bound to the studio's connected account.
type Provider interface {
	Connector(ctx context.Context) (Connector, error)
}

// SellerRepository reads the studio's connected account.
type SellerRepository struct {
	db *gorm.DB
}

func NewSellerRepository(db *gorm.DB) *SellerRepository {
	return &SellerRepository{db: db}
}

// StudioAccountID returns the oldest seller's connected account id, or "" when
// no seller has been connected.
func (r *SellerRepository) StudioAccountID(ctx context.Context) (string, error) {
	var seller models.Seller
	err := r.db.WithContext(ctx).
		Where("stripe_user_id <> ''").
		Order("created_at ASC").
		First(&seller).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return seller.StripeUserID, nil
}

type accountSource interface {
	StudioAccountID(ctx context.Context) (string, error)
}

// StripeProvider resolves the connected account on every call so a newly
// connected seller is picked up without a restart.
type StripeProvider struct {
	sellers  accountSource
	fallback string
	currency string
}

func NewStripeProvider(sellers accountSource, fallbackAccount, currency string) *StripeProvider {
	return &StripeProvider{sellers: sellers, fallback: strings.TrimSpace(fallbackAccount), currency: currency}
}

func (p *StripeProvider) Connector(ctx context.Context) (Connector, error) {
	account, err := p.sellers.StudioAccountID(ctx)
	if err != nil {
		return nil, err
	}
	if account == "" {
		account = p.fallback
	}
	if account == "" {
		return nil, ErrNoSeller
	}
	return NewStripeConnector(account, p.currency), nil
}
