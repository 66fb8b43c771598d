package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiobooking/payments-backend/pkg/db/dbtest"
	"github.com/studiobooking/payments-backend/pkg/db/models"
)

type stubAccounts struct {
	account string
	err     error
}

func (s stubAccounts) StudioAccountID(context.Context) (string, error) {
	return s.account, s.err
}

func TestStripeProviderUsesSellerAccount(t *testing.T) {
	provider := NewStripeProvider(stubAccounts{account: "acct_seller"}, "acct_fallback", "GBP")

	conn, err := provider.Connector(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acct_seller", conn.AccountID())
}

func TestStripeProviderFallsBackToConfiguredAccount(t *testing.T) {
	provider := NewStripeProvider(stubAccounts{}, " acct_fallback ", "gbp")

	conn, err := provider.Connector(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acct_fallback", conn.AccountID())
}

func TestStripeProviderWithoutAccount(t *testing.T) {
	provider := NewStripeProvider(stubAccounts{}, "", "gbp")

	_, err := provider.Connector(context.Background())
	assert.ErrorIs(t, err, ErrNoSeller)
}

func TestStripeProviderPropagatesLookupError(t *testing.T) {
	boom := errors.New("db down")
	provider := NewStripeProvider(stubAccounts{err: boom}, "acct_fallback", "gbp")

	_, err := provider.Connector(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSellerRepositoryStudioAccountID(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewSellerRepository(db)
	ctx := context.Background()

	account, err := repo.StudioAccountID(ctx)
	require.NoError(t, err)
	assert.Empty(t, account)

	require.NoError(t, db.Create(&models.Seller{UserID: uuid.New(), StripeUserID: "acct_123"}).Error)

	account, err = repo.StudioAccountID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acct_123", account)
}
