package vouchers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiobooking/payments-backend/pkg/db/dbtest"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	dbtypes "github.com/studiobooking/payments-backend/pkg/db/types"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

func TestRepositoryLedgerCounts(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	promo := "promo_123"
	voucher := &models.Voucher{
		Code:        "WELCOME",
		Kind:        enums.VoucherKindSubscription,
		Active:      true,
		StartDate:   time.Now().UTC().AddDate(0, -1, 0),
		PromoCodeID: &promo,
		TargetIDs:   dbtypes.UUIDArray{},
	}
	require.NoError(t, conn.Create(voucher).Error)

	found, err := repo.FindByCode(ctx, " WELCOME ")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, voucher.ID, found.ID)

	byPromo, err := repo.FindByPromoCode(ctx, promo)
	require.NoError(t, err)
	require.NotNil(t, byPromo)

	missing, err := repo.FindByCode(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)

	alice, bob := uuid.New(), uuid.New()
	require.NoError(t, repo.RecordUse(ctx, voucher.ID, alice, "item-1"))
	require.NoError(t, repo.RecordUse(ctx, voucher.ID, alice, "item-1"))
	require.NoError(t, repo.RecordUse(ctx, voucher.ID, alice, "item-2"))
	require.NoError(t, repo.RecordUse(ctx, voucher.ID, bob, "item-3"))

	total, err := repo.CountUses(ctx, voucher.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	byAlice, err := repo.CountUsesByUser(ctx, voucher.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, byAlice)
}

func TestServiceValidateUsesLedger(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo)
	ctx := context.Background()

	eventType := uuid.New()
	voucher := &models.Voucher{
		Code:       "ONCE",
		Kind:       enums.VoucherKindEvent,
		Active:     true,
		StartDate:  time.Now().UTC().AddDate(0, 0, -1),
		MaxPerUser: intPtr(1),
		PercentOff: intPtr(50),
		TargetIDs:  dbtypes.UUIDArray{eventType},
	}
	require.NoError(t, conn.Create(voucher).Error)
	user := uuid.New()
	target := Target{Kind: enums.VoucherKindEvent, ID: eventType}

	got, res, err := svc.Validate(ctx, "ONCE", user, target)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, res.Valid())

	require.NoError(t, repo.RecordUse(ctx, voucher.ID, user, uuid.NewString()))

	_, res, err = svc.Validate(ctx, "ONCE", user, target)
	require.NoError(t, err)
	assert.Equal(t, enums.VoucherInvalid, res.Status)

	_, res, err = svc.Validate(ctx, "UNKNOWN", user, target)
	require.NoError(t, err)
	assert.Equal(t, enums.VoucherInvalid, res.Status)
}
