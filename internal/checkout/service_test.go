package checkout

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/internal/cart"
	"github.com/studiobooking/payments-backend/internal/invoices"
	"github.com/studiobooking/payments-backend/internal/payments"
	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/internal/processor/processortest"
	"github.com/studiobooking/payments-backend/internal/vouchers"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/db/dbtest"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	dbtypes "github.com/studiobooking/payments-backend/pkg/db/types"
	"github.com/studiobooking/payments-backend/pkg/enums"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/outbox"
)

type fixture struct {
	svc       *Service
	conn      *gorm.DB
	stub      *processortest.Connector
	user      uuid.UUID
	eventType uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "checkout-test", Output: io.Discard})

	voucherRepo := vouchers.NewRepository(conn)
	cartRepo := cart.NewRepository(conn)
	signer, err := invoices.NewSigner("test-signing-key")
	require.NoError(t, err)
	invoiceSvc, err := invoices.NewService(invoices.ServiceParams{
		Repo:     invoices.NewRepository(conn),
		Items:    cartRepo,
		Vouchers: voucherRepo,
		Signer:   signer,
		Logger:   logg,
	})
	require.NoError(t, err)

	stub := processortest.New("acct_studio")
	svc, err := NewService(ServiceParams{
		DB:       db.Wrap(conn),
		Cart:     cart.NewService(cartRepo, vouchers.NewService(voucherRepo)),
		Invoices: invoiceSvc,
		Intents:  payments.NewIntentRepository(conn),
		Provider: processortest.Provider{Conn: stub},
		Outbox:   outbox.NewService(outbox.NewRepository(conn), logg),
		Logger:   logg,
	})
	require.NoError(t, err)

	return &fixture{svc: svc, conn: conn, stub: stub, user: uuid.New(), eventType: uuid.New()}
}

func (f *fixture) booking(t *testing.T, cost string) models.Booking {
	t.Helper()
	ev := models.Event{Name: "Pole Level 2", EventTypeID: f.eventType, Date: time.Now().UTC().Add(72 * time.Hour), Cost: decimal.RequireFromString(cost)}
	require.NoError(t, f.conn.Create(&ev).Error)
	b := models.Booking{UserID: f.user, EventID: ev.ID, Status: enums.BookingStatusOpen, PaymentOpen: true}
	require.NoError(t, f.conn.Create(&b).Error)
	return b
}

func (f *fixture) block(t *testing.T, cost string, voucherCode *string) models.Block {
	t.Helper()
	b := models.Block{
		UserID:      f.user,
		EventTypeID: f.eventType,
		Name:        "10 class block",
		Size:        10,
		Cost:        decimal.RequireFromString(cost),
		StartDate:   time.Now().UTC(),
		VoucherCode: voucherCode,
	}
	require.NoError(t, f.conn.Create(&b).Error)
	return b
}

func (f *fixture) voucher(t *testing.T, code string, mutate func(v *models.Voucher)) models.Voucher {
	t.Helper()
	pct := 10
	v := models.Voucher{
		Code:       code,
		Kind:       enums.VoucherKindBlock,
		Active:     true,
		StartDate:  time.Now().UTC().AddDate(0, -1, 0),
		PercentOff: &pct,
		TargetIDs:  dbtypes.UUIDArray{f.eventType},
	}
	if mutate != nil {
		mutate(&v)
	}
	require.NoError(t, f.conn.Create(&v).Error)
	return v
}

func (f *fixture) request(kind enums.CheckoutType, total string) Request {
	return Request{
		Principal:      &f.user,
		Username:       "pat@example.com",
		Type:           kind,
		SubmittedTotal: decimal.RequireFromString(total),
	}
}

func strPtr(s string) *string { return &s }

func TestCheckoutCreatesInvoiceAndPaymentIntent(t *testing.T) {
	f := newFixture(t)
	f.booking(t, "10.00")

	result, err := f.svc.Checkout(context.Background(), f.request(enums.CheckoutBookings, "10.00"))
	require.NoError(t, err)
	assert.Equal(t, RedirectNone, result.Redirect)
	assert.False(t, result.PreprocessingError)
	assert.NotEmpty(t, result.ClientSecret)
	assert.Equal(t, "10.00", result.Total.StringFixed(2))

	var inv models.Invoice
	require.NoError(t, f.conn.First(&inv, "invoice_id = ?", result.InvoiceID).Error)
	assert.Equal(t, "10.00", inv.Amount.StringFixed(2))
	assert.False(t, inv.Paid)
	require.NotNil(t, inv.StripePaymentIntentID)
	assert.Equal(t, result.PaymentIntentID, *inv.StripePaymentIntentID)

	require.Len(t, f.stub.Created, 1)
	md := f.stub.Created[0].Metadata
	assert.Equal(t, inv.InvoiceID, md[invoices.MetadataInvoiceID])
	assert.NotEmpty(t, md[invoices.MetadataInvoiceSignature])

	var audit models.StripePaymentIntent
	require.NoError(t, f.conn.First(&audit, "payment_intent_id = ?", result.PaymentIntentID).Error)
	assert.Equal(t, "10.00", audit.Amount.StringFixed(2))
}

func TestCheckoutResubmissionReusesInvoiceAndIntent(t *testing.T) {
	f := newFixture(t)
	f.booking(t, "10.00")
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBookings, "10.00"))
	require.NoError(t, err)
	second, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBookings, "10.00"))
	require.NoError(t, err)

	assert.Equal(t, first.InvoiceID, second.InvoiceID)
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Len(t, f.stub.Created, 1)
	assert.Empty(t, f.stub.Updated)

	var count int64
	require.NoError(t, f.conn.Model(&models.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCheckoutUpdatesIntentInPlaceWhenAmountChanges(t *testing.T) {
	f := newFixture(t)
	b := f.block(t, "20.00", nil)
	f.voucher(t, "TENOFF", nil)
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "20.00"))
	require.NoError(t, err)

	require.NoError(t, f.conn.Model(&models.Block{}).Where("id = ?", b.ID).Update("voucher_code", "TENOFF").Error)
	second, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "18.00"))
	require.NoError(t, err)

	assert.Equal(t, first.InvoiceID, second.InvoiceID)
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	require.Len(t, f.stub.Updated, 1)
	assert.Equal(t, "18.00", f.stub.Updated[0].Amount.StringFixed(2))
	assert.Equal(t, first.InvoiceID, f.stub.Updated[0].Metadata[invoices.MetadataInvoiceID])
	assert.EqualValues(t, 1800, f.stub.PaymentIntents[second.PaymentIntentID].Amount)

	var inv models.Invoice
	require.NoError(t, f.conn.First(&inv, "invoice_id = ?", second.InvoiceID).Error)
	assert.Equal(t, "18.00", inv.Amount.StringFixed(2))
}

func TestCheckoutUpdatePrunesMetadataOfDroppedVoucher(t *testing.T) {
	f := newFixture(t)
	b := f.block(t, "20.00", strPtr("TENOFF"))
	f.voucher(t, "TENOFF", nil)
	ctx := context.Background()
	voucherKey := invoices.ItemMetadataKey(enums.ItemBlock, b.ID, invoices.SuffixVoucher)

	first, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "18.00"))
	require.NoError(t, err)
	require.Equal(t, "TENOFF", f.stub.PaymentIntents[first.PaymentIntentID].Metadata[voucherKey])

	require.NoError(t, f.conn.Model(&models.Block{}).Where("id = ?", b.ID).Update("voucher_code", nil).Error)
	second, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "20.00"))
	require.NoError(t, err)
	require.Equal(t, first.PaymentIntentID, second.PaymentIntentID)

	require.Len(t, f.stub.Updated, 1)
	sent := f.stub.Updated[0].Metadata
	assert.Equal(t, "", sent[voucherKey])
	assert.Contains(t, sent, voucherKey)
	assert.Equal(t, first.InvoiceID, sent[invoices.MetadataInvoiceID])
	assert.NotEmpty(t, sent[invoices.MetadataInvoiceSignature])

	md := f.stub.PaymentIntents[second.PaymentIntentID].Metadata
	assert.NotContains(t, md, voucherKey)
	assert.Equal(t, first.InvoiceID, md[invoices.MetadataInvoiceID])

	// Metadata now matches, so a resubmission makes no further update.
	_, err = f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "20.00"))
	require.NoError(t, err)
	assert.Len(t, f.stub.Updated, 1)
}

func TestCheckoutFailedUpdateKeepsInvoiceLink(t *testing.T) {
	f := newFixture(t)
	b := f.block(t, "20.00", nil)
	f.voucher(t, "TENOFF", nil)
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "20.00"))
	require.NoError(t, err)

	f.stub.UpdateErr = errors.New("processor unavailable")
	require.NoError(t, f.conn.Model(&models.Block{}).Where("id = ?", b.ID).Update("voucher_code", "TENOFF").Error)
	second, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "18.00"))
	require.NoError(t, err)
	assert.True(t, second.PreprocessingError)

	md := f.stub.PaymentIntents[first.PaymentIntentID].Metadata
	assert.Equal(t, first.InvoiceID, md[invoices.MetadataInvoiceID])
	assert.NotEmpty(t, md[invoices.MetadataInvoiceSignature])
}

func TestCheckoutStaleTotalResetsVoucherAndRedirects(t *testing.T) {
	f := newFixture(t)
	f.voucher(t, "TENOFF", nil)
	b := f.block(t, "20.00", strPtr("TENOFF"))

	result, err := f.svc.Checkout(context.Background(), f.request(enums.CheckoutBlocks, "20.00"))
	require.NoError(t, err)
	assert.Equal(t, RedirectCart, result.Redirect)
	assert.Equal(t, "18.00", result.Total.StringFixed(2))
	assert.Empty(t, f.stub.Created)

	var stored models.Block
	require.NoError(t, f.conn.First(&stored, "id = ?", b.ID).Error)
	assert.Nil(t, stored.VoucherCode)

	var count int64
	require.NoError(t, f.conn.Model(&models.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCheckoutAcceptsDiscountedTotal(t *testing.T) {
	f := newFixture(t)
	f.voucher(t, "TENOFF", nil)
	f.block(t, "20.00", strPtr("TENOFF"))

	result, err := f.svc.Checkout(context.Background(), f.request(enums.CheckoutBlocks, "18.00"))
	require.NoError(t, err)
	assert.Equal(t, RedirectNone, result.Redirect)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "TENOFF", result.Items[0].VoucherCode)
	require.Len(t, f.stub.Created, 1)
	assert.Equal(t, "18.00", f.stub.Created[0].Amount.StringFixed(2))
}

func TestCheckoutZeroTotalCompletesWithoutProcessor(t *testing.T) {
	f := newFixture(t)
	f.voucher(t, "FREE", func(v *models.Voucher) {
		pct := 100
		v.PercentOff = &pct
	})
	b := f.block(t, "20.00", strPtr("FREE"))

	result, err := f.svc.Checkout(context.Background(), f.request(enums.CheckoutBlocks, "0"))
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, RedirectComplete, result.Redirect)
	assert.Empty(t, f.stub.Created)

	var stored models.Block
	require.NoError(t, f.conn.First(&stored, "id = ?", b.ID).Error)
	assert.True(t, stored.Paid)

	var inv models.Invoice
	require.NoError(t, f.conn.First(&inv, "invoice_id = ?", result.InvoiceID).Error)
	assert.True(t, inv.Paid)

	var uses int64
	require.NoError(t, f.conn.Model(&models.UsedVoucher{}).Count(&uses).Error)
	assert.EqualValues(t, 1, uses)

	var events int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventPaymentConfirmed).Count(&events).Error)
	assert.EqualValues(t, 1, events)

	var activity []models.OutboxEvent
	require.NoError(t, f.conn.Where("event_type = ?", enums.EventActivityRecorded).Find(&activity).Error)
	require.Len(t, activity, 1)
	assert.Equal(t, enums.AggregateActivity, activity[0].AggregateType)
	assert.Contains(t, string(activity[0].Payload), result.InvoiceID)
}

func TestCheckoutWithoutSellerIsPreprocessingError(t *testing.T) {
	f := newFixture(t)
	f.booking(t, "10.00")
	f.svc.provider = processortest.Provider{Err: processor.ErrNoSeller}

	result, err := f.svc.Checkout(context.Background(), f.request(enums.CheckoutBookings, "10.00"))
	require.NoError(t, err)
	assert.True(t, result.PreprocessingError)
	assert.Empty(t, result.ClientSecret)
}

func TestCheckoutReportsAlreadyPaidIntent(t *testing.T) {
	f := newFixture(t)
	f.booking(t, "10.00")
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBookings, "10.00"))
	require.NoError(t, err)
	f.stub.PaymentIntents[first.PaymentIntentID].Status = stripe.PaymentIntentStatusSucceeded

	second, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBookings, "10.00"))
	require.NoError(t, err)
	assert.True(t, second.AlreadyPaid)
	assert.True(t, second.PreprocessingError)
	assert.Len(t, f.stub.Created, 1)
}

func TestCheckoutUpdateFailureFallsBackToProcessorState(t *testing.T) {
	f := newFixture(t)
	b := f.block(t, "20.00", nil)
	f.voucher(t, "TENOFF", nil)
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "20.00"))
	require.NoError(t, err)

	require.NoError(t, f.conn.Model(&models.Block{}).Where("id = ?", b.ID).Update("voucher_code", "TENOFF").Error)
	f.stub.UpdateErr = errors.New("conflicting modification")
	result, err := f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "18.00"))
	require.NoError(t, err)
	assert.True(t, result.PreprocessingError)
	assert.False(t, result.AlreadyPaid)

	f.stub.PaymentIntents[first.PaymentIntentID].Status = stripe.PaymentIntentStatusSucceeded
	result, err = f.svc.Checkout(ctx, f.request(enums.CheckoutBlocks, "18.00"))
	require.NoError(t, err)
	assert.True(t, result.AlreadyPaid)
}

func TestCheckoutUnknownTypeRedirectsToCart(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Checkout(context.Background(), Request{Principal: &f.user, Type: "raffle"})
	require.NoError(t, err)
	assert.Equal(t, RedirectCart, result.Redirect)
	assert.Empty(t, f.stub.Created)
}

func TestCheckoutGuestGiftVoucher(t *testing.T) {
	f := newFixture(t)
	gift := models.GiftVoucher{VoucherID: uuid.New(), Name: "Gift voucher £25", Cost: decimal.NewFromInt(25)}
	require.NoError(t, f.conn.Create(&gift).Error)

	result, err := f.svc.Checkout(context.Background(), Request{
		Type:           enums.CheckoutGiftVoucher,
		GiftVoucherID:  gift.ID,
		SubmittedTotal: decimal.RequireFromString("25.00"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ClientSecret)

	var inv models.Invoice
	require.NoError(t, f.conn.First(&inv, "invoice_id = ?", result.InvoiceID).Error)
	assert.Empty(t, inv.Username)
}

func TestCheckoutStripeTestCharge(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Checkout(context.Background(), f.request(enums.CheckoutStripeTest, "0"))
	require.NoError(t, err)
	assert.Equal(t, "0.30", result.Total.StringFixed(2))
	require.Len(t, f.stub.Created, 1)

	var inv models.Invoice
	require.NoError(t, f.conn.First(&inv, "invoice_id = ?", result.InvoiceID).Error)
	assert.True(t, inv.IsStripeTest)
}

func TestCheckTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	total, err := f.svc.CheckTotal(ctx, &f.user, cart.Selection{Type: enums.CheckoutBookings})
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	f.booking(t, "10.00")
	f.booking(t, "7.50")
	total, err = f.svc.CheckTotal(ctx, &f.user, cart.Selection{Type: enums.CheckoutBookings})
	require.NoError(t, err)
	assert.Equal(t, "17.50", total.StringFixed(2))

	var count int64
	require.NoError(t, f.conn.Model(&models.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)
}
