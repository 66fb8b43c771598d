package payments

import (
	"context"
	"encoding/json"
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
	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/internal/processor/processortest"
	"github.com/studiobooking/payments-backend/internal/vouchers"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/db/dbtest"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/outbox"
	"github.com/studiobooking/payments-backend/pkg/outbox/payloads"
)

var fixedNow = time.Date(2024, time.June, 3, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	invoices *invoices.Service
	conn     *gorm.DB
	stub     *processortest.Connector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "payments-test", Output: io.Discard})

	signer, err := invoices.NewSigner("test-signing-key")
	require.NoError(t, err)
	invoiceSvc, err := invoices.NewService(invoices.ServiceParams{
		Repo:     invoices.NewRepository(conn),
		Items:    cart.NewRepository(conn),
		Vouchers: vouchers.NewRepository(conn),
		Signer:   signer,
	})
	require.NoError(t, err)

	stub := processortest.New("acct_studio")
	svc, err := NewService(ServiceParams{
		DB:       db.Wrap(conn),
		Invoices: invoiceSvc,
		Intents:  NewIntentRepository(conn),
		Provider: processortest.Provider{Conn: stub},
		Outbox:   outbox.NewService(outbox.NewRepository(conn), logg),
		Logger:   logg,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }

	return &fixture{svc: svc, invoices: invoiceSvc, conn: conn, stub: stub}
}

// seedGiftVoucherInvoice creates an unpaid gift voucher linked to a fresh
// invoice and returns the succeeded payment intent that would pay it.
func (f *fixture) seedGiftVoucherInvoice(t *testing.T, username, cost string) (*models.Invoice, *models.GiftVoucher, *stripe.PaymentIntent) {
	t.Helper()
	ctx := context.Background()
	gv := &models.GiftVoucher{VoucherID: uuid.New(), Name: "Gift voucher", Cost: decimal.RequireFromString(cost)}
	require.NoError(t, f.conn.Create(gv).Error)

	c := &cart.Cart{GiftVouchers: []models.GiftVoucher{*gv}}
	inv, err := f.invoices.GetOrCreate(ctx, f.conn, c, username, gv.Cost, false)
	require.NoError(t, err)

	items := []cart.Item{{Kind: enums.ItemGiftVoucher, ID: gv.ID, Name: gv.Name, Cost: gv.Cost}}
	pi := &stripe.PaymentIntent{
		ID:       "pi_" + inv.InvoiceID,
		Amount:   processor.ToMinorUnits(gv.Cost),
		Currency: stripe.CurrencyGBP,
		Status:   stripe.PaymentIntentStatusSucceeded,
		Metadata: f.invoices.PaymentMetadata(inv, items),
	}
	f.stub.PaymentIntents[pi.ID] = pi
	return inv, gv, pi
}

func outboxRows(t *testing.T, conn *gorm.DB, eventType enums.OutboxEventType) []models.OutboxEvent {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, conn.Where("event_type = ?", eventType).Find(&rows).Error)
	return rows
}

func TestConfirmIgnoresIntentsWithoutInvoice(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.svc.ConfirmPaymentIntent(context.Background(), &stripe.PaymentIntent{
		ID:       "pi_subscription",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Metadata: map[string]string{},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotOurs, outcome)
}

func TestConfirmMarksInvoicePaidExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, gv, pi := f.seedGiftVoucherInvoice(t, "pat@example.com", "25.00")

	outcome, err := f.svc.ConfirmPaymentIntent(ctx, pi)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)

	outcome, err = f.svc.ConfirmPaymentIntent(ctx, pi)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaid, outcome)

	var stored models.Invoice
	require.NoError(t, f.conn.First(&stored, "id = ?", inv.ID).Error)
	assert.True(t, stored.Paid)
	require.NotNil(t, stored.DatePaid)
	assert.True(t, stored.DatePaid.Equal(fixedNow))
	require.NotNil(t, stored.StripePaymentIntentID)
	assert.Equal(t, pi.ID, *stored.StripePaymentIntentID)

	var voucher models.GiftVoucher
	require.NoError(t, f.conn.First(&voucher, "id = ?", gv.ID).Error)
	assert.True(t, voucher.Paid)

	rows := outboxRows(t, f.conn, enums.EventPaymentConfirmed)
	require.Len(t, rows, 1)
	assert.Equal(t, inv.ID, rows[0].AggregateID)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	var data payloads.PaymentConfirmedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, inv.InvoiceID, data.InvoiceID)
	assert.EqualValues(t, 2500, data.AmountInP)
	require.Len(t, data.Items, 1)
	assert.Equal(t, "Gift voucher", data.Items[0].Name)
	assert.EqualValues(t, 2500, data.Items[0].CostInP)

	var audit models.StripePaymentIntent
	require.NoError(t, f.conn.First(&audit, "payment_intent_id = ?", pi.ID).Error)
	require.NotNil(t, audit.InvoiceID)
	assert.Equal(t, inv.ID, *audit.InvoiceID)
}

func TestConfirmRecordsActivityOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _, pi := f.seedGiftVoucherInvoice(t, "pat@example.com", "25.00")

	_, err := f.svc.ConfirmPaymentIntent(ctx, pi)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPaymentIntent(ctx, pi)
	require.NoError(t, err)

	rows := outboxRows(t, f.conn, enums.EventActivityRecorded)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.AggregateActivity, rows[0].AggregateType)
	assert.Equal(t, outbox.ActivityAggregateID(enums.EventPaymentConfirmed, inv.ID), rows[0].AggregateID)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	var entry payloads.ActivityEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &entry))
	assert.Equal(t, "payment_confirmed", entry.Action)
	assert.Equal(t, inv.ID, entry.SubjectID)
	assert.Contains(t, entry.Log, inv.InvoiceID)
	assert.Contains(t, entry.Log, "pat@example.com")
	assert.Contains(t, entry.Log, "£25.00")
}

func TestConfirmBackfillsGuestUsernameFromBillingEmail(t *testing.T) {
	f := newFixture(t)
	f.stub.BillingEmail = "guest@example.com"
	inv, gv, pi := f.seedGiftVoucherInvoice(t, "", "15.00")

	_, err := f.svc.ConfirmPaymentIntent(context.Background(), pi)
	require.NoError(t, err)

	var stored models.Invoice
	require.NoError(t, f.conn.First(&stored, "id = ?", inv.ID).Error)
	assert.Equal(t, "guest@example.com", stored.Username)

	var voucher models.GiftVoucher
	require.NoError(t, f.conn.First(&voucher, "id = ?", gv.ID).Error)
	assert.Equal(t, "guest@example.com", voucher.PurchaserEmail)
}

func TestConfirmRejectsTamperedPayments(t *testing.T) {
	cases := map[string]struct {
		mutate func(pi *stripe.PaymentIntent)
		target error
	}{
		"signature": {
			mutate: func(pi *stripe.PaymentIntent) { pi.Metadata[invoices.MetadataInvoiceSignature] = "forged" },
			target: invoices.ErrSignatureMismatch,
		},
		"amount": {
			mutate: func(pi *stripe.PaymentIntent) { pi.Amount = 100 },
			target: invoices.ErrAmountMismatch,
		},
		"unknown invoice": {
			mutate: func(pi *stripe.PaymentIntent) { pi.Metadata[invoices.MetadataInvoiceID] = "missing" },
			target: invoices.ErrInvoiceNotFound,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			inv, _, pi := f.seedGiftVoucherInvoice(t, "pat@example.com", "25.00")
			tc.mutate(pi)

			_, err := f.svc.ConfirmPaymentIntent(context.Background(), pi)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity))
			assert.True(t, errors.Is(err, tc.target))

			var stored models.Invoice
			require.NoError(t, f.conn.First(&stored, "id = ?", inv.ID).Error)
			assert.False(t, stored.Paid)

			assert.Empty(t, outboxRows(t, f.conn, enums.EventPaymentConfirmed))
			alerts := outboxRows(t, f.conn, enums.EventPaymentIntegrityError)
			require.Len(t, alerts, 1)
			assert.Equal(t, outbox.ProcessorAggregateID(pi.ID), alerts[0].AggregateID)
		})
	}
}

func TestConfirmRequiresSucceededIntent(t *testing.T) {
	f := newFixture(t)
	_, _, pi := f.seedGiftVoucherInvoice(t, "pat@example.com", "25.00")
	pi.Status = stripe.PaymentIntentStatusProcessing

	_, err := f.svc.ConfirmPaymentIntent(context.Background(), pi)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestCompleteFromBrowserConfirmsSucceededIntent(t *testing.T) {
	f := newFixture(t)
	inv, _, pi := f.seedGiftVoucherInvoice(t, "pat@example.com", "25.00")

	result, err := f.svc.CompleteFromBrowser(context.Background(), pi.ID)
	require.NoError(t, err)
	assert.Equal(t, BrowserSucceeded, result.Status)
	assert.Equal(t, OutcomeConfirmed, result.Outcome)
	assert.Equal(t, inv.InvoiceID, result.InvoiceID)
}

func TestCompleteFromBrowserReportsProcessing(t *testing.T) {
	f := newFixture(t)
	_, _, pi := f.seedGiftVoucherInvoice(t, "pat@example.com", "25.00")
	pi.Status = stripe.PaymentIntentStatusProcessing

	result, err := f.svc.CompleteFromBrowser(context.Background(), pi.ID)
	require.NoError(t, err)
	assert.Equal(t, BrowserProcessing, result.Status)
	assert.Len(t, outboxRows(t, f.conn, enums.EventPaymentProcessing), 1)
	assert.Empty(t, outboxRows(t, f.conn, enums.EventPaymentConfirmed))
}

func TestCompleteFromBrowserReportsFailure(t *testing.T) {
	f := newFixture(t)
	_, _, pi := f.seedGiftVoucherInvoice(t, "pat@example.com", "25.00")
	pi.Status = stripe.PaymentIntentStatusRequiresPaymentMethod
	pi.LastPaymentError = &stripe.Error{Msg: "Your card was declined."}

	result, err := f.svc.CompleteFromBrowser(context.Background(), pi.ID)
	require.NoError(t, err)
	assert.Equal(t, BrowserFailed, result.Status)
	assert.Equal(t, "Your card was declined.", result.Reason)
	assert.Len(t, outboxRows(t, f.conn, enums.EventPaymentFailed), 1)
	assert.Len(t, outboxRows(t, f.conn, enums.EventOperatorAlert), 1)
}

func TestCompleteFromBrowserWithoutSellerIsPreprocessingError(t *testing.T) {
	f := newFixture(t)
	f.svc.provider = processortest.Provider{Err: processor.ErrNoSeller}

	_, err := f.svc.CompleteFromBrowser(context.Background(), "pi_any")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePreprocessing))
}

func TestRecordFailureSkipsForeignIntents(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RecordFailure(context.Background(), &stripe.PaymentIntent{
		ID:       "pi_other",
		Status:   stripe.PaymentIntentStatusCanceled,
		Metadata: map[string]string{},
	})
	require.NoError(t, err)
	assert.Empty(t, outboxRows(t, f.conn, enums.EventPaymentFailed))
}
