package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiobooking/payments-backend/api/middleware"
	"github.com/studiobooking/payments-backend/internal/cart"
	checkoutsvc "github.com/studiobooking/payments-backend/internal/checkout"
	"github.com/studiobooking/payments-backend/internal/memberships"
	"github.com/studiobooking/payments-backend/internal/payments"
	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func member() middleware.Principal {
	return middleware.Principal{UserID: uuid.New(), Email: "ana@example.com", Role: enums.UserRoleMember}
}

func request(method, target, body string, principal *middleware.Principal) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if principal != nil {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), *principal))
	}
	return req
}

type stubCheckout struct {
	got      checkoutsvc.Request
	result   *checkoutsvc.Result
	err      error
	total    decimal.Decimal
	selected cart.Selection
	calls    int
}

func (s *stubCheckout) Checkout(_ context.Context, req checkoutsvc.Request) (*checkoutsvc.Result, error) {
	s.calls++
	s.got = req
	return s.result, s.err
}

func (s *stubCheckout) CheckTotal(_ context.Context, _ *uuid.UUID, sel cart.Selection) (decimal.Decimal, error) {
	s.calls++
	s.selected = sel
	return s.total, s.err
}

type staticKey string

func (k staticKey) PublishableKey() string { return string(k) }

func TestCheckoutPassesSubmittedTotal(t *testing.T) {
	p := member()
	itemID := uuid.New()
	svc := &stubCheckout{result: &checkoutsvc.Result{
		ClientSecret:    "pi_1_secret",
		PaymentIntentID: "pi_1",
		InvoiceID:       "inv_1",
		Total:           decimal.NewFromInt(24),
		CheckoutType:    enums.CheckoutBookings,
		Items:           []cart.Item{{Kind: enums.ItemBooking, ID: itemID, Name: "Pole Level 1", Cost: decimal.NewFromInt(12)}},
	}}
	rec := httptest.NewRecorder()
	Checkout(svc, staticKey("pk_test"), nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", `{"cart_bookings_total":"24.00"}`, &p))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, enums.CheckoutBookings, svc.got.Type)
	assert.True(t, decimal.NewFromInt(24).Equal(svc.got.SubmittedTotal))
	require.NotNil(t, svc.got.Principal)
	assert.Equal(t, p.UserID, *svc.got.Principal)
	assert.Equal(t, p.Email, svc.got.Username)

	var body checkoutResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &body))
	assert.Equal(t, "pk_test", body.PublishableKey)
	assert.Equal(t, "pi_1_secret", body.ClientSecret)
	require.Len(t, body.Items, 1)
	assert.Equal(t, itemID, body.Items[0].ID)
}

func TestCheckoutWithoutSingleTotalRedirectsToCart(t *testing.T) {
	p := member()
	svc := &stubCheckout{}
	for _, body := range []string{
		`{}`,
		`{"cart_bookings_total":"1","cart_blocks_total":"2"}`,
		`{"cart_raffle_total":"10"}`,
	} {
		rec := httptest.NewRecorder()
		Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", body, &p))
		require.Equal(t, http.StatusOK, rec.Code, body)

		var resp checkoutResponse
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
		assert.Equal(t, string(checkoutsvc.RedirectCart), resp.Redirect, body)
		assert.NotEmpty(t, resp.Reason)
		assert.Empty(t, resp.ClientSecret)
	}
	assert.Zero(t, svc.calls)
}

func TestCheckoutGiftVoucherNeedsVoucherID(t *testing.T) {
	svc := &stubCheckout{}
	rec := httptest.NewRecorder()
	Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", `{"cart_gift_voucher_total":"25"}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.calls)
}

func TestCheckoutRejectsMalformedBody(t *testing.T) {
	p := member()
	svc := &stubCheckout{}
	for _, body := range []string{`{"cart_bookings_total":`, `{"cart_bookings_total":"1"} {"cart_blocks_total":"2"}`, ``} {
		rec := httptest.NewRecorder()
		Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", body, &p))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Zero(t, svc.calls)
}

func TestCheckoutGuests(t *testing.T) {
	svc := &stubCheckout{result: &checkoutsvc.Result{Total: decimal.NewFromInt(40)}}

	rec := httptest.NewRecorder()
	Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", `{"cart_bookings_total":"10"}`, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, svc.calls)

	voucherID := uuid.New()
	rec = httptest.NewRecorder()
	body := `{"cart_gift_voucher_total":"40","gift_voucher_id":"` + voucherID.String() + `"}`
	Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", body, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, svc.got.Principal)
	assert.Equal(t, voucherID, svc.got.GiftVoucherID)
}

func TestCheckoutStripeTestIsStaffOnly(t *testing.T) {
	svc := &stubCheckout{result: &checkoutsvc.Result{}}
	p := member()
	rec := httptest.NewRecorder()
	Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", `{"stripe_test_total":"0.30"}`, &p))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	p.Role = enums.UserRoleStaff
	rec = httptest.NewRecorder()
	Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", `{"stripe_test_total":"0.30"}`, &p))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.calls)
}

func TestCheckoutSurfacesPreprocessingErrors(t *testing.T) {
	p := member()
	svc := &stubCheckout{err: pkgerrors.New(pkgerrors.CodePreprocessing, "payment provider is not connected")}
	rec := httptest.NewRecorder()
	Checkout(svc, nil, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/checkout", `{"cart_blocks_total":"60"}`, &p))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, string(pkgerrors.CodePreprocessing), env.Error.Code)
	assert.Equal(t, "payment provider is not connected", env.Error.Message)
}

func TestCheckTotal(t *testing.T) {
	p := member()
	svc := &stubCheckout{total: decimal.RequireFromString("17.50")}
	rec := httptest.NewRecorder()
	CheckTotal(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/checkout/total?checkout_type=ticket_bookings&booking_reference=ABC123", "", &p))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, enums.CheckoutTicketBookings, svc.selected.Type)
	assert.Equal(t, "ABC123", svc.selected.BookingReference)
	var body checkTotalResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &body))
	assert.True(t, body.Total.Equal(decimal.RequireFromString("17.50")))

	rec = httptest.NewRecorder()
	CheckTotal(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/checkout/total?checkout_type=nope", "", &p))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckTotalGuestSeesZeroForMemberCarts(t *testing.T) {
	svc := &stubCheckout{total: decimal.NewFromInt(99)}
	rec := httptest.NewRecorder()
	CheckTotal(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/checkout/total?checkout_type=bookings", "", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body checkTotalResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &body))
	assert.True(t, body.Total.IsZero())
	assert.Zero(t, svc.calls)
}

type stubCompleter struct {
	result *payments.BrowserResult
	err    error
	got    string
}

func (s *stubCompleter) CompleteFromBrowser(_ context.Context, id string) (*payments.BrowserResult, error) {
	s.got = id
	return s.result, s.err
}

func TestPaymentComplete(t *testing.T) {
	svc := &stubCompleter{result: &payments.BrowserResult{Status: payments.BrowserSucceeded, InvoiceID: "inv_9"}}
	rec := httptest.NewRecorder()
	PaymentComplete(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/payments/complete?payment_intent=pi_9", "", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pi_9", svc.got)
	var body paymentCompleteResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &body))
	assert.Equal(t, payments.BrowserSucceeded, body.Status)
	assert.Equal(t, "inv_9", body.InvoiceID)

	rec = httptest.NewRecorder()
	PaymentComplete(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/payments/complete", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubApplier struct {
	kind   enums.ItemKind
	code   string
	result cart.ApplyResult
}

func (s *stubApplier) ApplyVoucher(_ context.Context, _ uuid.UUID, code string, kind enums.ItemKind) (cart.ApplyResult, error) {
	s.code, s.kind = code, kind
	return s.result, nil
}

func TestCartApplyVoucher(t *testing.T) {
	p := member()
	svc := &stubApplier{result: cart.ApplyResult{Applied: 2}}
	rec := httptest.NewRecorder()
	CartApplyVoucher(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/cart/vouchers", `{"code":" SPRING10 ","kind":"block"}`, &p))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SPRING10", svc.code)
	assert.Equal(t, enums.ItemBlock, svc.kind)

	rec = httptest.NewRecorder()
	CartApplyVoucher(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/cart/vouchers", `{"code":"X","kind":"block"}`, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	CartApplyVoucher(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/cart/vouchers", `{"code":"X","kind":"hats"}`, &p))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubMemberships struct {
	subscribe memberships.SubscribeRequest
	cancelled uuid.UUID
	returnURL string
	synced    uuid.UUID
	err       error
}

func (s *stubMemberships) Subscribe(_ context.Context, req memberships.SubscribeRequest) (*memberships.SubscribeResult, error) {
	s.subscribe = req
	if s.err != nil {
		return nil, s.err
	}
	return &memberships.SubscribeResult{
		UserMembership: &models.UserMembership{ID: uuid.New(), MembershipID: req.MembershipID, SubscriptionID: "sub_1", SubscriptionStatus: enums.SubscriptionStatusIncomplete},
		SubscriptionID: "sub_1",
		ClientSecret:   "seti_secret",
	}, nil
}

func (s *stubMemberships) Cancel(_ context.Context, _ uuid.UUID, id uuid.UUID) (*models.UserMembership, error) {
	s.cancelled = id
	if s.err != nil {
		return nil, s.err
	}
	return &models.UserMembership{ID: id, SubscriptionStatus: enums.SubscriptionStatusActive}, nil
}

func (s *stubMemberships) PortalURL(_ context.Context, _ uuid.UUID, returnURL string) (string, error) {
	s.returnURL = returnURL
	return "https://billing.example.com/session", s.err
}

func (s *stubMemberships) SyncProduct(_ context.Context, id uuid.UUID) (*memberships.ProductSyncResult, error) {
	s.synced = id
	if s.err != nil {
		return nil, s.err
	}
	price := "price_standard_45"
	return &memberships.ProductSyncResult{
		Membership:   &models.Membership{ID: id, StripeProductID: "standard", StripePriceID: &price},
		PriceChanged: true,
		Migrated:     3,
	}, nil
}

func TestMembershipSubscribe(t *testing.T) {
	p := member()
	svc := &stubMemberships{}
	membershipID := uuid.New()
	body := `{"membership_id":"` + membershipID.String() + `","backdate":true,"voucher_code":"WELCOME"}`
	rec := httptest.NewRecorder()
	MembershipSubscribe(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/memberships/subscribe", body, &p))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, p.UserID, svc.subscribe.Principal)
	assert.Equal(t, membershipID, svc.subscribe.MembershipID)
	assert.True(t, svc.subscribe.Backdate)
	assert.Equal(t, "WELCOME", svc.subscribe.VoucherCode)
	assert.Contains(t, rec.Body.String(), "seti_secret")
}

func TestMembershipSubscribeConflict(t *testing.T) {
	p := member()
	svc := &stubMemberships{err: pkgerrors.New(pkgerrors.CodeConflict, "already subscribed to this membership")}
	rec := httptest.NewRecorder()
	MembershipSubscribe(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/api/v1/memberships/subscribe", `{"membership_id":"`+uuid.NewString()+`"}`, &p))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMembershipCancel(t *testing.T) {
	p := member()
	svc := &stubMemberships{}
	umID := uuid.New()

	router := chi.NewRouter()
	router.Post("/api/v1/memberships/{userMembershipId}/cancel", MembershipCancel(svc, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodPost, "/api/v1/memberships/"+umID.String()+"/cancel", "", &p))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, umID, svc.cancelled)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodPost, "/api/v1/memberships/not-a-uuid/cancel", "", &p))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMembershipSyncProductIsStaffOnly(t *testing.T) {
	svc := &stubMemberships{}
	membershipID := uuid.New()
	router := chi.NewRouter()
	router.Post("/api/v1/memberships/{membershipId}/sync", MembershipSyncProduct(svc, nil))
	path := "/api/v1/memberships/" + membershipID.String() + "/sync"

	p := member()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodPost, path, "", &p))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, uuid.Nil, svc.synced)

	p.Role = enums.UserRoleStaff
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodPost, path, "", &p))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, membershipID, svc.synced)
	assert.Contains(t, rec.Body.String(), `"stripe_price_id":"price_standard_45"`)
	assert.Contains(t, rec.Body.String(), `"migrated":3`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, request(http.MethodPost, "/api/v1/memberships/nope/sync", "", &p))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMembershipPortalReturnURL(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Domain: "https://studio.example.com"}}
	p := member()
	svc := &stubMemberships{}

	rec := httptest.NewRecorder()
	MembershipPortal(cfg, svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/memberships/portal", "", &p))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://studio.example.com/", svc.returnURL)

	rec = httptest.NewRecorder()
	MembershipPortal(cfg, svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/memberships/portal?return_url=/account", "", &p))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://studio.example.com/account", svc.returnURL)

	rec = httptest.NewRecorder()
	MembershipPortal(cfg, svc, nil).ServeHTTP(rec, request(http.MethodGet, "/api/v1/memberships/portal?return_url=https://evil.example.net/", "", &p))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthReady(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Env: "test"}}

	rec := httptest.NewRecorder()
	HealthReady(cfg, nil, map[string]Pinger{"db": fakePinger{}, "redis": fakePinger{}}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", rec.Header().Get("X-Studio-Env"))

	rec = httptest.NewRecorder()
	HealthReady(cfg, nil, map[string]Pinger{"redis": fakePinger{err: errors.New("dial tcp: refused")}}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "refused"))
}
