package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiobooking/payments-backend/internal/cart"
	checkoutsvc "github.com/studiobooking/payments-backend/internal/checkout"
	"github.com/studiobooking/payments-backend/internal/memberships"
	"github.com/studiobooking/payments-backend/pkg/auth"
	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubRedis struct {
	stubPinger
	values map[string]string
}

func newStubRedis() *stubRedis { return &stubRedis{values: map[string]string{}} }

func (s *stubRedis) Get(_ context.Context, key string) (string, error) {
	return s.values[key], nil
}

func (s *stubRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	switch v := value.(type) {
	case string:
		s.values[key] = v
	case []byte:
		s.values[key] = string(v)
	}
	return true, nil
}

func (s *stubRedis) IdempotencyKey(scope, id string) string { return "idem:" + scope + ":" + id }

func (s *stubRedis) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *stubRedis) FixedWindowAllow(context.Context, string, int64, time.Duration) (bool, int64, error) {
	return true, 1, nil
}

type stubCart struct{ calls int }

func (s *stubCart) ApplyVoucher(context.Context, uuid.UUID, string, enums.ItemKind) (cart.ApplyResult, error) {
	s.calls++
	return cart.ApplyResult{Applied: 1}, nil
}

type stubMemberships struct{ subscribes int }

func (s *stubMemberships) Subscribe(_ context.Context, req memberships.SubscribeRequest) (*memberships.SubscribeResult, error) {
	s.subscribes++
	return &memberships.SubscribeResult{UserMembership: &models.UserMembership{ID: uuid.New(), MembershipID: req.MembershipID}}, nil
}

func (s *stubMemberships) Cancel(context.Context, uuid.UUID, uuid.UUID) (*models.UserMembership, error) {
	return &models.UserMembership{}, nil
}

func (s *stubMemberships) PortalURL(context.Context, uuid.UUID, string) (string, error) {
	return "https://billing.example.com", nil
}

func (s *stubMemberships) SyncProduct(_ context.Context, id uuid.UUID) (*memberships.ProductSyncResult, error) {
	return &memberships.ProductSyncResult{Membership: &models.Membership{ID: id}}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", Domain: "https://studio.example.com"},
		JWT: config.JWTConfig{Secret: "router-secret", Issuer: "studio"},
	}
}

func bearer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	token, err := auth.MintAccessToken(cfg.JWT, time.Now(), time.Hour, auth.AccessTokenPayload{
		UserID: uuid.New(),
		Email:  "member@example.com",
		Role:   enums.UserRoleMember,
	})
	require.NoError(t, err)
	return "Bearer " + token
}

func TestHealthRoutes(t *testing.T) {
	cfg := testConfig()
	redis := newStubRedis()
	router := NewRouter(cfg, nil, Deps{DB: stubPinger{}, Redis: redis})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	redis.err = errors.New("connection refused")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMemberRoutesRequireToken(t *testing.T) {
	cfg := testConfig()
	carts := &stubCart{}
	router := NewRouter(cfg, nil, Deps{Redis: newStubRedis(), Cart: carts})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/vouchers", strings.NewReader(`{"code":"X","kind":"booking"}`))
	req.Header.Set("Idempotency-Key", "k1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, carts.calls)
}

func TestSubscribeRequiresIdempotencyKeyAndReplays(t *testing.T) {
	cfg := testConfig()
	svc := &stubMemberships{}
	router := NewRouter(cfg, nil, Deps{Redis: newStubRedis(), Memberships: svc})
	token := bearer(t, cfg)
	body := `{"membership_id":"` + uuid.NewString() + `"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/memberships/subscribe", strings.NewReader(body))
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.subscribes)

	for i := 0; i < 2; i++ {
		req = httptest.NewRequest(http.MethodPost, "/api/v1/memberships/subscribe", strings.NewReader(body))
		req.Header.Set("Authorization", token)
		req.Header.Set("Idempotency-Key", "sub-1")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	assert.Equal(t, 1, svc.subscribes)
}

type stubCheckout struct{ totals int }

func (s *stubCheckout) Checkout(context.Context, checkoutsvc.Request) (*checkoutsvc.Result, error) {
	return &checkoutsvc.Result{}, nil
}

func (s *stubCheckout) CheckTotal(context.Context, *uuid.UUID, cart.Selection) (decimal.Decimal, error) {
	s.totals++
	return decimal.NewFromInt(40), nil
}

func TestGuestCanPriceGiftVoucher(t *testing.T) {
	cfg := testConfig()
	svc := &stubCheckout{}
	router := NewRouter(cfg, nil, Deps{Checkout: svc})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/checkout/total?checkout_type=gift_voucher&gift_voucher_id="+uuid.NewString(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, svc.totals)
}

func TestMetricsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "studio_router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := httptest.NewRecorder()
	NewMetricsRouter(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "studio_router_test_total 1")
}
