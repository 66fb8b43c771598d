// Package bootstrap builds the domain services shared by the binaries.
package bootstrap

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/studiobooking/payments-backend/internal/bookings"
	"github.com/studiobooking/payments-backend/internal/cart"
	"github.com/studiobooking/payments-backend/internal/checkout"
	"github.com/studiobooking/payments-backend/internal/invoices"
	"github.com/studiobooking/payments-backend/internal/memberships"
	"github.com/studiobooking/payments-backend/internal/payments"
	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/internal/users"
	"github.com/studiobooking/payments-backend/internal/vouchers"
	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/outbox"
)

// StripeSettings is what the services need from the configured Stripe client.
type StripeSettings interface {
	ConnectedAccount() string
	Currency() string
}

type ServiceParams struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	Stripe StripeSettings
}

// Services holds one instance of every domain service.
type Services struct {
	Outbox      *outbox.Service
	OutboxRepo  *outbox.Repository
	Provider    processor.Provider
	Cart        *cart.Service
	Invoices    *invoices.Service
	Checkout    *checkout.Service
	Payments    *payments.Service
	Memberships *memberships.Service
}

func NewServices(params ServiceParams) (*Services, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Stripe == nil {
		return nil, errors.New("stripe client is required")
	}
	cfg, logg, conn := params.Config, params.Logger, params.DB.DB()

	outboxRepo := outbox.NewRepository(conn)
	outboxSvc := outbox.NewService(outboxRepo, logg)
	provider := processor.NewStripeProvider(processor.NewSellerRepository(conn), params.Stripe.ConnectedAccount(), params.Stripe.Currency())

	voucherRepo := vouchers.NewRepository(conn)
	voucherSvc := vouchers.NewService(voucherRepo)
	cartRepo := cart.NewRepository(conn)
	cartSvc := cart.NewService(cartRepo, voucherSvc)

	signer, err := invoices.NewSigner(cfg.Invoices.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("invoice signer: %w", err)
	}
	invoiceSvc, err := invoices.NewService(invoices.ServiceParams{
		Repo:     invoices.NewRepository(conn),
		Items:    cartRepo,
		Vouchers: voucherRepo,
		Signer:   signer,
		Logger:   logg,
	})
	if err != nil {
		return nil, fmt.Errorf("invoice service: %w", err)
	}

	intents := payments.NewIntentRepository(conn)
	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		DB:         params.DB,
		Cart:       cartSvc,
		Invoices:   invoiceSvc,
		Intents:    intents,
		Provider:   provider,
		Outbox:     outboxSvc,
		Logger:     logg,
		TestCharge: decimal.New(cfg.Invoices.TestChargeInP, -2),
	})
	if err != nil {
		return nil, fmt.Errorf("checkout service: %w", err)
	}

	paymentSvc, err := payments.NewService(payments.ServiceParams{
		DB:       params.DB,
		Invoices: invoiceSvc,
		Intents:  intents,
		Provider: provider,
		Outbox:   outboxSvc,
		Logger:   logg,
	})
	if err != nil {
		return nil, fmt.Errorf("payment service: %w", err)
	}

	reallocator, err := bookings.NewReallocator(bookings.NewRepository(conn), logg)
	if err != nil {
		return nil, fmt.Errorf("booking reallocator: %w", err)
	}
	membershipSvc, err := memberships.NewService(memberships.ServiceParams{
		DB:            params.DB,
		Repo:          memberships.NewRepository(conn),
		Users:         users.NewRepository(conn),
		Provider:      provider,
		Outbox:        outboxSvc,
		Reallocator:   reallocator,
		Vouchers:      voucherSvc,
		VoucherLedger: voucherRepo,
		Logger:        logg,
	})
	if err != nil {
		return nil, fmt.Errorf("membership service: %w", err)
	}

	return &Services{
		Outbox:      outboxSvc,
		OutboxRepo:  outboxRepo,
		Provider:    provider,
		Cart:        cartSvc,
		Invoices:    invoiceSvc,
		Checkout:    checkoutSvc,
		Payments:    paymentSvc,
		Memberships: membershipSvc,
	}, nil
}
