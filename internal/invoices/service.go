package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/internal/cart"
	"github.com/studiobooking/payments-backend/internal/vouchers"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

const maxInvoiceIDAttempts = 5

type ServiceParams struct {
	Repo     Repository
	Items    cart.Repository
	Vouchers vouchers.Repository
	Signer   *Signer
	Logger   *logger.Logger
}

// Service builds invoices for carts and flips them to paid.
type Service struct {
	repo     Repository
	items    cart.Repository
	vouchers vouchers.Repository
	signer   *Signer
	logg     *logger.Logger
	now      func() time.Time
	newID    func() (string, error)
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "invoice repo required")
	}
	if params.Items == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cart repo required")
	}
	if params.Vouchers == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "voucher repo required")
	}
	if params.Signer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "invoice signer required")
	}
	return &Service{
		repo:     params.Repo,
		items:    params.Items,
		vouchers: params.Vouchers,
		signer:   params.Signer,
		logg:     params.Logger,
		now:      time.Now,
		newID:    NewInvoiceID,
	}, nil
}

func (s *Service) Signer() *Signer {
	return s.signer
}

func (s *Service) Repository() Repository {
	return s.repo
}

// GetOrCreate returns the principal's unpaid invoice for exactly the items in
// c, refreshing its amount, or creates one and links the items to it.
func (s *Service) GetOrCreate(ctx context.Context, tx *gorm.DB, c *cart.Cart, username string, total decimal.Decimal, stripeTest bool) (*models.Invoice, error) {
	repo := s.repo.WithTx(tx)
	items := s.items.WithTx(tx)
	now := s.now().UTC()

	if err := items.MarkChecked(ctx, c, now); err != nil {
		return nil, fmt.Errorf("mark items checked: %w", err)
	}

	candidates, err := repo.FindUnpaidByUsername(ctx, username, stripeTest)
	if err != nil {
		return nil, fmt.Errorf("find unpaid invoices: %w", err)
	}
	for i := range candidates {
		inv := &candidates[i]
		linked, err := items.ItemsForInvoice(ctx, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("load invoice items: %w", err)
		}
		if !cart.SameItems(linked, c) {
			continue
		}
		if !inv.Amount.Equal(total) {
			inv.Amount = total
			if err := repo.Save(ctx, inv); err != nil {
				return nil, fmt.Errorf("refresh invoice amount: %w", err)
			}
		}
		return inv, nil
	}

	inv, err := s.create(ctx, repo, username, total, stripeTest)
	if err != nil {
		return nil, err
	}
	if err := items.LinkInvoice(ctx, c, inv.ID); err != nil {
		return nil, fmt.Errorf("link invoice items: %w", err)
	}
	if s.logg != nil {
		logCtx := s.logg.WithInvoiceID(ctx, inv.InvoiceID)
		s.logg.Info(logCtx, "invoice created for "+c.Describe())
	}
	return inv, nil
}

func (s *Service) create(ctx context.Context, repo Repository, username string, total decimal.Decimal, stripeTest bool) (*models.Invoice, error) {
	for attempt := 0; attempt < maxInvoiceIDAttempts; attempt++ {
		invoiceID, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate invoice id: %w", err)
		}
		existing, err := repo.FindByInvoiceID(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		inv := &models.Invoice{
			InvoiceID:    invoiceID,
			Username:     username,
			Amount:       total,
			IsStripeTest: stripeTest,
		}
		if err := repo.Create(ctx, inv); err != nil {
			if db.IsUniqueViolation(err, "") {
				continue
			}
			return nil, fmt.Errorf("create invoice: %w", err)
		}
		return inv, nil
	}
	return nil, errors.New("could not allocate a unique invoice id")
}

// Items loads every item linked to the invoice.
func (s *Service) Items(ctx context.Context, tx *gorm.DB, inv *models.Invoice) (*cart.Cart, error) {
	return s.items.WithTx(tx).ItemsForInvoice(ctx, inv.ID)
}

// ApplyPaid marks every item of the invoice paid, records voucher
// redemptions and marks the invoice paid. It is the only place the paid flag
// is set and must run inside tx.
func (s *Service) ApplyPaid(ctx context.Context, tx *gorm.DB, inv *models.Invoice, items *cart.Cart, paidAt time.Time) error {
	if inv.Paid {
		return nil
	}
	if err := s.items.WithTx(tx).MarkPaid(ctx, items, paidAt); err != nil {
		return fmt.Errorf("mark items paid: %w", err)
	}

	ledger := s.vouchers.WithTx(tx)
	record := func(code *string, userID uuid.UUID, itemID string) error {
		if code == nil || *code == "" {
			return nil
		}
		voucher, err := ledger.FindByCode(ctx, *code)
		if err != nil || voucher == nil {
			return err
		}
		return ledger.RecordUse(ctx, voucher.ID, userID, itemID)
	}
	for _, b := range items.Bookings {
		if err := record(b.VoucherCode, b.UserID, b.ID.String()); err != nil {
			return fmt.Errorf("record booking voucher: %w", err)
		}
	}
	for _, b := range items.Blocks {
		if err := record(b.VoucherCode, b.UserID, b.ID.String()); err != nil {
			return fmt.Errorf("record block voucher: %w", err)
		}
	}

	inv.Paid = true
	inv.DatePaid = &paidAt
	if err := s.repo.WithTx(tx).Save(ctx, inv); err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	return nil
}

// BackfillUsername records the billing email of a guest purchase on the
// invoice and its gift vouchers. It only ever fills an empty username.
func (s *Service) BackfillUsername(ctx context.Context, tx *gorm.DB, inv *models.Invoice, items *cart.Cart, email string) error {
	if inv.Username != "" || email == "" {
		return nil
	}
	inv.Username = email
	if err := s.items.WithTx(tx).SetPurchaserEmail(ctx, items, email); err != nil {
		return fmt.Errorf("backfill purchaser email: %w", err)
	}
	return nil
}

// DeleteUnused removes abandoned unpaid invoices older than maxAge.
func (s *Service) DeleteUnused(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.repo.DeleteUnused(ctx, s.now().UTC().Add(-maxAge))
}
