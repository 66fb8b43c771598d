package invoices

import (
	"errors"
	"fmt"

	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
)

// Data-integrity failures: the payment references our records but does not
// agree with them. Redelivery cannot fix these.
var (
	ErrIntegrity         = errors.New("payment integrity error")
	ErrInvoiceNotFound   = fmt.Errorf("%w: invoice not found", ErrIntegrity)
	ErrSignatureMismatch = fmt.Errorf("%w: invoice signature mismatch", ErrIntegrity)
	ErrAmountMismatch    = fmt.Errorf("%w: amount mismatch", ErrIntegrity)
)

// Verify checks the signature echoed in payment metadata and the captured
// amount against the stored invoice.
func (s *Service) Verify(inv *models.Invoice, signature string, amountMinor int64) error {
	if !s.signer.Verify(inv.InvoiceID, signature) {
		return pkgerrors.Wrap(pkgerrors.CodeIntegrity, ErrSignatureMismatch,
			fmt.Sprintf("could not verify invoice signature for invoice %s", inv.InvoiceID))
	}
	if expected := processor.ToMinorUnits(inv.Amount); expected != amountMinor {
		return pkgerrors.Wrap(pkgerrors.CodeIntegrity, ErrAmountMismatch,
			fmt.Sprintf("invoice %s expects %d, payment captured %d", inv.InvoiceID, expected, amountMinor))
	}
	return nil
}
