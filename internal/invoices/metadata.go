package invoices

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/internal/cart"
	"github.com/studiobooking/payments-backend/internal/processor"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

const (
	MetadataInvoiceID        = "invoice_id"
	MetadataInvoiceSignature = "invoice_signature"

	// Processor metadata keys are capped at 40 characters, so items are keyed
	// by a 12 hex digit prefix of their id.
	itemKeyIDLength = 12
)

// Item metadata suffixes.
const (
	SuffixItem    = "item"
	SuffixCost    = "cost_in_p"
	SuffixVoucher = "voucher"
)

// ItemMetadataKey builds the metadata key for one field of an item.
func ItemMetadataKey(kind enums.ItemKind, id uuid.UUID, suffix string) string {
	short := strings.ReplaceAll(id.String(), "-", "")[:itemKeyIDLength]
	return fmt.Sprintf("%s_%s_%s", kind, short, suffix)
}

func itemKey(item cart.Item, suffix string) string {
	return ItemMetadataKey(item.Kind, item.ID, suffix)
}

// ItemsMetadata flattens priced items into processor metadata.
func ItemsMetadata(items []cart.Item) map[string]string {
	out := make(map[string]string, len(items)*3)
	for _, item := range items {
		out[itemKey(item, SuffixItem)] = processor.TruncateMetadata(item.Name, processor.MetadataItemNameLimit)
		out[itemKey(item, SuffixCost)] = strconv.FormatInt(processor.ToMinorUnits(item.Cost), 10)
		if item.VoucherCode != "" {
			out[itemKey(item, SuffixVoucher)] = processor.TruncateMetadata(item.VoucherCode, processor.MetadataValueLimit)
		}
	}
	return out
}

// PaymentMetadata is the full metadata attached to an invoice's payment
// intent: the signed invoice id plus the per-item summary.
func (s *Service) PaymentMetadata(inv *models.Invoice, items []cart.Item) map[string]string {
	out := ItemsMetadata(items)
	out[MetadataInvoiceID] = inv.InvoiceID
	out[MetadataInvoiceSignature] = s.signer.Sign(inv.InvoiceID)
	return out
}
