package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/studiobooking/payments-backend/api/responses"
	"github.com/studiobooking/payments-backend/api/validators"
	"github.com/studiobooking/payments-backend/internal/cart"
	checkoutsvc "github.com/studiobooking/payments-backend/internal/checkout"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

type CheckoutService interface {
	Checkout(ctx context.Context, req checkoutsvc.Request) (*checkoutsvc.Result, error)
	CheckTotal(ctx context.Context, principal *uuid.UUID, sel cart.Selection) (decimal.Decimal, error)
}

type PublishableKeySource interface {
	PublishableKey() string
}

// checkoutRequest carries the submitted total. The field that is set picks
// the checkout type.
type checkoutRequest struct {
	CartBookingsTotal       *decimal.Decimal `json:"cart_bookings_total,omitempty"`
	CartBlocksTotal         *decimal.Decimal `json:"cart_blocks_total,omitempty"`
	CartTicketBookingsTotal *decimal.Decimal `json:"cart_ticket_bookings_total,omitempty"`
	CartGiftVoucherTotal    *decimal.Decimal `json:"cart_gift_voucher_total,omitempty"`
	StripeTestTotal         *decimal.Decimal `json:"stripe_test_total,omitempty"`

	BookingReference string    `json:"booking_reference,omitempty" validate:"omitempty,max=64"`
	GiftVoucherID    uuid.UUID `json:"gift_voucher_id,omitempty"`
}

// resolve returns ok=false when no known total, or more than one, was
// submitted. There is nothing to charge then and the client goes back to
// the cart.
func (c checkoutRequest) resolve() (typ enums.CheckoutType, total decimal.Decimal, ok bool, err error) {
	candidates := []struct {
		typ   enums.CheckoutType
		total *decimal.Decimal
	}{
		{enums.CheckoutBookings, c.CartBookingsTotal},
		{enums.CheckoutBlocks, c.CartBlocksTotal},
		{enums.CheckoutTicketBookings, c.CartTicketBookingsTotal},
		{enums.CheckoutGiftVoucher, c.CartGiftVoucherTotal},
		{enums.CheckoutStripeTest, c.StripeTestTotal},
	}
	found := 0
	for _, candidate := range candidates {
		if candidate.total == nil {
			continue
		}
		found++
		typ, total = candidate.typ, *candidate.total
	}
	if found != 1 {
		return "", decimal.Zero, false, nil
	}
	if typ == enums.CheckoutGiftVoucher && c.GiftVoucherID == uuid.Nil {
		return "", decimal.Zero, false, pkgerrors.New(pkgerrors.CodeValidation, "gift_voucher_id is required").WithDetails(map[string]string{"gift_voucher_id": "is required"})
	}
	return typ, total, true, nil
}

type checkoutItemResponse struct {
	Kind        enums.ItemKind  `json:"kind"`
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Cost        decimal.Decimal `json:"cost"`
	VoucherCode string          `json:"voucher_code,omitempty"`
}

type checkoutResponse struct {
	Redirect           string                 `json:"redirect,omitempty"`
	Reason             string                 `json:"reason,omitempty"`
	ClientSecret       string                 `json:"client_secret,omitempty"`
	PaymentIntentID    string                 `json:"payment_intent_id,omitempty"`
	PublishableKey     string                 `json:"publishable_key,omitempty"`
	InvoiceID          string                 `json:"invoice_id,omitempty"`
	Total              decimal.Decimal        `json:"total"`
	CheckoutType       enums.CheckoutType     `json:"checkout_type,omitempty"`
	Items              []checkoutItemResponse `json:"items"`
	PreprocessingError bool                   `json:"preprocessing_error"`
	AlreadyPaid        bool                   `json:"already_paid"`
	Complete           bool                   `json:"complete"`
}

func newCheckoutResponse(res *checkoutsvc.Result, keys PublishableKeySource) checkoutResponse {
	items := make([]checkoutItemResponse, 0, len(res.Items))
	for _, item := range res.Items {
		items = append(items, checkoutItemResponse{
			Kind:        item.Kind,
			ID:          item.ID,
			Name:        item.Name,
			Cost:        item.Cost,
			VoucherCode: item.VoucherCode,
		})
	}
	resp := checkoutResponse{
		Redirect:           string(res.Redirect),
		Reason:             res.Reason,
		ClientSecret:       res.ClientSecret,
		PaymentIntentID:    res.PaymentIntentID,
		InvoiceID:          res.InvoiceID,
		Total:              res.Total,
		CheckoutType:       res.CheckoutType,
		Items:              items,
		PreprocessingError: res.PreprocessingError,
		AlreadyPaid:        res.AlreadyPaid,
		Complete:           res.Complete,
	}
	if res.ClientSecret != "" && keys != nil {
		resp.PublishableKey = keys.PublishableKey()
	}
	return resp
}

// Checkout prices the submitted cart and returns the payment form state.
// Guests may only buy gift vouchers; the test charge is staff only.
func Checkout(svc CheckoutService, keys PublishableKeySource, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload, validators.AllowUnknownFields()); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		typ, submitted, ok, err := payload.resolve()
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if !ok {
			responses.WriteSuccess(w, newCheckoutResponse(&checkoutsvc.Result{
				Redirect: checkoutsvc.RedirectCart,
				Reason:   "nothing to pay for",
			}, keys))
			return
		}

		principal := optionalPrincipal(r)
		if principal == nil && !typ.AllowsGuest() {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "login required"))
			return
		}
		if typ == enums.CheckoutStripeTest && !principal.IsStaff() {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "test charges are restricted to staff"))
			return
		}

		req := checkoutsvc.Request{
			Type:             typ,
			SubmittedTotal:   submitted,
			BookingReference: validators.SanitizeString(payload.BookingReference, 64),
			GiftVoucherID:    payload.GiftVoucherID,
		}
		if principal != nil {
			id := principal.UserID
			req.Principal = &id
			req.Username = principal.Email
		}

		result, err := svc.Checkout(ctx, req)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCheckoutResponse(result, keys))
	}
}

type checkTotalResponse struct {
	Total decimal.Decimal `json:"total"`
}

// CheckTotal returns the server-side total for a checkout type so clients
// can detect a stale cart before submitting.
func CheckTotal(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		raw, err := validators.RequireQuery(r, "checkout_type", 32)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		typ, err := enums.ParseCheckoutType(raw)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown checkout_type"))
			return
		}
		giftVoucherID, err := validators.ParseQueryUUID(r, "gift_voucher_id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var principalID *uuid.UUID
		if p := optionalPrincipal(r); p != nil {
			principalID = &p.UserID
		} else if !typ.AllowsGuest() {
			responses.WriteSuccess(w, checkTotalResponse{Total: decimal.Zero})
			return
		}

		total, err := svc.CheckTotal(ctx, principalID, cart.Selection{
			Type:             typ,
			BookingReference: validators.SanitizeString(r.URL.Query().Get("booking_reference"), 64),
			GiftVoucherID:    giftVoucherID,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, checkTotalResponse{Total: total})
	}
}
