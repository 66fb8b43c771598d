package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/api/responses"
	"github.com/studiobooking/payments-backend/api/validators"
	"github.com/studiobooking/payments-backend/internal/cart"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

type VoucherApplier interface {
	ApplyVoucher(ctx context.Context, principal uuid.UUID, code string, kind enums.ItemKind) (cart.ApplyResult, error)
}

type applyVoucherRequest struct {
	Code string `json:"code" validate:"required,max=64"`
	Kind string `json:"kind" validate:"required"`
}

type applyVoucherResponse struct {
	Code    string         `json:"code"`
	Kind    enums.ItemKind `json:"kind"`
	Applied int            `json:"applied"`
	Reason  string         `json:"reason,omitempty"`
}

// CartApplyVoucher attaches a voucher code to the caller's unpaid items of one
// kind. A code that applies to nothing is reported, not rejected.
func CartApplyVoucher(svc VoucherApplier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}
		principal, err := requirePrincipal(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload applyVoucherRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		kind, err := enums.ParseItemKind(payload.Kind)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown item kind"))
			return
		}
		code := validators.VoucherCode(payload.Code)

		result, err := svc.ApplyVoucher(ctx, principal.UserID, code, kind)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, applyVoucherResponse{
			Code:    code,
			Kind:    kind,
			Applied: result.Applied,
			Reason:  result.Reason,
		})
	}
}
