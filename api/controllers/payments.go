package controllers

import (
	"context"
	"net/http"

	"github.com/studiobooking/payments-backend/api/responses"
	"github.com/studiobooking/payments-backend/api/validators"
	"github.com/studiobooking/payments-backend/internal/payments"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

type PaymentCompleter interface {
	CompleteFromBrowser(ctx context.Context, paymentIntentID string) (*payments.BrowserResult, error)
}

type paymentCompleteResponse struct {
	PaymentIntentID string                 `json:"payment_intent_id"`
	Status          payments.BrowserStatus `json:"status"`
	InvoiceID       string                 `json:"invoice_id,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
}

// PaymentComplete handles the browser landing after the payment form. The
// webhook remains authoritative; this only settles what it can see early.
func PaymentComplete(svc PaymentCompleter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		piID, err := validators.RequireQuery(r, "payment_intent", 255)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.CompleteFromBrowser(logg.WithField(ctx, "payment_intent_id", piID), piID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, paymentCompleteResponse{
			PaymentIntentID: piID,
			Status:          result.Status,
			InvoiceID:       result.InvoiceID,
			Reason:          result.Reason,
		})
	}
}
