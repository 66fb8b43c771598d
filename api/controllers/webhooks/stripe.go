package webhooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/studiobooking/payments-backend/api/responses"
	stripewebhook "github.com/studiobooking/payments-backend/internal/webhooks/stripe"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

// maxPayloadBytes matches the processor's documented event size ceiling.
const maxPayloadBytes = 65536

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) (stripewebhook.Outcome, error)
}

type StripeWebhookGuard interface {
	Claim(ctx context.Context, eventID string) (stripewebhook.ClaimState, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

type StripeSigner interface {
	SigningSecret() string
}

type webhookAck struct {
	EventID string                `json:"event_id"`
	Outcome stripewebhook.Outcome `json:"outcome"`
}

// StripeWebhook verifies and applies processor events. It answers 400 when
// the delivery should be retried (bad signature, malformed payload or an
// unexpected failure), 409 while another delivery of the same event is
// running, 413 for oversized payloads and 200 for everything else.
func StripeWebhook(svc StripeWebhookService, client StripeSigner, guard StripeWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if client == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe client unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteErrorStatus(ctx, logg, w, http.StatusRequestEntityTooLarge,
					pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("event payload exceeds %d bytes", tooLarge.Limit)))
				return
			}
			responses.WriteErrorStatus(ctx, logg, w, http.StatusBadRequest, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeSignature, "stripe signature missing"))
			return
		}

		event, err := webhook.ConstructEventWithOptions(payload, sigHeader, client.SigningSecret(), webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "verify signature"))
			return
		}

		if guard != nil {
			state, err := guard.Claim(ctx, event.ID)
			if err != nil {
				responses.WriteErrorStatus(ctx, logg, w, http.StatusBadRequest, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim event"))
				return
			}
			switch state {
			case stripewebhook.ClaimDone:
				responses.WriteSuccess(w, webhookAck{EventID: event.ID, Outcome: stripewebhook.OutcomeIgnored})
				return
			case stripewebhook.ClaimInFlight:
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "event is already being processed"))
				return
			}
		}

		outcome, err := svc.HandleEvent(ctx, &event)
		if err != nil {
			if guard != nil {
				if relErr := guard.Release(ctx, event.ID); relErr != nil && logg != nil {
					logg.Error(logg.WithEvent(ctx, event.ID, string(event.Type)), "release event claim", relErr)
				}
			}
			responses.WriteErrorStatus(ctx, logg, w, http.StatusBadRequest, err)
			return
		}
		if guard != nil {
			// the event is applied; a lost marker only costs an idempotent replay
			if err := guard.Complete(ctx, event.ID); err != nil && logg != nil {
				logg.Error(logg.WithEvent(ctx, event.ID, string(event.Type)), "mark event processed", err)
			}
		}

		responses.WriteSuccess(w, webhookAck{EventID: event.ID, Outcome: outcome})
	}
}
