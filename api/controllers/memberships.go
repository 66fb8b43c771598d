package controllers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/api/responses"
	"github.com/studiobooking/payments-backend/api/validators"
	"github.com/studiobooking/payments-backend/internal/memberships"
	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

type MembershipService interface {
	Subscribe(ctx context.Context, req memberships.SubscribeRequest) (*memberships.SubscribeResult, error)
	Cancel(ctx context.Context, principal, userMembershipID uuid.UUID) (*models.UserMembership, error)
	PortalURL(ctx context.Context, principal uuid.UUID, returnURL string) (string, error)
	SyncProduct(ctx context.Context, membershipID uuid.UUID) (*memberships.ProductSyncResult, error)
}

type subscribeRequest struct {
	MembershipID uuid.UUID `json:"membership_id" validate:"required"`
	Backdate     bool      `json:"backdate"`
	VoucherCode  string    `json:"voucher_code,omitempty" validate:"omitempty,max=64"`
}

type userMembershipResponse struct {
	ID                 uuid.UUID                `json:"id"`
	MembershipID       uuid.UUID                `json:"membership_id"`
	SubscriptionID     string                   `json:"subscription_id"`
	SubscriptionStatus enums.SubscriptionStatus `json:"subscription_status"`
	StartDate          time.Time                `json:"start_date"`
	EndDate            *time.Time               `json:"end_date,omitempty"`
}

func newUserMembershipResponse(um *models.UserMembership) userMembershipResponse {
	return userMembershipResponse{
		ID:                 um.ID,
		MembershipID:       um.MembershipID,
		SubscriptionID:     um.SubscriptionID,
		SubscriptionStatus: um.SubscriptionStatus,
		StartDate:          um.StartDate,
		EndDate:            um.EndDate,
	}
}

type subscribeResponse struct {
	Membership   userMembershipResponse `json:"membership"`
	ClientSecret string                 `json:"client_secret,omitempty"`
}

// MembershipSubscribe starts a subscription for the caller.
func MembershipSubscribe(svc MembershipService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}
		principal, err := requirePrincipal(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload subscribeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Subscribe(ctx, memberships.SubscribeRequest{
			Principal:    principal.UserID,
			MembershipID: payload.MembershipID,
			Backdate:     payload.Backdate,
			VoucherCode:  validators.VoucherCode(payload.VoucherCode),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, subscribeResponse{
			Membership:   newUserMembershipResponse(result.UserMembership),
			ClientSecret: result.ClientSecret,
		})
	}
}

// MembershipCancel cancels one of the caller's memberships.
func MembershipCancel(svc MembershipService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}
		principal, err := requirePrincipal(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		umID, err := uuid.Parse(chi.URLParam(r, "userMembershipId"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid membership id"))
			return
		}

		um, err := svc.Cancel(ctx, principal.UserID, umID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newUserMembershipResponse(um))
	}
}

// MembershipPortal returns the billing portal link. return_url must stay on
// the studio domain; it defaults to the domain root.
func MembershipPortal(cfg *config.Config, svc MembershipService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}
		principal, err := requirePrincipal(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		returnURL, err := portalReturnURL(cfg.App.Domain, r.URL.Query().Get("return_url"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		link, err := svc.PortalURL(ctx, principal.UserID, returnURL)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"url": link})
	}
}

type productSyncResponse struct {
	MembershipID    uuid.UUID `json:"membership_id"`
	StripeProductID string    `json:"stripe_product_id"`
	StripePriceID   string    `json:"stripe_price_id,omitempty"`
	Created         bool      `json:"created"`
	PriceChanged    bool      `json:"price_changed"`
	Migrated        int       `json:"migrated"`
}

// MembershipSyncProduct pushes a membership's catalogue entry to the
// processor. Staff only.
func MembershipSyncProduct(svc MembershipService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "membership service unavailable"))
			return
		}
		principal, err := requirePrincipal(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if !principal.IsStaff() {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "membership catalogue is restricted to staff"))
			return
		}
		membershipID, err := uuid.Parse(chi.URLParam(r, "membershipId"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid membership id"))
			return
		}

		result, err := svc.SyncProduct(ctx, membershipID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		resp := productSyncResponse{
			MembershipID:    result.Membership.ID,
			StripeProductID: result.Membership.StripeProductID,
			Created:         result.Created,
			PriceChanged:    result.PriceChanged,
			Migrated:        result.Migrated,
		}
		if result.Membership.StripePriceID != nil {
			resp.StripePriceID = *result.Membership.StripePriceID
		}
		responses.WriteSuccess(w, resp)
	}
}

func portalReturnURL(domain, raw string) (string, error) {
	base := strings.TrimRight(domain, "/")
	raw = validators.SanitizeString(raw, 2048)
	if raw == "" {
		return base + "/", nil
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return base + raw, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "invalid return_url")
	}
	home, err := url.Parse(base)
	if err != nil || home.Host == "" || !strings.EqualFold(parsed.Host, home.Host) {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "return_url must point at the studio site")
	}
	return parsed.String(), nil
}
