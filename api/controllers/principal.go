package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/api/middleware"
	pkgerrors "github.com/studiobooking/payments-backend/pkg/errors"
)

func requirePrincipal(r *http.Request) (middleware.Principal, error) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok || p.UserID == uuid.Nil {
		return middleware.Principal{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "login required")
	}
	return p, nil
}

// optionalPrincipal returns nil for guests.
func optionalPrincipal(r *http.Request) *middleware.Principal {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok || p.UserID == uuid.Nil {
		return nil
	}
	return &p
}
