package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/ledger"
	"github.com/pinehouse-stays/guest-messaging/internal/middleware"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/service"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

// ErrorResponse is the JSON body returned on any request failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps service and store failures onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrConversationClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidReference),
		errors.Is(err, service.ErrInvalidContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownRecord):
		writeError(w, http.StatusNotFound, "not found")
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// resolvePrincipal returns the authenticated principal, or builds a guest
// principal from the supplied contact fields when the request carries no
// token. A guest without an email cannot be identified and is rejected.
func resolvePrincipal(r *http.Request, guestName, guestEmail string) (model.Principal, error) {
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		return p, nil
	}
	if guestEmail == "" {
		return model.Principal{}, errors.New("guest_email is required for unauthenticated requests")
	}
	if err := middleware.ValidateEmail(guestEmail); err != nil {
		return model.Principal{}, err
	}
	return model.Principal{
		Name:  guestName,
		Email: guestEmail,
		Role:  model.RoleGuest,
	}, nil
}
