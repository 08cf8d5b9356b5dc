package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pinehouse-stays/guest-messaging/internal/middleware"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/service"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

// MessageHandler exposes message posting and read-receipt endpoints.
type MessageHandler struct {
	messages *service.MessageService
	logger   *logger.Logger
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(msg *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messages: msg,
		logger:   log,
	}
}

// Post appends a message to a conversation and fans out delivery records.
func (h *MessageHandler) Post(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.PostMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Body != "" {
		if err := middleware.ValidateBody(req.Body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	p, err := resolvePrincipal(r, req.GuestName, req.GuestEmail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messages.Post(r.Context(), p, id, &req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead records that the caller has read a message. Repeated calls for
// the same message return the unchanged record.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		GuestEmail string `json:"guest_email,omitempty"`
	}
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	p, err := resolvePrincipal(r, "", req.GuestEmail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.messages.MarkRead(r.Context(), p, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UnreadCount returns the caller's total unread message count across all
// conversations.
func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	p, err := resolvePrincipal(r, "", r.URL.Query().Get("guest_email"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count, err := h.messages.UnreadCount(r.Context(), p.Identity())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}
