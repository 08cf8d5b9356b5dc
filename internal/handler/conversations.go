package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pinehouse-stays/guest-messaging/internal/middleware"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/service"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

// ConversationHandler exposes conversation lifecycle endpoints.
type ConversationHandler struct {
	conversations *service.ConversationService
	messages      *service.MessageService
	logger        *logger.Logger
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(conv *service.ConversationService, msg *service.MessageService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conv,
		messages:      msg,
		logger:        log,
	}
}

// Start opens a conversation for the caller, or returns their existing open
// one. When the request carries an initial message it is posted in the same
// call.
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req model.StartConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := middleware.ValidateSubject(req.Subject); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := resolvePrincipal(r, req.GuestName, req.GuestEmail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := h.conversations.OpenOrReuse(r.Context(), p, req.Subject)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	var msg *model.Message
	if req.Message != "" {
		msg, err = h.messages.Post(r.Context(), p, conv.ID, &model.PostMessageRequest{
			Body:       req.Message,
			GuestName:  req.GuestName,
			GuestEmail: req.GuestEmail,
		})
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"conversation": conv,
		"message":      msg,
		"created":      created,
	})
}

// List returns conversation summaries visible to the caller. Staff see all
// conversations subject to the query filters; everyone else sees only
// conversations they participate in.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	f := model.ConversationFilter{
		Status:     model.ConversationStatus(r.URL.Query().Get("status")),
		Priority:   model.Priority(r.URL.Query().Get("priority")),
		AssignedTo: r.URL.Query().Get("assigned_to"),
		Search:     r.URL.Query().Get("search"),
	}
	if v := r.URL.Query().Get("include_archived"); v != "" {
		f.IncludeArchived, _ = strconv.ParseBool(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	resp, err := h.conversations.List(r.Context(), p, f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get returns one conversation with its messages and participants.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := resolvePrincipal(r, "", r.URL.Query().Get("guest_email"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detail, err := h.conversations.Get(r.Context(), p, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Lookup returns a guest's open conversation by email, for guests resuming
// a thread from a new browser session.
func (h *ConversationHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if err := middleware.ValidateEmail(email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detail, err := h.conversations.GuestLookup(r.Context(), email)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Assign sets the handling staff member and activates the conversation.
func (h *ConversationHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		StaffID string `json:"staff_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StaffID == "" {
		req.StaffID = p.ID
	}

	conv, err := h.conversations.Assign(r.Context(), p, id, req.StaffID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Close closes the conversation. Closing an already closed conversation is
// a no-op.
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.conversations.Close)
}

// Reopen returns a closed conversation to active.
func (h *ConversationHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.conversations.Reopen)
}

// Archive hides the conversation from default listings.
func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.conversations.Archive)
}

func (h *ConversationHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, p model.Principal, id string) (*model.Conversation, error)) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conv, err := op(r.Context(), p, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// AddParticipant adds a user or guest to the conversation.
func (h *ConversationHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req model.AddParticipantRequest
	if !decodeBody(w, r, &req) {
		return
	}

	participant, err := h.conversations.AddParticipant(r.Context(), p, id, &req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, participant)
}

// ListParticipants returns the participants of a conversation.
func (h *ConversationHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	participants, err := h.conversations.ListParticipants(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}
