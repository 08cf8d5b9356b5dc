package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinehouse-stays/guest-messaging/internal/dispatch"
	"github.com/pinehouse-stays/guest-messaging/internal/ledger"
	"github.com/pinehouse-stays/guest-messaging/internal/middleware"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/registry"
	"github.com/pinehouse-stays/guest-messaging/internal/service"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	log := logger.NewNop()
	led := ledger.New(st, log)
	reg := registry.New(st, log, time.Second)
	disp := dispatch.New(reg, led, st, log, time.Second)
	reg.SetBackfiller(disp)
	t.Cleanup(reg.Shutdown)

	conversationSvc := service.NewConversationService(st, disp, nil, log)
	messageSvc := service.NewMessageService(st, led, disp, nil, log)

	conversationHandler := NewConversationHandler(conversationSvc, messageSvc, log)
	messageHandler := NewMessageHandler(messageSvc, log)
	wsHandler := NewWSHandler(reg, disp, []string{"*"}, time.Minute, log)

	r := chi.NewRouter()
	r.With(middleware.OptionalAuth(testSecret)).Get("/ws", wsHandler.Serve)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalAuth(testSecret))
			r.Post("/conversations", conversationHandler.Start)
			r.Get("/conversations/lookup", conversationHandler.Lookup)
			r.Get("/conversations/{id}", conversationHandler.Get)
			r.Post("/conversations/{id}/messages", messageHandler.Post)
			r.Post("/messages/{id}/read", messageHandler.MarkRead)
			r.Get("/messages/unread", messageHandler.UnreadCount)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(testSecret))
			r.Get("/conversations", conversationHandler.List)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireStaff)
				r.Post("/conversations/{id}/assign", conversationHandler.Assign)
				r.Post("/conversations/{id}/close", conversationHandler.Close)
				r.Post("/conversations/{id}/reopen", conversationHandler.Reopen)
			})
		})
	})
	return r
}

func signToken(t *testing.T, subject, name, role string) string {
	t.Helper()
	claims := &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: name,
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

func startGuestConversation(t *testing.T, router http.Handler) string {
	t.Helper()
	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "", map[string]string{
		"subject":     "Early checkin",
		"message":     "can we arrive at noon?",
		"guest_name":  "Pat",
		"guest_email": "pat@example.com",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		Conversation model.Conversation `json:"conversation"`
		Created      bool               `json:"created"`
	}
	decode(t, rr, &resp)
	require.True(t, resp.Created)
	return resp.Conversation.ID
}

func TestStartConversationGuestFlow(t *testing.T) {
	router := newTestRouter(t)
	convID := startGuestConversation(t, router)

	// A second start from the same guest resumes the open thread.
	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "", map[string]string{
		"subject":     "Another subject",
		"guest_email": "pat@example.com",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Conversation model.Conversation `json:"conversation"`
		Created      bool               `json:"created"`
	}
	decode(t, rr, &resp)
	assert.False(t, resp.Created)
	assert.Equal(t, convID, resp.Conversation.ID)
}

func TestStartConversationRequiresGuestEmail(t *testing.T) {
	router := newTestRouter(t)
	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "", map[string]string{
		"subject": "No identity",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGuestLookup(t *testing.T) {
	router := newTestRouter(t)
	convID := startGuestConversation(t, router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/lookup?email=pat@example.com", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var detail model.ConversationDetail
	decode(t, rr, &detail)
	assert.Equal(t, convID, detail.Conversation.ID)
	assert.Len(t, detail.Messages, 1)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/lookup?email=stranger@example.com", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPostToClosedConversationConflicts(t *testing.T) {
	router := newTestRouter(t)
	convID := startGuestConversation(t, router)
	staff := signToken(t, "bob", "Bob", "admin")

	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/close", staff, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", "", map[string]string{
		"body":        "one last thing",
		"guest_email": "pat@example.com",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestStaffOnlyEndpoints(t *testing.T) {
	router := newTestRouter(t)
	convID := startGuestConversation(t, router)
	guestTok := signToken(t, "alice", "Alice", "guest")

	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/close", guestTok, map[string]string{})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/close", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAssignActivates(t *testing.T) {
	router := newTestRouter(t)
	convID := startGuestConversation(t, router)
	staff := signToken(t, "bob", "Bob", "admin")

	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/assign", staff, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code)

	var conv model.Conversation
	decode(t, rr, &conv)
	assert.Equal(t, model.StatusActive, conv.Status)
	require.NotNil(t, conv.AssignedTo)
	assert.Equal(t, "bob", *conv.AssignedTo)
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	router := newTestRouter(t)
	convID := startGuestConversation(t, router)
	staff := signToken(t, "bob", "Bob", "admin")

	// Assignment joins bob, then the guest's next message fans out to him.
	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/assign", staff, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", "", map[string]string{
		"body":        "also, is parking free?",
		"guest_email": "pat@example.com",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var msg model.Message
	decode(t, rr, &msg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/unread", nil)
	req.Header.Set("Authorization", "Bearer "+staff)
	unreadRR := httptest.NewRecorder()
	router.ServeHTTP(unreadRR, req)
	require.Equal(t, http.StatusOK, unreadRR.Code)
	var unread map[string]int
	decode(t, unreadRR, &unread)
	assert.Equal(t, 1, unread["unread"])

	rr = doJSON(t, router, http.MethodPost, "/api/v1/messages/"+msg.ID+"/read", staff, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rec model.DeliveryRecord
	decode(t, rr, &rec)
	assert.Equal(t, model.DeliveryRead, rec.State)

	// Marking an unknown message is a 404.
	rr = doJSON(t, router, http.MethodPost, "/api/v1/messages/"+convID+"/read", staff, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInvalidIDRejected(t *testing.T) {
	router := newTestRouter(t)
	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations/not-a-uuid/messages", "", map[string]string{
		"body":        "hello",
		"guest_email": "pat@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebSocketConnectAndReceive(t *testing.T) {
	router := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	convID := startGuestConversation(t, router)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?guest_email=pat@example.com"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected model.Envelope
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, model.EnvelopeConnected, connected.Type)

	// A staff reply reaches the connected guest.
	staff := signToken(t, "bob", "Bob", "admin")
	rr := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/assign", staff, map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", staff, map[string]string{
		"body": "noon works, see you then",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	for {
		var env model.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type != model.EnvelopeMessage {
			continue
		}
		payload, err := json.Marshal(env.Payload)
		require.NoError(t, err)
		assert.Contains(t, string(payload), "noon works")
		break
	}
}
