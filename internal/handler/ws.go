package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/dispatch"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/registry"
	"github.com/pinehouse-stays/guest-messaging/internal/ws"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

// WSHandler upgrades HTTP requests to WebSocket sessions and attaches them
// to the connection registry.
type WSHandler struct {
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
	logger      *logger.Logger
}

// NewWSHandler creates a WebSocket handler. allowedOrigins restricts the
// Origin header on upgrade; "*" allows any origin.
func NewWSHandler(reg *registry.Registry, disp *dispatch.Dispatcher, allowedOrigins []string, idleTimeout time.Duration, log *logger.Logger) *WSHandler {
	return &WSHandler{
		registry:   reg,
		dispatcher: disp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		idleTimeout: idleTimeout,
		logger:      log,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Serve upgrades the connection, registers the session, and pumps frames
// until the peer disconnects or goes idle.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	p, err := resolvePrincipal(r, r.URL.Query().Get("guest_name"), r.URL.Query().Get("guest_email"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := ws.NewSession(conn, p.Identity(), p.Staff(), h.idleTimeout, h.logger)
	go session.WritePump()

	if err := session.Send(r.Context(), model.NewEnvelope(model.EnvelopeConnected, p.Identity(), map[string]string{
		"session_id": session.ID(),
	})); err != nil {
		session.Close()
		return
	}
	h.registry.Register(r.Context(), session)

	h.logger.Info("websocket connected",
		zap.String("identity", p.Identity()),
		zap.String("session_id", session.ID()),
	)

	session.ReadPump(func(frame ws.InboundFrame) {
		switch frame.Type {
		case "typing":
			if frame.ConversationID != "" {
				h.dispatcher.Typing(r.Context(), frame.ConversationID, p.Identity(), frame.Typing)
			}
		}
	})

	h.registry.Unregister(r.Context(), session)
	h.logger.Info("websocket disconnected",
		zap.String("identity", p.Identity()),
		zap.String("session_id", session.ID()),
	)
}
