package handler

import (
	"net/http"
	"time"

	"github.com/pinehouse-stays/guest-messaging/internal/nats"
)

// HealthHandler exposes liveness and readiness probes.
type HealthHandler struct {
	nats    *nats.Client
	started time.Time
	version string
}

// NewHealthHandler creates a health handler. The NATS client may be nil
// when the audit sink is disabled.
func NewHealthHandler(nc *nats.Client, version string) *HealthHandler {
	return &HealthHandler{
		nats:    nc,
		started: time.Now(),
		version: version,
	}
}

// Health reports process liveness.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).String(),
	})
}

// Ready reports whether downstream dependencies are reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if h.nats != nil {
		if h.nats.IsConnected() {
			checks["nats"] = "ok"
		} else {
			checks["nats"] = "disconnected"
			ready = false
		}
	} else {
		checks["nats"] = "disabled"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}
