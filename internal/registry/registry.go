// Package registry maps user identities to their live push sessions.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
	"github.com/pinehouse-stays/guest-messaging/pkg/metrics"
)

// Session is a live push-capable connection for one identity. Send must be
// safe for concurrent use and must fail (not block forever) once the
// session is gone.
type Session interface {
	ID() string
	Identity() string
	Admin() bool
	Send(ctx context.Context, env *model.Envelope) error
	Close() error
}

// Backfiller delivers pending messages to a freshly registered session.
type Backfiller interface {
	Backfill(ctx context.Context, identity string, s Session)
}

// Registry is the process-scoped session registry: constructed once at
// startup, shared by reference, torn down on shutdown. The mutex guards
// only the session maps; pushes never run under it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session

	store       store.Store
	logger      *logger.Logger
	backfiller  Backfiller
	pushTimeout time.Duration
}

// New creates an empty registry.
func New(st store.Store, log *logger.Logger, pushTimeout time.Duration) *Registry {
	if pushTimeout <= 0 {
		pushTimeout = 5 * time.Second
	}
	return &Registry{
		sessions:    make(map[string]map[string]Session),
		store:       st,
		logger:      log,
		pushTimeout: pushTimeout,
	}
}

// SetBackfiller wires the dispatcher in after construction; the two depend
// on each other at runtime but are built independently.
func (r *Registry) SetBackfiller(b Backfiller) {
	r.backfiller = b
}

// Register adds a live session for an identity. The first session for an
// identity updates participant last-seen and broadcasts an online presence
// transition, and every new session triggers a backfill sweep of pending
// deliveries.
func (r *Registry) Register(ctx context.Context, s Session) {
	identity := s.Identity()

	r.mu.Lock()
	byID, ok := r.sessions[identity]
	if !ok {
		byID = make(map[string]Session)
		r.sessions[identity] = byID
	}
	first := len(byID) == 0
	byID[s.ID()] = s
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	r.logger.Info("session registered",
		zap.String("identity", identity),
		zap.String("session_id", s.ID()),
		zap.Bool("admin", s.Admin()),
	)

	if first {
		if err := r.store.TouchParticipant(ctx, identity, time.Now()); err != nil {
			r.logger.Warn("failed to update last-seen", zap.String("identity", identity), zap.Error(err))
		}
		go r.BroadcastPresence(ctx, identity, true)
	}
	if r.backfiller != nil {
		go r.backfiller.Backfill(ctx, identity, s)
	}
}

// Unregister removes a session. When the identity's session set empties,
// participant last-seen is updated and an offline transition is broadcast.
func (r *Registry) Unregister(ctx context.Context, s Session) {
	identity := s.Identity()

	r.mu.Lock()
	byID, ok := r.sessions[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := byID[s.ID()]; !present {
		r.mu.Unlock()
		return
	}
	delete(byID, s.ID())
	last := len(byID) == 0
	if last {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()

	s.Close()
	metrics.SessionsActive.Dec()
	r.logger.Info("session unregistered",
		zap.String("identity", identity),
		zap.String("session_id", s.ID()),
	)

	if last {
		if err := r.store.TouchParticipant(ctx, identity, time.Now()); err != nil {
			r.logger.Warn("failed to update last-seen", zap.String("identity", identity), zap.Error(err))
		}
		go r.BroadcastPresence(ctx, identity, false)
	}
}

// SessionsFor returns a snapshot of the identity's live sessions.
func (r *Registry) SessionsFor(identity string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.sessions[identity]
	out := make([]Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

// Online reports whether the identity has at least one live session.
func (r *Registry) Online(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[identity]) > 0
}

// AdminSessions returns a snapshot of all live staff sessions.
func (r *Registry) AdminSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Session
	for _, byID := range r.sessions {
		for _, s := range byID {
			if s.Admin() {
				out = append(out, s)
			}
		}
	}
	return out
}

// BroadcastAdmins pushes an envelope to every live staff session,
// best-effort.
func (r *Registry) BroadcastAdmins(ctx context.Context, env *model.Envelope) {
	for _, s := range r.AdminSessions() {
		r.push(ctx, s, env)
	}
}

// BroadcastPresence notifies everyone sharing a conversation with the
// identity of its online/offline transition. Best-effort, never persisted.
func (r *Registry) BroadcastPresence(ctx context.Context, identity string, online bool) {
	convs, err := r.store.ConversationsFor(ctx, identity)
	if err != nil {
		r.logger.Warn("presence broadcast lookup failed", zap.String("identity", identity), zap.Error(err))
		return
	}

	seen := map[string]bool{identity: true}
	env := model.NewEnvelope(model.EnvelopePresence, "", &model.PresencePayload{
		Identity: identity,
		Online:   online,
	})
	for _, conv := range convs {
		parts, err := r.store.ListParticipants(ctx, conv.ID)
		if err != nil {
			continue
		}
		for _, p := range parts {
			target := p.Identity()
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true
			for _, s := range r.SessionsFor(target) {
				r.push(ctx, s, env)
			}
		}
	}
}

// push sends with a bounded timeout; a failed session is treated as gone.
func (r *Registry) push(ctx context.Context, s Session, env *model.Envelope) {
	pushCtx, cancel := context.WithTimeout(ctx, r.pushTimeout)
	defer cancel()

	if err := s.Send(pushCtx, env); err != nil {
		metrics.PushFailures.Inc()
		r.Unregister(ctx, s)
	}
}

// Shutdown closes every live session, leaving persisted state untouched.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	var all []Session
	for _, byID := range r.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	r.sessions = make(map[string]map[string]Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
		metrics.SessionsActive.Dec()
	}
}
