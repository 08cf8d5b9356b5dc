package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

type stubSession struct {
	id       string
	identity string
	admin    bool

	mu        sync.Mutex
	envelopes []*model.Envelope
	fail      bool
	closed    bool
}

func newStubSession(identity string, admin bool) *stubSession {
	return &stubSession{
		id:       uuid.Must(uuid.NewV7()).String(),
		identity: identity,
		admin:    admin,
	}
}

func (s *stubSession) ID() string       { return s.id }
func (s *stubSession) Identity() string { return s.identity }
func (s *stubSession) Admin() bool      { return s.admin }

func (s *stubSession) Send(_ context.Context, env *model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.New("connection gone")
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSession) presences() []*model.PresencePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PresencePayload
	for _, env := range s.envelopes {
		if env.Type == model.EnvelopePresence {
			out = append(out, env.Payload.(*model.PresencePayload))
		}
	}
	return out
}

type recordingBackfiller struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBackfiller) Backfill(_ context.Context, identity string, _ Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, identity)
}

func (b *recordingBackfiller) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	reg := New(st, logger.NewNop(), time.Second)
	t.Cleanup(reg.Shutdown)
	return reg, st
}

func seedSharedConversation(t *testing.T, st store.Store, identities ...string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	first := identities[0]
	conv := &model.Conversation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        &first,
		Subject:       "Late checkout",
		Status:        model.StatusActive,
		Priority:      model.PriorityMedium,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, st.CreateConversation(ctx, conv))
	for i := range identities {
		id := identities[i]
		_, err := st.AddParticipant(ctx, &model.Participant{
			ConversationID: conv.ID,
			UserID:         &id,
			Role:           model.RoleGuest,
			JoinedAt:       now,
			Notify:         true,
		})
		require.NoError(t, err)
	}
	return conv.ID
}

func lastSeen(t *testing.T, st store.Store, convID, identity string) *time.Time {
	t.Helper()
	parts, err := st.ListParticipants(context.Background(), convID)
	require.NoError(t, err)
	for _, p := range parts {
		if p.Identity() == identity {
			return p.LastSeenAt
		}
	}
	t.Fatalf("participant %s not found", identity)
	return nil
}

func TestRegisterUpdatesLastSeenAndGoesOnline(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	convID := seedSharedConversation(t, st, "alice", "bob")

	bob := newStubSession("bob", false)
	reg.Register(ctx, bob)

	require.Nil(t, lastSeen(t, st, convID, "alice"))

	alice := newStubSession("alice", false)
	reg.Register(ctx, alice)

	assert.True(t, reg.Online("alice"))
	assert.Len(t, reg.SessionsFor("alice"), 1)
	assert.NotNil(t, lastSeen(t, st, convID, "alice"))

	// Bob hears alice come online.
	require.Eventually(t, func() bool {
		presences := bob.presences()
		return len(presences) == 1 && presences[0].Identity == "alice" && presences[0].Online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSecondSessionSkipsPresenceBroadcast(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	seedSharedConversation(t, st, "alice", "bob")

	bob := newStubSession("bob", false)
	reg.Register(ctx, bob)

	first := newStubSession("alice", false)
	second := newStubSession("alice", false)
	reg.Register(ctx, first)
	reg.Register(ctx, second)

	assert.Len(t, reg.SessionsFor("alice"), 2)

	require.Eventually(t, func() bool {
		return len(bob.presences()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Closing one of two sessions is not an offline transition.
	reg.Unregister(ctx, first)
	assert.True(t, reg.Online("alice"))

	reg.Unregister(ctx, second)
	assert.False(t, reg.Online("alice"))

	require.Eventually(t, func() bool {
		presences := bob.presences()
		return len(presences) == 2 && !presences[1].Online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnregisterLastSessionTouchesLastSeen(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	convID := seedSharedConversation(t, st, "alice")

	alice := newStubSession("alice", false)
	reg.Register(ctx, alice)
	connectedAt := lastSeen(t, st, convID, "alice")
	require.NotNil(t, connectedAt)

	time.Sleep(2 * time.Millisecond)
	reg.Unregister(ctx, alice)

	disconnectedAt := lastSeen(t, st, convID, "alice")
	require.NotNil(t, disconnectedAt)
	assert.True(t, disconnectedAt.After(*connectedAt))
	assert.True(t, alice.isClosed())

	// Unregistering an unknown session is a no-op.
	reg.Unregister(ctx, newStubSession("alice", false))
}

func TestRegisterTriggersBackfill(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	backfiller := &recordingBackfiller{}
	reg.SetBackfiller(backfiller)

	reg.Register(ctx, newStubSession("alice", false))
	reg.Register(ctx, newStubSession("alice", false))

	require.Eventually(t, func() bool {
		return backfiller.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastAdminsReachesStaffOnly(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	staff := newStubSession("bob", true)
	guest := newStubSession("alice", false)
	reg.Register(ctx, staff)
	reg.Register(ctx, guest)

	env := model.NewEnvelope(model.EnvelopeAlert, "", &model.AlertPayload{Kind: "handover"})
	reg.BroadcastAdmins(ctx, env)

	staff.mu.Lock()
	got := len(staff.envelopes)
	staff.mu.Unlock()
	assert.Equal(t, 1, got)

	guest.mu.Lock()
	defer guest.mu.Unlock()
	assert.Empty(t, guest.envelopes)
}

func TestFailedPushEvictsSession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	dead := newStubSession("bob", true)
	dead.fail = true
	reg.Register(ctx, dead)

	env := model.NewEnvelope(model.EnvelopeAlert, "", &model.AlertPayload{Kind: "handover"})
	reg.BroadcastAdmins(ctx, env)

	assert.False(t, reg.Online("bob"))
	assert.True(t, dead.isClosed())
}

func TestShutdownClosesEverySession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	alice := newStubSession("alice", false)
	bob := newStubSession("bob", true)
	reg.Register(ctx, alice)
	reg.Register(ctx, bob)

	reg.Shutdown()

	assert.True(t, alice.isClosed())
	assert.True(t, bob.isClosed())
	assert.False(t, reg.Online("alice"))
	assert.False(t, reg.Online("bob"))
}
