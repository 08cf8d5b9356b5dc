package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinehouse-stays/guest-messaging/internal/ledger"
	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/internal/registry"
	"github.com/pinehouse-stays/guest-messaging/internal/service"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

// fakeSession records envelopes in memory. Setting fail makes every Send
// report a dead connection.
type fakeSession struct {
	id       string
	identity string
	admin    bool

	mu        sync.Mutex
	envelopes []*model.Envelope
	fail      bool
	closed    bool
}

func newFakeSession(identity string, admin bool) *fakeSession {
	return &fakeSession{
		id:       uuid.Must(uuid.NewV7()).String(),
		identity: identity,
		admin:    admin,
	}
}

func (s *fakeSession) ID() string       { return s.id }
func (s *fakeSession) Identity() string { return s.identity }
func (s *fakeSession) Admin() bool      { return s.admin }

func (s *fakeSession) Send(_ context.Context, env *model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.New("connection gone")
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) received() []*model.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

func (s *fakeSession) ofType(t model.EnvelopeType) []*model.Envelope {
	var out []*model.Envelope
	for _, env := range s.received() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type harness struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	disp     *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	log := logger.NewNop()
	led := ledger.New(st, log)
	reg := registry.New(st, log, time.Second)
	disp := New(reg, led, st, log, time.Second)
	reg.SetBackfiller(disp)
	t.Cleanup(reg.Shutdown)

	return &harness{store: st, ledger: led, registry: reg, disp: disp}
}

func (h *harness) seedConversation(t *testing.T, participants ...string) *model.Conversation {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	first := participants[0]
	conv := &model.Conversation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        &first,
		Subject:       "Spa booking",
		Status:        model.StatusActive,
		Priority:      model.PriorityMedium,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, h.store.CreateConversation(ctx, conv))
	for i := range participants {
		id := participants[i]
		_, err := h.store.AddParticipant(ctx, &model.Participant{
			ConversationID: conv.ID,
			UserID:         &id,
			Role:           model.RoleGuest,
			JoinedAt:       now,
			Notify:         true,
		})
		require.NoError(t, err)
	}
	return conv
}

func (h *harness) seedMessage(t *testing.T, conv *model.Conversation, sender string, recipients ...string) *model.Message {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		SenderID:       &sender,
		SenderName:     sender,
		Body:           "any rooms left?",
		Type:           model.TypeText,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	records := make([]*model.DeliveryRecord, 0, len(recipients))
	for _, r := range recipients {
		records = append(records, &model.DeliveryRecord{
			MessageID: msg.ID,
			Recipient: r,
			State:     model.DeliverySent,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	require.NoError(t, h.store.CreateMessage(ctx, msg, records))
	return msg
}

func TestMessagePostedDeliversToOnlineRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.seedConversation(t, "alice", "bob", "carol")

	bob := newFakeSession("bob", false)
	h.registry.Register(ctx, bob)

	msg := h.seedMessage(t, conv, "alice", "bob", "carol")
	h.disp.MessagePosted(ctx, msg, []string{"bob", "carol"})

	require.NotEmpty(t, bob.ofType(model.EnvelopeMessage))

	// Reached recipients flip to delivered; offline ones stay sent.
	rec, err := h.store.GetDelivery(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, rec.State)

	rec, err = h.store.GetDelivery(ctx, msg.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, rec.State)
}

func TestBackfillDeliversPendingInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.seedConversation(t, "alice", "bob")

	var ids []string
	for i := 0; i < 3; i++ {
		msg := h.seedMessage(t, conv, "alice", "bob")
		ids = append(ids, msg.ID)
		time.Sleep(2 * time.Millisecond)
	}

	bob := newFakeSession("bob", false)
	h.registry.Register(ctx, bob)

	require.Eventually(t, func() bool {
		return len(bob.ofType(model.EnvelopeMessage)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	envs := bob.ofType(model.EnvelopeMessage)
	for i, env := range envs {
		payload, ok := env.Payload.(*model.MessagePayload)
		require.True(t, ok)
		assert.Equal(t, ids[i], payload.Message.ID)
	}

	for _, id := range ids {
		rec, err := h.store.GetDelivery(ctx, id, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryDelivered, rec.State)
	}

	// A second sweep finds nothing.
	pending, err := h.ledger.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBackfillStopsOnDeadSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.seedConversation(t, "alice", "bob")
	msg := h.seedMessage(t, conv, "alice", "bob")

	bob := newFakeSession("bob", false)
	bob.fail = true
	h.registry.Register(ctx, bob)

	// The dead session gets unregistered and the record stays sent for
	// the next attempt.
	require.Eventually(t, func() bool {
		return len(h.registry.SessionsFor("bob")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := h.store.GetDelivery(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, rec.State)
}

func TestMessageReadRoutesReceiptToSenderOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.seedConversation(t, "alice", "bob", "carol")
	msg := h.seedMessage(t, conv, "alice", "bob", "carol")

	alice := newFakeSession("alice", false)
	carol := newFakeSession("carol", false)
	h.registry.Register(ctx, alice)
	h.registry.Register(ctx, carol)

	h.disp.MessageRead(ctx, msg, "bob", time.Now())

	receipts := alice.ofType(model.EnvelopeReadReceipt)
	require.Len(t, receipts, 1)
	payload, ok := receipts[0].Payload.(*model.ReadReceiptPayload)
	require.True(t, ok)
	assert.Equal(t, msg.ID, payload.MessageID)
	assert.Equal(t, "bob", payload.Reader)

	assert.Empty(t, carol.ofType(model.EnvelopeReadReceipt))

	// A reader re-reading their own message produces nothing.
	h.disp.MessageRead(ctx, msg, "alice", time.Now())
	assert.Len(t, alice.ofType(model.EnvelopeReadReceipt), 1)
}

func TestReadReceiptSkippedForSystemMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.seedConversation(t, "alice", "bob")

	now := time.Now()
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		SenderName:     "System",
		Body:           "Conversation reopened",
		Type:           model.TypeSystem,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, h.store.CreateMessage(ctx, msg, nil))

	alice := newFakeSession("alice", false)
	h.registry.Register(ctx, alice)

	h.disp.MessageRead(ctx, msg, "bob", time.Now())
	assert.Empty(t, alice.ofType(model.EnvelopeReadReceipt))
}

func TestNewConversationReachesStaffOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	staff := newFakeSession("bob", true)
	guest := newFakeSession("alice", false)
	h.registry.Register(ctx, staff)
	h.registry.Register(ctx, guest)

	conv := h.seedConversation(t, "alice")
	h.disp.NewConversation(ctx, conv)

	assert.Len(t, staff.ofType(model.EnvelopeNewConversation), 1)
	assert.Empty(t, guest.ofType(model.EnvelopeNewConversation))
}

func TestAlertReachesAllTargetSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := newFakeSession("alice", false)
	second := newFakeSession("alice", false)
	h.registry.Register(ctx, first)
	h.registry.Register(ctx, second)

	h.disp.Alert(ctx, "alice", "referral_credit", map[string]any{"nights": 2})

	for _, s := range []*fakeSession{first, second} {
		alerts := s.ofType(model.EnvelopeAlert)
		require.Len(t, alerts, 1)
		payload, ok := alerts[0].Payload.(*model.AlertPayload)
		require.True(t, ok)
		assert.Equal(t, "referral_credit", payload.Kind)
	}

	// Offline target: nothing happens and nothing is recorded.
	h.disp.Alert(ctx, "nobody", "referral_credit", nil)
}

func TestTypingRelaysToCoParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.seedConversation(t, "alice", "bob")

	alice := newFakeSession("alice", false)
	bob := newFakeSession("bob", false)
	h.registry.Register(ctx, alice)
	h.registry.Register(ctx, bob)

	h.disp.Typing(ctx, conv.ID, "alice", true)

	typings := bob.ofType(model.EnvelopeTyping)
	require.Len(t, typings, 1)
	payload, ok := typings[0].Payload.(*model.TypingPayload)
	require.True(t, ok)
	assert.Equal(t, "alice", payload.Identity)
	assert.True(t, payload.Typing)

	// The typist does not hear their own indicator.
	assert.Empty(t, alice.ofType(model.EnvelopeTyping))
}

func TestDeadSessionEvictedOnDeliver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.seedConversation(t, "alice", "bob")

	healthy := newFakeSession("bob", false)
	dead := newFakeSession("bob", false)
	dead.fail = true
	h.registry.Register(ctx, healthy)
	h.registry.Register(ctx, dead)

	msg := h.seedMessage(t, conv, "alice", "bob")
	h.disp.MessagePosted(ctx, msg, []string{"bob"})

	// The healthy session got the envelope, the dead one is gone, and the
	// record still counts as delivered.
	assert.NotEmpty(t, healthy.ofType(model.EnvelopeMessage))
	require.Eventually(t, func() bool {
		return len(h.registry.SessionsFor("bob")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := h.store.GetDelivery(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, rec.State)
}

// Full flow: a guest opens a thread, staff is assigned and replies, the
// guest reconnects for backfill, reads, and the staff member gets exactly
// one receipt.
func TestGuestConversationEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	log := logger.NewNop()

	conversations := service.NewConversationService(h.store, h.disp, nil, log)
	messages := service.NewMessageService(h.store, h.ledger, h.disp, nil, log)

	alice := model.Principal{Name: "Alice", Email: "alice@x.com", Role: model.RoleGuest}
	bob := model.Principal{ID: "bob", Name: "Bob", Role: model.RoleAdmin}

	conv, created, err := conversations.OpenOrReuse(ctx, alice, "Hello")
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, model.StatusPending, conv.Status)

	// First message has no co-participants yet, so zero delivery records.
	_, err = messages.Post(ctx, alice, conv.ID, &model.PostMessageRequest{Body: "Hello"})
	require.NoError(t, err)
	pending, err := h.ledger.PendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	assigned, err := conversations.Assign(ctx, bob, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, assigned.Status)

	second, err := messages.Post(ctx, alice, conv.ID, &model.PostMessageRequest{Body: "Still there?"})
	require.NoError(t, err)

	rec, err := h.store.GetDelivery(ctx, second.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, rec.State)

	// Bob connects: backfill pushes the pending message and flips it.
	bobSession := newFakeSession("bob", true)
	h.registry.Register(ctx, bobSession)
	require.Eventually(t, func() bool {
		r, err := h.store.GetDelivery(ctx, second.ID, "bob")
		return err == nil && r.State == model.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)

	envs := bobSession.ofType(model.EnvelopeMessage)
	require.Len(t, envs, 1)
	payload, ok := envs[0].Payload.(*model.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "Still there?", payload.Message.Body)

	// Bob reads; alice's live session gets exactly one receipt even if he
	// reads twice.
	aliceSession := newFakeSession(alice.Identity(), false)
	h.registry.Register(ctx, aliceSession)

	_, err = messages.MarkRead(ctx, bob, second.ID)
	require.NoError(t, err)
	_, err = messages.MarkRead(ctx, bob, second.ID)
	require.NoError(t, err)

	receipts := aliceSession.ofType(model.EnvelopeReadReceipt)
	require.Len(t, receipts, 1)
	receipt, ok := receipts[0].Payload.(*model.ReadReceiptPayload)
	require.True(t, ok)
	assert.Equal(t, second.ID, receipt.MessageID)
	assert.Equal(t, "bob", receipt.Reader)
}
