package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
)

// Memory is an in-process Store used in tests and as the default backend
// when no database path is configured. The outer mutex guards only the
// maps; each delivery record carries its own lock so transitions for
// unrelated rows never contend.
type Memory struct {
	mu             sync.RWMutex
	conversations  map[string]*model.Conversation
	participants   map[string][]*model.Participant
	messages       map[string]*model.Message
	byConversation map[string][]*model.Message
	deliveries     map[string]*deliveryEntry
	byRecipient    map[string][]*deliveryEntry
	seq            int64
}

type deliveryEntry struct {
	mu  sync.Mutex
	rec model.DeliveryRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations:  make(map[string]*model.Conversation),
		participants:   make(map[string][]*model.Participant),
		messages:       make(map[string]*model.Message),
		byConversation: make(map[string][]*model.Message),
		deliveries:     make(map[string]*deliveryEntry),
		byRecipient:    make(map[string][]*deliveryEntry),
	}
}

func deliveryKey(messageID, recipient string) string {
	return messageID + "|" + recipient
}

func (s *Memory) CreateConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Memory) FindOpenByInitiator(ctx context.Context, identity string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Conversation
	for _, c := range s.conversations {
		if c.Status == model.StatusClosed || c.InitiatorIdentity() != identity {
			continue
		}
		if found == nil || c.LastMessageAt.After(found.LastMessageAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Memory) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *Memory) ListConversations(ctx context.Context, f model.ConversationFilter) ([]*model.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Conversation
	for _, c := range s.conversations {
		if !matchesFilter(c, f) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})

	total := len(out)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return out[start:end], total, nil
}

func matchesFilter(c *model.Conversation, f model.ConversationFilter) bool {
	if c.Archived && !f.IncludeArchived {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Priority != "" && c.Priority != f.Priority {
		return false
	}
	if f.AssignedTo != "" && (c.AssignedTo == nil || *c.AssignedTo != f.AssignedTo) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(c.Subject), q) &&
			!(c.GuestName != nil && strings.Contains(strings.ToLower(*c.GuestName), q)) &&
			!(c.GuestEmail != nil && strings.Contains(strings.ToLower(*c.GuestEmail), q)) {
			return false
		}
	}
	return true
}

func (s *Memory) ConversationsFor(ctx context.Context, identity string) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Conversation
	for convID, parts := range s.participants {
		for _, p := range parts {
			if p.Identity() == identity {
				if c, ok := s.conversations[convID]; ok {
					cp := *c
					out = append(out, &cp)
				}
				break
			}
		}
	}
	return out, nil
}

func (s *Memory) ConversationStats(ctx context.Context, conversationID, viewer string) (int, int, *model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byConversation[conversationID]
	var last *model.Message
	if len(msgs) > 0 {
		cp := *msgs[len(msgs)-1]
		last = &cp
	}

	unread := 0
	if viewer != "" {
		for _, m := range msgs {
			if e, ok := s.deliveries[deliveryKey(m.ID, viewer)]; ok {
				e.mu.Lock()
				if e.rec.State == model.DeliverySent || e.rec.State == model.DeliveryDelivered {
					unread++
				}
				e.mu.Unlock()
			}
		}
	}
	return len(msgs), unread, last, nil
}

func (s *Memory) AddParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.participants[p.ConversationID] {
		if existing.Identity() == p.Identity() {
			return false, nil
		}
	}
	cp := *p
	s.participants[p.ConversationID] = append(s.participants[p.ConversationID], &cp)
	return true, nil
}

func (s *Memory) GetParticipant(ctx context.Context, conversationID, identity string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.participants[conversationID] {
		if p.Identity() == identity {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ListParticipants(ctx context.Context, conversationID string) ([]*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := s.participants[conversationID]
	out := make([]*model.Participant, 0, len(parts))
	for _, p := range parts {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Memory) TouchParticipant(ctx context.Context, identity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, parts := range s.participants {
		for _, p := range parts {
			if p.Identity() == identity {
				t := at
				p.LastSeenAt = &t
			}
		}
	}
	return nil
}

func (s *Memory) CreateMessage(ctx context.Context, m *model.Message, records []*model.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if m.ReplyTo != nil {
		ref, ok := s.messages[*m.ReplyTo]
		if !ok || ref.ConversationID != m.ConversationID {
			return ErrNotFound
		}
	}

	s.seq++
	m.Seq = s.seq
	cp := *m
	s.messages[m.ID] = &cp
	s.byConversation[m.ConversationID] = append(s.byConversation[m.ConversationID], &cp)

	for _, r := range records {
		rc := *r
		e := &deliveryEntry{rec: rc}
		s.deliveries[deliveryKey(r.MessageID, r.Recipient)] = e
		s.byRecipient[r.Recipient] = append(s.byRecipient[r.Recipient], e)
	}

	conv.LastMessageAt = m.CreatedAt
	conv.UpdatedAt = m.CreatedAt
	return nil
}

func (s *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byConversation[conversationID]
	out := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Memory) GetDelivery(ctx context.Context, messageID, recipient string) (*model.DeliveryRecord, error) {
	s.mu.RLock()
	e, ok := s.deliveries[deliveryKey(messageID, recipient)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.rec
	return &cp, nil
}

func (s *Memory) TransitionDelivery(ctx context.Context, messageID, recipient string, to model.DeliveryState, reason string) (*model.DeliveryRecord, bool, error) {
	s.mu.RLock()
	e, ok := s.deliveries[deliveryKey(messageID, recipient)]
	s.mu.RUnlock()
	if !ok {
		return nil, false, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	changed, err := applyTransition(&e.rec, to, reason, time.Now())
	if err != nil {
		return nil, false, err
	}
	cp := e.rec
	return &cp, changed, nil
}

func (s *Memory) PendingDeliveries(ctx context.Context, recipient string) ([]*model.PendingDelivery, error) {
	s.mu.RLock()
	entries := make([]*deliveryEntry, len(s.byRecipient[recipient]))
	copy(entries, s.byRecipient[recipient])
	s.mu.RUnlock()

	var out []*model.PendingDelivery
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if rec.State != model.DeliverySent {
			continue
		}
		s.mu.RLock()
		m, ok := s.messages[rec.MessageID]
		var mcp model.Message
		if ok {
			mcp = *m
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}
		out = append(out, &model.PendingDelivery{Message: &mcp, Record: &rec})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Seq < b.Seq
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out, nil
}

func (s *Memory) UnreadCount(ctx context.Context, identity string) (int, error) {
	s.mu.RLock()
	entries := make([]*deliveryEntry, len(s.byRecipient[identity]))
	copy(entries, s.byRecipient[identity])
	s.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.State == model.DeliverySent || e.rec.State == model.DeliveryDelivered {
			count++
		}
		e.mu.Unlock()
	}
	return count, nil
}

func (s *Memory) Close() error {
	return nil
}
