// Package store holds the client's authoritative in-memory view of
// conversations and messages, merging optimistic local writes with confirmed
// server events.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"chatlink/internal/domain"
	"chatlink/internal/logx"
)

// ChatStore owns the canonical Message and Conversation maps. All read APIs
// return copies; mutation happens only through the Apply* methods.
type ChatStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	timelines     map[string][]*domain.Message // newest-first per conversation
	byID          map[string]*domain.Message   // message id -> entry (ids are conversation-unique)
	tombstones    map[string]struct{}          // ids deleted this session
	log           *slog.Logger
}

func NewChatStore() *ChatStore {
	return &ChatStore{
		conversations: make(map[string]*domain.Conversation),
		timelines:     make(map[string][]*domain.Message),
		byID:          make(map[string]*domain.Message),
		tombstones:    make(map[string]struct{}),
		log:           logx.For("store"),
	}
}

// UpsertConversation adds or replaces a conversation's metadata, preserving
// the locally maintained unread count and last message when the incoming
// record does not carry them.
func (s *ChatStore) UpsertConversation(conv domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[conv.ID]
	if ok {
		if conv.LastMessage == nil {
			conv.LastMessage = existing.LastMessage
		}
		if conv.UnreadCount == 0 {
			conv.UnreadCount = existing.UnreadCount
		}
	}
	c := conv
	s.conversations[conv.ID] = &c
}

// ApplyOptimisticSend inserts a message with status sending at the head of
// its conversation's timeline, before any network round trip.
func (s *ChatStore) ApplyOptimisticSend(msg domain.Message) {
	msg.Status = domain.StatusSending
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[msg.ID]; exists {
		return
	}
	m := msg
	s.timelines[msg.ConversationID] = append([]*domain.Message{&m}, s.timelines[msg.ConversationID]...)
	s.byID[msg.ID] = &m
	s.bumpLastMessageLocked(&m)
}

// ReconcileConfirmed replaces the temporary entry with the server-confirmed
// message, keeping its timeline position. If the temporary entry was already
// evicted the confirmed message is inserted so the timeline reflects the
// eventual server state; in no ordering does this produce a duplicate.
func (s *ChatStore) ReconcileConfirmed(tempID string, confirmed domain.Message) {
	if confirmed.Status == "" || confirmed.Status == domain.StatusSending {
		confirmed.Status = domain.StatusSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked(tempID, confirmed)
}

func (s *ChatStore) reconcileLocked(tempID string, confirmed domain.Message) {
	if _, dup := s.byID[confirmed.ID]; dup {
		// the create already arrived over the socket; drop the temp entry
		s.removeLocked(tempID)
		return
	}
	if _, dead := s.tombstones[confirmed.ID]; dead {
		s.removeLocked(tempID)
		return
	}

	temp, ok := s.byID[tempID]
	if !ok {
		s.insertLocked(confirmed)
		return
	}

	timeline := s.timelines[temp.ConversationID]
	for i, m := range timeline {
		if m.ID == tempID {
			c := confirmed
			timeline[i] = &c
			s.byID[confirmed.ID] = &c
			delete(s.byID, tempID)
			s.bumpLastMessageLocked(&c)
			return
		}
	}
	// index said present but the timeline disagrees; repair by inserting
	delete(s.byID, tempID)
	s.insertLocked(confirmed)
}

// MarkFailed flags a pending message as failed. It stays visible and can be
// retried through the offline queue without re-typing.
func (s *ChatStore) MarkFailed(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[tempID]; ok {
		m.Status = domain.StatusFailed
	}
}

// ApplyInboundEvent merges a server message event. Creates deduplicate by id
// (and by clientId against pending optimistic entries); updates replace by id
// using the server timestamp as tie-break; deletes remove by id. Events for
// unknown ids are no-ops.
func (s *ChatStore) ApplyInboundEvent(event domain.MessageEvent) {
	msg := event.Message

	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Action {
	case domain.MessageActionCreate:
		if _, dead := s.tombstones[msg.ID]; dead {
			return
		}
		if msg.ClientID != "" {
			if _, pending := s.byID[msg.ClientID]; pending {
				if msg.Status == "" || msg.Status == domain.StatusSending {
					msg.Status = domain.StatusSent
				}
				s.reconcileLocked(msg.ClientID, msg)
				return
			}
		}
		if existing, ok := s.byID[msg.ID]; ok {
			// stale duplicate or newer copy of a known message
			if !msg.Timestamp.Before(existing.Timestamp) {
				s.replaceLocked(existing, msg)
			}
			return
		}
		if msg.Status == "" {
			msg.Status = domain.StatusDelivered
		}
		s.insertLocked(msg)
		if conv, ok := s.conversations[msg.ConversationID]; ok {
			conv.UnreadCount++
		}

	case domain.MessageActionUpdate:
		existing, ok := s.byID[msg.ID]
		if !ok {
			return
		}
		if msg.Timestamp.Before(existing.Timestamp) {
			return
		}
		s.replaceLocked(existing, msg)

	case domain.MessageActionDelete:
		s.tombstones[msg.ID] = struct{}{}
		s.removeLocked(msg.ID)

	default:
		s.log.Debug("ignoring message event with unknown action", "action", event.Action)
	}
}

// ApplyReadReceipt unions the reader into the message's readBy set.
func (s *ChatStore) ApplyReadReceipt(r domain.ReadReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[r.MessageID]
	if !ok {
		return
	}
	readers := mapset.NewSet(m.ReadBy...)
	if !readers.Add(r.UserID) {
		return
	}
	readBy := readers.ToSlice()
	sort.Strings(readBy)
	m.ReadBy = readBy
	if m.Status == domain.StatusSent || m.Status == domain.StatusDelivered {
		m.Status = domain.StatusRead
	}
}

// MarkConversationRead clears the unread counter.
func (s *ChatStore) MarkConversationRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UnreadCount = 0
	}
}

// SetTypingUsers replaces the typing set shown on a conversation.
func (s *ChatStore) SetTypingUsers(conversationID string, users []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.TypingUsers = append([]string(nil), users...)
	}
}

// Messages returns a copy of the conversation timeline, newest first.
func (s *ChatStore) Messages(conversationID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	timeline := s.timelines[conversationID]
	out := make([]domain.Message, 0, len(timeline))
	for _, m := range timeline {
		out = append(out, *m)
	}
	return out
}

// Message returns one message by id.
func (s *ChatStore) Message(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byID[id]; ok {
		return *m, true
	}
	return domain.Message{}, false
}

// Conversation returns one conversation by id.
func (s *ChatStore) Conversation(id string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return *c, true
	}
	return domain.Conversation{}, false
}

// Conversations lists all conversations, most recently active first.
func (s *ChatStore) Conversations() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out
}

func lastActivity(c domain.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.UpdatedAt
}

// insertLocked places a message into its timeline ordered by timestamp,
// newest first.
func (s *ChatStore) insertLocked(msg domain.Message) {
	m := msg
	timeline := s.timelines[msg.ConversationID]
	idx := sort.Search(len(timeline), func(i int) bool {
		return timeline[i].Timestamp.Before(m.Timestamp)
	})
	timeline = append(timeline, nil)
	copy(timeline[idx+1:], timeline[idx:])
	timeline[idx] = &m
	s.timelines[msg.ConversationID] = timeline
	s.byID[msg.ID] = &m
	s.bumpLastMessageLocked(&m)
}

func (s *ChatStore) replaceLocked(existing *domain.Message, msg domain.Message) {
	timeline := s.timelines[existing.ConversationID]
	for i, m := range timeline {
		if m.ID == existing.ID {
			c := msg
			timeline[i] = &c
			s.byID[msg.ID] = &c
			s.bumpLastMessageLocked(&c)
			return
		}
	}
}

func (s *ChatStore) removeLocked(id string) {
	m, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	timeline := s.timelines[m.ConversationID]
	for i, entry := range timeline {
		if entry.ID == id {
			s.timelines[m.ConversationID] = append(timeline[:i], timeline[i+1:]...)
			break
		}
	}
}

// bumpLastMessageLocked keeps Conversation.LastMessage monotonically
// non-decreasing in timestamp.
func (s *ChatStore) bumpLastMessageLocked(m *domain.Message) {
	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return
	}
	if conv.LastMessage == nil || !m.Timestamp.Before(conv.LastMessage.Timestamp) {
		c := *m
		conv.LastMessage = &c
		conv.UpdatedAt = m.Timestamp
	}
}
