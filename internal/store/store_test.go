package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/domain"
	"chatlink/internal/store"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func msg(id, conv, content string, ts time.Time) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: conv,
		Content:        content,
		Type:           domain.MessageText,
		Timestamp:      ts,
		Status:         domain.StatusSent,
	}
}

func ids(messages []domain.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func newStoreWithConv(t *testing.T, convID string) *store.ChatStore {
	t.Helper()
	s := store.NewChatStore()
	s.UpsertConversation(domain.Conversation{
		ID:   convID,
		Type: domain.ConversationOneToOne,
	})
	return s
}

func TestOptimisticSendThenReconcileLeavesOneEntry(t *testing.T) {
	s := newStoreWithConv(t, "c1")

	s.ApplyOptimisticSend(msg("tmp-1", "c1", "hello", base))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusSending, got[0].Status)

	// an unrelated inbound create lands in between
	s.ApplyInboundEvent(domain.MessageEvent{
		Action:  domain.MessageActionCreate,
		Message: msg("m40", "c1", "hey", base.Add(time.Second)),
	})

	confirmed := msg("m42", "c1", "hello", base.Add(2*time.Second))
	confirmed.ClientID = "tmp-1"
	s.ReconcileConfirmed("tmp-1", confirmed)

	got = s.Messages("c1")
	require.Len(t, got, 2)
	_, tempLeft := s.Message("tmp-1")
	assert.False(t, tempLeft, "temp entry must be gone")
	m, ok := s.Message("m42")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSent, m.Status)
	assert.Equal(t, "hello", m.Content)
}

func TestReconcileAfterSocketCreateDoesNotDuplicate(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	s.ApplyOptimisticSend(msg("tmp-1", "c1", "hello", base))

	// the server broadcast beats the REST confirmation; it carries clientId
	inbound := msg("m42", "c1", "hello", base.Add(time.Second))
	inbound.ClientID = "tmp-1"
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: inbound})
	require.Equal(t, []string{"m42"}, ids(s.Messages("c1")))

	// the late confirmation must not re-add anything
	confirmed := msg("m42", "c1", "hello", base.Add(time.Second))
	confirmed.ClientID = "tmp-1"
	s.ReconcileConfirmed("tmp-1", confirmed)
	assert.Equal(t, []string{"m42"}, ids(s.Messages("c1")))
}

func TestReconcileAfterEvictionInsertsConfirmed(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	// no optimistic entry exists (evicted by a concurrent flow)
	s.ReconcileConfirmed("tmp-gone", msg("m7", "c1", "revived", base))
	assert.Equal(t, []string{"m7"}, ids(s.Messages("c1")))
}

func TestInboundEventsConvergeRegardlessOfOrder(t *testing.T) {
	create := domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m1", "c1", "v1", base)}
	update := domain.MessageEvent{Action: domain.MessageActionUpdate, Message: func() domain.Message {
		m := msg("m1", "c1", "v2", base.Add(time.Second))
		m.IsEdited = true
		return m
	}()}
	staleDup := domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m1", "c1", "v1", base)}

	orders := [][]domain.MessageEvent{
		{create, update, staleDup},
		{create, staleDup, update},
		{update, create, staleDup}, // update before create is a no-op, then create wins
	}
	for i, order := range orders {
		s := newStoreWithConv(t, "c1")
		for _, ev := range order {
			s.ApplyInboundEvent(ev)
		}
		got := s.Messages("c1")
		require.Len(t, got, 1, "order %d", i)
		if i < 2 {
			assert.Equal(t, "v2", got[0].Content, "order %d", i)
			assert.True(t, got[0].IsEdited, "order %d", i)
		}
	}
}

func TestDeleteBeforeCreateLeavesNoMessage(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionDelete, Message: msg("m1", "c1", "", base.Add(time.Second))})
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m1", "c1", "ghost", base)})
	assert.Empty(t, s.Messages("c1"))
}

func TestUnknownIDUpdatesAndDeletesAreNoOps(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionUpdate, Message: msg("nope", "c1", "x", base)})
	s.ApplyInboundEvent(domain.MessageEvent{Action: "mystery", Message: msg("nope", "c1", "x", base)})
	assert.Empty(t, s.Messages("c1"))
}

func TestMarkFailedKeepsMessageVisible(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	s.ApplyOptimisticSend(msg("tmp-1", "c1", "will fail", base))
	s.MarkFailed("tmp-1")
	got := s.Messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusFailed, got[0].Status)
	assert.Equal(t, "will fail", got[0].Content)
}

func TestReadReceiptUnionsReadBy(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m1", "c1", "hi", base)})

	r := domain.ReadReceipt{MessageID: "m1", ConversationID: "c1", UserID: "u2", Timestamp: base.Add(time.Second)}
	s.ApplyReadReceipt(r)
	s.ApplyReadReceipt(r) // idempotent
	s.ApplyReadReceipt(domain.ReadReceipt{MessageID: "m1", ConversationID: "c1", UserID: "u1"})

	m, ok := s.Message("m1")
	require.True(t, ok)
	assert.Equal(t, []string{"u1", "u2"}, m.ReadBy)
	assert.Equal(t, domain.StatusRead, m.Status)

	// receipts for unknown messages are dropped
	s.ApplyReadReceipt(domain.ReadReceipt{MessageID: "none", UserID: "u9"})
}

func TestLastMessageTimestampIsMonotonic(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m2", "c1", "newer", base.Add(time.Minute))})
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m1", "c1", "older", base)})

	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m2", conv.LastMessage.ID)

	// older message sits below the newer one, newest first
	assert.Equal(t, []string{"m2", "m1"}, ids(s.Messages("c1")))
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	s := newStoreWithConv(t, "c1")
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m1", "c1", "a", base)})
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m2", "c1", "b", base.Add(time.Second))})

	conv, _ := s.Conversation("c1")
	assert.Equal(t, 2, conv.UnreadCount)

	s.MarkConversationRead("c1")
	conv, _ = s.Conversation("c1")
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestConversationsSortedByActivity(t *testing.T) {
	s := store.NewChatStore()
	s.UpsertConversation(domain.Conversation{ID: "c1", Type: domain.ConversationOneToOne, UpdatedAt: base})
	s.UpsertConversation(domain.Conversation{ID: "c2", Type: domain.ConversationGroup, UpdatedAt: base})
	s.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: msg("m1", "c2", "ping", base.Add(time.Hour))})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)
}
