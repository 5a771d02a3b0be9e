// Package session ties the chat client together: one serialized event loop
// applies every state mutation to the chat store, offline queue and
// aggregators, so reconciliation never races a concurrent optimistic write.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatlink/internal/config"
	"chatlink/internal/connmgr"
	"chatlink/internal/domain"
	"chatlink/internal/kv"
	"chatlink/internal/logx"
	"chatlink/internal/metrics"
	"chatlink/internal/queue"
	"chatlink/internal/reactions"
	"chatlink/internal/rest"
	"chatlink/internal/security"
	"chatlink/internal/store"
	"chatlink/internal/transport"
	"chatlink/internal/typing"
)

const draftPrefix = "draft:"

// Session is one user's live chat session across conversations.
type Session struct {
	cfg      *config.Config
	identity security.TokenIdentity

	conns     *connmgr.Manager
	restc     *rest.Client
	queue     *queue.Queue
	chats     *store.ChatStore
	typing    *typing.Aggregator
	reactions *reactions.Tracker
	kvstore   kv.Store
	encryptor *security.Encryptor
	log       *slog.Logger

	events chan func()
	done   chan struct{}

	mu         sync.Mutex
	active     string // active conversation id
	debouncer  *typing.Debouncer
	unsubs     []func()
	onTimeline func(conversationID string)
	closed     bool
}

// New assembles a session from configuration. kvstore holds the offline
// queue and drafts and must outlive the session; encryptKey may be empty to
// store them unencrypted.
func New(cfg *config.Config, kvstore kv.Store) (*Session, error) {
	identity, err := security.IdentityFromToken(cfg.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}

	var encryptor *security.Encryptor
	if cfg.EncryptKey != "" {
		encryptor, err = security.NewEncryptor([]byte(cfg.EncryptKey))
		if err != nil {
			return nil, fmt.Errorf("init encryptor: %w", err)
		}
	}

	s := &Session{
		cfg:       cfg,
		identity:  *identity,
		restc:     rest.NewClient(cfg.ServerURL, cfg.AuthToken),
		chats:     store.NewChatStore(),
		reactions: reactions.NewTracker(),
		kvstore:   kvstore,
		encryptor: encryptor,
		log:       logx.For("session"),
		events:    make(chan func(), 256),
		done:      make(chan struct{}),
	}

	s.typing = typing.NewAggregator(cfg.TypingExpiry, func(convID string, users []string) {
		s.post(func() { s.chats.SetTypingUsers(convID, users) })
	})

	s.conns = connmgr.NewManager(transport.NewWebsocketDialer(), connmgr.Options{
		URL:                  cfg.WebsocketURL,
		Token:                cfg.AuthToken,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		BackoffBase:          cfg.BackoffBase,
		BackoffMax:           cfg.BackoffMax,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})

	s.queue, err = queue.New(kvstore, encryptor, senderFunc(s.deliverQueued), queue.Callbacks{
		OnConfirmed: s.onQueueConfirmed,
		OnFailed:    s.onQueueFailed,
	}, queue.Options{
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: cfg.QueueRetryDelay,
	})
	if err != nil {
		return nil, err
	}

	s.registerHandlers()
	go s.run()
	go s.watchConnectionState()
	return s, nil
}

type senderFunc func(ctx context.Context, q domain.QueuedMessage) (*domain.Message, error)

func (f senderFunc) SendQueued(ctx context.Context, q domain.QueuedMessage) (*domain.Message, error) {
	return f(ctx, q)
}

// Start connects and loads the conversation list. Connection failures are
// not fatal; the reconnect machinery keeps trying in the background.
func (s *Session) Start(ctx context.Context) error {
	if err := s.conns.Connect(ctx); err != nil {
		s.log.Warn("initial connect failed", "error", err)
	}
	convs, err := s.restc.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	for _, conv := range convs {
		s.chats.UpsertConversation(conv)
	}
	return nil
}

// Identity returns the local user derived from the bearer token.
func (s *Session) Identity() security.TokenIdentity { return s.identity }

// OnTimelineChange registers a callback fired from the event loop whenever a
// conversation's timeline changes, for UI refresh. Register before Start.
func (s *Session) OnTimelineChange(fn func(conversationID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTimeline = fn
}

func (s *Session) notifyTimeline(conversationID string) {
	s.mu.Lock()
	fn := s.onTimeline
	s.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}

// ConnectionState reports the connection manager's current state.
func (s *Session) ConnectionState() connmgr.State { return s.conns.State() }

// SubscribeConnectionState exposes state transitions for a status indicator.
func (s *Session) SubscribeConnectionState() (<-chan connmgr.State, func()) {
	return s.conns.SubscribeState()
}

// SetNetworkAvailable feeds connectivity notifications from the platform.
func (s *Session) SetNetworkAvailable(available bool) {
	if !available {
		s.queue.SetConnected(false)
	}
	s.conns.SetNetworkAvailable(available)
}

// SendText applies an optimistic insert and enqueues the message for
// delivery, returning the temporary id shown in the timeline.
func (s *Session) SendText(conversationID, content string) (string, error) {
	qm, err := s.queue.Enqueue(domain.QueuePayload{
		ConversationID: conversationID,
		Content:        content,
		Type:           domain.MessageText,
	})
	if err != nil {
		return "", err
	}

	msg := domain.Message{
		ID:             qm.ID,
		ConversationID: conversationID,
		Content:        content,
		Type:           domain.MessageText,
		Sender: domain.Sender{
			ID:          s.identity.UserID,
			DisplayName: s.identity.DisplayName,
		},
		Timestamp: qm.EnqueuedAt,
	}
	s.post(func() {
		s.chats.ApplyOptimisticSend(msg)
		s.notifyTimeline(conversationID)
	})

	s.mu.Lock()
	if s.debouncer != nil && s.active == conversationID {
		s.debouncer.Stop()
	}
	s.mu.Unlock()
	_ = s.SetDraft(conversationID, "")
	return qm.ID, nil
}

// RetrySend re-queues a failed message without re-typing its content.
func (s *Session) RetrySend(tempID string) error {
	if err := s.queue.Retry(tempID); err != nil {
		return err
	}
	s.post(func() {
		if m, ok := s.chats.Message(tempID); ok {
			m.Status = domain.StatusSending
			s.chats.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionUpdate, Message: m})
		}
	})
	return nil
}

// EditMessage optimistically rewrites a message, reverting if the server
// rejects the edit.
func (s *Session) EditMessage(ctx context.Context, messageID, content string) error {
	prior, ok := s.chats.Message(messageID)
	if !ok {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}

	optimistic := prior
	optimistic.Content = content
	optimistic.IsEdited = true
	s.post(func() {
		s.chats.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionUpdate, Message: optimistic})
	})

	updated, err := s.restc.EditMessage(ctx, messageID, content)
	if err != nil {
		s.post(func() {
			s.chats.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionUpdate, Message: prior})
		})
		return err
	}
	s.post(func() {
		s.chats.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionUpdate, Message: *updated})
	})
	return nil
}

// DeleteMessage removes a message once the server confirms the delete.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	msg, ok := s.chats.Message(messageID)
	if !ok {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	if err := s.restc.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.post(func() {
		s.chats.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionDelete, Message: msg})
		s.reactions.ClearMessage(messageID)
	})
	return nil
}

// React applies an optimistic reaction add and confirms it with the server.
func (s *Session) React(ctx context.Context, messageID, kind string) error {
	return s.react(ctx, messageID, kind, true)
}

// Unreact applies an optimistic reaction removal and confirms it.
func (s *Session) Unreact(ctx context.Context, messageID, kind string) error {
	return s.react(ctx, messageID, kind, false)
}

func (s *Session) react(ctx context.Context, messageID, kind string, add bool) error {
	userID := s.identity.UserID
	call := s.restc.RemoveReaction
	if add {
		s.reactions.OptimisticAdd(messageID, kind, userID)
		call = s.restc.AddReaction
	} else {
		s.reactions.OptimisticRemove(messageID, kind, userID)
	}

	if err := call(ctx, messageID, kind); err != nil {
		s.reactions.Fail(messageID, kind, userID)
		return err
	}
	s.reactions.Confirm(messageID, kind, userID)
	return nil
}

// MarkRead clears the unread counter and propagates a read receipt for the
// newest message, best effort.
func (s *Session) MarkRead(conversationID string) {
	s.post(func() { s.chats.MarkConversationRead(conversationID) })

	msgs := s.chats.Messages(conversationID)
	if len(msgs) == 0 {
		return
	}
	frame, err := domain.NewFrame(domain.FrameReadReceipt, domain.ReceiptEvent{
		MessageID:      msgs[0].ID,
		ConversationID: conversationID,
		UserID:         s.identity.UserID,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.conns.Send(frame); err != nil {
		s.log.Debug("read receipt not sent", "error", err)
	}
}

// Keystroke registers local typing input for the active conversation,
// debounced into at most one start frame per window.
func (s *Session) Keystroke(conversationID string) {
	s.mu.Lock()
	d := s.debouncer
	active := s.active
	s.mu.Unlock()
	if d == nil || active != conversationID {
		return
	}
	d.Keystroke()
}

// SwitchConversation makes a conversation active: cancels the previous
// conversation's typing timers and debouncer, loads recent history when the
// timeline is empty, and clears the unread counter. In-flight sends for the
// previous conversation keep going.
func (s *Session) SwitchConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	prev := s.active
	if s.debouncer != nil {
		s.debouncer.Close()
	}
	s.active = conversationID
	s.debouncer = typing.NewDebouncer(s.cfg.TypingDebounce, func(isTyping bool) {
		s.sendTyping(conversationID, isTyping)
	})
	s.mu.Unlock()

	if prev != "" && prev != conversationID {
		s.typing.Teardown(prev)
		s.post(func() { s.chats.SetTypingUsers(prev, nil) })
	}

	if len(s.chats.Messages(conversationID)) == 0 {
		page, err := s.restc.ListMessages(ctx, conversationID, rest.PageOptions{Limit: 50})
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		s.post(func() {
			for _, m := range page.Messages {
				s.chats.ApplyInboundEvent(domain.MessageEvent{Action: domain.MessageActionCreate, Message: m})
			}
			s.chats.MarkConversationRead(conversationID)
		})
	} else {
		s.post(func() { s.chats.MarkConversationRead(conversationID) })
	}
	return nil
}

// Messages returns a conversation timeline with the optimistic reaction
// overlay applied, newest first.
func (s *Session) Messages(conversationID string) []domain.Message {
	msgs := s.chats.Messages(conversationID)
	for i, m := range msgs {
		msgs[i] = s.reactions.Merge(m)
	}
	return msgs
}

// Conversations lists conversations by recency.
func (s *Session) Conversations() []domain.Conversation {
	return s.chats.Conversations()
}

// TypingUsers returns who is typing in a conversation.
func (s *Session) TypingUsers(conversationID string) []string {
	return s.typing.TypingUsers(conversationID)
}

// PendingSends exposes the offline queue for status display.
func (s *Session) PendingSends(conversationID string) []domain.QueuedMessage {
	return s.queue.Entries(conversationID)
}

// FailedSends exposes permanently failed sends, retryable via RetrySend.
func (s *Session) FailedSends(conversationID string) []domain.QueuedMessage {
	return s.queue.FailedEntries(conversationID)
}

// Draft returns the persisted draft text for a conversation.
func (s *Session) Draft(conversationID string) (string, error) {
	raw, found, err := s.kvstore.Get(draftPrefix + conversationID)
	if err != nil || !found {
		return "", err
	}
	if s.encryptor != nil {
		plain, err := s.encryptor.Decrypt(string(raw))
		if err != nil {
			return "", fmt.Errorf("decrypt draft: %w", err)
		}
		return string(plain), nil
	}
	return string(raw), nil
}

// SetDraft persists draft text for a conversation; empty text deletes it.
func (s *Session) SetDraft(conversationID, text string) error {
	key := draftPrefix + conversationID
	if text == "" {
		return s.kvstore.Delete(key)
	}
	raw := []byte(text)
	if s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("encrypt draft: %w", err)
		}
		raw = []byte(enc)
	}
	return s.kvstore.Set(key, raw)
}

// Close tears the session down: typing timers, queue drains and the
// connection. Queued sends stay durable for the next session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	if s.debouncer != nil {
		s.debouncer.Close()
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.typing.Close()
	_ = s.queue.Close()
	_ = s.conns.Close()
	close(s.done)
	return nil
}

// post hands a mutation to the serialized event loop.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Session) watchConnectionState() {
	states, unsub := s.conns.SubscribeState()
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()

	for {
		select {
		case state := <-states:
			s.queue.SetConnected(state == connmgr.StateConnected)
		case <-s.done:
			return
		}
	}
}

func (s *Session) registerHandlers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs,
		s.conns.On(domain.FrameConversationMessage, s.onMessageFrame),
		s.conns.On(domain.FrameTypingIndicator, s.onTypingFrame),
		s.conns.On(domain.FrameReadReceipt, s.onReceiptFrame),
	)
}

func (s *Session) onMessageFrame(frame domain.Frame) {
	var event domain.MessageEvent
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		s.dropFrame(frame.Type, err)
		return
	}
	s.post(func() {
		s.chats.ApplyInboundEvent(event)
		if event.Action == domain.MessageActionDelete {
			s.reactions.ClearMessage(event.Message.ID)
		}
		s.notifyTimeline(event.Message.ConversationID)
	})
}

func (s *Session) onTypingFrame(frame domain.Frame) {
	var event domain.TypingEvent
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		s.dropFrame(frame.Type, err)
		return
	}
	if event.UserID == s.identity.UserID {
		return
	}
	s.typing.OnTypingEvent(event.ConversationID, event.UserID, event.IsTyping)
}

func (s *Session) onReceiptFrame(frame domain.Frame) {
	var event domain.ReceiptEvent
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		s.dropFrame(frame.Type, err)
		return
	}
	s.post(func() {
		s.chats.ApplyReadReceipt(domain.ReadReceipt{
			UserID:         event.UserID,
			MessageID:      event.MessageID,
			ConversationID: event.ConversationID,
			Timestamp:      event.Timestamp,
		})
		s.notifyTimeline(event.ConversationID)
	})
}

func (s *Session) dropFrame(frameType string, err error) {
	s.log.Warn("dropping malformed frame payload", "type", frameType,
		"error", fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err))
	metrics.FramesDropped.Inc()
}

func (s *Session) sendTyping(conversationID string, isTyping bool) {
	frame, err := domain.NewFrame(domain.FrameTypingIndicator, domain.TypingEvent{
		ConversationID: conversationID,
		UserID:         s.identity.UserID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return
	}
	if err := s.conns.Send(frame); err != nil {
		s.log.Debug("typing frame not sent", "error", err)
	}
}

// deliverQueued is the queue's sender: it performs the REST send carrying
// the temporary id so the server can echo it for reconciliation.
func (s *Session) deliverQueued(ctx context.Context, qm domain.QueuedMessage) (*domain.Message, error) {
	if s.conns.State() != connmgr.StateConnected {
		return nil, domain.ErrNotConnected
	}
	return s.restc.SendMessage(ctx, rest.SendMessageInput{
		ConversationID: qm.Payload.ConversationID,
		Content:        qm.Payload.Content,
		Type:           qm.Payload.Type,
		ClientID:       qm.ID,
		Metadata:       qm.Payload.Metadata,
	})
}

func (s *Session) onQueueConfirmed(qm domain.QueuedMessage, confirmed *domain.Message) {
	msg := *confirmed
	if msg.ClientID == "" {
		msg.ClientID = qm.ID
	}
	s.post(func() {
		s.chats.ReconcileConfirmed(qm.ID, msg)
		s.notifyTimeline(qm.Payload.ConversationID)
	})
}

func (s *Session) onQueueFailed(qm domain.QueuedMessage, err error) {
	s.post(func() {
		s.chats.MarkFailed(qm.ID)
		s.notifyTimeline(qm.Payload.ConversationID)
	})
}
