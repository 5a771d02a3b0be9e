// Package queue implements the durable offline send queue: a per-conversation
// FIFO of outbound messages that survives restarts, drains when connectivity
// returns and retries failed sends up to a bounded budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatlink/internal/domain"
	"chatlink/internal/kv"
	"chatlink/internal/logx"
	"chatlink/internal/metrics"
	"chatlink/internal/security"
)

// Sender attempts delivery of one queued message and returns the confirmed
// message from the server.
type Sender interface {
	SendQueued(ctx context.Context, q domain.QueuedMessage) (*domain.Message, error)
}

// Callbacks notify the owner about terminal queue outcomes. Both are invoked
// from drain goroutines.
type Callbacks struct {
	OnConfirmed func(q domain.QueuedMessage, confirmed *domain.Message)
	OnFailed    func(q domain.QueuedMessage, err error)
}

// Options tune the queue.
type Options struct {
	MaxRetries  int
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

const (
	defaultMaxRetries  = 5
	defaultRetryDelay  = 2 * time.Second
	defaultSendTimeout = 15 * time.Second

	activePrefix = "queue:"
	failedPrefix = "failed:"
)

// record is the persisted form of a queue entry.
type record struct {
	domain.QueuedMessage
	NotBefore time.Time `json:"notBefore,omitempty"`
	seq       int64
}

// Queue is the durable offline send queue. It is the single writer of its
// portion of the kv store; readers may inspect entries for status display.
type Queue struct {
	store     kv.Store
	encryptor *security.Encryptor
	sender    Sender
	callbacks Callbacks
	opts      Options
	log       *slog.Logger

	mu        sync.Mutex
	active    map[string][]*record // conversationID -> FIFO order
	failed    map[string][]*record // permanent failures, retryable by the user
	draining  map[string]bool
	connected bool
	closed    bool
	stopCh    chan struct{}
}

// New builds the queue and reloads any entries persisted by a previous run.
func New(store kv.Store, encryptor *security.Encryptor, sender Sender, callbacks Callbacks, opts Options) (*Queue, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	q := &Queue{
		store:     store,
		encryptor: encryptor,
		sender:    sender,
		callbacks: callbacks,
		opts:      opts,
		log:       logx.For("queue"),
		active:    make(map[string][]*record),
		failed:    make(map[string][]*record),
		draining:  make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
	if err := q.reload(); err != nil {
		return nil, fmt.Errorf("reload queue: %w", err)
	}
	q.updateDepth()
	return q, nil
}

// Enqueue persists a queued message and returns it with a fresh temporary id.
// Delivery is attempted immediately when connected.
func (q *Queue) Enqueue(payload domain.QueuePayload) (domain.QueuedMessage, error) {
	if payload.ConversationID == "" {
		return domain.QueuedMessage{}, fmt.Errorf("%w: missing conversation id", domain.ErrInvalidInput)
	}
	if payload.Content == "" {
		return domain.QueuedMessage{}, fmt.Errorf("%w: empty content", domain.ErrInvalidInput)
	}
	if payload.Type == "" {
		payload.Type = domain.MessageText
	}

	rec := &record{
		QueuedMessage: domain.QueuedMessage{
			ID:         "tmp-" + uuid.NewString(),
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		},
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.QueuedMessage{}, domain.ErrClosed
	}
	rec.seq = q.nextSeqLocked(payload.ConversationID)
	if err := q.persistLocked(activePrefix, rec); err != nil {
		q.mu.Unlock()
		return domain.QueuedMessage{}, err
	}
	q.active[payload.ConversationID] = append(q.active[payload.ConversationID], rec)
	connected := q.connected
	q.mu.Unlock()

	q.updateDepth()
	if connected {
		q.kickDrain(payload.ConversationID)
	}
	return rec.QueuedMessage, nil
}

// Retry re-queues a permanently failed entry at the head of its conversation's
// queue for an immediate attempt, resetting its retry count.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	var rec *record
	var convID string
	for conv, entries := range q.failed {
		for i, e := range entries {
			if e.ID == id {
				rec = e
				convID = conv
				q.failed[conv] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if rec != nil {
			break
		}
	}
	if rec == nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: queued message %s", domain.ErrNotFound, id)
	}

	_ = q.store.Delete(q.keyFor(failedPrefix, convID, rec.seq))
	rec.RetryCount = 0
	rec.FailedAt = nil
	rec.LastError = ""
	rec.NotBefore = time.Time{}
	rec.seq = q.headSeqLocked(convID)
	if err := q.persistLocked(activePrefix, rec); err != nil {
		q.mu.Unlock()
		return err
	}
	q.active[convID] = append([]*record{rec}, q.active[convID]...)
	connected := q.connected
	q.mu.Unlock()

	q.updateDepth()
	if connected {
		q.kickDrain(convID)
	}
	return nil
}

// SetConnected feeds connectivity transitions; going online triggers a drain
// of every conversation with pending entries.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	q.connected = connected
	var convs []string
	if connected {
		for conv, entries := range q.active {
			if len(entries) > 0 {
				convs = append(convs, conv)
			}
		}
	}
	q.mu.Unlock()

	for _, conv := range convs {
		q.kickDrain(conv)
	}
}

// Entries returns the pending entries for a conversation in FIFO order.
func (q *Queue) Entries(conversationID string) []domain.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedMessage, 0, len(q.active[conversationID]))
	for _, rec := range q.active[conversationID] {
		out = append(out, rec.QueuedMessage)
	}
	return out
}

// FailedEntries returns the permanently failed entries for a conversation.
func (q *Queue) FailedEntries(conversationID string) []domain.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedMessage, 0, len(q.failed[conversationID]))
	for _, rec := range q.failed[conversationID] {
		out = append(out, rec.QueuedMessage)
	}
	return out
}

// Depth returns the total number of pending entries across conversations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, entries := range q.active {
		n += len(entries)
	}
	return n
}

// Close stops drain loops. Persisted entries remain for the next run.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.stopCh)
	return nil
}

// kickDrain starts the drain goroutine for a conversation unless one is
// already running. One in-flight send per conversation preserves ordering.
func (q *Queue) kickDrain(conversationID string) {
	q.mu.Lock()
	if q.closed || q.draining[conversationID] {
		q.mu.Unlock()
		return
	}
	q.draining[conversationID] = true
	q.mu.Unlock()
	go q.drain(conversationID)
}

func (q *Queue) drain(conversationID string) {
	defer func() {
		q.mu.Lock()
		q.draining[conversationID] = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if q.closed || !q.connected {
			q.mu.Unlock()
			return
		}
		entries := q.active[conversationID]
		if len(entries) == 0 {
			q.mu.Unlock()
			return
		}
		rec := entries[0]
		q.mu.Unlock()

		if wait := time.Until(rec.NotBefore); wait > 0 {
			select {
			case <-time.After(wait):
			case <-q.stopCh:
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.opts.SendTimeout)
		confirmed, err := q.sender.SendQueued(ctx, rec.QueuedMessage)
		cancel()

		switch {
		case err == nil:
			q.removeHead(conversationID, rec)
			metrics.MessagesSent.Inc()
			if q.callbacks.OnConfirmed != nil {
				q.callbacks.OnConfirmed(rec.QueuedMessage, confirmed)
			}
		case retryable(err):
			q.requeueAtTail(conversationID, rec, err)
		default:
			// server rejection or auth failure: no automatic retry
			q.moveToFailed(conversationID, rec, err)
		}
		q.updateDepth()
	}
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrTransport) ||
		errors.Is(err, domain.ErrNetworkUnavailable) ||
		errors.Is(err, domain.ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (q *Queue) removeHead(conversationID string, rec *record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.active[conversationID]
	if len(entries) > 0 && entries[0] == rec {
		q.active[conversationID] = entries[1:]
	}
	_ = q.store.Delete(q.keyFor(activePrefix, conversationID, rec.seq))
}

// requeueAtTail increments the retry count and places the entry back at the
// tail with a delay, or moves it to the permanent-failure list once the
// budget is spent.
func (q *Queue) requeueAtTail(conversationID string, rec *record, cause error) {
	q.mu.Lock()
	entries := q.active[conversationID]
	if len(entries) == 0 || entries[0] != rec {
		q.mu.Unlock()
		return
	}
	q.active[conversationID] = entries[1:]
	_ = q.store.Delete(q.keyFor(activePrefix, conversationID, rec.seq))

	rec.RetryCount++
	if rec.RetryCount >= q.opts.MaxRetries {
		q.mu.Unlock()
		q.recordFailure(conversationID, rec, cause, false)
		return
	}

	rec.LastError = cause.Error()
	rec.NotBefore = time.Now().Add(q.opts.RetryDelay)
	rec.seq = q.nextSeqLocked(conversationID)
	if err := q.persistLocked(activePrefix, rec); err != nil {
		q.log.Error("persist retried entry", "id", rec.ID, "error", err)
	}
	q.active[conversationID] = append(q.active[conversationID], rec)
	q.mu.Unlock()

	q.log.Info("send failed, retrying", "id", rec.ID, "retryCount", rec.RetryCount, "error", cause)
}

func (q *Queue) moveToFailed(conversationID string, rec *record, cause error) {
	q.mu.Lock()
	entries := q.active[conversationID]
	if len(entries) > 0 && entries[0] == rec {
		q.active[conversationID] = entries[1:]
	}
	_ = q.store.Delete(q.keyFor(activePrefix, conversationID, rec.seq))
	q.mu.Unlock()
	q.recordFailure(conversationID, rec, cause, true)
}

// recordFailure records a permanent failure. The entry stays visible and
// user-retryable but is never auto-retried again.
func (q *Queue) recordFailure(conversationID string, rec *record, cause error, rejected bool) {
	now := time.Now().UTC()
	rec.FailedAt = &now
	rec.LastError = cause.Error()
	rec.NotBefore = time.Time{}

	q.mu.Lock()
	if err := q.persistLocked(failedPrefix, rec); err != nil {
		q.log.Error("persist failed entry", "id", rec.ID, "error", err)
	}
	q.failed[conversationID] = append(q.failed[conversationID], rec)
	q.mu.Unlock()

	metrics.QueuePermanentFailures.Inc()
	if rejected {
		q.log.Warn("send rejected", "id", rec.ID, "error", cause)
	} else {
		q.log.Warn("retry budget exhausted", "id", rec.ID, "retries", rec.RetryCount)
	}
	if q.callbacks.OnFailed != nil {
		q.callbacks.OnFailed(rec.QueuedMessage, cause)
	}
}

func (q *Queue) nextSeqLocked(conversationID string) int64 {
	seq := time.Now().UTC().UnixNano()
	entries := q.active[conversationID]
	if len(entries) > 0 && entries[len(entries)-1].seq >= seq {
		seq = entries[len(entries)-1].seq + 1
	}
	return seq
}

func (q *Queue) headSeqLocked(conversationID string) int64 {
	entries := q.active[conversationID]
	if len(entries) == 0 {
		return time.Now().UTC().UnixNano()
	}
	return entries[0].seq - 1
}

// Key format: queue:<conversationID>:<zero-padded seq> so lexicographic order
// matches enqueue order.
func (q *Queue) keyFor(prefix, conversationID string, seq int64) string {
	return fmt.Sprintf("%s%s:%020d", prefix, conversationID, seq)
}

func (q *Queue) persistLocked(prefix string, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	if q.encryptor != nil {
		enc, err := q.encryptor.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("encrypt queue entry: %w", err)
		}
		raw = []byte(enc)
	}
	return q.store.Set(q.keyFor(prefix, rec.Payload.ConversationID, rec.seq), raw)
}

func (q *Queue) reload() error {
	load := func(prefix string, into map[string][]*record) error {
		entries, err := q.store.List(prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			raw := e.Value
			if q.encryptor != nil {
				plain, err := q.encryptor.Decrypt(string(raw))
				if err != nil {
					q.log.Warn("dropping undecryptable queue entry", "key", e.Key)
					_ = q.store.Delete(e.Key)
					continue
				}
				raw = plain
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				q.log.Warn("dropping unreadable queue entry", "key", e.Key)
				_ = q.store.Delete(e.Key)
				continue
			}
			rec.seq = seqFromKey(e.Key)
			conv := rec.Payload.ConversationID
			into[conv] = append(into[conv], &rec)
		}
		return nil
	}
	if err := load(activePrefix, q.active); err != nil {
		return err
	}
	return load(failedPrefix, q.failed)
}

func seqFromKey(key string) int64 {
	var seq int64
	if i := len(key) - 20; i > 0 {
		_, _ = fmt.Sscanf(key[i:], "%d", &seq)
	}
	return seq
}

func (q *Queue) updateDepth() {
	metrics.QueueDepth.Set(float64(q.Depth()))
}
