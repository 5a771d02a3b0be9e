// Package typing tracks who is currently typing per conversation, with
// automatic expiry, and debounces the local user's outbound typing signals.
package typing

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/time/rate"
)

const defaultExpiry = 3 * time.Second

type timerKey struct {
	conversationID string
	userID         string
}

// Aggregator maintains the per-conversation set of typing users. Entries
// expire after the configured timeout unless refreshed, guarding against
// clients that disconnect mid-type without sending a stop.
type Aggregator struct {
	expiry   time.Duration
	onChange func(conversationID string, users []string)

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	typing map[string]mapset.Set[string]
	closed bool
}

// NewAggregator builds an aggregator. onChange fires with the updated sorted
// user list whenever a conversation's typing set changes; it may be nil.
func NewAggregator(expiry time.Duration, onChange func(conversationID string, users []string)) *Aggregator {
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	return &Aggregator{
		expiry:   expiry,
		onChange: onChange,
		timers:   make(map[timerKey]*time.Timer),
		typing:   make(map[string]mapset.Set[string]),
	}
}

// OnTypingEvent applies an inbound typing event. A start (re)inserts the user
// with a fresh expiry timer, cancelling any previous timer for that user; a
// stop removes the user immediately.
func (a *Aggregator) OnTypingEvent(conversationID, userID string, isTyping bool) {
	key := timerKey{conversationID, userID}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if t, ok := a.timers[key]; ok {
		t.Stop()
		delete(a.timers, key)
	}

	users, ok := a.typing[conversationID]
	if !ok {
		users = mapset.NewSet[string]()
		a.typing[conversationID] = users
	}

	var changed bool
	if isTyping {
		changed = users.Add(userID)
		a.timers[key] = time.AfterFunc(a.expiry, func() {
			a.expire(conversationID, userID)
		})
	} else {
		changed = users.Contains(userID)
		users.Remove(userID)
	}
	snapshot := sortedSlice(users)
	a.mu.Unlock()

	if changed && a.onChange != nil {
		a.onChange(conversationID, snapshot)
	}
}

// expire removes a user whose indicator timed out without refresh or stop.
func (a *Aggregator) expire(conversationID, userID string) {
	key := timerKey{conversationID, userID}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.timers, key)
	users, ok := a.typing[conversationID]
	if !ok || !users.Contains(userID) {
		a.mu.Unlock()
		return
	}
	users.Remove(userID)
	snapshot := sortedSlice(users)
	a.mu.Unlock()

	if a.onChange != nil {
		a.onChange(conversationID, snapshot)
	}
}

// TypingUsers returns the sorted typing set for a conversation.
func (a *Aggregator) TypingUsers(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	users, ok := a.typing[conversationID]
	if !ok {
		return nil
	}
	return sortedSlice(users)
}

// Teardown cancels all timers for one conversation and clears its set, for
// conversation switches.
func (a *Aggregator) Teardown(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, t := range a.timers {
		if key.conversationID == conversationID {
			t.Stop()
			delete(a.timers, key)
		}
	}
	delete(a.typing, conversationID)
}

// Close cancels every timer. The aggregator ignores events afterwards, so no
// stale callback can mutate torn-down state.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for key, t := range a.timers {
		t.Stop()
		delete(a.timers, key)
	}
	a.typing = make(map[string]mapset.Set[string])
}

func sortedSlice(users mapset.Set[string]) []string {
	out := users.ToSlice()
	sort.Strings(out)
	return out
}

// Debouncer coalesces the local user's keystrokes into at most one typing
// start per refresh window plus one stop after input pauses.
type Debouncer struct {
	send func(isTyping bool)
	idle time.Duration

	mu      sync.Mutex
	limiter *rate.Limiter
	stop    *time.Timer
	active  bool
	closed  bool
}

// NewDebouncer builds a debouncer that calls send with the coalesced typing
// state. idle is both the refresh window for repeated starts and the pause
// after which a stop is emitted.
func NewDebouncer(idle time.Duration, send func(isTyping bool)) *Debouncer {
	if idle <= 0 {
		idle = 2 * time.Second
	}
	return &Debouncer{
		send:    send,
		idle:    idle,
		limiter: rate.NewLimiter(rate.Every(idle), 1),
	}
}

// Keystroke registers local input. The first keystroke (and at most one per
// window while typing continues) emits a start; the stop timer is re-armed on
// every call.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	emit := d.limiter.Allow()
	d.active = true
	if d.stop != nil {
		d.stop.Stop()
	}
	d.stop = time.AfterFunc(d.idle, d.pause)
	d.mu.Unlock()

	if emit {
		d.send(true)
	}
}

// Stop emits an immediate typing stop, e.g. when the message is sent or the
// input is cleared.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.closed || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	if d.stop != nil {
		d.stop.Stop()
		d.stop = nil
	}
	d.mu.Unlock()
	d.send(false)
}

func (d *Debouncer) pause() {
	d.mu.Lock()
	if d.closed || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.stop = nil
	d.mu.Unlock()
	d.send(false)
}

// Close cancels the pending stop timer without emitting anything.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.stop != nil {
		d.stop.Stop()
		d.stop = nil
	}
}
