// Package reactions keeps an optimistic overlay of not-yet-confirmed reaction
// changes, merged over server-confirmed state on reads and cleared as
// confirmations (or failures) arrive.
package reactions

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"chatlink/internal/domain"
)

type pairKey struct {
	messageID string
	kind      string
	userID    string
}

// Tracker records pending reaction operations per (message, kind, user).
// Operations queue in order, so a rapid add-then-remove shows as removed
// locally and collapses to no net reaction once both confirmations land.
type Tracker struct {
	mu      sync.Mutex
	pending map[pairKey][]bool // true = add, false = remove, oldest first
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[pairKey][]bool)}
}

// OptimisticAdd records a local reaction add awaiting confirmation.
func (t *Tracker) OptimisticAdd(messageID, kind, userID string) {
	t.push(pairKey{messageID, kind, userID}, true)
}

// OptimisticRemove records a local reaction removal awaiting confirmation.
func (t *Tracker) OptimisticRemove(messageID, kind, userID string) {
	t.push(pairKey{messageID, kind, userID}, false)
}

func (t *Tracker) push(key pairKey, add bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[key] = append(t.pending[key], add)
}

// Confirm clears the oldest pending operation for the pair; the server's
// confirmed state now covers it.
func (t *Tracker) Confirm(messageID, kind, userID string) {
	t.pop(pairKey{messageID, kind, userID})
}

// Fail discards the oldest pending operation for the pair after an explicit
// failure, reverting the read view to confirmed state.
func (t *Tracker) Fail(messageID, kind, userID string) {
	t.pop(pairKey{messageID, kind, userID})
}

func (t *Tracker) pop(key pairKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops, ok := t.pending[key]
	if !ok {
		return
	}
	if len(ops) <= 1 {
		delete(t.pending, key)
		return
	}
	t.pending[key] = ops[1:]
}

// ClearMessage drops every pending operation for a deleted message.
func (t *Tracker) ClearMessage(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.pending {
		if key.messageID == messageID {
			delete(t.pending, key)
		}
	}
}

// HasPending reports whether anything is awaiting confirmation for a message.
func (t *Tracker) HasPending(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.pending {
		if key.messageID == messageID {
			return true
		}
	}
	return false
}

// Merge returns a copy of msg whose reactions are the union of the confirmed
// state and the pending overlay: the newest pending operation per
// (kind, user) wins over the server set.
func (t *Tracker) Merge(msg domain.Message) domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	relevant := make(map[pairKey]bool)
	for key, ops := range t.pending {
		if key.messageID == msg.ID {
			relevant[key] = ops[len(ops)-1]
		}
	}
	if len(relevant) == 0 {
		return msg
	}

	merged := make(map[string]mapset.Set[string], len(msg.Reactions))
	for kind, users := range msg.Reactions {
		merged[kind] = mapset.NewSet(users...)
	}
	for key, add := range relevant {
		users, ok := merged[key.kind]
		if !ok {
			users = mapset.NewSet[string]()
			merged[key.kind] = users
		}
		if add {
			users.Add(key.userID)
		} else {
			users.Remove(key.userID)
		}
	}

	out := msg
	out.Reactions = make(map[string][]string, len(merged))
	for kind, users := range merged {
		if users.Cardinality() == 0 {
			continue
		}
		slice := users.ToSlice()
		sort.Strings(slice)
		out.Reactions[kind] = slice
	}
	if len(out.Reactions) == 0 {
		out.Reactions = nil
	}
	return out
}
