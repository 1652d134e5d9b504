package internal

import (
	"strings"

	"github.com/google/uuid"
)

// tempIDPrefix marks optimistic local entries. Server ids are plain uuids,
// so the two namespaces can never collide.
const tempIDPrefix = "local-"

// NewTempID mints an identifier for an optimistic entry.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether the id belongs to the optimistic namespace.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// mergeResult describes what a canonical merge did to the timeline.
type mergeResult int

const (
	mergeIgnored  mergeResult = iota // already known; read set unioned
	mergeReplaced                    // swapped in for a pending optimistic entry
	mergeInserted                    // new entry at its sorted position
)

// Timeline is the per-room reconciled message list. Three sources feed it:
// optimistic local inserts, push-delivered events, and poll snapshots. The
// merge is idempotent and commutative across repeated delivery of the same
// canonical message, so the two server-driven paths can race freely.
//
// Timeline is not safe for concurrent use; the engine serializes all access
// through its single ops queue.
type Timeline struct {
	messages []*Message
	byID     map[string]*Message
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]*Message)}
}

// Len returns the number of entries, pending optimistic ones included.
func (t *Timeline) Len() int {
	return len(t.messages)
}

// Messages returns a copy of the current ordered list.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.messages))
	for i, msg := range t.messages {
		out[i] = *msg
	}
	return out
}

// Get returns the entry with the given id, or nil.
func (t *Timeline) Get(id string) *Message {
	return t.byID[id]
}

// InsertOptimistic appends a provisional entry keyed by its temp id. The
// entry stays at this position when the canonical message replaces it, so
// the UI never visibly reorders a send.
func (t *Timeline) InsertOptimistic(msg *Message) {
	if !IsTempID(msg.ID) || t.byID[msg.ID] != nil {
		return
	}
	clone := *msg
	t.messages = append(t.messages, &clone)
	t.byID[clone.ID] = &clone
}

// Rollback removes a failed optimistic entry and returns it so the caller
// can restore the compose input. Returns nil when the temp id is unknown.
func (t *Timeline) Rollback(tempID string) *Message {
	removed := t.byID[tempID]
	if removed == nil {
		return nil
	}
	delete(t.byID, tempID)
	for i, msg := range t.messages {
		if msg.ID == tempID {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			break
		}
	}
	return removed
}

// Resolve swaps the optimistic entry for the canonical message at the same
// list position. If a push or poll already delivered the canonical message,
// the leftover temp entry is dropped instead, keeping the list length right.
func (t *Timeline) Resolve(tempID string, canonical *Message) {
	if existing := t.byID[canonical.ID]; existing != nil {
		// the canonical entry raced ahead of the persist response.
		t.Rollback(tempID)
		unionReadBy(existing, canonical.ReadBy)
		return
	}
	temp := t.byID[tempID]
	if temp == nil {
		t.Merge(canonical)
		return
	}
	delete(t.byID, tempID)
	clone := *canonical
	for i, msg := range t.messages {
		if msg.ID == tempID {
			t.messages[i] = &clone
			break
		}
	}
	t.byID[clone.ID] = &clone
}

// Merge applies one canonical message from either the push or the poll
// path. Known ids only union their read sets; a matching pending optimistic
// entry is replaced in place; anything else is inserted at its sorted
// (createdAt, id) position, since batches can run ahead of or behind pushes.
func (t *Timeline) Merge(canonical *Message) mergeResult {
	if existing := t.byID[canonical.ID]; existing != nil {
		unionReadBy(existing, canonical.ReadBy)
		return mergeIgnored
	}
	if i := t.matchPending(canonical); i >= 0 {
		temp := t.messages[i]
		delete(t.byID, temp.ID)
		clone := *canonical
		t.messages[i] = &clone
		t.byID[clone.ID] = &clone
		return mergeReplaced
	}
	clone := *canonical
	t.insertSorted(&clone)
	t.byID[clone.ID] = &clone
	return mergeInserted
}

// MergeBatch applies a poll snapshot and returns how many entries were new.
func (t *Timeline) MergeBatch(batch []*Message) int {
	added := 0
	for _, msg := range batch {
		if result := t.Merge(msg); result != mergeIgnored {
			added++
		}
	}
	return added
}

// ApplyRead grows the read set of a message. The set is monotonic: entries
// are only ever added, so repeated or stale updates are harmless.
func (t *Timeline) ApplyRead(messageID string, readBy []string) bool {
	msg := t.byID[messageID]
	if msg == nil {
		return false
	}
	return unionReadBy(msg, readBy)
}

func (t *Timeline) matchPending(canonical *Message) int {
	for i, msg := range t.messages {
		if !IsTempID(msg.ID) {
			continue
		}
		if msg.SenderID == canonical.SenderID &&
			msg.Content == canonical.Content &&
			msg.AttachmentRef == canonical.AttachmentRef {
			return i
		}
	}
	return -1
}

func (t *Timeline) insertSorted(msg *Message) {
	// walk back from the end; poll backfills are rare and near the tail.
	i := len(t.messages)
	for i > 0 && msg.Before(t.messages[i-1]) {
		i--
	}
	t.messages = append(t.messages, nil)
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
}

func unionReadBy(msg *Message, readBy []string) bool {
	changed := false
	for _, id := range readBy {
		if !msg.ReadByContains(id) {
			msg.ReadBy = append(msg.ReadBy, id)
			changed = true
		}
	}
	return changed
}
