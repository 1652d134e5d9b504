package internal

import (
	"sync"
	"time"
)

// typingTTL is how long a typing entry survives without a refresh. The
// server-side timer covers clients that disconnect without sending the
// stop signal.
const typingTTL = 2 * time.Second

// TypingTracker maintains the per-room set of users currently typing.
// Every observable change hands the full current set to onChange; the
// tracker never emits deltas.
type TypingTracker struct {
	mu       sync.Mutex
	emitMu   sync.Mutex
	rooms    map[string]map[string]*time.Timer
	ttl      time.Duration
	onChange func(roomID, userID string, typingSet []string)
}

func NewTypingTracker(onChange func(roomID, userID string, typingSet []string)) *TypingTracker {
	return &TypingTracker{
		rooms:    make(map[string]map[string]*time.Timer),
		ttl:      typingTTL,
		onChange: onChange,
	}
}

// Set records that userID started or stopped typing in roomID. Starting
// (re)arms the expiry timer; stopping removes the entry. onChange fires on
// every add, remove, and refresh so subscribers always see the full set.
func (t *TypingTracker) Set(roomID, userID string, typing bool) {
	t.mu.Lock()
	if typing {
		room := t.rooms[roomID]
		if room == nil {
			room = make(map[string]*time.Timer)
			t.rooms[roomID] = room
		}
		if timer, ok := room[userID]; ok {
			timer.Reset(t.ttl)
		} else {
			room[userID] = time.AfterFunc(t.ttl, func() {
				t.expire(roomID, userID)
			})
		}
		t.emitAndUnlock(roomID, userID)
		return
	}
	if !t.removeLocked(roomID, userID) {
		t.mu.Unlock()
		return
	}
	t.emitAndUnlock(roomID, userID)
}

// emitAndUnlock snapshots the set and delivers it to onChange. The caller
// holds t.mu; the emit lock is acquired before t.mu is released, so
// snapshots go out in mutation order and a stale set can never be the
// last broadcast.
func (t *TypingTracker) emitAndUnlock(roomID, userID string) {
	set := t.setLocked(roomID)
	t.emitMu.Lock()
	t.mu.Unlock()
	t.onChange(roomID, userID, set)
	t.emitMu.Unlock()
}

// Remove drops userID from roomID's typing set, as when the user leaves the
// room or disconnects. A user absent from the room registry must never
// appear in that room's typing set.
func (t *TypingTracker) Remove(roomID, userID string) {
	t.mu.Lock()
	if !t.removeLocked(roomID, userID) {
		t.mu.Unlock()
		return
	}
	t.emitAndUnlock(roomID, userID)
}

// TypingSet returns the current set for a room.
func (t *TypingTracker) TypingSet(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(roomID)
}

func (t *TypingTracker) expire(roomID, userID string) {
	t.mu.Lock()
	if !t.removeLocked(roomID, userID) {
		t.mu.Unlock()
		return
	}
	t.emitAndUnlock(roomID, userID)
}

func (t *TypingTracker) removeLocked(roomID, userID string) bool {
	room := t.rooms[roomID]
	timer, ok := room[userID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

func (t *TypingTracker) setLocked(roomID string) []string {
	room := t.rooms[roomID]
	set := make(map[string]struct{}, len(room))
	for id := range room {
		set[id] = struct{}{}
	}
	return sortedSet(set)
}
