package internal

import "sync"

// PresenceTracker keeps counts of active websocket connections per user. A
// user is online while at least one connection is open, so a second tab
// never flips presence and closing one of two tabs keeps the user online.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]int)}
}

// Increment records a new connection and reports whether the user just came
// online (first connection).
func (p *PresenceTracker) Increment(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return p.online[userID] == 1
}

// Decrement records a closed connection and reports whether the user just
// went offline (last connection).
func (p *PresenceTracker) Decrement(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.online[userID]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(p.online, userID)
		return true
	}
	p.online[userID] = count - 1
	return false
}

// Online reports whether the user has at least one live connection.
func (p *PresenceTracker) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID] > 0
}

// Snapshot returns the full sorted set of online user ids. The server
// broadcasts this as one atomic state, never as deltas.
func (p *PresenceTracker) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[string]struct{}, len(p.online))
	for id := range p.online {
		set[id] = struct{}{}
	}
	return sortedSet(set)
}

// ActiveCount returns how many distinct users are online.
func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}
