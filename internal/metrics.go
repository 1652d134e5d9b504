package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	signups     atomic.Uint64
	logins      atomic.Uint64
	messages    atomic.Uint64
	reads       atomic.Uint64
	pollFetches atomic.Uint64
	activeConns atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) IncRead() {
	m.reads.Add(1)
}

func (m *Metrics) IncPollFetch() {
	m.pollFetches.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"signups_total":      m.signups.Load(),
		"logins_total":       m.logins.Load(),
		"messages_total":     m.messages.Load(),
		"reads_total":        m.reads.Load(),
		"poll_fetches_total": m.pollFetches.Load(),
		"active_connections": m.activeConns.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
