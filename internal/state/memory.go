package state

import (
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	stats   Stats
	ready   bool
	closing bool
}

// NewMemory returns a process local store.
func NewMemory() Store { return newMemoryStore() }

func newMemoryStore() *memoryStore {
	return &memoryStore{stats: Stats{Connection: "connecting"}}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) SetTunnel(t Tunnel) {
	m.mu.Lock()
	m.stats.Tunnel = t
	m.mu.Unlock()
}

func (m *memoryStore) SetConnection(state string, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Connection = state
	m.stats.Generation = generation
	if state == "open" {
		m.stats.ConnectedAt = time.Now().UTC()
	}
	m.ready = state == "open"
}

func (m *memoryStore) RecordForward(status int) {
	m.mu.Lock()
	m.stats.Forwarded++
	if status >= 500 {
		m.stats.Failed++
	}
	m.stats.LastStatus = status
	m.mu.Unlock()
}

func (m *memoryStore) RecordRejected()  { m.mu.Lock(); m.stats.Rejected++; m.mu.Unlock() }
func (m *memoryStore) RecordDropped()   { m.mu.Lock(); m.stats.Dropped++; m.mu.Unlock() }
func (m *memoryStore) RecordReconnect() { m.mu.Lock(); m.stats.Reconnects++; m.mu.Unlock() }

func (m *memoryStore) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *memoryStore) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }

func (m *memoryStore) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Now = time.Now().UTC().Format(time.RFC3339)
	return s
}

func (m *memoryStore) Close() error { return nil }
