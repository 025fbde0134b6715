package session

import (
	"context"
	"sync"
	"time"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
)

// MemoryBackend implements Store in process memory.
//
// The backend mutex guards only the session and tombstone maps. Each
// session carries its own mutex, so chunk writes for different ids never
// wait on each other. Lock order is always entry before backend, or
// backend alone.
type MemoryBackend struct {
	sessions     map[string]*memoryEntry
	tombstones   map[string]time.Time
	ttl          time.Duration
	tombstoneTTL time.Duration
	clock        clock.Clock
	mu           sync.Mutex
	closed       bool
}

type memoryEntry struct {
	mu      sync.Mutex
	session *Session
	// gone is set once the entry was taken or expired. A writer holding
	// a stale pointer sees it and reports ErrSessionNotFound.
	gone bool
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock sets the time source used for expiry.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *MemoryBackend) {
		m.clock = c
	}
}

// NewMemoryBackend creates an in-memory store. A non-positive ttl disables
// lazy expiry; tombstoneTTL defaults to 2 × ttl.
func NewMemoryBackend(ttl, tombstoneTTL time.Duration, opts ...MemoryOption) *MemoryBackend {
	if tombstoneTTL <= 0 {
		tombstoneTTL = 2 * ttl
	}
	m := &MemoryBackend{
		sessions:     make(map[string]*memoryEntry),
		tombstones:   make(map[string]time.Time),
		ttl:          ttl,
		tombstoneTTL: tombstoneTTL,
		clock:        clock.Real(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PutChunk records one chunk, creating the session on first write.
func (m *MemoryBackend) PutChunk(ctx context.Context, w ChunkWrite) (*State, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStorageClosed
	}
	if _, dead := m.tombstones[w.SessionID]; dead {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	e, ok := m.sessions[w.SessionID]
	if !ok {
		e = &memoryEntry{session: &Session{
			ID:          w.SessionID,
			Operation:   w.Operation,
			TotalChunks: w.TotalChunks,
			Chunks:      make(map[int]string, w.TotalChunks),
			CreatedAt:   now,
			UpdatedAt:   now,
		}}
		m.sessions[w.SessionID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gone {
		return nil, ErrSessionNotFound
	}
	s := e.session
	if expired(s.UpdatedAt, now, m.ttl) {
		e.gone = true
		m.bury(w.SessionID, e, now)
		return nil, ErrSessionNotFound
	}
	if err := checkConsistency(s, w); err != nil {
		return nil, err
	}

	s.Chunks[w.Index] = w.Data
	s.UpdatedAt = now
	return s.State(), nil
}

// Take removes the session and returns it.
func (m *MemoryBackend) Take(ctx context.Context, sessionID string) (*Session, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStorageClosed
	}
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	m.tombstones[sessionID] = now
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gone {
		return nil, ErrSessionNotFound
	}
	e.gone = true
	if expired(e.session.UpdatedAt, now, m.ttl) {
		return nil, ErrSessionNotFound
	}
	return e.session.clone(), nil
}

// SweepExpired removes sessions idle for longer than ttl and forgets
// tombstones older than the tombstone retention.
func (m *MemoryBackend) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	type candidate struct {
		id    string
		entry *memoryEntry
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrStorageClosed
	}
	candidates := make([]candidate, 0, len(m.sessions))
	for id, e := range m.sessions {
		candidates = append(candidates, candidate{id: id, entry: e})
	}
	for id, buried := range m.tombstones {
		if now.Sub(buried) > m.tombstoneTTL {
			delete(m.tombstones, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		c.entry.mu.Lock()
		if !c.entry.gone && expired(c.entry.session.UpdatedAt, now, ttl) {
			c.entry.gone = true
			m.bury(c.id, c.entry, now)
			removed++
		}
		c.entry.mu.Unlock()
	}
	return removed, nil
}

// bury drops e from the live map and tombstones its id.
// Callers hold e.mu.
func (m *MemoryBackend) bury(id string, e *memoryEntry, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[id]; ok && cur == e {
		delete(m.sessions, id)
	}
	m.tombstones[id] = now
}

// Len returns the number of sessions not yet taken or swept.
func (m *MemoryBackend) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return len(m.sessions), nil
}

// Ping reports whether the backend is open.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close drops all sessions.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.sessions = make(map[string]*memoryEntry)
	m.tombstones = make(map[string]time.Time)
	return nil
}
