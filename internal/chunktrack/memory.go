// internal/chunktrack/memory.go
// Package chunktrack records which chunks of an upload session have been
// received. It answers presence and progress questions without ever reading
// chunk payloads; byte storage lives in chunkio.
package chunktrack

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned by MarkUploaded when no tracking state
// exists for the session: it was never created, already cleaned up after
// completion, or its TTL lapsed. The caller must treat the session as gone.
var ErrSessionNotFound = errors.New("session tracking not found")

// ChunkMeta carries per-chunk bookkeeping recorded alongside the presence flag.
type ChunkMeta struct {
	Size       int64     // Chunk payload size in bytes
	MD5        string    // Hex MD5 of the payload, recorded for diagnostics
	UploadedAt time.Time // When the chunk write landed
}

// Progress summarizes how far an upload session has gotten.
// Uploaded and Missing are ascending and together cover 1..TotalChunks exactly.
type Progress struct {
	TotalChunks   int   // Chunks the session expects
	UploadedCount int   // Distinct chunks marked so far
	Uploaded      []int // Chunk numbers present
	Missing       []int // Chunk numbers still needed
}

// IsComplete reports whether every expected chunk has been marked.
func (p *Progress) IsComplete() bool {
	return p.TotalChunks > 0 && p.UploadedCount == p.TotalChunks
}

// Percent returns upload progress as a percentage rounded to two decimals.
func (p *Progress) Percent() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	pct := float64(p.UploadedCount) / float64(p.TotalChunks) * 100
	return float64(int(pct*100+0.5)) / 100
}

// Tracker is the chunk presence store for upload sessions.
// Implementations must make MarkUploaded atomic: under concurrent duplicate
// submissions of the same chunk exactly one caller observes wasNew=true.
type Tracker interface {
	// CreateSession establishes zero-progress tracking state with an expiry.
	// Idempotent: creating a session that already exists is a no-op.
	CreateSession(ctx context.Context, sessionID string, ttl time.Duration) error

	// MarkUploaded flags a chunk as received and refreshes the session TTL.
	// Returns true when this call was the first to store the chunk, and
	// ErrSessionNotFound when the session's tracking state is gone.
	MarkUploaded(ctx context.Context, sessionID string, chunkNumber int, meta ChunkMeta, ttl time.Duration) (bool, error)

	// IsUploaded reports whether a chunk has been marked without mutating state.
	IsUploaded(ctx context.Context, sessionID string, chunkNumber int) (bool, error)

	// UploadedCount returns the distinct chunks marked so far. Cheaper than
	// Progress on the hot accept path because it never walks the chunk set.
	UploadedCount(ctx context.Context, sessionID string) (int, error)

	// Progress computes the uploaded and missing chunk sets for a session.
	Progress(ctx context.Context, sessionID string, totalChunks int) (*Progress, error)

	// RetryCount returns how many duplicate submissions the session has seen.
	RetryCount(ctx context.Context, sessionID string) (int, error)

	// Clear removes all bookkeeping for a session. Safe to call repeatedly;
	// clearing an unknown session is not an error.
	Clear(ctx context.Context, sessionID string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing connection, if any.
	Close() error
}

// trackState is the in-memory bookkeeping for one session.
type trackState struct {
	chunks   map[int]ChunkMeta // Chunk number to recorded metadata
	retries  int               // Duplicate submissions observed
	deadline time.Time         // When this state may be dropped
}

// memory implements Tracker with process-local state.
// It's intended for development and testing purposes.
type memory struct {
	mu       sync.Mutex             // Protects sessions
	sessions map[string]*trackState // Map of session ID to bookkeeping
}

// NewMemory creates a new in-memory chunk tracker.
func NewMemory() Tracker {
	return &memory{sessions: make(map[string]*trackState)}
}

// state returns live bookkeeping for a session, dropping it lazily once the
// TTL deadline has passed.
func (m *memory) state(sessionID string) *trackState {
	st, exists := m.sessions[sessionID]
	if !exists {
		return nil
	}
	if time.Now().After(st.deadline) {
		delete(m.sessions, sessionID)
		return nil
	}
	return st
}

func (m *memory) CreateSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.state(sessionID); st != nil {
		return nil
	}

	m.sessions[sessionID] = &trackState{
		chunks:   make(map[int]ChunkMeta),
		deadline: time.Now().Add(ttl),
	}
	return nil
}

func (m *memory) MarkUploaded(ctx context.Context, sessionID string, chunkNumber int, meta ChunkMeta, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(sessionID)
	if st == nil {
		return false, ErrSessionNotFound
	}
	st.deadline = time.Now().Add(ttl)

	if _, exists := st.chunks[chunkNumber]; exists {
		st.retries++
		return false, nil
	}

	st.chunks[chunkNumber] = meta
	return true, nil
}

func (m *memory) IsUploaded(ctx context.Context, sessionID string, chunkNumber int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(sessionID)
	if st == nil {
		return false, nil
	}
	_, exists := st.chunks[chunkNumber]
	return exists, nil
}

func (m *memory) UploadedCount(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(sessionID)
	if st == nil {
		return 0, nil
	}
	return len(st.chunks), nil
}

func (m *memory) Progress(ctx context.Context, sessionID string, totalChunks int) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := &Progress{
		TotalChunks: totalChunks,
		Uploaded:    make([]int, 0, totalChunks),
		Missing:     make([]int, 0),
	}

	st := m.state(sessionID)
	for n := 1; n <= totalChunks; n++ {
		present := false
		if st != nil {
			_, present = st.chunks[n]
		}
		if present {
			progress.Uploaded = append(progress.Uploaded, n)
		} else {
			progress.Missing = append(progress.Missing, n)
		}
	}
	progress.UploadedCount = len(progress.Uploaded)

	return progress, nil
}

func (m *memory) RetryCount(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(sessionID)
	if st == nil {
		return 0, nil
	}
	return st.retries, nil
}

func (m *memory) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

func (m *memory) Ping(ctx context.Context) error {
	return nil
}

func (m *memory) Close() error {
	return nil
}
