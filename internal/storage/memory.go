// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a write loses a state race or duplicates a key
)

// Store interface defines the storage operations required by the ingest service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Session operations for the chunked upload lifecycle
	CreateSession(ctx context.Context, session model.UploadSession) error                                     // Create a new upload session
	GetSession(ctx context.Context, id string) (*model.UploadSession, error)                                  // Get a session by ID
	TransitionSession(ctx context.Context, id string, from, to model.SessionStatus) error                     // Compare-and-set status change
	ListExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.UploadSession, error)       // Sessions past their deadline, still pending or uploading
	ListStaleAssembling(ctx context.Context, before time.Time, limit int) ([]model.UploadSession, error)       // Assembling sessions untouched since before; crashed mid-assembly

	// Video operations for artifact records
	CreateVideo(ctx context.Context, video model.Video) error                 // Create a new video record
	GetVideo(ctx context.Context, id string) (*model.Video, error)            // Get a video by ID
	UpdateVideo(ctx context.Context, video model.Video) error                 // Replace a video record after assembly
	UpdateVideoStatus(ctx context.Context, id string, status model.VideoStatus) error // Change only the processing status

	// Metrics operations for upload reporting
	CreateUploadMetric(ctx context.Context, metric model.UploadMetric) error            // Record one finished upload
	ListUploadMetrics(ctx context.Context, limit int) ([]model.UploadMetric, error)     // Most recent rows, newest first

	// Ping verifies the backend is reachable; used by readiness probes
	Ping(ctx context.Context) error
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu       sync.RWMutex                     // Protects concurrent access to maps
	sessions map[string]*model.UploadSession  // Map of session ID to session
	videos   map[string]*model.Video          // Map of video ID to video
	metrics  []model.UploadMetric             // Append-only metric rows, oldest first
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		sessions: make(map[string]*model.UploadSession),
		videos:   make(map[string]*model.Video),
	}
}

func (m *memory) CreateSession(ctx context.Context, session model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrConflict
	}

	sessionCopy := session
	m.sessions[session.ID] = &sessionCopy
	return nil
}

func (m *memory) GetSession(ctx context.Context, id string) (*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}

	sessionCopy := *session
	return &sessionCopy, nil
}

// TransitionSession changes a session status only when the current status
// matches the expected one. Returns ErrConflict when the session has moved
// on, which is how concurrent complete calls and the sweeper are serialized.
func (m *memory) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return ErrNotFound
	}

	if session.Status != from {
		return ErrConflict
	}

	session.Status = to
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) ListExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	expired := make([]model.UploadSession, 0)
	for _, session := range m.sessions {
		// Only sessions the sweeper's CAS could still move
		if !session.Status.CanTransition(model.SessionExpired) {
			continue
		}
		if session.ExpiresAt.Before(cutoff) {
			expired = append(expired, *session)
		}
	}

	// Oldest deadline first for stable sweep order
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	return expired, nil
}

// ListStaleAssembling returns sessions stuck in assembling whose last status
// change predates the cutoff. A live assembly updates the row when it starts,
// so anything this old belongs to a process that died mid-assembly.
func (m *memory) ListStaleAssembling(ctx context.Context, before time.Time, limit int) ([]model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stale := make([]model.UploadSession, 0)
	for _, session := range m.sessions {
		if session.Status != model.SessionAssembling {
			continue
		}
		if session.UpdatedAt.Before(before) {
			stale = append(stale, *session)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	return stale, nil
}

func (m *memory) CreateVideo(ctx context.Context, video model.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.videos[video.ID]; exists {
		return ErrConflict
	}

	videoCopy := video
	m.videos[video.ID] = &videoCopy
	return nil
}

func (m *memory) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	video, exists := m.videos[id]
	if !exists {
		return nil, ErrNotFound
	}

	videoCopy := *video
	return &videoCopy, nil
}

func (m *memory) UpdateVideo(ctx context.Context, video model.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.videos[video.ID]; !exists {
		return ErrNotFound
	}

	videoCopy := video
	m.videos[video.ID] = &videoCopy
	return nil
}

func (m *memory) UpdateVideoStatus(ctx context.Context, id string, status model.VideoStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	video, exists := m.videos[id]
	if !exists {
		return ErrNotFound
	}

	video.Status = status
	return nil
}

func (m *memory) CreateUploadMetric(ctx context.Context, metric model.UploadMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = append(m.metrics, metric)
	return nil
}

func (m *memory) ListUploadMetrics(ctx context.Context, limit int) ([]model.UploadMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.metrics) {
		limit = len(m.metrics)
	}

	// Newest first
	result := make([]model.UploadMetric, 0, limit)
	for i := len(m.metrics) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, m.metrics[i])
	}

	return result, nil
}

func (m *memory) Ping(ctx context.Context) error {
	return nil
}
