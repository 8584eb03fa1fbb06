// internal/chunkio/store.go
// Package chunkio stores chunk payloads on the local filesystem. Writes go
// through a bounded worker pool so a burst of parallel chunk submissions
// does not fan out into unbounded concurrent file I/O.
//
// Layout under the configured root:
//
//	chunks/{sessionID}/chunk_000001   staged chunk payloads
//	raw/{filename}                    assembled artifacts
package chunkio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// chunkFileFormat names chunk files so a directory listing sorts in chunk order.
const chunkFileFormat = "chunk_%06d"

// writeJob is one queued chunk write.
type writeJob struct {
	path string
	data []byte
	done chan error
}

// Store writes and serves chunk payloads for upload sessions.
type Store struct {
	root       string        // Upload root directory
	writeQueue chan writeJob // Pending writes for the worker pool

	mu     sync.Mutex // Protects closed
	closed bool
	wg     sync.WaitGroup // Tracks running writers
}

// New creates a chunk store rooted at dir and starts the writer pool.
// The chunks and raw directories are created up front so later failures
// are write failures, not missing-directory surprises.
func New(dir string, workers, queueDepth int) (*Store, error) {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}

	for _, sub := range []string{"chunks", "raw"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	s := &Store{
		root:       dir,
		writeQueue: make(chan writeJob, queueDepth),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.fileWriter()
	}

	return s, nil
}

// fileWriter drains the write queue until the store is closed.
func (s *Store) fileWriter() {
	defer s.wg.Done()
	for job := range s.writeQueue {
		file, err := os.OpenFile(job.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			job.done <- err
			close(job.done)
			continue
		}

		_, err = file.Write(job.data)
		if cerr := file.Close(); err == nil {
			err = cerr
		}

		job.done <- err
		close(job.done)
	}
}

// SessionDir returns the staging directory for a session's chunks.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, "chunks", sessionID)
}

// ChunkPath returns the file path for one chunk of a session.
func (s *Store) ChunkPath(sessionID string, chunkNumber int) string {
	return filepath.Join(s.SessionDir(sessionID), fmt.Sprintf(chunkFileFormat, chunkNumber))
}

// RawPath returns the final artifact path for a stored filename.
func (s *Store) RawPath(filename string) string {
	return filepath.Join(s.root, "raw", filename)
}

// WriteChunk persists one chunk payload, blocking until the write lands or
// the context is canceled. Rewriting an existing chunk truncates it first,
// so duplicate submissions converge on the same bytes.
func (s *Store) WriteChunk(ctx context.Context, sessionID string, chunkNumber int, data []byte) error {
	if err := os.MkdirAll(s.SessionDir(sessionID), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	// Copy: the caller's buffer may be reused once we return to the pool
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	path := s.ChunkPath(sessionID, chunkNumber)
	job := writeJob{path: path, data: dataCopy, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("chunk store is closed")
	}

	select {
	case s.writeQueue <- job:
		s.mu.Unlock()
	default:
		// Queue full, write synchronously rather than block the pool
		s.mu.Unlock()
		if err := os.WriteFile(path, dataCopy, 0o644); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
		return nil
	}

	select {
	case err := <-job.done:
		if err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChunk opens one staged chunk for reading.
func (s *Store) OpenChunk(sessionID string, chunkNumber int) (*os.File, error) {
	return os.Open(s.ChunkPath(sessionID, chunkNumber))
}

// StatChunk reports the staged chunk's file info without opening it.
func (s *Store) StatChunk(sessionID string, chunkNumber int) (os.FileInfo, error) {
	return os.Stat(s.ChunkPath(sessionID, chunkNumber))
}

// RemoveSession deletes a session's staging directory and everything in it.
// Removing an already-gone session is not an error.
func (s *Store) RemoveSession(sessionID string) error {
	return os.RemoveAll(s.SessionDir(sessionID))
}

// Close stops the writer pool after draining queued writes.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.writeQueue)
	s.mu.Unlock()

	s.wg.Wait()
}
