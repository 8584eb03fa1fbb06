// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It notifies downstream transcode workers when an assembled artifact is
// ready for processing.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// TranscodeJob is the payload handed to transcode workers.
// Field names are part of the queue contract with the worker fleet.
type TranscodeJob struct {
	VideoID          string `json:"video_id"`          // Video record the artifact belongs to
	Filename         string `json:"filename"`          // Stored artifact name
	Filepath         string `json:"filepath"`          // Absolute path to the assembled artifact
	OriginalFilename string `json:"original_filename"` // Filename supplied by the client
	FileSize         int64  `json:"file_size"`         // Verified artifact size in bytes
	UploadMethod     string `json:"upload_method"`     // How the bytes arrived
}

// Publisher interface defines the event publishing operations required by the ingest service.
type Publisher interface {
	// PublishTranscodeQueued announces an assembled artifact to the transcode workers.
	PublishTranscodeQueued(ctx context.Context, job TranscodeJob) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It implements all Publisher methods but does nothing, allowing the service
// to function without event streaming when NATS is not available.
type noop struct{}

// Close implements Publisher
// It does nothing and always returns nil.
func (n *noop) Close() error { return nil }

// PublishTranscodeQueued implements Publisher
// It does nothing and always returns nil.
func (n *noop) PublishTranscodeQueued(ctx context.Context, job TranscodeJob) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
// It connects to a NATS server and publishes events to JetStream streams.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	// Deduplication fields
	jobDedup map[string]time.Time // Map of video IDs to last publish time
	mutex    sync.RWMutex         // Mutex for thread-safe access to the dedup map
}

// NewPublisherFromEnv creates a new publisher based on environment configuration.
// It reads the INGEST_NATS_URL environment variable to determine if NATS should be used.
// If NATS is not configured or connection fails, it returns a no-op publisher.
// Returns:
//   - Publisher: Either a NATS publisher or a no-op publisher
func NewPublisherFromEnv() Publisher {
	// Check if NATS is configured
	url := os.Getenv("INGEST_NATS_URL")
	if url == "" {
		return &noop{}
	}

	// Connect to NATS server
	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	// Create JetStream context for stream operations
	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	// Initialize required streams
	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:       nc,
		js:       js,
		jobDedup: make(map[string]time.Time),
	}
}

// initStreams initializes the required NATS streams.
// It creates the INGEST_TRANSCODE stream used to hand assembled artifacts
// to the transcode worker fleet.
func initStreams(js nats.JetStreamContext) error {
	// Transcode jobs must survive worker downtime, hence file storage
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "INGEST_TRANSCODE",              // Stream name
		Subjects:  []string{"ingest.transcode.*"},  // Subjects pattern for transcode events
		Retention: nats.WorkQueuePolicy,            // Each job is consumed once
		MaxAge:    24 * time.Hour,                  // Keep unclaimed jobs for 24 hours
		Discard:   nats.DiscardOld,                 // Discard old messages when limits reached
		Storage:   nats.FileStorage,                // Use file storage for persistence
	})
	if err != nil {
		return fmt.Errorf("failed to create INGEST_TRANSCODE stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`           // Event type identifier
	Version       string      `json:"version"`        // Event schema version
	OccurredAt    time.Time   `json:"occurred_at"`    // When the event occurred
	CorrelationID string      `json:"correlation_id"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`        // Event-specific data
}

// Close closes the NATS connection.
// It gracefully closes the connection to the NATS server.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks if an event should be deduplicated based on the 2-minute window.
// It returns true if a job for the same video was published within the window,
// which absorbs double-publishes from racing complete retries.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.jobDedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}

	return false
}

// updateDedup updates the deduplication map with the current time for a given key.
// This should be called after successfully publishing an event.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Clean up old entries to prevent memory leaks
	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.jobDedup {
		if t.Before(cutoff) {
			delete(p.jobDedup, k)
		}
	}

	p.jobDedup[key] = time.Now()
}

// PublishTranscodeQueued publishes a transcode job for an assembled artifact.
// It wraps the job in an event envelope and publishes it to the INGEST_TRANSCODE stream.
// Parameters:
//   - ctx: Context for the operation
//   - job: The transcode job describing the artifact
// Returns:
//   - error: Any error that occurred during publishing
func (p *natsPub) PublishTranscodeQueued(ctx context.Context, job TranscodeJob) error {
	// Check if this event should be deduplicated
	if p.shouldDedup(job.VideoID) {
		return nil
	}

	subject := "ingest.transcode.queued"

	// Create the event envelope with metadata
	envelope := EventEnvelope{
		Type:          subject,             // Event type
		Version:       "1.0.0",             // Event schema version
		OccurredAt:    time.Now().UTC(),    // Event timestamp
		CorrelationID: uuid.New().String(), // Unique correlation ID
		Payload:       job,                 // The transcode job data
	}

	// Marshal the envelope to JSON
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// Publish the event to the stream
	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	// Update deduplication map on successful publish
	p.updateDedup(job.VideoID)

	return nil
}
