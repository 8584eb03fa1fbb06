// internal/model/upload.go
// Package model defines the data structures used throughout the ingest service.
// These structures represent the core domain objects for upload sessions, videos,
// and upload metrics, plus the wire-level request/response shapes.
package model

import (
	"time"
)

// SessionStatus is the lifecycle state of an upload session.
// Transitions are one-way: a session never returns to an earlier state.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"    // Created, no chunks received yet
	SessionUploading  SessionStatus = "uploading"  // At least one chunk received
	SessionAssembling SessionStatus = "assembling" // Complete requested, assembly in flight
	SessionCompleted  SessionStatus = "completed"  // Artifact assembled and verified
	SessionFailed     SessionStatus = "failed"     // Assembly or integrity failure
	SessionExpired    SessionStatus = "expired"    // Reclaimed by the expiry sweeper
)

// sessionTransitions enumerates the permitted status edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:    {SessionUploading, SessionAssembling, SessionExpired, SessionFailed},
	SessionUploading:  {SessionAssembling, SessionExpired, SessionFailed},
	SessionAssembling: {SessionCompleted, SessionFailed},
}

// CanTransition reports whether a session may move from one status to another.
// Completed, failed, and expired are terminal.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return len(sessionTransitions[s]) == 0
}

// VideoStatus is the lifecycle state of a video artifact.
type VideoStatus string

const (
	VideoUploading   VideoStatus = "uploading"   // Chunks still arriving
	VideoUploaded    VideoStatus = "uploaded"    // Artifact assembled and verified
	VideoQueued      VideoStatus = "queued"      // Transcode job published
	VideoTranscoding VideoStatus = "transcoding" // Picked up by a transcode worker
	VideoReady       VideoStatus = "ready"       // Playable renditions exist
	VideoFailed      VideoStatus = "failed"      // Upload or processing failed
)

// UploadSession represents one chunked upload in progress.
// This corresponds to the upload_sessions table in storage.
type UploadSession struct {
	ID               string        `json:"upload_id" db:"id"`                        // Session identifier (ULID)
	VideoID          string        `json:"video_id" db:"video_id"`                   // Owning video identifier (UUID)
	UploaderID       string        `json:"uploader_id,omitempty" db:"uploader_id"`   // Caller-supplied uploader identity
	OriginalFilename string        `json:"original_filename" db:"original_filename"` // Filename as supplied by the client
	MimeType         string        `json:"mime_type,omitempty" db:"mime_type"`       // Declared MIME type
	TotalSize        int64         `json:"file_size" db:"total_size"`                // Declared artifact size in bytes
	ChunkSize        int64         `json:"chunk_size" db:"chunk_size"`               // Bytes per chunk (final chunk may be smaller)
	TotalChunks      int           `json:"total_chunks" db:"total_chunks"`           // Derived chunk count
	Status           SessionStatus `json:"status" db:"status"`                       // Lifecycle state
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`               // When the session was initialized
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`               // Last status change
	ExpiresAt        time.Time     `json:"expires_at" db:"expires_at"`               // Sweeper deadline, fixed at init
}

// ExpectedChunkSize returns the byte length chunk n must have.
// Every chunk is exactly ChunkSize except the final one, which carries
// whatever remains of the declared total.
func (s UploadSession) ExpectedChunkSize(n int) int64 {
	if n < s.TotalChunks {
		return s.ChunkSize
	}
	return s.TotalSize - int64(s.TotalChunks-1)*s.ChunkSize
}

// Video represents a video artifact and its processing state.
// This corresponds to the videos table in storage.
type Video struct {
	ID               string      `json:"id" db:"id"`                               // Video identifier (UUID)
	Title            string      `json:"title,omitempty" db:"title"`               // Optional display title
	Filename         string      `json:"filename" db:"filename"`                   // Stored artifact name ({id}.{ext})
	OriginalFilename string      `json:"original_filename" db:"original_filename"` // Filename as supplied by the client
	FileSize         int64       `json:"file_size" db:"file_size"`                 // Artifact size in bytes
	FileHash         string      `json:"file_hash,omitempty" db:"file_hash"`       // SHA-256 of the assembled artifact
	MimeType         string      `json:"mime_type,omitempty" db:"mime_type"`       // Declared MIME type
	Status           VideoStatus `json:"status" db:"status"`                       // Lifecycle state
	UploadMethod     string      `json:"upload_method" db:"upload_method"`         // How the bytes arrived (chunked)
	UploaderID       string      `json:"uploader_id,omitempty" db:"uploader_id"`   // Caller-supplied uploader identity
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`               // When the record was created
	UploadedAt       *time.Time  `json:"uploaded_at,omitempty" db:"uploaded_at"`   // When assembly finished, nil until then
}

// UploadMetric records throughput data for one finished upload.
// This corresponds to the upload_metrics table in storage.
type UploadMetric struct {
	ID               string    `json:"id" db:"id"`                               // Metric row identifier (UUID)
	VideoID          string    `json:"video_id" db:"video_id"`                   // Video the upload produced
	UploadMethod     string    `json:"upload_method" db:"upload_method"`         // How the bytes arrived
	FileSize         int64     `json:"file_size" db:"file_size"`                 // Artifact size in bytes
	UploadDurationMs int64     `json:"upload_duration_ms" db:"upload_duration_ms"` // Wall time of the completion call
	ThroughputBps    float64   `json:"throughput_bps" db:"throughput_bps"`       // Bytes per second through completion
	RetryCount       int       `json:"retry_count" db:"retry_count"`             // Duplicate chunk submissions observed
	CreatedAt        time.Time `json:"created_at" db:"created_at"`               // When the row was recorded
}

// InitUploadRequest is the request body for initializing a chunked upload.
type InitUploadRequest struct {
	Filename    string `json:"filename"`               // Original filename, extension decides artifact type
	FileSize    int64  `json:"file_size"`              // Total artifact size in bytes
	TotalChunks int    `json:"total_chunks,omitempty"` // Optional; must match the derived count when set
	ChunkSize   int64  `json:"chunk_size,omitempty"`   // Optional per-session chunk size override
	MimeType    string `json:"mime_type,omitempty"`    // Declared MIME type
	Title       string `json:"title,omitempty"`        // Optional display title
	UploaderID  string `json:"uploader_id,omitempty"`  // Uploader identity for rate limiting
}

// InitUploadResponse is the response body for a successful init.
type InitUploadResponse struct {
	UploadID        string    `json:"upload_id"`        // Session identifier to use on subsequent calls
	VideoID         string    `json:"video_id"`         // Video record created for this upload
	Filename        string    `json:"filename"`         // Sanitized original filename
	FileSize        int64     `json:"file_size"`        // Declared artifact size in bytes
	TotalChunks     int       `json:"total_chunks"`     // Number of chunks the client must send
	ChunkSize       int64     `json:"chunk_size"`       // Bytes per chunk (final chunk may be smaller)
	ProgressPercent float64   `json:"progress_percent"` // Always 0 at init
	IsComplete      bool      `json:"is_complete"`      // Always false at init
	CreatedAt       time.Time `json:"created_at"`       // When the session was initialized
	ExpiresAt       time.Time `json:"expires_at"`       // When the sweeper may reclaim the session
}

// ChunkUploadResponse is the response body for an accepted (or duplicate) chunk.
type ChunkUploadResponse struct {
	ChunkNumber     int     `json:"chunk_number"`        // The chunk just processed (1-based)
	UploadedChunks  int     `json:"uploaded_chunks"`     // Distinct chunks stored so far
	TotalChunks     int     `json:"total_chunks"`        // Number of chunks the session expects
	ProgressPercent float64 `json:"progress_percent"`    // uploaded/total as a percentage
	Duplicate       bool    `json:"duplicate,omitempty"` // True when the chunk had already been stored
}

// CompleteUploadRequest is the request body for finalizing an upload.
type CompleteUploadRequest struct {
	UploadID string `json:"upload_id"`       // Session to finalize
	Title    string `json:"title,omitempty"` // Optional late title override
}

// CompleteUploadResponse is the response body after successful assembly.
type CompleteUploadResponse struct {
	ID               string  `json:"id"`                 // Video identifier
	Status           string  `json:"status"`             // Video status after completion
	Filename         string  `json:"filename"`           // Stored artifact name
	OriginalFilename string  `json:"original_filename"`  // Filename as supplied by the client
	FileSize         int64   `json:"file_size"`          // Verified artifact size in bytes
	FileHash         string  `json:"file_hash"`          // SHA-256 of the assembled artifact
	MimeType         string  `json:"mime_type,omitempty"` // Declared MIME type
	UploadDurationMs int64   `json:"upload_duration_ms"` // Wall time of the completion call
	ThroughputBps    float64 `json:"throughput_bps"`     // Bytes per second through completion
}

// UploadStatusResponse is the response body for a session progress probe.
// Chunk lists are exact and never truncated so clients can resume reliably.
type UploadStatusResponse struct {
	UploadID          string    `json:"upload_id"`           // Session identifier
	VideoID           string    `json:"video_id"`            // Owning video identifier
	Status            string    `json:"status"`              // Session lifecycle state
	ProgressPercent   float64   `json:"progress_percent"`    // uploaded/total as a percentage
	UploadedChunks    int       `json:"uploaded_chunks"`     // Distinct chunks stored so far
	TotalChunks       int       `json:"total_chunks"`        // Number of chunks the session expects
	UploadedChunkList []int     `json:"uploaded_chunk_list"` // Ascending chunk numbers present
	MissingChunkList  []int     `json:"missing_chunk_list"`  // Ascending chunk numbers still needed
	MissingCount      int       `json:"missing_count"`       // len(missing_chunk_list)
	IsComplete        bool      `json:"is_complete"`         // True once every chunk is stored
	ExpiresAt         time.Time `json:"expires_at"`          // When the sweeper may reclaim the session
}

// VideoResponse is the response body for a video record fetch.
// DownloadURL is only present when an artifact archive is configured and
// the artifact has finished assembly.
type VideoResponse struct {
	Video
	DownloadURL string `json:"download_url,omitempty"` // Presigned link into the archive bucket
}

// MetricsSummary aggregates recent upload metrics for reporting.
type MetricsSummary struct {
	Count            int            `json:"count"`              // Rows included in the summary
	AvgDurationMs    float64        `json:"avg_duration_ms"`    // Mean upload duration
	AvgThroughputBps float64        `json:"avg_throughput_bps"` // Mean throughput
	TotalBytes       int64          `json:"total_bytes"`        // Sum of artifact sizes
	Metrics          []UploadMetric `json:"metrics"`            // Most recent rows, newest first
}
