// internal/upload/manager.go
// Package upload implements the chunked upload session lifecycle. The
// Manager owns the state machine (pending, uploading, assembling, completed,
// failed, expired) and coordinates the metadata store, the chunk tracker,
// chunk byte storage, the assembler, the rate limiter, and the transcode
// publisher. HTTP concerns stay in the server package.
package upload

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/assemble"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunkio"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunktrack"
	"github.com/StreamVault/streamvault-ingest-go/internal/config"
	errordefs "github.com/StreamVault/streamvault-ingest-go/internal/errors"
	"github.com/StreamVault/streamvault-ingest-go/internal/event"
	"github.com/StreamVault/streamvault-ingest-go/internal/model"
	"github.com/StreamVault/streamvault-ingest-go/internal/objstore"
	"github.com/StreamVault/streamvault-ingest-go/internal/ratelimit"
	"github.com/StreamVault/streamvault-ingest-go/internal/storage"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// uploadMethod tags everything this service ingests.
const uploadMethod = "chunked"

// staleAssemblyGrace is how long a session may sit in assembling before the
// sweeper presumes the assembling process died. Assembly is minutes of file
// concatenation at worst, so an hour leaves a wide margin.
const staleAssemblyGrace = time.Hour

// Manager coordinates one upload session from init through completion.
type Manager struct {
	cfg     config.Config
	store   storage.Store
	tracker chunktrack.Tracker
	chunks  *chunkio.Store
	asm     *assemble.Assembler
	limiter ratelimit.Limiter
	pub     event.Publisher
	archive *objstore.Client // nil when archiving is not configured
}

// NewManager wires a Manager from its collaborators. archive may be nil.
func NewManager(cfg config.Config, store storage.Store, tracker chunktrack.Tracker, chunks *chunkio.Store, asm *assemble.Assembler, limiter ratelimit.Limiter, pub event.Publisher, archive *objstore.Client) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		chunks:  chunks,
		asm:     asm,
		limiter: limiter,
		pub:     pub,
		archive: archive,
	}
}

// newSessionID returns a ULID so session IDs sort by creation time.
func newSessionID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// newVideoID returns a UUID for video and metric records.
func newVideoID() string {
	return uuid.NewString()
}

// rateLimited builds the client-facing denial for a limiter decision.
func rateLimited(message string, d *ratelimit.Decision) *errordefs.Error {
	retryAfter := int64(math.Ceil(d.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return errordefs.NewWithDetails(errordefs.ING_RATE_LIMIT, message, "", map[string]interface{}{
		"retry_after_seconds": retryAfter,
	})
}

// sanitizeFilename strips any path components and validates length.
func sanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}

	// Path separators never belong in an upload filename
	name = filepath.Base(name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("filename is invalid")
	}

	if len(name) > 255 {
		return "", fmt.Errorf("filename exceeds 255 characters")
	}

	return name, nil
}

// extensionOf returns the lowercase filename extension without the dot.
func extensionOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	return strings.TrimPrefix(ext, ".")
}

func (m *Manager) extensionAllowed(ext string) bool {
	for _, allowed := range m.cfg.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Init validates an upload request, creates the video record and the
// session, and returns the session the client will address chunks to.
// identity feeds the rate limiter and is never authenticated.
func (m *Manager) Init(ctx context.Context, identity string, req model.InitUploadRequest) (*model.UploadSession, error) {
	if d := m.limiter.Allow(ctx, identity, ratelimit.CategoryInit, m.cfg.RateInitLimit); !d.Allowed {
		return nil, rateLimited("too many upload initializations", d)
	}

	filename, err := sanitizeFilename(req.Filename)
	if err != nil {
		return nil, errordefs.New(errordefs.ING_VALIDATION, err.Error(), "")
	}

	ext := extensionOf(filename)
	if !m.extensionAllowed(ext) {
		return nil, errordefs.New(errordefs.ING_VALIDATION,
			fmt.Sprintf("file extension %q is not allowed", ext), "")
	}

	if req.FileSize <= 0 {
		return nil, errordefs.New(errordefs.ING_VALIDATION, "file_size must be positive", "")
	}

	if req.FileSize > m.cfg.MaxUploadSize {
		return nil, errordefs.NewWithDetails(errordefs.ING_TOO_LARGE,
			fmt.Sprintf("file_size %d exceeds the maximum upload size", req.FileSize), "",
			map[string]interface{}{"max_size_bytes": m.cfg.MaxUploadSize})
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = m.cfg.DefaultChunkSize
	}
	if chunkSize < m.cfg.MinChunkSize || chunkSize > m.cfg.MaxChunkSize {
		return nil, errordefs.New(errordefs.ING_VALIDATION,
			fmt.Sprintf("chunk_size %d outside allowed range [%d, %d]", chunkSize, m.cfg.MinChunkSize, m.cfg.MaxChunkSize), "")
	}

	totalChunks := int((req.FileSize + chunkSize - 1) / chunkSize)
	if totalChunks > m.cfg.MaxChunks {
		return nil, errordefs.New(errordefs.ING_VALIDATION,
			fmt.Sprintf("file requires %d chunks, limit is %d", totalChunks, m.cfg.MaxChunks), "")
	}

	// The count is derived server-side; a client that disagrees is confused
	// about either the size or the chunking and must not proceed
	if req.TotalChunks != 0 && req.TotalChunks != totalChunks {
		return nil, errordefs.New(errordefs.ING_VALIDATION,
			fmt.Sprintf("total_chunks %d does not match derived count %d", req.TotalChunks, totalChunks), "")
	}

	now := time.Now().UTC()
	videoID := newVideoID()

	video := model.Video{
		ID:               videoID,
		Title:            req.Title,
		Filename:         fmt.Sprintf("%s.%s", videoID, ext),
		OriginalFilename: filename,
		FileSize:         req.FileSize,
		MimeType:         req.MimeType,
		Status:           model.VideoUploading,
		UploadMethod:     uploadMethod,
		UploaderID:       req.UploaderID,
		CreatedAt:        now,
	}

	if err := m.store.CreateVideo(ctx, video); err != nil {
		return nil, fmt.Errorf("failed to create video record: %w", err)
	}

	session := model.UploadSession{
		ID:               newSessionID(),
		VideoID:          videoID,
		UploaderID:       req.UploaderID,
		OriginalFilename: filename,
		MimeType:         req.MimeType,
		TotalSize:        req.FileSize,
		ChunkSize:        chunkSize,
		TotalChunks:      totalChunks,
		Status:           model.SessionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.UploadExpiry),
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		// No session row exists for the sweeper to reclaim, so the video
		// must be failed here or it stays uploading forever
		if uerr := m.store.UpdateVideoStatus(ctx, videoID, model.VideoFailed); uerr != nil {
			slog.Error("failed to mark video failed after session create failure",
				slog.String("video_id", videoID),
				slog.String("error", uerr.Error()))
		}
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	if err := m.tracker.CreateSession(ctx, session.ID, m.cfg.UploadExpiry); err != nil {
		// The session row stays behind; the sweeper reclaims it at expiry
		return nil, errordefs.New(errordefs.ING_UNAVAILABLE, "chunk tracking unavailable", "")
	}

	slog.Info("upload session initialized",
		slog.String("upload_id", session.ID),
		slog.String("video_id", videoID),
		slog.Int64("file_size", req.FileSize),
		slog.Int("total_chunks", totalChunks))

	return &session, nil
}

// AcceptChunk stores one chunk payload and marks it uploaded. Chunks may
// arrive in any order and duplicates are acknowledged without re-counting.
func (m *Manager) AcceptChunk(ctx context.Context, identity, sessionID string, chunkNumber int, data []byte) (*model.ChunkUploadResponse, error) {
	if d := m.limiter.Allow(ctx, identity, ratelimit.CategoryChunk, m.cfg.RateChunkLimit); !d.Allowed {
		return nil, rateLimited("too many chunk submissions", d)
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.ING_NOT_FOUND, "upload session not found", "")
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := m.acceptableState(session); err != nil {
		return nil, err
	}

	if chunkNumber < 1 || chunkNumber > session.TotalChunks {
		return nil, errordefs.New(errordefs.ING_VALIDATION,
			fmt.Sprintf("chunk_number %d outside range [1, %d]", chunkNumber, session.TotalChunks), "")
	}

	if want := session.ExpectedChunkSize(chunkNumber); int64(len(data)) != want {
		return nil, errordefs.New(errordefs.ING_VALIDATION,
			fmt.Sprintf("chunk %d must be %d bytes, got %d", chunkNumber, want, len(data)), "")
	}

	// First chunk moves the session out of pending. Losing this race to a
	// parallel chunk just means someone else already moved it.
	if session.Status == model.SessionPending {
		err := m.store.TransitionSession(ctx, sessionID, model.SessionPending, model.SessionUploading)
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("failed to start session: %w", err)
		}
	}

	// Bytes land before bookkeeping so a failed write is invisible to progress
	if err := m.chunks.WriteChunk(ctx, sessionID, chunkNumber, data); err != nil {
		return nil, errordefs.New(errordefs.ING_UNAVAILABLE, "chunk storage unavailable", "")
	}

	sum := md5.Sum(data)
	meta := chunktrack.ChunkMeta{
		Size:       int64(len(data)),
		MD5:        hex.EncodeToString(sum[:]),
		UploadedAt: time.Now().UTC(),
	}

	wasNew, err := m.tracker.MarkUploaded(ctx, sessionID, chunkNumber, meta, m.cfg.UploadExpiry)
	if err != nil {
		if errors.Is(err, chunktrack.ErrSessionNotFound) {
			// Tracking state lapsed out from under a live session row;
			// the client has to start over
			return nil, errordefs.New(errordefs.ING_NOT_FOUND, "upload session tracking expired, re-initialize the upload", "")
		}
		return nil, errordefs.New(errordefs.ING_UNAVAILABLE, "chunk tracking unavailable", "")
	}

	count, err := m.tracker.UploadedCount(ctx, sessionID)
	if err != nil {
		return nil, errordefs.New(errordefs.ING_UNAVAILABLE, "chunk tracking unavailable", "")
	}

	progress := chunktrack.Progress{TotalChunks: session.TotalChunks, UploadedCount: count}

	return &model.ChunkUploadResponse{
		ChunkNumber:     chunkNumber,
		UploadedChunks:  count,
		TotalChunks:     session.TotalChunks,
		ProgressPercent: progress.Percent(),
		Duplicate:       !wasNew,
	}, nil
}

// acceptableState rejects chunk submissions for sessions that can no longer
// take them. A session can take chunks only while an assembling transition
// is still ahead of it.
func (m *Manager) acceptableState(session *model.UploadSession) error {
	if !session.Status.CanTransition(model.SessionAssembling) {
		return errordefs.New(errordefs.ING_CONFLICT, conflictMessage(session.Status), "")
	}

	// The sweeper may not have run yet; reject eagerly past the deadline
	if time.Now().UTC().After(session.ExpiresAt) {
		return errordefs.New(errordefs.ING_CONFLICT, "upload session expired", "")
	}

	return nil
}

// conflictMessage names why a session in the given state takes no more work.
func conflictMessage(status model.SessionStatus) string {
	switch status {
	case model.SessionAssembling:
		return "upload is being assembled"
	case model.SessionCompleted:
		return "upload already completed"
	case model.SessionExpired:
		return "upload session expired"
	default:
		return "upload has failed"
	}
}

// Complete verifies every chunk is present, assembles the artifact, and
// advances the session and video records. The pending/uploading to
// assembling transition is a compare-and-set, so of any number of
// concurrent Complete calls exactly one performs assembly.
func (m *Manager) Complete(ctx context.Context, req model.CompleteUploadRequest) (*model.CompleteUploadResponse, error) {
	start := time.Now()

	session, err := m.store.GetSession(ctx, req.UploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.ING_NOT_FOUND, "upload session not found", "")
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if !session.Status.CanTransition(model.SessionAssembling) {
		return nil, errordefs.New(errordefs.ING_CONFLICT, conflictMessage(session.Status), "")
	}

	progress, err := m.tracker.Progress(ctx, session.ID, session.TotalChunks)
	if err != nil {
		return nil, errordefs.New(errordefs.ING_UNAVAILABLE, "chunk tracking unavailable", "")
	}

	if !progress.IsComplete() {
		return nil, errordefs.NewWithDetails(errordefs.ING_INCOMPLETE, "upload incomplete", "",
			map[string]interface{}{
				"missing_chunks": progress.Missing,
				"missing_count":  len(progress.Missing),
			})
	}

	video, err := m.store.GetVideo(ctx, session.VideoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load video record: %w", err)
	}

	// The CAS below is the at-most-once guard for assembly
	if err := m.store.TransitionSession(ctx, session.ID, session.Status, model.SessionAssembling); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, errordefs.New(errordefs.ING_CONFLICT, "upload is being assembled", "")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.ING_NOT_FOUND, "upload session not found", "")
		}
		return nil, fmt.Errorf("failed to lock session for assembly: %w", err)
	}

	result, err := m.asm.Assemble(ctx, *session, video.Filename)
	if err != nil {
		m.failSession(ctx, session, video.ID)
		if errors.Is(err, assemble.ErrIntegrity) {
			slog.Error("artifact failed integrity verification",
				slog.String("upload_id", session.ID),
				slog.String("video_id", video.ID),
				slog.String("error", err.Error()))
			return nil, errordefs.New(errordefs.ING_INTEGRITY, "artifact failed integrity verification", "")
		}
		slog.Error("assembly failed",
			slog.String("upload_id", session.ID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("assembly failed: %w", err)
	}

	now := time.Now().UTC()
	if req.Title != "" {
		video.Title = req.Title
	}
	video.FileSize = result.Size
	video.FileHash = result.SHA256
	video.Status = model.VideoUploaded
	video.UploadedAt = &now

	if err := m.store.UpdateVideo(ctx, *video); err != nil {
		return nil, fmt.Errorf("failed to update video record: %w", err)
	}

	if err := m.store.TransitionSession(ctx, session.ID, model.SessionAssembling, model.SessionCompleted); err != nil {
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}

	// Duration covers the completion call itself, assembly included, not
	// the age of the session
	durationMs := time.Since(start).Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}
	throughput := float64(result.Size) / (float64(durationMs) / 1000)

	m.recordMetric(ctx, session, video.ID, result.Size, durationMs, throughput)
	m.cleanupSession(ctx, session.ID)

	// Downstream handoff; the upload itself already succeeded
	job := event.TranscodeJob{
		VideoID:          video.ID,
		Filename:         video.Filename,
		Filepath:         result.Path,
		OriginalFilename: video.OriginalFilename,
		FileSize:         result.Size,
		UploadMethod:     uploadMethod,
	}
	if err := m.pub.PublishTranscodeQueued(ctx, job); err != nil {
		slog.Warn("transcode notification failed",
			slog.String("video_id", video.ID),
			slog.String("error", err.Error()))
	} else {
		if err := m.store.UpdateVideoStatus(ctx, video.ID, model.VideoQueued); err != nil {
			slog.Warn("failed to mark video queued", slog.String("video_id", video.ID), slog.String("error", err.Error()))
		} else {
			video.Status = model.VideoQueued
		}
	}

	if m.archive != nil {
		if err := m.archive.ArchiveArtifact(ctx, video.Filename, result.Path); err != nil {
			slog.Warn("artifact archive failed",
				slog.String("video_id", video.ID),
				slog.String("error", err.Error()))
		} else if ok, verr := m.archive.VerifyArtifact(ctx, video.Filename, result.Size); verr != nil {
			slog.Warn("failed to verify archived artifact",
				slog.String("video_id", video.ID),
				slog.String("error", verr.Error()))
		} else if !ok {
			slog.Warn("archived artifact size mismatch",
				slog.String("video_id", video.ID),
				slog.Int64("size", result.Size))
		}
	}

	slog.Info("upload completed",
		slog.String("upload_id", session.ID),
		slog.String("video_id", video.ID),
		slog.Int64("file_size", result.Size),
		slog.String("file_hash", result.SHA256),
		slog.Int64("duration_ms", durationMs))

	return &model.CompleteUploadResponse{
		ID:               video.ID,
		Status:           string(video.Status),
		Filename:         video.Filename,
		OriginalFilename: video.OriginalFilename,
		FileSize:         result.Size,
		FileHash:         result.SHA256,
		MimeType:         video.MimeType,
		UploadDurationMs: durationMs,
		ThroughputBps:    throughput,
	}, nil
}

// failSession moves a session and its video to failed and purges staged
// chunks. Used on assembly failure; errors here are logged, not surfaced,
// because the caller is already reporting the original failure.
func (m *Manager) failSession(ctx context.Context, session *model.UploadSession, videoID string) {
	if err := m.store.TransitionSession(ctx, session.ID, model.SessionAssembling, model.SessionFailed); err != nil {
		slog.Error("failed to mark session failed", slog.String("upload_id", session.ID), slog.String("error", err.Error()))
	}
	if err := m.store.UpdateVideoStatus(ctx, videoID, model.VideoFailed); err != nil {
		slog.Error("failed to mark video failed", slog.String("video_id", videoID), slog.String("error", err.Error()))
	}
	m.cleanupSession(ctx, session.ID)
}

// cleanupSession drops tracker state and staged chunk files.
func (m *Manager) cleanupSession(ctx context.Context, sessionID string) {
	if err := m.tracker.Clear(ctx, sessionID); err != nil {
		slog.Warn("failed to clear chunk tracking", slog.String("upload_id", sessionID), slog.String("error", err.Error()))
	}
	if err := m.chunks.RemoveSession(sessionID); err != nil {
		slog.Warn("failed to remove staged chunks", slog.String("upload_id", sessionID), slog.String("error", err.Error()))
	}
}

// recordMetric stores a throughput row for a finished upload. Metric loss
// is logged and tolerated.
func (m *Manager) recordMetric(ctx context.Context, session *model.UploadSession, videoID string, size, durationMs int64, throughput float64) {
	retries, err := m.tracker.RetryCount(ctx, session.ID)
	if err != nil {
		retries = 0
	}

	metric := model.UploadMetric{
		ID:               newVideoID(),
		VideoID:          videoID,
		UploadMethod:     uploadMethod,
		FileSize:         size,
		UploadDurationMs: durationMs,
		ThroughputBps:    throughput,
		RetryCount:       retries,
		CreatedAt:        time.Now().UTC(),
	}

	if err := m.store.CreateUploadMetric(ctx, metric); err != nil {
		slog.Warn("failed to record upload metric", slog.String("video_id", videoID), slog.String("error", err.Error()))
	}
}

// Status reports session progress with exact uploaded and missing chunk
// lists so clients can resume. Terminal sessions have had their tracker
// state cleared, so their presence is synthesized: full for completed,
// empty for failed and expired.
func (m *Manager) Status(ctx context.Context, sessionID string) (*model.UploadStatusResponse, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.ING_NOT_FOUND, "upload session not found", "")
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	resp := &model.UploadStatusResponse{
		UploadID:    session.ID,
		VideoID:     session.VideoID,
		Status:      string(session.Status),
		TotalChunks: session.TotalChunks,
		ExpiresAt:   session.ExpiresAt,
	}

	if session.Status == model.SessionCompleted {
		uploaded := make([]int, session.TotalChunks)
		for i := range uploaded {
			uploaded[i] = i + 1
		}
		resp.UploadedChunks = session.TotalChunks
		resp.UploadedChunkList = uploaded
		resp.MissingChunkList = []int{}
		resp.ProgressPercent = 100
		resp.IsComplete = true
		return resp, nil
	}

	if session.Status.IsTerminal() {
		missing := make([]int, session.TotalChunks)
		for i := range missing {
			missing[i] = i + 1
		}
		resp.UploadedChunkList = []int{}
		resp.MissingChunkList = missing
		resp.MissingCount = session.TotalChunks
		return resp, nil
	}

	progress, err := m.tracker.Progress(ctx, sessionID, session.TotalChunks)
	if err != nil {
		return nil, errordefs.New(errordefs.ING_UNAVAILABLE, "chunk tracking unavailable", "")
	}

	resp.UploadedChunks = progress.UploadedCount
	resp.UploadedChunkList = progress.Uploaded
	resp.MissingChunkList = progress.Missing
	resp.MissingCount = len(progress.Missing)
	resp.ProgressPercent = progress.Percent()
	resp.IsComplete = progress.IsComplete()

	return resp, nil
}

// GetVideo returns one video record.
func (m *Manager) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	video, err := m.store.GetVideo(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.ING_NOT_FOUND, "video not found", "")
		}
		return nil, fmt.Errorf("failed to load video: %w", err)
	}
	return video, nil
}

// artifactURLTTL bounds how long a presigned artifact link stays usable.
const artifactURLTTL = 15 * time.Minute

// ArtifactURL returns a presigned download link for an archived artifact.
// Empty when archiving is not configured or the artifact has not been
// assembled yet; presign failures degrade to no link rather than an error.
func (m *Manager) ArtifactURL(ctx context.Context, video *model.Video) string {
	if m.archive == nil || video.UploadedAt == nil {
		return ""
	}

	url, err := m.archive.PresignDownloadURL(ctx, video.Filename, artifactURLTTL)
	if err != nil {
		slog.Warn("failed to presign artifact download",
			slog.String("video_id", video.ID),
			slog.String("error", err.Error()))
		return ""
	}
	return url
}

// MetricsSummary aggregates the most recent upload metrics.
func (m *Manager) MetricsSummary(ctx context.Context, limit int) (*model.MetricsSummary, error) {
	rows, err := m.store.ListUploadMetrics(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload metrics: %w", err)
	}

	summary := &model.MetricsSummary{
		Count:   len(rows),
		Metrics: rows,
	}

	if len(rows) == 0 {
		summary.Metrics = []model.UploadMetric{}
		return summary, nil
	}

	var totalDuration, totalBytes int64
	var totalThroughput float64
	for _, row := range rows {
		totalDuration += row.UploadDurationMs
		totalThroughput += row.ThroughputBps
		totalBytes += row.FileSize
	}

	summary.AvgDurationMs = float64(totalDuration) / float64(len(rows))
	summary.AvgThroughputBps = totalThroughput / float64(len(rows))
	summary.TotalBytes = totalBytes

	return summary, nil
}

// ReclaimExpired sweeps sessions past their deadline into the expired state
// and releases their resources. The per-session CAS means a session that
// finished completing between the scan and the sweep is left alone.
// Returns how many sessions were reclaimed.
func (m *Manager) ReclaimExpired(ctx context.Context, batchSize int) (int, error) {
	now := time.Now().UTC()

	stale, err := m.store.ListExpiredSessions(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	reclaimed := 0
	for _, session := range stale {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}

		err := m.store.TransitionSession(ctx, session.ID, session.Status, model.SessionExpired)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				// Lost the race to a complete call or another sweeper
				continue
			}
			return reclaimed, fmt.Errorf("failed to expire session %s: %w", session.ID, err)
		}

		if err := m.store.UpdateVideoStatus(ctx, session.VideoID, model.VideoFailed); err != nil {
			slog.Warn("failed to mark video failed for expired session",
				slog.String("upload_id", session.ID),
				slog.String("video_id", session.VideoID),
				slog.String("error", err.Error()))
		}

		m.cleanupSession(ctx, session.ID)
		reclaimed++

		slog.Info("upload session expired",
			slog.String("upload_id", session.ID),
			slog.String("video_id", session.VideoID))
	}

	recovered, err := m.reclaimCrashedAssemblies(ctx, now, batchSize)
	if err != nil {
		return reclaimed, err
	}

	return reclaimed + recovered, nil
}

// reclaimCrashedAssemblies fails sessions abandoned in the assembling state.
// Assembly holds the state machine between uploading and completed; if the
// process dies there, nothing else will ever move the session again. The
// grace period is long enough that a running assembly can never be caught.
func (m *Manager) reclaimCrashedAssemblies(ctx context.Context, now time.Time, batchSize int) (int, error) {
	stuck, err := m.store.ListStaleAssembling(ctx, now.Add(-staleAssemblyGrace), batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale assembling sessions: %w", err)
	}

	recovered := 0
	for _, session := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		err := m.store.TransitionSession(ctx, session.ID, model.SessionAssembling, model.SessionFailed)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return recovered, fmt.Errorf("failed to fail stale session %s: %w", session.ID, err)
		}

		if err := m.store.UpdateVideoStatus(ctx, session.VideoID, model.VideoFailed); err != nil {
			slog.Warn("failed to mark video failed for stale assembly",
				slog.String("upload_id", session.ID),
				slog.String("video_id", session.VideoID),
				slog.String("error", err.Error()))
		}

		m.cleanupSession(ctx, session.ID)
		recovered++

		slog.Warn("reclaimed session abandoned mid-assembly",
			slog.String("upload_id", session.ID),
			slog.String("video_id", session.VideoID))
	}

	return recovered, nil
}
