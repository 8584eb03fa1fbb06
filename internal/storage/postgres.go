// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// It provides persistent storage for videos, upload sessions, and upload metrics.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings for optimal performance
	// Maximum number of connections
	config.MaxConns = 20
	// Minimum number of connections
	config.MinConns = 5
	// Maximum lifetime of a connection
	config.MaxConnLifetime = time.Hour
	// Maximum idle time before closing
	config.MaxConnIdleTime = time.Minute * 30
	// How often to check connection health
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize database schema
	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates all required tables and indexes if they don't already exist.
// This function is called automatically when creating a new PostgreSQL store.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	// SQL schema definition with all required tables and indexes
	schema := `
		-- Videos table for artifact records
		CREATE TABLE IF NOT EXISTS videos (
		    id TEXT PRIMARY KEY,                     -- Video identifier (UUID)
		    title TEXT NOT NULL DEFAULT '',          -- Optional display title
		    filename TEXT NOT NULL,                  -- Stored artifact name
		    original_filename TEXT NOT NULL,         -- Filename supplied by the client
		    file_size BIGINT NOT NULL,               -- Artifact size in bytes
		    file_hash TEXT NOT NULL DEFAULT '',      -- SHA-256 of the assembled artifact
		    mime_type TEXT NOT NULL DEFAULT '',      -- Declared MIME type
		    status TEXT NOT NULL,                    -- Processing lifecycle state
		    upload_method TEXT NOT NULL DEFAULT 'chunked',  -- How the bytes arrived
		    uploader_id TEXT NOT NULL DEFAULT '',    -- Caller-supplied uploader identity
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),  -- Record creation time
		    uploaded_at TIMESTAMP WITH TIME ZONE     -- When assembly finished, null until then
		);

		-- Indexes for videos table to improve query performance
		CREATE INDEX IF NOT EXISTS idx_videos_status ON videos(status);
		CREATE INDEX IF NOT EXISTS idx_videos_created_at ON videos(created_at DESC);

		-- Upload sessions table for chunked upload state
		CREATE TABLE IF NOT EXISTS upload_sessions (
		    id TEXT PRIMARY KEY,                     -- Session identifier (ULID)
		    video_id TEXT NOT NULL REFERENCES videos(id),  -- Owning video
		    uploader_id TEXT NOT NULL DEFAULT '',    -- Caller-supplied uploader identity
		    original_filename TEXT NOT NULL,         -- Filename supplied by the client
		    mime_type TEXT NOT NULL DEFAULT '',      -- Declared MIME type
		    total_size BIGINT NOT NULL,              -- Declared artifact size in bytes
		    chunk_size BIGINT NOT NULL,              -- Bytes per chunk
		    total_chunks INTEGER NOT NULL,           -- Derived chunk count
		    status TEXT NOT NULL,                    -- Lifecycle state
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),  -- Session creation time
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),  -- Last status change
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL  -- Sweeper deadline
		);

		-- Index for the sweeper scan over stale sessions
		CREATE INDEX IF NOT EXISTS idx_upload_sessions_status_expires ON upload_sessions(status, expires_at);

		-- Upload metrics table for throughput reporting
		CREATE TABLE IF NOT EXISTS upload_metrics (
		    id TEXT PRIMARY KEY,                     -- Metric row identifier (UUID)
		    video_id TEXT NOT NULL REFERENCES videos(id),  -- Video the upload produced
		    upload_method TEXT NOT NULL,             -- How the bytes arrived
		    file_size BIGINT NOT NULL,               -- Artifact size in bytes
		    upload_duration_ms BIGINT NOT NULL,      -- Wall time from init to completion
		    throughput_bps DOUBLE PRECISION NOT NULL,  -- Bytes per second over the upload
		    retry_count INTEGER NOT NULL DEFAULT 0,  -- Duplicate chunk submissions observed
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()  -- When the row was recorded
		);

		-- Index for metrics reporting, newest first
		CREATE INDEX IF NOT EXISTS idx_upload_metrics_created_at ON upload_metrics(created_at DESC);
	`

	// Execute the schema creation SQL
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// CreateSession creates a new upload session in the database
func (p *postgres) CreateSession(ctx context.Context, session model.UploadSession) error {
	query := `INSERT INTO upload_sessions (id, video_id, uploader_id, original_filename, mime_type, total_size, chunk_size, total_chunks, status, created_at, updated_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := p.db.Exec(ctx, query,
		session.ID,
		session.VideoID,
		session.UploaderID,
		session.OriginalFilename,
		session.MimeType,
		session.TotalSize,
		session.ChunkSize,
		session.TotalChunks,
		session.Status,
		session.CreatedAt,
		session.UpdatedAt,
		session.ExpiresAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSession retrieves an upload session by its ID
func (p *postgres) GetSession(ctx context.Context, id string) (*model.UploadSession, error) {
	query := `SELECT id, video_id, uploader_id, original_filename, mime_type, total_size, chunk_size, total_chunks, status, created_at, updated_at, expires_at
	          FROM upload_sessions WHERE id = $1`

	var session model.UploadSession

	err := p.db.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.VideoID,
		&session.UploaderID,
		&session.OriginalFilename,
		&session.MimeType,
		&session.TotalSize,
		&session.ChunkSize,
		&session.TotalChunks,
		&session.Status,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.ExpiresAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// TransitionSession changes a session status only when the current status matches
// the expected one. The WHERE clause carries the compare-and-set; zero rows affected
// means either the session is gone or another writer won the race.
func (p *postgres) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus) error {
	query := `UPDATE upload_sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`

	result, err := p.db.Exec(ctx, query, to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Disambiguate a lost race from a missing session
		if _, err := p.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}

	return nil
}

// ListExpiredSessions returns sessions past their deadline that are still pending
// or uploading, oldest deadline first
func (p *postgres) ListExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.UploadSession, error) {
	query := `SELECT id, video_id, uploader_id, original_filename, mime_type, total_size, chunk_size, total_chunks, status, created_at, updated_at, expires_at
	          FROM upload_sessions
	          WHERE status IN ($1, $2) AND expires_at < $3
	          ORDER BY expires_at ASC
	          LIMIT $4`

	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.Query(ctx, query, model.SessionPending, model.SessionUploading, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.UploadSession
	for rows.Next() {
		var session model.UploadSession

		err := rows.Scan(
			&session.ID,
			&session.VideoID,
			&session.UploaderID,
			&session.OriginalFilename,
			&session.MimeType,
			&session.TotalSize,
			&session.ChunkSize,
			&session.TotalChunks,
			&session.Status,
			&session.CreatedAt,
			&session.UpdatedAt,
			&session.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// ListStaleAssembling returns sessions stuck in assembling whose last status
// change predates the cutoff, oldest first
func (p *postgres) ListStaleAssembling(ctx context.Context, before time.Time, limit int) ([]model.UploadSession, error) {
	query := `SELECT id, video_id, uploader_id, original_filename, mime_type, total_size, chunk_size, total_chunks, status, created_at, updated_at, expires_at
	          FROM upload_sessions
	          WHERE status = $1 AND updated_at < $2
	          ORDER BY updated_at ASC
	          LIMIT $3`

	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.Query(ctx, query, model.SessionAssembling, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale assembling sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.UploadSession
	for rows.Next() {
		var session model.UploadSession

		err := rows.Scan(
			&session.ID,
			&session.VideoID,
			&session.UploaderID,
			&session.OriginalFilename,
			&session.MimeType,
			&session.TotalSize,
			&session.ChunkSize,
			&session.TotalChunks,
			&session.Status,
			&session.CreatedAt,
			&session.UpdatedAt,
			&session.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// CreateVideo creates a new video record in the database
func (p *postgres) CreateVideo(ctx context.Context, video model.Video) error {
	query := `INSERT INTO videos (id, title, filename, original_filename, file_size, file_hash, mime_type, status, upload_method, uploader_id, created_at, uploaded_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := p.db.Exec(ctx, query,
		video.ID,
		video.Title,
		video.Filename,
		video.OriginalFilename,
		video.FileSize,
		video.FileHash,
		video.MimeType,
		video.Status,
		video.UploadMethod,
		video.UploaderID,
		video.CreatedAt,
		video.UploadedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetVideo retrieves a video record by its ID
func (p *postgres) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	query := `SELECT id, title, filename, original_filename, file_size, file_hash, mime_type, status, upload_method, uploader_id, created_at, uploaded_at
	          FROM videos WHERE id = $1`

	var video model.Video

	err := p.db.QueryRow(ctx, query, id).Scan(
		&video.ID,
		&video.Title,
		&video.Filename,
		&video.OriginalFilename,
		&video.FileSize,
		&video.FileHash,
		&video.MimeType,
		&video.Status,
		&video.UploadMethod,
		&video.UploaderID,
		&video.CreatedAt,
		&video.UploadedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return &video, nil
}

// UpdateVideo replaces the mutable fields of a video record
func (p *postgres) UpdateVideo(ctx context.Context, video model.Video) error {
	query := `UPDATE videos SET title = $1, filename = $2, file_size = $3, file_hash = $4, mime_type = $5, status = $6, uploaded_at = $7
	          WHERE id = $8`

	result, err := p.db.Exec(ctx, query,
		video.Title,
		video.Filename,
		video.FileSize,
		video.FileHash,
		video.MimeType,
		video.Status,
		video.UploadedAt,
		video.ID)

	if err != nil {
		return fmt.Errorf("failed to update video: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateVideoStatus changes only a video's processing status
func (p *postgres) UpdateVideoStatus(ctx context.Context, id string, status model.VideoStatus) error {
	query := `UPDATE videos SET status = $1 WHERE id = $2`

	result, err := p.db.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update video status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CreateUploadMetric records throughput data for one finished upload
func (p *postgres) CreateUploadMetric(ctx context.Context, metric model.UploadMetric) error {
	query := `INSERT INTO upload_metrics (id, video_id, upload_method, file_size, upload_duration_ms, throughput_bps, retry_count, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.db.Exec(ctx, query,
		metric.ID,
		metric.VideoID,
		metric.UploadMethod,
		metric.FileSize,
		metric.UploadDurationMs,
		metric.ThroughputBps,
		metric.RetryCount,
		metric.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create upload metric: %w", err)
	}

	return nil
}

// ListUploadMetrics returns the most recent metric rows, newest first
func (p *postgres) ListUploadMetrics(ctx context.Context, limit int) ([]model.UploadMetric, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, video_id, upload_method, file_size, upload_duration_ms, throughput_bps, retry_count, created_at
	          FROM upload_metrics ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.UploadMetric
	for rows.Next() {
		var metric model.UploadMetric

		err := rows.Scan(
			&metric.ID,
			&metric.VideoID,
			&metric.UploadMethod,
			&metric.FileSize,
			&metric.UploadDurationMs,
			&metric.ThroughputBps,
			&metric.RetryCount,
			&metric.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload metric: %w", err)
		}

		metrics = append(metrics, metric)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upload metrics: %w", err)
	}

	return metrics, nil
}

// Ping verifies the database connection is healthy
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
