// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the ingest
// service. It exposes the chunked upload lifecycle (init, chunk, complete,
// status), video and metrics reads, and the health endpoints, with schema
// validation and per-request correlation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/chunktrack"
	errordefs "github.com/StreamVault/streamvault-ingest-go/internal/errors"
	"github.com/StreamVault/streamvault-ingest-go/internal/identity"
	"github.com/StreamVault/streamvault-ingest-go/internal/metrics"
	"github.com/StreamVault/streamvault-ingest-go/internal/model"
	"github.com/StreamVault/streamvault-ingest-go/internal/ratelimit"
	"github.com/StreamVault/streamvault-ingest-go/internal/schema"
	"github.com/StreamVault/streamvault-ingest-go/internal/storage"
	"github.com/StreamVault/streamvault-ingest-go/internal/upload"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID carries the per-request tracking id.
	ContextKeyCorrelationID ContextKey = "correlationId"

	// Default limits for the /metrics/uploads query
	DefaultMetricsLimit = 100 // Default number of metric rows to summarize
	MaxMetricsLimit     = 500 // Maximum number of metric rows to summarize
)

const (
	jsonBodyLimit     = 64 << 10 // Control-plane JSON bodies are small
	multipartMemory   = 32 << 20 // Chunk parts up to this size stay in memory
	multipartOverhead = 1 << 20  // Headroom for multipart framing around a chunk
)

// Mux handles HTTP requests for the ingest service.
// It routes the upload lifecycle endpoints to the session manager and
// owns the request-level concerns: correlation ids, body limits, schema
// validation, metrics, and request logging.
type Mux struct {
	mux       *http.ServeMux     // HTTP request multiplexer
	uploads   *upload.Manager    // Upload session lifecycle
	store     storage.Store      // Metadata store, probed for readiness
	tracker   chunktrack.Tracker // Chunk tracker, probed for readiness
	validator *schema.Validator  // Request body schemas
	metrics   *metrics.Metrics   // Prometheus instruments

	maxChunkBytes int64 // Upper bound on a single chunk payload
}

// NewMux creates a new HTTP mux with all ingest endpoints.
// maxChunkBytes bounds accepted chunk payloads and should be the configured
// maximum chunk size; the exact per-session length check happens in the
// session manager.
func NewMux(uploads *upload.Manager, store storage.Store, tracker chunktrack.Tracker, maxChunkBytes int64) *http.ServeMux {
	// Initialize schema validator
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	m := &Mux{
		mux:           http.NewServeMux(),
		uploads:       uploads,
		store:         store,
		tracker:       tracker,
		validator:     validator,
		metrics:       metrics.NewMetrics(),
		maxChunkBytes: maxChunkBytes,
	}

	// Register health and observability endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Register upload lifecycle endpoints with appropriate middleware.
	// The exact-path patterns win over the /upload/ subtree, which only
	// serves GET /upload/{id}/status.
	m.mux.HandleFunc("/upload/init", m.method("POST", m.withMiddleware("/upload/init", m.handleInitUpload)))
	m.mux.HandleFunc("/upload/chunk", m.method("POST", m.withMiddleware("/upload/chunk", m.handleUploadChunk)))
	m.mux.HandleFunc("/upload/complete", m.method("POST", m.withMiddleware("/upload/complete", m.handleCompleteUpload)))
	m.mux.HandleFunc("/upload/", m.method("GET", m.withMiddleware("/upload/{id}/status", m.handleUploadStatus)))
	m.mux.HandleFunc("/videos/", m.method("GET", m.withMiddleware("/videos/{id}", m.handleGetVideo)))
	m.mux.HandleFunc("/metrics/uploads", m.method("GET", m.withMiddleware("/metrics/uploads", m.handleUploadMetrics)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.ING_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers: correlation id
// assignment, response status capture, request metrics, and completion
// logging. route is the registered pattern, used as the metrics label so
// label cardinality stays bounded regardless of path parameters.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
		m.logRequest(r, rec.status, duration, correlationID)
	}
}

// statusRecorder captures the response status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeJSON writes a response body as-is. Upload endpoints return flat
// objects rather than an envelope so field names stay stable for clients.
func (m *Mux) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an error response following the ingest error taxonomy.
// The body is flat: message under "error", code under "code", and any detail
// fields (missing_chunks, retry_after_seconds) merged at the top level.
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"error": message,
		"code":  code,
	}
	if correlationID != "" {
		response["correlation_id"] = correlationID
	}
	if extra, ok := details.(map[string]interface{}); ok {
		for k, v := range extra {
			if _, taken := response[k]; !taken {
				response[k] = v
			}
		}
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// respondError maps an error to its wire shape. Coded errors pass through
// with the request's correlation id attached; anything else is logged in
// full and surfaced as a generic internal error.
func (m *Mux) respondError(ctx context.Context, w http.ResponseWriter, span trace.Span, err error) {
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var def *errordefs.Error
	if !errors.As(err, &def) {
		slog.Error("request failed", "error", err, "correlation_id", correlationID)
		def = errordefs.New(errordefs.ING_INTERNAL, "internal error", correlationID)
	}
	if def.CorrelationID == "" {
		def.CorrelationID = correlationID
	}

	span.SetStatus(codes.Error, string(def.Code))
	m.writeErrorDef(w, def)
}

// logRequest logs request completion details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// readJSONBody reads a JSON request body, validates it against the named
// schema, and decodes it into dst. Control-plane bodies are small; anything
// past the limit is rejected outright.
func (m *Mux) readJSONBody(w http.ResponseWriter, r *http.Request, kind string, dst interface{}) error {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, jsonBodyLimit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errordefs.New(errordefs.ING_TOO_LARGE, "request body too large", "")
		}
		return errordefs.New(errordefs.ING_BAD_REQUEST, "failed to read request body", "")
	}

	if _, err := m.validator.Validate(kind, body); err != nil {
		return errordefs.New(errordefs.ING_SCHEMA_REJECT, err.Error(), "")
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.ING_VALIDATION, "invalid JSON", "")
	}

	return nil
}

// countRateLimit increments the rejection counter when err is a limiter denial.
func (m *Mux) countRateLimit(err error, category string) {
	var def *errordefs.Error
	if errors.As(err, &def) && def.Code == errordefs.ING_RATE_LIMIT {
		m.metrics.RateLimitRejectedTotal.WithLabelValues(category).Inc()
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests.
// Ready means both the metadata store and the chunk tracker answer a probe.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if err := m.tracker.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleInitUpload handles POST /upload/init
func (m *Mux) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ingest-service").Start(r.Context(), "handleInitUpload")
	defer span.End()

	var req model.InitUploadRequest
	if err := m.readJSONBody(w, r, schema.BodyInitUpload, &req); err != nil {
		m.respondError(ctx, w, span, err)
		return
	}

	// Add request attributes to span
	span.SetAttributes(
		attribute.String("filename", req.Filename),
		attribute.Int64("file_size", req.FileSize),
		attribute.Int("total_chunks", req.TotalChunks),
	)

	who := identity.FromRequest(r, req.UploaderID)
	session, err := m.uploads.Init(ctx, who, req)
	if err != nil {
		m.countRateLimit(err, ratelimit.CategoryInit)
		m.respondError(ctx, w, span, err)
		return
	}

	span.SetAttributes(attribute.String("upload_id", session.ID))

	m.writeJSON(w, http.StatusCreated, model.InitUploadResponse{
		UploadID:        session.ID,
		VideoID:         session.VideoID,
		Filename:        session.OriginalFilename,
		FileSize:        session.TotalSize,
		TotalChunks:     session.TotalChunks,
		ChunkSize:       session.ChunkSize,
		ProgressPercent: 0,
		IsComplete:      false,
		CreatedAt:       session.CreatedAt,
		ExpiresAt:       session.ExpiresAt,
	})
}

// handleUploadChunk handles POST /upload/chunk.
// The body is multipart/form-data with fields upload_id, chunk_number, and
// the chunk payload under the "chunk" file part.
func (m *Mux) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ingest-service").Start(r.Context(), "handleUploadChunk")
	defer span.End()
	defer r.Body.Close()

	// A chunk can never legitimately exceed the configured maximum; the
	// margin covers multipart framing around the payload.
	r.Body = http.MaxBytesReader(w, r.Body, m.maxChunkBytes+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			m.respondError(ctx, w, span, errordefs.New(errordefs.ING_TOO_LARGE, "chunk exceeds the maximum chunk size", ""))
			return
		}
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_BAD_REQUEST, "malformed multipart body", ""))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	uploadID := r.FormValue("upload_id")
	if uploadID == "" {
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_VALIDATION, "upload_id is required", ""))
		return
	}

	chunkNumber, err := strconv.Atoi(r.FormValue("chunk_number"))
	if err != nil {
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_VALIDATION, "chunk_number must be an integer", ""))
		return
	}

	// Add request attributes to span
	span.SetAttributes(
		attribute.String("upload_id", uploadID),
		attribute.Int("chunk_number", chunkNumber),
	)

	file, _, err := r.FormFile("chunk")
	if err != nil {
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_VALIDATION, "chunk file part is required", ""))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_INTERNAL, "failed to read chunk payload", ""))
		return
	}

	who := identity.FromRequest(r, r.FormValue("uploader_id"))
	resp, err := m.uploads.AcceptChunk(ctx, who, uploadID, chunkNumber, data)
	if err != nil {
		m.metrics.ChunkUploadTotal.WithLabelValues("rejected").Inc()
		m.countRateLimit(err, ratelimit.CategoryChunk)
		m.respondError(ctx, w, span, err)
		return
	}

	if resp.Duplicate {
		m.metrics.ChunkUploadTotal.WithLabelValues("duplicate").Inc()
	} else {
		m.metrics.ChunkUploadTotal.WithLabelValues("accepted").Inc()
		m.metrics.ChunkBytesTotal.WithLabelValues("accepted").Add(float64(len(data)))
	}

	m.writeJSON(w, http.StatusOK, resp)
}

// handleCompleteUpload handles POST /upload/complete
func (m *Mux) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ingest-service").Start(r.Context(), "handleCompleteUpload")
	defer span.End()

	var req model.CompleteUploadRequest
	if err := m.readJSONBody(w, r, schema.BodyCompleteUpload, &req); err != nil {
		m.respondError(ctx, w, span, err)
		return
	}

	span.SetAttributes(attribute.String("upload_id", req.UploadID))

	start := time.Now()
	resp, err := m.uploads.Complete(ctx, req)
	if err != nil {
		if status := assemblyOutcome(err); status != "" {
			m.metrics.AssemblyTotal.WithLabelValues(status).Inc()
			m.metrics.AssemblyDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
		m.respondError(ctx, w, span, err)
		return
	}

	m.metrics.AssemblyTotal.WithLabelValues("success").Inc()
	m.metrics.AssemblyDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.String("video_id", resp.ID))

	m.writeJSON(w, http.StatusOK, resp)
}

// assemblyOutcome maps a completion error to an assembly metric label, or ""
// when no assembly was attempted (validation, missing chunks, state races).
func assemblyOutcome(err error) string {
	var def *errordefs.Error
	if !errors.As(err, &def) {
		return "error"
	}
	switch def.Code {
	case errordefs.ING_INTEGRITY:
		return "integrity_failed"
	case errordefs.ING_INTERNAL:
		return "error"
	default:
		return ""
	}
}

// handleUploadStatus handles GET /upload/{id}/status
func (m *Mux) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ingest-service").Start(r.Context(), "handleUploadStatus")
	defer span.End()

	// Extract the session id from /upload/{id}/status
	rest := strings.TrimPrefix(r.URL.Path, "/upload/")
	uploadID, ok := strings.CutSuffix(rest, "/status")
	if !ok || uploadID == "" || strings.Contains(uploadID, "/") {
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_NOT_FOUND, "unknown upload endpoint", ""))
		return
	}

	// Add request attributes to span
	span.SetAttributes(attribute.String("upload_id", uploadID))

	status, err := m.uploads.Status(ctx, uploadID)
	if err != nil {
		m.respondError(ctx, w, span, err)
		return
	}

	m.writeJSON(w, http.StatusOK, status)
}

// handleGetVideo handles GET /videos/{id}
func (m *Mux) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ingest-service").Start(r.Context(), "handleGetVideo")
	defer span.End()

	videoID := strings.TrimPrefix(r.URL.Path, "/videos/")
	if videoID == "" {
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_VALIDATION, "video id is required", ""))
		return
	}
	if strings.Contains(videoID, "/") {
		m.respondError(ctx, w, span, errordefs.New(errordefs.ING_NOT_FOUND, "unknown video endpoint", ""))
		return
	}

	// Add request attributes to span
	span.SetAttributes(attribute.String("video_id", videoID))

	video, err := m.uploads.GetVideo(ctx, videoID)
	if err != nil {
		m.respondError(ctx, w, span, err)
		return
	}

	resp := model.VideoResponse{Video: *video}
	resp.DownloadURL = m.uploads.ArtifactURL(ctx, video)

	m.writeJSON(w, http.StatusOK, resp)
}

// handleUploadMetrics handles GET /metrics/uploads
func (m *Mux) handleUploadMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ingest-service").Start(r.Context(), "handleUploadMetrics")
	defer span.End()

	limit := DefaultMetricsLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil {
			if v > 0 && v <= MaxMetricsLimit {
				limit = v
			} else if v > MaxMetricsLimit {
				limit = MaxMetricsLimit
			}
		}
	}

	summary, err := m.uploads.MetricsSummary(ctx, limit)
	if err != nil {
		m.respondError(ctx, w, span, err)
		return
	}

	m.writeJSON(w, http.StatusOK, summary)
}
