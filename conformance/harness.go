// Package conformance provides a black-box test harness for verifying that
// an ingest deployment honors the chunked upload wire contract: endpoint
// shapes, field names, status codes, and the error taxonomy.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/assemble"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunkio"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunktrack"
	"github.com/StreamVault/streamvault-ingest-go/internal/config"
	"github.com/StreamVault/streamvault-ingest-go/internal/event"
	"github.com/StreamVault/streamvault-ingest-go/internal/ratelimit"
	"github.com/StreamVault/streamvault-ingest-go/internal/server"
	"github.com/StreamVault/streamvault-ingest-go/internal/storage"
	"github.com/StreamVault/streamvault-ingest-go/internal/upload"
)

// Config holds configuration for the conformance test harness.
// Chunk sizing is tunable so suites can drive whole uploads with a few
// bytes per chunk.
type Config struct {
	// MinChunkSize is the smallest permitted session chunk size
	MinChunkSize int64

	// DefaultChunkSize is assigned to sessions that do not request a size
	DefaultChunkSize int64

	// MaxChunkSize is the largest permitted session chunk size
	MaxChunkSize int64

	// MaxUploadSize bounds the declared artifact size
	MaxUploadSize int64

	// UploadExpiry is how long sessions live before the sweeper may reclaim them
	UploadExpiry time.Duration

	// AllowedExtensions lists permitted filename extensions
	AllowedExtensions []string
}

// DefaultConfig returns a harness configuration with byte-sized chunks.
func DefaultConfig() Config {
	return Config{
		MinChunkSize:      4,
		DefaultChunkSize:  4,
		MaxChunkSize:      1 << 20,
		MaxUploadSize:     1 << 26,
		UploadExpiry:      time.Hour,
		AllowedExtensions: []string{"mp4", "mov", "mkv"},
	}
}

// Harness runs a full ingest stack on in-memory backends behind a real
// HTTP listener and provides wire-level checks against it.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	chunks *chunkio.Store
	tmpDir string
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	tmpDir, err := os.MkdirTemp("", "ingest-conformance-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	svcCfg := config.Config{
		Env:               "test",
		Port:              "0",
		UploadDir:         tmpDir,
		MaxUploadSize:     cfg.MaxUploadSize,
		DefaultChunkSize:  cfg.DefaultChunkSize,
		MinChunkSize:      cfg.MinChunkSize,
		MaxChunkSize:      cfg.MaxChunkSize,
		MaxChunks:         10000,
		UploadExpiry:      cfg.UploadExpiry,
		SweepInterval:     time.Minute,
		RateWindow:        time.Minute,
		RateInitLimit:     10000,
		RateChunkLimit:    10000,
		AllowedExtensions: cfg.AllowedExtensions,
		WriteWorkers:      2,
		WriteQueueDepth:   16,
	}

	store := storage.NewMemory()
	tracker := chunktrack.NewMemory()
	limiter := ratelimit.NewMemory(svcCfg.RateWindow)

	chunks, err := chunkio.New(tmpDir, svcCfg.WriteWorkers, svcCfg.WriteQueueDepth)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to create chunk store: %w", err)
	}

	asm := assemble.New(chunks, 0)
	uploads := upload.NewManager(svcCfg, store, tracker, chunks, asm, limiter, event.NewPublisherFromEnv(), nil)
	mux := server.NewMux(uploads, store, tracker, svcCfg.MaxChunkSize)

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		chunks: chunks,
		tmpDir: tmpDir,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.chunks.Close()
	os.RemoveAll(h.tmpDir)
}

// RunConformanceTests runs all wire-contract checks against the deployment.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("InitContract", h.testInitContract)
	t.Run("ChunkContract", h.testChunkContract)
	t.Run("StatusContract", h.testStatusContract)
	t.Run("CompleteContract", h.testCompleteContract)
	t.Run("ErrorTaxonomy", h.testErrorTaxonomy)
}

// postJSON posts a JSON body and returns the status code and decoded body.
func (h *Harness) postJSON(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()

	resp, err := http.Post(h.URL()+path, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("failed to POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, decodeJSON(t, resp.Body)
}

// postChunk submits one multipart chunk and returns the status code and body.
func (h *Harness) postChunk(t *testing.T, uploadID string, chunkNumber int, payload []byte) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("upload_id", uploadID); err != nil {
		t.Fatalf("failed to write upload_id: %v", err)
	}
	if err := mw.WriteField("chunk_number", strconv.Itoa(chunkNumber)); err != nil {
		t.Fatalf("failed to write chunk_number: %v", err)
	}
	fw, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		t.Fatalf("failed to create chunk part: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("failed to write chunk payload: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to finalize multipart body: %v", err)
	}

	resp, err := http.Post(h.URL()+"/upload/chunk", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("failed to POST /upload/chunk: %v", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, decodeJSON(t, resp.Body)
}

// getJSON fetches a path and returns the status code and decoded body.
func (h *Harness) getJSON(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()

	resp, err := http.Get(h.URL() + path)
	if err != nil {
		t.Fatalf("failed to GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, decodeJSON(t, resp.Body)
}

// decodeJSON decodes a response body into a generic map.
func decodeJSON(t *testing.T, r io.Reader) map[string]interface{} {
	t.Helper()

	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", raw, err)
	}
	return body
}

// initSession initializes an upload and returns its identifiers.
func (h *Harness) initSession(t *testing.T, body string) map[string]interface{} {
	t.Helper()

	status, decoded := h.postJSON(t, "/upload/init", body)
	if status != http.StatusCreated {
		t.Fatalf("init expected 201, got %d (%v)", status, decoded)
	}
	return decoded
}

// requireFields fails the test when any named field is missing from the body.
func requireFields(t *testing.T, body map[string]interface{}, fields ...string) {
	t.Helper()

	for _, field := range fields {
		if _, ok := body[field]; !ok {
			t.Errorf("response missing field %q: %v", field, body)
		}
	}
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testInitContract verifies the init response carries every contract field
// with the derived chunk arithmetic.
func (h *Harness) testInitContract(t *testing.T) {
	// 10 bytes at 4 bytes per chunk derives 3 chunks
	body := h.initSession(t, `{"filename":"contract.mp4","file_size":10}`)

	requireFields(t, body,
		"upload_id", "video_id", "filename", "file_size", "total_chunks",
		"chunk_size", "progress_percent", "is_complete", "created_at", "expires_at")

	if got := body["total_chunks"].(float64); got != 3 {
		t.Errorf("total_chunks: got %v want 3", got)
	}
	if got := body["is_complete"].(bool); got {
		t.Error("is_complete at init: got true want false")
	}
}

// testChunkContract verifies chunk acknowledgements: counts, progress, and
// idempotent duplicate handling.
func (h *Harness) testChunkContract(t *testing.T) {
	created := h.initSession(t, `{"filename":"chunks.mp4","file_size":8}`)
	uploadID := created["upload_id"].(string)

	status, body := h.postChunk(t, uploadID, 1, []byte("aaaa"))
	if status != http.StatusOK {
		t.Fatalf("chunk expected 200, got %d (%v)", status, body)
	}
	requireFields(t, body, "chunk_number", "uploaded_chunks", "total_chunks", "progress_percent")
	if got := body["progress_percent"].(float64); got != 50 {
		t.Errorf("progress_percent after 1 of 2: got %v want 50", got)
	}

	// Duplicate submission acknowledges without advancing the count
	status, body = h.postChunk(t, uploadID, 1, []byte("aaaa"))
	if status != http.StatusOK {
		t.Fatalf("duplicate chunk expected 200, got %d", status)
	}
	if dup, ok := body["duplicate"].(bool); !ok || !dup {
		t.Errorf("duplicate: got %v want true", body["duplicate"])
	}
	if got := body["uploaded_chunks"].(float64); got != 1 {
		t.Errorf("uploaded_chunks after duplicate: got %v want 1", got)
	}
}

// testStatusContract verifies the resume contract: exact uploaded and
// missing chunk lists.
func (h *Harness) testStatusContract(t *testing.T) {
	created := h.initSession(t, `{"filename":"status.mp4","file_size":12}`)
	uploadID := created["upload_id"].(string)

	// Upload chunks 1 and 3, leaving a hole at 2
	if status, _ := h.postChunk(t, uploadID, 1, []byte("aaaa")); status != http.StatusOK {
		t.Fatalf("chunk 1 expected 200, got %d", status)
	}
	if status, _ := h.postChunk(t, uploadID, 3, []byte("cccc")); status != http.StatusOK {
		t.Fatalf("chunk 3 expected 200, got %d", status)
	}

	status, body := h.getJSON(t, "/upload/"+uploadID+"/status")
	if status != http.StatusOK {
		t.Fatalf("status expected 200, got %d", status)
	}

	requireFields(t, body,
		"upload_id", "video_id", "status", "progress_percent", "uploaded_chunks",
		"total_chunks", "uploaded_chunk_list", "missing_chunk_list", "missing_count",
		"is_complete", "expires_at")

	uploaded := body["uploaded_chunk_list"].([]interface{})
	missing := body["missing_chunk_list"].([]interface{})
	if len(uploaded) != 2 || uploaded[0].(float64) != 1 || uploaded[1].(float64) != 3 {
		t.Errorf("uploaded_chunk_list: got %v want [1 3]", uploaded)
	}
	if len(missing) != 1 || missing[0].(float64) != 2 {
		t.Errorf("missing_chunk_list: got %v want [2]", missing)
	}
	if got := body["missing_count"].(float64); got != 1 {
		t.Errorf("missing_count: got %v want 1", got)
	}
}

// testCompleteContract verifies completion: the premature-complete error
// body names the gaps, and the success body carries the verified artifact.
func (h *Harness) testCompleteContract(t *testing.T) {
	created := h.initSession(t, `{"filename":"complete.mp4","file_size":8}`)
	uploadID := created["upload_id"].(string)

	if status, _ := h.postChunk(t, uploadID, 2, []byte("bbbb")); status != http.StatusOK {
		t.Fatalf("chunk 2 expected 200, got %d", status)
	}

	// Premature completion must name the missing chunks
	status, body := h.postJSON(t, "/upload/complete", fmt.Sprintf(`{"upload_id":%q}`, uploadID))
	if status != http.StatusBadRequest {
		t.Fatalf("premature complete expected 400, got %d", status)
	}
	if body["code"] != "ING_INCOMPLETE" {
		t.Errorf("premature complete code: got %v want ING_INCOMPLETE", body["code"])
	}
	requireFields(t, body, "error", "missing_chunks", "missing_count")

	if status, _ = h.postChunk(t, uploadID, 1, []byte("aaaa")); status != http.StatusOK {
		t.Fatalf("chunk 1 expected 200, got %d", status)
	}

	status, body = h.postJSON(t, "/upload/complete", fmt.Sprintf(`{"upload_id":%q}`, uploadID))
	if status != http.StatusOK {
		t.Fatalf("complete expected 200, got %d (%v)", status, body)
	}
	requireFields(t, body,
		"id", "status", "filename", "original_filename", "file_size",
		"file_hash", "upload_duration_ms", "throughput_bps")
	if got := body["file_size"].(float64); got != 8 {
		t.Errorf("file_size: got %v want 8", got)
	}
	if hash, ok := body["file_hash"].(string); !ok || len(hash) != 64 {
		t.Errorf("file_hash: got %v want a 64-char sha256 hex digest", body["file_hash"])
	}

	// Completing twice must conflict
	status, body = h.postJSON(t, "/upload/complete", fmt.Sprintf(`{"upload_id":%q}`, uploadID))
	if status != http.StatusConflict {
		t.Errorf("re-complete expected 409, got %d", status)
	}
	if body["code"] != "ING_CONFLICT" {
		t.Errorf("re-complete code: got %v want ING_CONFLICT", body["code"])
	}
}

// testErrorTaxonomy verifies that error responses are flat bodies carrying
// the documented codes.
func (h *Harness) testErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name       string
		run        func(t *testing.T) (int, map[string]interface{})
		wantStatus int
		wantCode   string
	}{
		{
			name: "schema reject",
			run: func(t *testing.T) (int, map[string]interface{}) {
				return h.postJSON(t, "/upload/init", `{"file_size":8}`)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "ING_SCHEMA_REJECT",
		},
		{
			name: "validation",
			run: func(t *testing.T) (int, map[string]interface{}) {
				return h.postJSON(t, "/upload/init", `{"filename":"nope.txt","file_size":8}`)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "ING_VALIDATION",
		},
		{
			name: "too large",
			run: func(t *testing.T) (int, map[string]interface{}) {
				return h.postJSON(t, "/upload/init", fmt.Sprintf(`{"filename":"big.mp4","file_size":%d}`, int64(1)<<30))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "ING_TOO_LARGE",
		},
		{
			name: "not found",
			run: func(t *testing.T) (int, map[string]interface{}) {
				return h.postJSON(t, "/upload/complete", `{"upload_id":"01UNKNOWNSESSION"}`)
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "ING_NOT_FOUND",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := tc.run(t)
			if status != tc.wantStatus {
				t.Errorf("expected status %d, got %d (%v)", tc.wantStatus, status, body)
			}
			if body["code"] != tc.wantCode {
				t.Errorf("expected code %s, got %v", tc.wantCode, body["code"])
			}
			if _, ok := body["error"].(string); !ok {
				t.Errorf("expected a flat error message string, got %v", body["error"])
			}
		})
	}
}
