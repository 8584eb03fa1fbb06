// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/assemble"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunkio"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunktrack"
	"github.com/StreamVault/streamvault-ingest-go/internal/config"
	"github.com/StreamVault/streamvault-ingest-go/internal/event"
	"github.com/StreamVault/streamvault-ingest-go/internal/ratelimit"
	"github.com/StreamVault/streamvault-ingest-go/internal/storage"
	"github.com/StreamVault/streamvault-ingest-go/internal/upload"
)

// testConfig returns limits small enough that whole uploads fit in a few
// bytes of test payload.
func testConfig() config.Config {
	return config.Config{
		Env:               "test",
		Port:              "0",
		MaxUploadSize:     1 << 20,
		DefaultChunkSize:  4,
		MinChunkSize:      4,
		MaxChunkSize:      64,
		MaxChunks:         100,
		UploadExpiry:      time.Hour,
		SweepInterval:     time.Minute,
		RateWindow:        time.Minute,
		RateInitLimit:     1000,
		RateChunkLimit:    1000,
		AllowedExtensions: []string{"mp4", "mov"},
		WriteWorkers:      2,
		WriteQueueDepth:   16,
	}
}

// newTestMux builds a mux backed entirely by in-memory components and a
// per-test temp directory for chunk staging.
func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()

	cfg := testConfig()
	store := storage.NewMemory()
	tracker := chunktrack.NewMemory()
	limiter := ratelimit.NewMemory(cfg.RateWindow)

	chunks, err := chunkio.New(t.TempDir(), cfg.WriteWorkers, cfg.WriteQueueDepth)
	if err != nil {
		t.Fatalf("failed to create chunk store: %v", err)
	}
	t.Cleanup(chunks.Close)

	asm := assemble.New(chunks, 0)
	uploads := upload.NewManager(cfg, store, tracker, chunks, asm, limiter, event.NewPublisherFromEnv(), nil)

	return NewMux(uploads, store, tracker, cfg.MaxChunkSize)
}

// postJSON sends a JSON body to the given path and returns the recorder.
func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// postChunk sends one multipart chunk submission and returns the recorder.
func postChunk(t *testing.T, mux *http.ServeMux, uploadID string, chunkNumber int, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("upload_id", uploadID); err != nil {
		t.Fatalf("failed to write upload_id field: %v", err)
	}
	if err := mw.WriteField("chunk_number", strconv.Itoa(chunkNumber)); err != nil {
		t.Fatalf("failed to write chunk_number field: %v", err)
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

	req := httptest.NewRequest("POST", "/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// get sends a GET request to the given path and returns the recorder.
func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// decodeBody unmarshals a JSON response body into a generic map.
func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rr.Body.String(), err)
	}
	return body
}

// initSession initializes an upload and returns the decoded response body.
func initSession(t *testing.T, mux *http.ServeMux, body string) map[string]interface{} {
	t.Helper()

	rr := postJSON(t, mux, "/upload/init", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("init returned wrong status code: got %v want %v (body %s)", rr.Code, http.StatusCreated, rr.Body.String())
	}
	return decodeBody(t, rr)
}

// TestHealthzEndpoint tests the healthz endpoint.
// It verifies that the /healthz endpoint returns a 200 OK status
// and the expected response body.
func TestHealthzEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rr := get(t, mux, "/healthz")

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	expected := "ok"
	if rr.Body.String() != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

// TestReadyzEndpoint tests the readyz endpoint.
// It verifies that the /readyz endpoint reports ready when the in-memory
// backends answer their probes.
func TestReadyzEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rr := get(t, mux, "/readyz")

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	expected := "ok"
	if rr.Body.String() != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

// TestMethodNotAllowed verifies that upload endpoints reject mismatched
// HTTP methods.
func TestMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t)

	rr := get(t, mux, "/upload/init")

	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}

	body := decodeBody(t, rr)
	if body["code"] != "ING_BAD_REQUEST" {
		t.Errorf("handler returned wrong error code: got %v want ING_BAD_REQUEST", body["code"])
	}
}

// TestInitUploadValidation tests validation of the init endpoint.
// It verifies that structurally invalid and semantically invalid bodies
// are rejected with the right error codes.
func TestInitUploadValidation(t *testing.T) {
	mux := newTestMux(t)

	cases := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"missing filename", `{"file_size":16}`, "ING_SCHEMA_REJECT"},
		{"missing file_size", `{"filename":"a.mp4"}`, "ING_SCHEMA_REJECT"},
		{"zero file_size", `{"filename":"a.mp4","file_size":0}`, "ING_SCHEMA_REJECT"},
		{"not json", `{{{`, "ING_SCHEMA_REJECT"},
		{"disallowed extension", `{"filename":"a.exe","file_size":16}`, "ING_VALIDATION"},
		{"chunk_size below minimum", `{"filename":"a.mp4","file_size":16,"chunk_size":2}`, "ING_VALIDATION"},
		{"chunk_size above maximum", `{"filename":"a.mp4","file_size":1024,"chunk_size":128}`, "ING_VALIDATION"},
		{"total_chunks mismatch", `{"filename":"a.mp4","file_size":16,"total_chunks":9}`, "ING_VALIDATION"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(t, mux, "/upload/init", tc.body)

			if status := rr.Code; status != http.StatusBadRequest {
				t.Errorf("handler returned wrong status code: got %v want %v (body %s)", status, http.StatusBadRequest, rr.Body.String())
			}

			body := decodeBody(t, rr)
			if body["code"] != tc.wantCode {
				t.Errorf("handler returned wrong error code: got %v want %v", body["code"], tc.wantCode)
			}
		})
	}
}

// TestInitUploadTooLarge verifies that a declared size over the configured
// maximum is rejected with 413 and reports the limit.
func TestInitUploadTooLarge(t *testing.T) {
	mux := newTestMux(t)

	rr := postJSON(t, mux, "/upload/init", fmt.Sprintf(`{"filename":"big.mp4","file_size":%d}`, 2<<20))

	if status := rr.Code; status != http.StatusRequestEntityTooLarge {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusRequestEntityTooLarge)
	}

	body := decodeBody(t, rr)
	if body["code"] != "ING_TOO_LARGE" {
		t.Errorf("handler returned wrong error code: got %v want ING_TOO_LARGE", body["code"])
	}
	if _, ok := body["max_size_bytes"]; !ok {
		t.Errorf("expected max_size_bytes in error body, got %v", body)
	}
}

// TestInitUploadResponse verifies the shape of a successful init response:
// derived chunk count, zero progress, and a fresh expiry.
func TestInitUploadResponse(t *testing.T) {
	mux := newTestMux(t)

	// 10 bytes at 4 bytes per chunk derives 3 chunks
	body := initSession(t, mux, `{"filename":"clip.mp4","file_size":10,"uploader_id":"tester"}`)

	if body["upload_id"] == "" || body["upload_id"] == nil {
		t.Error("expected a non-empty upload_id")
	}
	if body["video_id"] == "" || body["video_id"] == nil {
		t.Error("expected a non-empty video_id")
	}
	if got := body["total_chunks"].(float64); got != 3 {
		t.Errorf("total_chunks: got %v want 3", got)
	}
	if got := body["chunk_size"].(float64); got != 4 {
		t.Errorf("chunk_size: got %v want 4", got)
	}
	if got := body["progress_percent"].(float64); got != 0 {
		t.Errorf("progress_percent: got %v want 0", got)
	}
	if got := body["is_complete"].(bool); got {
		t.Error("is_complete: got true want false")
	}
	if body["filename"] != "clip.mp4" {
		t.Errorf("filename: got %v want clip.mp4", body["filename"])
	}
}

// TestUploadLifecycle drives a whole upload through the wire: init, chunks
// arriving out of order, a premature complete, a duplicate chunk, the real
// complete with hash verification, and the state checks afterwards.
func TestUploadLifecycle(t *testing.T) {
	mux := newTestMux(t)

	payload := []byte("abcdefghij") // 10 bytes => chunks of 4, 4, 2
	chunk1, chunk2, chunk3 := payload[0:4], payload[4:8], payload[8:10]

	created := initSession(t, mux, `{"filename":"clip.mp4","file_size":10,"title":"demo"}`)
	uploadID := created["upload_id"].(string)
	videoID := created["video_id"].(string)

	// Chunks land out of order: 2 then 1
	rr := postChunk(t, mux, uploadID, 2, chunk2)
	if rr.Code != http.StatusOK {
		t.Fatalf("chunk 2 returned wrong status code: got %v want %v (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if got := body["uploaded_chunks"].(float64); got != 1 {
		t.Errorf("uploaded_chunks after chunk 2: got %v want 1", got)
	}

	rr = postChunk(t, mux, uploadID, 1, chunk1)
	if rr.Code != http.StatusOK {
		t.Fatalf("chunk 1 returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body = decodeBody(t, rr)
	if got := body["uploaded_chunks"].(float64); got != 2 {
		t.Errorf("uploaded_chunks after chunk 1: got %v want 2", got)
	}

	// Progress names exactly the missing chunk
	rr = get(t, mux, "/upload/"+uploadID+"/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body = decodeBody(t, rr)
	missing, ok := body["missing_chunk_list"].([]interface{})
	if !ok || len(missing) != 1 || missing[0].(float64) != 3 {
		t.Errorf("missing_chunk_list: got %v want [3]", body["missing_chunk_list"])
	}
	if got := body["is_complete"].(bool); got {
		t.Error("is_complete before final chunk: got true want false")
	}

	// Completing now must fail and name the gap
	rr = postJSON(t, mux, "/upload/complete", fmt.Sprintf(`{"upload_id":%q}`, uploadID))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("premature complete returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}
	body = decodeBody(t, rr)
	if body["code"] != "ING_INCOMPLETE" {
		t.Errorf("premature complete error code: got %v want ING_INCOMPLETE", body["code"])
	}
	if got := body["missing_count"].(float64); got != 1 {
		t.Errorf("missing_count: got %v want 1", got)
	}

	// Re-sending a stored chunk is acknowledged without recounting
	rr = postChunk(t, mux, uploadID, 2, chunk2)
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate chunk returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body = decodeBody(t, rr)
	if got, ok := body["duplicate"].(bool); !ok || !got {
		t.Errorf("duplicate flag: got %v want true", body["duplicate"])
	}
	if got := body["uploaded_chunks"].(float64); got != 2 {
		t.Errorf("uploaded_chunks after duplicate: got %v want 2", got)
	}

	// Final chunk closes the set
	rr = postChunk(t, mux, uploadID, 3, chunk3)
	if rr.Code != http.StatusOK {
		t.Fatalf("chunk 3 returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}

	rr = postJSON(t, mux, "/upload/complete", fmt.Sprintf(`{"upload_id":%q}`, uploadID))
	if rr.Code != http.StatusOK {
		t.Fatalf("complete returned wrong status code: got %v want %v (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	body = decodeBody(t, rr)

	wantHash := sha256.Sum256(payload)
	if body["file_hash"] != hex.EncodeToString(wantHash[:]) {
		t.Errorf("file_hash: got %v want %v", body["file_hash"], hex.EncodeToString(wantHash[:]))
	}
	if got := body["file_size"].(float64); got != 10 {
		t.Errorf("file_size: got %v want 10", got)
	}
	if body["id"] != videoID {
		t.Errorf("video id: got %v want %v", body["id"], videoID)
	}
	if body["original_filename"] != "clip.mp4" {
		t.Errorf("original_filename: got %v want clip.mp4", body["original_filename"])
	}
	if got := body["upload_duration_ms"].(float64); got < 1 {
		t.Errorf("upload_duration_ms: got %v want >= 1", got)
	}

	// Completing again must conflict
	rr = postJSON(t, mux, "/upload/complete", fmt.Sprintf(`{"upload_id":%q}`, uploadID))
	if rr.Code != http.StatusConflict {
		t.Errorf("re-complete returned wrong status code: got %v want %v", rr.Code, http.StatusConflict)
	}

	// So must further chunks
	rr = postChunk(t, mux, uploadID, 1, chunk1)
	if rr.Code != http.StatusConflict {
		t.Errorf("chunk after complete returned wrong status code: got %v want %v", rr.Code, http.StatusConflict)
	}

	// Status reports full presence for the completed session
	rr = get(t, mux, "/upload/"+uploadID+"/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status after complete returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body = decodeBody(t, rr)
	if got := body["is_complete"].(bool); !got {
		t.Error("is_complete after complete: got false want true")
	}
	if got := body["progress_percent"].(float64); got != 100 {
		t.Errorf("progress_percent after complete: got %v want 100", got)
	}

	// The video record advanced past uploaded once the transcode job queued
	rr = get(t, mux, "/videos/"+videoID)
	if rr.Code != http.StatusOK {
		t.Fatalf("get video returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body = decodeBody(t, rr)
	if body["status"] != "queued" {
		t.Errorf("video status: got %v want queued", body["status"])
	}
	if body["file_hash"] != hex.EncodeToString(wantHash[:]) {
		t.Errorf("video file_hash: got %v want %v", body["file_hash"], hex.EncodeToString(wantHash[:]))
	}

	// One metric row exists for the finished upload
	rr = get(t, mux, "/metrics/uploads")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body = decodeBody(t, rr)
	if got := body["count"].(float64); got != 1 {
		t.Errorf("metrics count: got %v want 1", got)
	}
}

// TestChunkUploadUnknownSession verifies that chunks for a session that was
// never initialized are rejected with 404.
func TestChunkUploadUnknownSession(t *testing.T) {
	mux := newTestMux(t)

	rr := postChunk(t, mux, "01J0000000000000000000NOPE", 1, []byte("abcd"))

	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}

	body := decodeBody(t, rr)
	if body["code"] != "ING_NOT_FOUND" {
		t.Errorf("handler returned wrong error code: got %v want ING_NOT_FOUND", body["code"])
	}
}

// TestChunkUploadWrongSize verifies the exact-length rule: a non-final chunk
// smaller than the session chunk size is rejected.
func TestChunkUploadWrongSize(t *testing.T) {
	mux := newTestMux(t)

	created := initSession(t, mux, `{"filename":"clip.mp4","file_size":10}`)
	uploadID := created["upload_id"].(string)

	rr := postChunk(t, mux, uploadID, 1, []byte("ab"))

	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}

	body := decodeBody(t, rr)
	if body["code"] != "ING_VALIDATION" {
		t.Errorf("handler returned wrong error code: got %v want ING_VALIDATION", body["code"])
	}
}

// TestChunkUploadBadNumber tests chunk number validation: out-of-range and
// non-numeric values are rejected before any bytes are stored.
func TestChunkUploadBadNumber(t *testing.T) {
	mux := newTestMux(t)

	created := initSession(t, mux, `{"filename":"clip.mp4","file_size":10}`)
	uploadID := created["upload_id"].(string)

	for _, n := range []int{0, -1, 4} {
		rr := postChunk(t, mux, uploadID, n, []byte("abcd"))
		if status := rr.Code; status != http.StatusBadRequest {
			t.Errorf("chunk_number %d returned wrong status code: got %v want %v", n, status, http.StatusBadRequest)
		}
	}

	// Non-integer chunk_number never reaches the session manager
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("upload_id", uploadID)
	_ = mw.WriteField("chunk_number", "three")
	fw, _ := mw.CreateFormFile("chunk", "blob")
	_, _ = fw.Write([]byte("abcd"))
	_ = mw.Close()

	req := httptest.NewRequest("POST", "/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("non-integer chunk_number returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}
}

// TestUploadStatusNotFound verifies 404s for unknown sessions and malformed
// status paths.
func TestUploadStatusNotFound(t *testing.T) {
	mux := newTestMux(t)

	for _, path := range []string{
		"/upload/01UNKNOWN/status",
		"/upload/missing-the-suffix",
		"/upload/a/b/status",
	} {
		rr := get(t, mux, path)
		if status := rr.Code; status != http.StatusNotFound {
			t.Errorf("%s returned wrong status code: got %v want %v", path, status, http.StatusNotFound)
		}
	}
}

// TestGetVideoNotFound verifies that unknown video ids return 404.
func TestGetVideoNotFound(t *testing.T) {
	mux := newTestMux(t)

	rr := get(t, mux, "/videos/00000000-0000-0000-0000-000000000000")

	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}
}

// TestUploadMetricsEmpty verifies the metrics summary shape with no uploads.
func TestUploadMetricsEmpty(t *testing.T) {
	mux := newTestMux(t)

	rr := get(t, mux, "/metrics/uploads")

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	body := decodeBody(t, rr)
	if got := body["count"].(float64); got != 0 {
		t.Errorf("count: got %v want 0", got)
	}
}

// TestCorrelationIDHeader verifies that a caller-supplied correlation id is
// echoed back and that one is assigned when absent.
func TestCorrelationIDHeader(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("POST", "/upload/init", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("correlation id not echoed: got %q want corr-123", got)
	}

	body := decodeBody(t, rr)
	if body["correlation_id"] != "corr-123" {
		t.Errorf("error body correlation_id: got %v want corr-123", body["correlation_id"])
	}

	rr = postJSON(t, mux, "/upload/init", `{}`)
	if got := rr.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("expected an assigned correlation id header")
	}
}
