// internal/assemble/assembler_test.go
// Package assemble provides unit tests for chunk concatenation and the
// integrity checks guarding it.
package assemble

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/chunkio"
	"github.com/StreamVault/streamvault-ingest-go/internal/model"
)

// newTestStore returns a chunk store over a test-scoped directory.
func newTestStore(t *testing.T) *chunkio.Store {
	t.Helper()
	store, err := chunkio.New(t.TempDir(), 2, 8)
	if err != nil {
		t.Fatalf("failed to create chunk store: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// testSession builds a session shaped for the given payload and chunk size.
func testSession(id string, totalSize, chunkSize int64) model.UploadSession {
	return model.UploadSession{
		ID:          id,
		VideoID:     "vid-" + id,
		TotalSize:   totalSize,
		ChunkSize:   chunkSize,
		TotalChunks: int((totalSize + chunkSize - 1) / chunkSize),
		Status:      model.SessionAssembling,
		CreatedAt:   time.Now().UTC(),
	}
}

// stageChunks writes a payload into the store split at chunkSize.
func stageChunks(t *testing.T, store *chunkio.Store, sessionID string, payload []byte, chunkSize int) {
	t.Helper()
	ctx := context.Background()
	for n, start := 1, 0; start < len(payload); n, start = n+1, start+chunkSize {
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := store.WriteChunk(ctx, sessionID, n, payload[start:end]); err != nil {
			t.Fatalf("failed to stage chunk %d: %v", n, err)
		}
	}
}

// TestAssembleRoundTrip verifies the artifact carries the exact payload
// bytes and reports a matching SHA-256.
func TestAssembleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	asm := New(store, 0)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	session := testSession("s1", int64(len(payload)), 8)
	stageChunks(t, store, session.ID, payload, 8)

	result, err := asm.Assemble(context.Background(), session, "s1.mp4")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if result.Size != int64(len(payload)) {
		t.Errorf("size: got %d want %d", result.Size, len(payload))
	}
	wantHash := sha256.Sum256(payload)
	if result.SHA256 != hex.EncodeToString(wantHash[:]) {
		t.Errorf("hash: got %s want %s", result.SHA256, hex.EncodeToString(wantHash[:]))
	}
	if result.Path != store.RawPath("s1.mp4") {
		t.Errorf("path: got %s want %s", result.Path, store.RawPath("s1.mp4"))
	}

	got, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("artifact bytes do not match the staged payload")
	}
}

// TestAssembleMissingChunk verifies a gap in the staged chunks fails with
// ErrIntegrity and produces no artifact.
func TestAssembleMissingChunk(t *testing.T) {
	store := newTestStore(t)
	asm := New(store, 0)

	session := testSession("s1", 12, 4)
	ctx := context.Background()
	// Stage chunks 1 and 3, leaving a hole at 2
	if err := store.WriteChunk(ctx, session.ID, 1, []byte("aaaa")); err != nil {
		t.Fatalf("failed to stage chunk 1: %v", err)
	}
	if err := store.WriteChunk(ctx, session.ID, 3, []byte("cccc")); err != nil {
		t.Fatalf("failed to stage chunk 3: %v", err)
	}

	_, err := asm.Assemble(ctx, session, "s1.mp4")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Assemble with gap: got %v want ErrIntegrity", err)
	}

	assertNoArtifacts(t, store, session.ID, "s1.mp4")
}

// TestAssembleWrongChunkSize verifies a staged chunk of the wrong length
// fails with ErrIntegrity.
func TestAssembleWrongChunkSize(t *testing.T) {
	store := newTestStore(t)
	asm := New(store, 0)

	session := testSession("s1", 8, 4)
	ctx := context.Background()
	if err := store.WriteChunk(ctx, session.ID, 1, []byte("aaaa")); err != nil {
		t.Fatalf("failed to stage chunk 1: %v", err)
	}
	// The final chunk should be 4 bytes but carries 2
	if err := store.WriteChunk(ctx, session.ID, 2, []byte("bb")); err != nil {
		t.Fatalf("failed to stage chunk 2: %v", err)
	}

	_, err := asm.Assemble(ctx, session, "s1.mp4")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Assemble with short chunk: got %v want ErrIntegrity", err)
	}

	assertNoArtifacts(t, store, session.ID, "s1.mp4")
}

// TestAssembleSizeMismatch verifies a session whose declared size disagrees
// with its chunk math fails with ErrIntegrity.
func TestAssembleSizeMismatch(t *testing.T) {
	store := newTestStore(t)
	asm := New(store, 0)

	// TotalChunks claims one 4-byte chunk but the declared size is 6
	session := model.UploadSession{
		ID:          "s1",
		TotalSize:   6,
		ChunkSize:   4,
		TotalChunks: 1,
		Status:      model.SessionAssembling,
	}
	if err := store.WriteChunk(context.Background(), session.ID, 1, []byte("aaaa")); err != nil {
		t.Fatalf("failed to stage chunk 1: %v", err)
	}

	_, err := asm.Assemble(context.Background(), session, "s1.mp4")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Assemble with size mismatch: got %v want ErrIntegrity", err)
	}
}

// TestAssembleCanceled verifies a canceled context aborts assembly cleanly.
func TestAssembleCanceled(t *testing.T) {
	store := newTestStore(t)
	asm := New(store, 0)

	payload := bytes.Repeat([]byte("x"), 16)
	session := testSession("s1", 16, 4)
	stageChunks(t, store, session.ID, payload, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := asm.Assemble(ctx, session, "s1.mp4")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Assemble with canceled context: got %v want context.Canceled", err)
	}

	assertNoArtifacts(t, store, session.ID, "s1.mp4")
}

// assertNoArtifacts checks neither the partial nor the final artifact was
// left behind by a failed assembly.
func assertNoArtifacts(t *testing.T, store *chunkio.Store, sessionID, finalName string) {
	t.Helper()

	partial := filepath.Join(store.SessionDir(sessionID), "artifact.partial")
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Errorf("partial artifact left behind: stat err %v", err)
	}
	if _, err := os.Stat(store.RawPath(finalName)); !os.IsNotExist(err) {
		t.Errorf("final artifact exists after failed assembly: stat err %v", err)
	}
}

// TestCopyFileRoundTrip verifies the rename fallback lands the exact bytes
// at the destination and leaves no staging file beside it.
func TestCopyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	payload := bytes.Repeat([]byte("chunk"), 1024)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read destination: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("destination bytes do not match the source")
	}
	if _, err := os.Stat(dst + ".partial"); !os.IsNotExist(err) {
		t.Errorf("staging file left beside the destination: stat err %v", err)
	}
}

// TestCopyFileFailureLeavesNothing verifies a failed copy removes its
// staging file and never creates the destination name.
func TestCopyFileFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst.bin")

	// A directory opens fine but fails on read, aborting the copy midway
	if err := os.Mkdir(src, 0o755); err != nil {
		t.Fatalf("failed to create source dir: %v", err)
	}

	if err := copyFile(src, dst); err == nil {
		t.Fatalf("copyFile from a directory: got nil want error")
	}

	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("destination exists after failed copy: stat err %v", err)
	}
	if _, err := os.Stat(dst + ".partial"); !os.IsNotExist(err) {
		t.Errorf("staging file left behind after failed copy: stat err %v", err)
	}
}
