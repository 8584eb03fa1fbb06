// internal/assemble/assembler.go
// Package assemble concatenates staged chunks into the final artifact.
// Assembly is the integrity gate for an upload: every chunk must be present
// with exactly the expected byte length, the assembled size must equal the
// declared size, and the artifact only becomes visible through an atomic
// rename after the SHA-256 has been computed over the full stream.
package assemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/StreamVault/streamvault-ingest-go/internal/chunkio"
	"github.com/StreamVault/streamvault-ingest-go/internal/model"
)

// ErrIntegrity is returned when the staged chunks cannot produce the declared
// artifact: a gap, a short or long chunk, or a total size mismatch. Integrity
// failures are fatal for the session; the caller must not retry assembly.
var ErrIntegrity = errors.New("artifact integrity violation")

// partialName is the work-in-progress file inside the session staging dir.
const partialName = "artifact.partial"

// defaultBufferSize is used when the caller does not size the copy buffer.
const defaultBufferSize = 4 * 1024 * 1024

// Result describes a successfully assembled artifact.
type Result struct {
	Path   string // Final artifact path
	Size   int64  // Assembled size in bytes
	SHA256 string // Hex digest over the assembled bytes
}

// Assembler turns a session's staged chunks into one artifact file.
type Assembler struct {
	chunks  *chunkio.Store
	bufSize int
}

// New creates an assembler reading from and writing to the given chunk store.
func New(chunks *chunkio.Store, bufSize int) *Assembler {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Assembler{chunks: chunks, bufSize: bufSize}
}

// Assemble concatenates the session's chunks in ascending order into
// raw/{finalName}. On any failure the partial file is removed and no final
// artifact appears; the staging directory is left for the caller to clean.
func (a *Assembler) Assemble(ctx context.Context, session model.UploadSession, finalName string) (*Result, error) {
	tempPath := filepath.Join(a.chunks.SessionDir(session.ID), partialName)

	out, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial artifact: %w", err)
	}

	// Remove the partial on every failure path; harmless after a rename
	defer os.Remove(tempPath)

	hasher := sha256.New()
	buffer := make([]byte, a.bufSize)

	var total int64
	for n := 1; n <= session.TotalChunks; n++ {
		if err := ctx.Err(); err != nil {
			out.Close()
			return nil, err
		}

		chunkFile, err := a.chunks.OpenChunk(session.ID, n)
		if err != nil {
			out.Close()
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("chunk %d missing from staging: %w", n, ErrIntegrity)
			}
			return nil, fmt.Errorf("failed to open chunk %d: %w", n, err)
		}

		copied, err := io.CopyBuffer(io.MultiWriter(out, hasher), chunkFile, buffer)
		chunkFile.Close()
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("failed to copy chunk %d: %w", n, err)
		}

		if want := session.ExpectedChunkSize(n); copied != want {
			out.Close()
			return nil, fmt.Errorf("chunk %d is %d bytes, want %d: %w", n, copied, want, ErrIntegrity)
		}

		total += copied
	}

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish partial artifact: %w", err)
	}

	if total != session.TotalSize {
		return nil, fmt.Errorf("assembled %d bytes, declared %d: %w", total, session.TotalSize, ErrIntegrity)
	}

	finalPath := a.chunks.RawPath(finalName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		// Cross-device staging roots cannot rename; fall back to a copy
		if err := copyFile(tempPath, finalPath); err != nil {
			return nil, fmt.Errorf("failed to move artifact: %w", err)
		}
	}

	return &Result{
		Path:   finalPath,
		Size:   total,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// copyFile publishes src at dst across a filesystem boundary. The bytes land
// in a sibling partial file first so dst never names an incomplete artifact;
// a failed copy leaves neither file behind.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	tempPath := dst + ".partial"
	destFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	buffer := make([]byte, 8*1024*1024)
	if _, err := io.CopyBuffer(destFile, sourceFile, buffer); err != nil {
		destFile.Close()
		os.Remove(tempPath)
		return err
	}
	if err := destFile.Sync(); err != nil {
		destFile.Close()
		os.Remove(tempPath)
		return err
	}
	if err := destFile.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}
