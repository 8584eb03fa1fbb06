// internal/storage/memory_test.go
// Package storage provides unit tests for the in-memory Store, focused on
// the compare-and-set transition semantics the upload lifecycle leans on.
package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/model"
)

func newSession(id string, status model.SessionStatus, expiresAt time.Time) model.UploadSession {
	now := time.Now().UTC()
	return model.UploadSession{
		ID:          id,
		VideoID:     "vid-" + id,
		TotalSize:   8,
		ChunkSize:   4,
		TotalChunks: 2,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expiresAt,
	}
}

// TestSessionCRUD verifies create, read, and duplicate-create behavior.
func TestSessionCRUD(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	session := newSession("s1", model.SessionPending, time.Now().Add(time.Hour))
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.CreateSession(ctx, session); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateSession: got %v want ErrConflict", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != "s1" || got.Status != model.SessionPending || got.TotalChunks != 2 {
		t.Errorf("GetSession: got %+v", got)
	}

	// Reads return copies; callers mutating them must not corrupt the store
	got.Status = model.SessionFailed
	again, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if again.Status != model.SessionPending {
		t.Errorf("stored session mutated through a returned copy: got %s", again.Status)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession on unknown ID: got %v want ErrNotFound", err)
	}
}

// TestTransitionSession verifies the CAS distinguishes a missing session
// from a lost race.
func TestTransitionSession(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	session := newSession("s1", model.SessionPending, time.Now().Add(time.Hour))
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := store.TransitionSession(ctx, "s1", model.SessionPending, model.SessionUploading); err != nil {
		t.Fatalf("TransitionSession: %v", err)
	}

	// The expected status no longer matches
	err := store.TransitionSession(ctx, "s1", model.SessionPending, model.SessionUploading)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale transition: got %v want ErrConflict", err)
	}

	err = store.TransitionSession(ctx, "missing", model.SessionPending, model.SessionUploading)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("transition on unknown ID: got %v want ErrNotFound", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.SessionUploading {
		t.Errorf("status after transitions: got %s want %s", got.Status, model.SessionUploading)
	}
	if !got.UpdatedAt.After(session.UpdatedAt) {
		t.Errorf("UpdatedAt not advanced by transition")
	}
}

// TestTransitionSessionConcurrent verifies exactly one of many racing CAS
// calls wins.
func TestTransitionSessionConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	session := newSession("s1", model.SessionUploading, time.Now().Add(time.Hour))
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	outcomes := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- store.TransitionSession(ctx, "s1", model.SessionUploading, model.SessionAssembling)
		}()
	}
	wg.Wait()
	close(outcomes)

	var won, conflicted int
	for err := range outcomes {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConflict):
			conflicted++
		default:
			t.Errorf("unexpected transition error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("winning transitions: got %d want 1", won)
	}
	if conflicted != racers-1 {
		t.Errorf("conflicted transitions: got %d want %d", conflicted, racers-1)
	}
}

// TestListExpiredSessions verifies only overdue pending and uploading
// sessions are returned, oldest deadline first, bounded by limit.
func TestListExpiredSessions(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	sessions := []model.UploadSession{
		newSession("overdue-upl", model.SessionUploading, now.Add(-2*time.Hour)),
		newSession("overdue-pend", model.SessionPending, now.Add(-time.Hour)),
		newSession("live", model.SessionUploading, now.Add(time.Hour)),
		newSession("done", model.SessionCompleted, now.Add(-time.Hour)),
		newSession("assembling", model.SessionAssembling, now.Add(-time.Hour)),
	}
	for _, s := range sessions {
		if err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession(%s): %v", s.ID, err)
		}
	}

	expired, err := store.ListExpiredSessions(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredSessions: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired sessions: got %d want 2", len(expired))
	}
	if expired[0].ID != "overdue-upl" || expired[1].ID != "overdue-pend" {
		t.Errorf("expired order: got [%s %s] want [overdue-upl overdue-pend]", expired[0].ID, expired[1].ID)
	}

	limited, err := store.ListExpiredSessions(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListExpiredSessions with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "overdue-upl" {
		t.Errorf("limited list: got %v want just overdue-upl", limited)
	}
}

// TestListStaleAssembling verifies only assembling sessions whose last
// update predates the cutoff are returned.
func TestListStaleAssembling(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newSession("stale", model.SessionAssembling, now.Add(time.Hour))
	stale.UpdatedAt = now.Add(-2 * time.Hour)
	fresh := newSession("fresh", model.SessionAssembling, now.Add(time.Hour))
	fresh.UpdatedAt = now.Add(-time.Minute)
	uploading := newSession("uploading", model.SessionUploading, now.Add(time.Hour))
	uploading.UpdatedAt = now.Add(-2 * time.Hour)

	for _, s := range []model.UploadSession{stale, fresh, uploading} {
		if err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession(%s): %v", s.ID, err)
		}
	}

	got, err := store.ListStaleAssembling(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListStaleAssembling: %v", err)
	}
	if len(got) != 1 || got[0].ID != "stale" {
		t.Errorf("stale assembling: got %v want just stale", got)
	}
}

// TestVideoCRUD verifies video create, read, update, and status changes.
func TestVideoCRUD(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	video := model.Video{
		ID:       "v1",
		Filename: "v1.mp4",
		FileSize: 8,
		Status:   model.VideoUploading,
	}
	if err := store.CreateVideo(ctx, video); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if err := store.CreateVideo(ctx, video); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateVideo: got %v want ErrConflict", err)
	}

	video.FileHash = "abc123"
	video.Status = model.VideoUploaded
	if err := store.UpdateVideo(ctx, video); err != nil {
		t.Fatalf("UpdateVideo: %v", err)
	}

	got, err := store.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if got.FileHash != "abc123" || got.Status != model.VideoUploaded {
		t.Errorf("GetVideo after update: got %+v", got)
	}

	if err := store.UpdateVideoStatus(ctx, "v1", model.VideoQueued); err != nil {
		t.Fatalf("UpdateVideoStatus: %v", err)
	}
	got, err = store.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if got.Status != model.VideoQueued {
		t.Errorf("status after UpdateVideoStatus: got %s want %s", got.Status, model.VideoQueued)
	}

	if err := store.UpdateVideo(ctx, model.Video{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateVideo on unknown ID: got %v want ErrNotFound", err)
	}
	if err := store.UpdateVideoStatus(ctx, "missing", model.VideoFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateVideoStatus on unknown ID: got %v want ErrNotFound", err)
	}
	if _, err := store.GetVideo(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVideo on unknown ID: got %v want ErrNotFound", err)
	}
}

// TestUploadMetrics verifies metric rows come back newest first and respect
// the limit.
func TestUploadMetrics(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		metric := model.UploadMetric{
			ID:       string(rune('a' + i)),
			VideoID:  "v1",
			FileSize: int64(i * 100),
		}
		if err := store.CreateUploadMetric(ctx, metric); err != nil {
			t.Fatalf("CreateUploadMetric: %v", err)
		}
	}

	rows, err := store.ListUploadMetrics(ctx, 2)
	if err != nil {
		t.Fatalf("ListUploadMetrics: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("metric rows: got %d want 2", len(rows))
	}
	if rows[0].FileSize != 300 || rows[1].FileSize != 200 {
		t.Errorf("metric order: got sizes [%d %d] want [300 200]", rows[0].FileSize, rows[1].FileSize)
	}

	all, err := store.ListUploadMetrics(ctx, 0)
	if err != nil {
		t.Fatalf("ListUploadMetrics unlimited: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unlimited metric rows: got %d want 3", len(all))
	}
}
