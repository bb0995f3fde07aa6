package ingest

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmwatts/fieldsync/internal/store"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		DefaultProject:   "proj-default",
		Logger:           log.New(os.Stderr, "[test] ", 0),
	}
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestScanExistingRegistersMedia(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	photo := writeFile(t, dir, "site-entrance.jpg", []byte("jpeg"))
	video := writeFile(t, dir, "walkthrough.mp4", []byte("mp4"))
	writeFile(t, dir, "notes.txt", []byte("ignored"))

	w, err := New(st, dir, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	if err := w.ScanExisting(ctx); err != nil {
		t.Fatalf("ScanExisting failed: %v", err)
	}

	gotPhoto, err := st.MediaByFileRef(ctx, photo)
	if err != nil {
		t.Fatalf("photo not registered: %v", err)
	}
	if gotPhoto.Kind != "photo" || gotPhoto.ProjectID != "proj-default" {
		t.Errorf("photo kind=%s project=%s", gotPhoto.Kind, gotPhoto.ProjectID)
	}
	if gotPhoto.SyncStatus != store.StatusPending {
		t.Errorf("photo status = %s, want pending", gotPhoto.SyncStatus)
	}

	gotVideo, err := st.MediaByFileRef(ctx, video)
	if err != nil {
		t.Fatalf("video not registered: %v", err)
	}
	if gotVideo.Kind != "video" {
		t.Errorf("video kind = %s", gotVideo.Kind)
	}

	if _, err := st.MediaByFileRef(ctx, filepath.Join(dir, "notes.txt")); !store.ErrNotFound(err) {
		t.Error("text file was registered as media")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	photo := writeFile(t, dir, "rebar.jpg", []byte("jpeg"))

	w, err := New(st, dir, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 3; i++ {
		if err := w.Register(ctx, photo); err != nil {
			t.Fatalf("Register %d failed: %v", i+1, err)
		}
	}

	media, err := st.PendingMedia(ctx)
	if err != nil {
		t.Fatalf("PendingMedia failed: %v", err)
	}
	if len(media) != 1 {
		t.Fatalf("registered %d records for one file, want 1", len(media))
	}
}

func TestSidecarMetadata(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	photo := writeFile(t, dir, "culvert.jpg", []byte("jpeg"))
	writeFile(t, dir, "culvert.jpg.json",
		[]byte(`{"project_id":"proj-7","latitude":27.71,"longitude":85.32}`))

	w, err := New(st, dir, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	if err := w.Register(ctx, photo); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := st.MediaByFileRef(ctx, photo)
	if err != nil {
		t.Fatalf("MediaByFileRef failed: %v", err)
	}
	if got.ProjectID != "proj-7" {
		t.Errorf("project = %s, want proj-7 from sidecar", got.ProjectID)
	}
	if got.Latitude == nil || *got.Latitude != 27.71 {
		t.Errorf("latitude = %v, want 27.71", got.Latitude)
	}
	if got.Longitude == nil || *got.Longitude != 85.32 {
		t.Errorf("longitude = %v, want 85.32", got.Longitude)
	}
}

func TestRegisterRequiresProject(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()
	cfg := testConfig()
	cfg.DefaultProject = ""

	photo := writeFile(t, dir, "orphan.jpg", []byte("jpeg"))

	w, err := New(st, dir, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	if err := w.Register(context.Background(), photo); err == nil {
		t.Error("expected registration without a project to fail")
	}
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()

	w, err := New(st, dir, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the watch a moment to attach before dropping the file.
	time.Sleep(100 * time.Millisecond)
	photo := writeFile(t, dir, "new-arrival.jpg", []byte("jpeg"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := st.MediaByFileRef(context.Background(), photo); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dropped file never registered")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
