package session

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmwatts/fieldsync/internal/store"
	"github.com/dmwatts/fieldsync/internal/track"
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
		GPSTimeout: time.Second,
		Recorder: &track.Config{
			BufferSize:    64,
			FlushBatch:    8,
			FlushInterval: 20 * time.Millisecond,
			Logger:        log.New(os.Stderr, "[test] ", 0),
		},
		Logger: log.New(os.Stderr, "[test] ", 0),
	}
}

func offerWalk(t *testing.T, c *Coordinator, n int, start time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		ok := c.Offer(track.RawLocation{
			Latitude:  27.7 + float64(i)*0.0001,
			Longitude: 85.3 + float64(i)*0.0001,
			Accuracy:  5,
			Timestamp: start.Add(time.Duration(i) * time.Second),
		})
		if !ok {
			t.Fatalf("location %d rejected", i)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := setupTestStore(t)
	c := NewCoordinator(st, testConfig())
	ctx := context.Background()

	if _, ok := c.State().(Idle); !ok {
		t.Fatalf("initial state = %T, want Idle", c.State())
	}

	trackID, err := c.StartSession(ctx, "proj-1", "bridge inspection walk")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, ok := c.State().(Ready); !ok {
		t.Fatalf("state after start = %T, want Ready", c.State())
	}

	// GPS fixes arrive before the camera finishes initializing.
	offerWalk(t, c, 10, time.Now())

	if err := c.OnMediaRecordingStarted("/media/session-001.mp4"); err != nil {
		t.Fatalf("OnMediaRecordingStarted failed: %v", err)
	}
	if _, ok := c.State().(Recording); !ok {
		t.Fatalf("state after media start = %T, want Recording", c.State())
	}

	offerWalk(t, c, 10, time.Now().Add(10*time.Second))

	result, err := c.StopSession(ctx)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if result.Degraded {
		t.Error("session with fixes flagged degraded")
	}
	if result.Track.WaypointCount != 20 {
		t.Errorf("waypoint count = %d, want 20", result.Track.WaypointCount)
	}
	if _, ok := c.State().(Completed); !ok {
		t.Fatalf("state after stop = %T, want Completed", c.State())
	}

	// The video was registered and linked to the sealed track.
	media, err := st.MediaByFileRef(ctx, "/media/session-001.mp4")
	if err != nil {
		t.Fatalf("MediaByFileRef failed: %v", err)
	}
	if media.Kind != "video" {
		t.Errorf("media kind = %s, want video", media.Kind)
	}
	gotTrack, err := st.TrackByID(ctx, trackID)
	if err != nil {
		t.Fatalf("TrackByID failed: %v", err)
	}
	if !gotTrack.Sealed {
		t.Error("track not sealed after stop")
	}
	if gotTrack.LinkedMediaID != media.LocalID {
		t.Errorf("linked media = %q, want %q", gotTrack.LinkedMediaID, media.LocalID)
	}
}

func TestStopFromReadyKeepsTrackOnly(t *testing.T) {
	st := setupTestStore(t)
	c := NewCoordinator(st, testConfig())
	ctx := context.Background()

	trackID, err := c.StartSession(ctx, "proj-1", "camera never started")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	offerWalk(t, c, 5, time.Now())

	result, err := c.StopSession(ctx)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if result.MediaRef != "" {
		t.Errorf("media ref = %q, want empty", result.MediaRef)
	}
	if _, ok := c.State().(Idle); !ok {
		t.Fatalf("state after stop = %T, want Idle", c.State())
	}

	// The partial track is still flushed and sealed.
	gotTrack, err := st.TrackByID(ctx, trackID)
	if err != nil {
		t.Fatalf("TrackByID failed: %v", err)
	}
	if !gotTrack.Sealed || gotTrack.WaypointCount != 5 {
		t.Errorf("track sealed=%v count=%d, want sealed with 5 waypoints", gotTrack.Sealed, gotTrack.WaypointCount)
	}
}

func TestNoGPSFixDegradesToVideoOnly(t *testing.T) {
	st := setupTestStore(t)
	cfg := testConfig()
	cfg.GPSTimeout = 10 * time.Millisecond
	c := NewCoordinator(st, cfg)
	ctx := context.Background()

	trackID, err := c.StartSession(ctx, "proj-1", "tunnel segment")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := c.OnMediaRecordingStarted("/media/tunnel.mp4"); err != nil {
		t.Fatalf("OnMediaRecordingStarted failed: %v", err)
	}

	// No fixes ever arrive; wait past the acquisition timeout.
	time.Sleep(50 * time.Millisecond)

	result, err := c.StopSession(ctx)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if !result.Degraded {
		t.Error("session without fixes not flagged degraded")
	}
	if result.MediaRef != "/media/tunnel.mp4" {
		t.Errorf("media ref = %q", result.MediaRef)
	}

	// The video stands alone; the empty track is not linked to it.
	media, err := st.MediaByFileRef(ctx, "/media/tunnel.mp4")
	if err != nil {
		t.Fatalf("MediaByFileRef failed: %v", err)
	}
	if media.SyncStatus != store.StatusPending {
		t.Errorf("media status = %s, want pending", media.SyncStatus)
	}
	gotTrack, err := st.TrackByID(ctx, trackID)
	if err != nil {
		t.Fatalf("TrackByID failed: %v", err)
	}
	if gotTrack.LinkedMediaID != "" {
		t.Errorf("empty track linked to media %q", gotTrack.LinkedMediaID)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	st := setupTestStore(t)
	c := NewCoordinator(st, testConfig())
	ctx := context.Background()

	if err := c.OnMediaRecordingStarted("/media/early.mp4"); err == nil {
		t.Error("expected media binding to fail before a session opens")
	}

	result, err := c.StopSession(ctx)
	if err != nil || result != nil {
		t.Errorf("StopSession from Idle: result=%v err=%v, want nil, nil", result, err)
	}

	if _, err := c.StartSession(ctx, "proj-1", "first"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := c.StartSession(ctx, "proj-2", "second"); err == nil {
		t.Error("expected second StartSession to fail while active")
	}

	if _, err := c.StopSession(ctx); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
}

func TestOfferOutsideSessionIsRejected(t *testing.T) {
	st := setupTestStore(t)
	c := NewCoordinator(st, testConfig())

	if c.Offer(track.RawLocation{Latitude: 27.7, Longitude: 85.3, Timestamp: time.Now()}) {
		t.Error("location accepted with no session open")
	}
}
