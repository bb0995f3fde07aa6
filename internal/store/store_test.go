package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func testEntry(localID, projectID string, pct float64, createdAt time.Time) *ProgressLogEntry {
	return &ProgressLogEntry{
		LocalID:     localID,
		ProjectID:   projectID,
		Percentage:  pct,
		Description: "entry " + localID,
		PrevHash:    "prev-" + localID,
		CurrHash:    "curr-" + localID,
		CreatedAt:   createdAt,
	}
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	if err := st.InitSchema(); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestProgressLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	// Insert out of id order to prove ordering is by creation time.
	if err := st.InsertProgressLog(ctx, testEntry("b", "proj-1", 20, base.Add(time.Second))); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.InsertProgressLog(ctx, testEntry("a", "proj-1", 10, base)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	entries, err := st.ProgressByProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ProgressByProject failed: %v", err)
	}
	if len(entries) != 2 || entries[0].LocalID != "a" || entries[1].LocalID != "b" {
		t.Fatalf("wrong order: %v, %v", entries[0].LocalID, entries[1].LocalID)
	}
	if entries[0].SyncStatus != StatusPending {
		t.Errorf("new entry status = %s, want pending", entries[0].SyncStatus)
	}
	if !entries[0].CreatedAt.Equal(base) {
		t.Errorf("created_at round-trip: got %v, want %v", entries[0].CreatedAt, base)
	}

	head, err := st.HeadEntry(ctx, "proj-1")
	if err != nil {
		t.Fatalf("HeadEntry failed: %v", err)
	}
	if head.LocalID != "b" {
		t.Errorf("head = %s, want b", head.LocalID)
	}

	// pending -> syncing increments attempts.
	if err := st.SetProgressSyncing(ctx, "a"); err != nil {
		t.Fatalf("SetProgressSyncing failed: %v", err)
	}
	got, _ := st.ProgressByLocalID(ctx, "a")
	if got.SyncStatus != StatusSyncing || got.Attempts != 1 {
		t.Errorf("after syncing: status=%s attempts=%d", got.SyncStatus, got.Attempts)
	}

	// syncing -> synced sets server_id exactly once.
	if err := st.SetProgressSynced(ctx, "a", "pl-100"); err != nil {
		t.Fatalf("SetProgressSynced failed: %v", err)
	}
	got, _ = st.ProgressByLocalID(ctx, "a")
	if got.SyncStatus != StatusSynced || got.ServerID != "pl-100" {
		t.Errorf("after synced: status=%s server=%s", got.SyncStatus, got.ServerID)
	}
	// server_id is written exactly once; a replay changes nothing.
	if err := st.SetProgressSynced(ctx, "a", "pl-999"); err != nil {
		t.Fatalf("SetProgressSynced replay errored: %v", err)
	}
	got, _ = st.ProgressByLocalID(ctx, "a")
	if got.ServerID != "pl-100" {
		t.Errorf("server_id overwritten to %s", got.ServerID)
	}

	// failed -> pending clears the error.
	if err := st.SetProgressFailed(ctx, "b", "server said no"); err != nil {
		t.Fatalf("SetProgressFailed failed: %v", err)
	}
	got, _ = st.ProgressByLocalID(ctx, "b")
	if got.SyncStatus != StatusFailed || got.SyncError != "server said no" {
		t.Errorf("after failed: status=%s error=%q", got.SyncStatus, got.SyncError)
	}
	if err := st.SetProgressPending(ctx, "b"); err != nil {
		t.Fatalf("SetProgressPending failed: %v", err)
	}
	got, _ = st.ProgressByLocalID(ctx, "b")
	if got.SyncStatus != StatusPending || got.SyncError != "" {
		t.Errorf("after requeue: status=%s error=%q", got.SyncStatus, got.SyncError)
	}
}

func TestInsertProgressLogValidation(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	cases := []struct {
		name  string
		entry *ProgressLogEntry
	}{
		{"missing local id", testEntry("", "proj-1", 10, now)},
		{"missing project", testEntry("x", "", 10, now)},
		{"percentage too high", testEntry("x", "proj-1", 101, now)},
		{"percentage negative", testEntry("x", "proj-1", -1, now)},
	}
	for _, tc := range cases {
		if err := st.InsertProgressLog(ctx, tc.entry); err == nil {
			t.Errorf("%s: insert unexpectedly succeeded", tc.name)
		}
	}
}

func TestNextPendingSkipsOtherStatuses(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, id := range []string{"a", "b", "c"} {
		if err := st.InsertProgressLog(ctx, testEntry(id, "proj-1", float64(i*10), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	// Oldest pending comes first.
	next, err := st.NextPendingProgress(ctx, "proj-1")
	if err != nil {
		t.Fatalf("NextPendingProgress failed: %v", err)
	}
	if next.LocalID != "a" {
		t.Errorf("next = %s, want a", next.LocalID)
	}

	// A permanently failed entry does not hold up the queue.
	if err := st.SetProgressFailed(ctx, "a", "rejected"); err != nil {
		t.Fatalf("SetProgressFailed failed: %v", err)
	}
	next, err = st.NextPendingProgress(ctx, "proj-1")
	if err != nil {
		t.Fatalf("NextPendingProgress failed: %v", err)
	}
	if next.LocalID != "b" {
		t.Errorf("next = %s, want b", next.LocalID)
	}

	projects, err := st.ProjectsWithPendingProgress(ctx)
	if err != nil {
		t.Fatalf("ProjectsWithPendingProgress failed: %v", err)
	}
	if len(projects) != 1 || projects[0] != "proj-1" {
		t.Errorf("pending projects = %v", projects)
	}
}

func TestReplaceProjectChain(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	if err := st.InsertProgressLog(ctx, testEntry("local-1", "proj-1", 10, base)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.InsertProgressLog(ctx, testEntry("other", "proj-2", 10, base)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	authoritative := []*ProgressLogEntry{
		testEntry("srv-1", "proj-1", 25, base),
		testEntry("srv-2", "proj-1", 50, base.Add(time.Second)),
	}
	authoritative[0].ServerID = "pl-1"
	authoritative[1].ServerID = "pl-2"

	if err := st.ReplaceProjectChain(ctx, "proj-1", authoritative); err != nil {
		t.Fatalf("ReplaceProjectChain failed: %v", err)
	}

	entries, err := st.ProgressByProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ProgressByProject failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("chain length = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.SyncStatus != StatusSynced {
			t.Errorf("replaced entry %s status = %s, want synced", e.LocalID, e.SyncStatus)
		}
	}

	// Other projects untouched.
	others, err := st.ProgressByProject(ctx, "proj-2")
	if err != nil || len(others) != 1 {
		t.Errorf("proj-2 entries = %d (err %v), want 1", len(others), err)
	}
}

func TestTrackSealingRules(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	startMs := time.Now().UnixMilli()

	track := &GpsTrack{TrackID: "trk-1", ProjectID: "proj-1", Name: "spillway walk", StartTimeMs: startMs}
	if err := st.InsertTrack(ctx, track); err != nil {
		t.Fatalf("InsertTrack failed: %v", err)
	}

	wps := []GpsWaypoint{
		{Seq: 0, Latitude: 27.7, Longitude: 85.3, Accuracy: 5, TimestampMs: startMs},
		{Seq: 1, Latitude: 27.701, Longitude: 85.301, Accuracy: 5, TimestampMs: startMs + 1000},
	}
	if err := st.AppendWaypoints(ctx, "trk-1", wps, 150.5); err != nil {
		t.Fatalf("AppendWaypoints failed: %v", err)
	}

	got, _ := st.TrackByID(ctx, "trk-1")
	if got.WaypointCount != 2 || got.TotalDistanceM != 150.5 {
		t.Errorf("aggregates: count=%d distance=%v", got.WaypointCount, got.TotalDistanceM)
	}
	if got.Sealed {
		t.Error("track sealed before Stop")
	}

	// Unsealed tracks are recoverable but not sync candidates.
	unsealed, err := st.UnsealedTracks(ctx)
	if err != nil || len(unsealed) != 1 {
		t.Errorf("unsealed = %d (err %v), want 1", len(unsealed), err)
	}
	pending, err := st.PendingTracks(ctx)
	if err != nil || len(pending) != 0 {
		t.Errorf("pending = %d (err %v), want 0 before seal", len(pending), err)
	}

	if err := st.SealTrack(ctx, "trk-1", startMs+1000); err != nil {
		t.Fatalf("SealTrack failed: %v", err)
	}
	if err := st.SealTrack(ctx, "trk-1", startMs+2000); err == nil {
		t.Error("expected double seal to fail")
	}
	if err := st.AppendWaypoints(ctx, "trk-1", wps[:1], 10); err == nil {
		t.Error("expected append to sealed track to fail")
	}

	pending, err = st.PendingTracks(ctx)
	if err != nil || len(pending) != 1 {
		t.Errorf("pending = %d (err %v), want 1 after seal", len(pending), err)
	}

	stored, err := st.Waypoints(ctx, "trk-1")
	if err != nil {
		t.Fatalf("Waypoints failed: %v", err)
	}
	if len(stored) != 2 || stored[0].Seq != 0 || stored[1].Seq != 1 {
		t.Errorf("waypoints = %+v", stored)
	}
}

func TestStatusCountsCountOnlySealedTracks(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	startMs := time.Now().UnixMilli()

	if err := st.InsertProgressLog(ctx, testEntry("p1", "proj-1", 10, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.InsertTrack(ctx, &GpsTrack{TrackID: "open", ProjectID: "proj-1", Name: "open", StartTimeMs: startMs}); err != nil {
		t.Fatalf("InsertTrack failed: %v", err)
	}
	if err := st.InsertTrack(ctx, &GpsTrack{TrackID: "done", ProjectID: "proj-1", Name: "done", StartTimeMs: startMs}); err != nil {
		t.Fatalf("InsertTrack failed: %v", err)
	}
	if err := st.SealTrack(ctx, "done", startMs+1000); err != nil {
		t.Fatalf("SealTrack failed: %v", err)
	}
	if err := st.InsertMedia(ctx, &MediaAsset{LocalID: "m1", ProjectID: "proj-1", FileRef: "/m/a.jpg", Kind: "photo"}); err != nil {
		t.Fatalf("InsertMedia failed: %v", err)
	}

	counts, err := st.AllStatusCounts(ctx)
	if err != nil {
		t.Fatalf("AllStatusCounts failed: %v", err)
	}
	if counts[EntityProgress].Pending != 1 {
		t.Errorf("progress pending = %d, want 1", counts[EntityProgress].Pending)
	}
	if counts[EntityTrack].Pending != 1 {
		t.Errorf("track pending = %d, want 1 (unsealed excluded)", counts[EntityTrack].Pending)
	}
	if counts[EntityMedia].Pending != 1 {
		t.Errorf("media pending = %d, want 1", counts[EntityMedia].Pending)
	}
}

func TestResetInterruptedRequeuesSyncingRows(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	startMs := time.Now().UnixMilli()

	// One row of each entity type caught mid-upload, plus one already
	// synced entry that must stay untouched.
	if err := st.InsertProgressLog(ctx, testEntry("p1", "proj-1", 10, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.SetProgressSyncing(ctx, "p1"); err != nil {
		t.Fatalf("SetProgressSyncing failed: %v", err)
	}
	if err := st.InsertProgressLog(ctx, testEntry("p2", "proj-1", 20, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.SetProgressSynced(ctx, "p2", "srv-2"); err != nil {
		t.Fatalf("SetProgressSynced failed: %v", err)
	}
	if err := st.InsertTrack(ctx, &GpsTrack{TrackID: "trk-1", ProjectID: "proj-1", Name: "patrol", StartTimeMs: startMs}); err != nil {
		t.Fatalf("InsertTrack failed: %v", err)
	}
	if err := st.SealTrack(ctx, "trk-1", startMs+1000); err != nil {
		t.Fatalf("SealTrack failed: %v", err)
	}
	if err := st.SetTrackSyncing(ctx, "trk-1"); err != nil {
		t.Fatalf("SetTrackSyncing failed: %v", err)
	}
	if err := st.InsertMedia(ctx, &MediaAsset{LocalID: "m1", ProjectID: "proj-1", FileRef: "/m/a.jpg", Kind: "photo"}); err != nil {
		t.Fatalf("InsertMedia failed: %v", err)
	}
	if err := st.SetMediaSyncing(ctx, "m1"); err != nil {
		t.Fatalf("SetMediaSyncing failed: %v", err)
	}

	n, err := st.ResetInterrupted(ctx)
	if err != nil {
		t.Fatalf("ResetInterrupted failed: %v", err)
	}
	if n != 3 {
		t.Errorf("requeued %d rows, want 3", n)
	}

	counts, err := st.AllStatusCounts(ctx)
	if err != nil {
		t.Fatalf("AllStatusCounts failed: %v", err)
	}
	if pc := counts[EntityProgress]; pc.Pending != 1 || pc.Syncing != 0 || pc.Synced != 1 {
		t.Errorf("progress counts = %+v, want pending=1 syncing=0 synced=1", pc)
	}
	if tc := counts[EntityTrack]; tc.Pending != 1 || tc.Syncing != 0 {
		t.Errorf("track counts = %+v, want pending=1 syncing=0", tc)
	}
	if mc := counts[EntityMedia]; mc.Pending != 1 || mc.Syncing != 0 {
		t.Errorf("media counts = %+v, want pending=1 syncing=0", mc)
	}
}

func TestMediaKindValidation(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	bad := &MediaAsset{LocalID: "m1", ProjectID: "proj-1", FileRef: "/m/a.gif", Kind: "gif"}
	if err := st.InsertMedia(ctx, bad); err == nil {
		t.Error("expected unknown media kind to be rejected")
	}
}

func TestProjectUpsert(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	p := &ProjectMirror{ProjectID: "proj-1", Title: "River Crossing", Status: "active", FetchedAt: time.Now().UTC()}
	if err := st.UpsertProject(ctx, p); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}

	p.Title = "River Crossing Phase 2"
	if err := st.UpsertProject(ctx, p); err != nil {
		t.Fatalf("second UpsertProject failed: %v", err)
	}

	got, err := st.Project(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	if got.Title != "River Crossing Phase 2" {
		t.Errorf("title = %q after upsert", got.Title)
	}

	if _, err := st.Project(ctx, "missing"); !ErrNotFound(err) {
		t.Errorf("missing project error = %v, want not-found", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := st.InsertProgressLog(ctx, testEntry("survive", "proj-1", 42, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	st, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()

	got, err := st.ProgressByLocalID(ctx, "survive")
	if err != nil {
		t.Fatalf("entry lost across reopen: %v", err)
	}
	if got.Percentage != 42 {
		t.Errorf("percentage = %v, want 42", got.Percentage)
	}
}
