// Package engine drains the local record store's pending mutations to
// the remote service.
//
// Ordering guarantees:
//   - Progress log entries are pushed strictly in creation order within
//     each project; a later entry is never attempted before an earlier
//     one reaches a terminal outcome.
//   - Distinct projects drain in parallel, bounded by a worker limit, so
//     one slow or failing project never stalls the others.
//   - Media and GPS tracks carry no cross-entity ordering and are pushed
//     concurrently with progress logs.
//
// Failure handling follows the error taxonomy of the remote package:
// transient errors retry with exponential backoff up to a configured
// attempt limit, chain-head conflicts are resolved by re-chaining atop
// the authoritative head, and validation rejections fail permanently.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dmwatts/fieldsync/internal/chain"
	"github.com/dmwatts/fieldsync/internal/remote"
	"github.com/dmwatts/fieldsync/internal/store"
)

// Config holds engine tuning knobs.
type Config struct {
	// MaxAttempts is how many transient failures a record survives
	// before it is parked as failed and left for manual retry.
	MaxAttempts int

	// BackoffBase is the first retry delay; doubles per attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration

	// RequestTimeout bounds each push; exceeding it counts as a network
	// error.
	RequestTimeout time.Duration

	// Workers bounds concurrent pushes across projects and entity types.
	Workers int

	// DrainInterval is how often the background loop re-scans the store.
	DrainInterval time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    5,
		BackoffBase:    2 * time.Second,
		BackoffCap:     60 * time.Second,
		RequestTimeout: 30 * time.Second,
		Workers:        4,
		DrainInterval:  15 * time.Second,
		Logger:         log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Engine drains pending records from the store to the remote boundary.
type Engine struct {
	store    *store.Store
	remote   remote.Client
	chain    *chain.Builder
	config   *Config
	notifier *Notifier
	gate     *backoffGate
}

// New creates a sync engine. The chain builder is used to re-chain
// entries after server conflicts.
func New(st *store.Store, rc remote.Client, cb *chain.Builder, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Engine{
		store:    st,
		remote:   rc,
		chain:    cb,
		config:   config,
		notifier: NewNotifier(),
		gate:     newBackoffGate(),
	}
}

// Notifier exposes the engine's status change stream.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// Counts returns current sync status counts per entity type.
func (e *Engine) Counts(ctx context.Context) (map[store.EntityType]store.StatusCounts, error) {
	return e.store.AllStatusCounts(ctx)
}

// Run drains the store periodically until ctx is cancelled. This is the
// background task independent of any UI lifecycle.
func (e *Engine) Run(ctx context.Context) error {
	e.config.Logger.Println("Sync engine started")

	ticker := time.NewTicker(e.config.DrainInterval)
	defer ticker.Stop()

	// Records stranded in the syncing state by a crash mid-push are
	// requeued before the first pass retries them.
	if n, err := e.store.ResetInterrupted(ctx); err != nil {
		e.config.Logger.Printf("Recovery error: %v", err)
	} else if n > 0 {
		e.config.Logger.Printf("Requeued %d records interrupted mid-push", n)
	}

	// Initial pass picks up records left over from the previous run.
	if err := e.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.config.Logger.Printf("Drain error: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.config.Logger.Println("Sync engine stopped")
			return nil
		case <-ticker.C:
			if err := e.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.config.Logger.Printf("Drain error: %v", err)
			}
		}
	}
}

// Drain performs one full pass over the pending queues: every project's
// progress sub-queue, all sealed pending tracks and all pending media.
// Work is spread across a bounded worker pool; the call returns once the
// pass completes.
func (e *Engine) Drain(ctx context.Context) error {
	sem := make(chan struct{}, e.config.Workers)
	var wg sync.WaitGroup

	run := func(task func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			task()
		}()
	}

	projects, err := e.store.ProjectsWithPendingProgress(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending projects: %w", err)
	}
	for _, projectID := range projects {
		projectID := projectID
		run(func() { e.drainProjectProgress(ctx, projectID) })
	}

	tracks, err := e.store.PendingTracks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending tracks: %w", err)
	}
	for _, t := range tracks {
		t := t
		run(func() { e.pushTrack(ctx, t) })
	}

	media, err := e.store.PendingMedia(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending media: %w", err)
	}
	for _, m := range media {
		m := m
		run(func() { e.pushMedia(ctx, m) })
	}

	wg.Wait()
	return ctx.Err()
}

// RetryFailed returns every failed record to pending for another round
// of automatic attempts. Used by the manual retry surface.
func (e *Engine) RetryFailed(ctx context.Context) error {
	rows, err := e.store.RawDB().QueryContext(ctx,
		`SELECT local_id, project_id FROM progress_logs WHERE sync_status = ?`, string(store.StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to list failed progress: %w", err)
	}
	type rec struct{ id, project string }
	var failed []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.project); err != nil {
			rows.Close()
			return err
		}
		failed = append(failed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range failed {
		if err := e.store.SetProgressPending(ctx, r.id); err != nil {
			return err
		}
		e.gate.clear("progress:" + r.id)
		e.publish(store.EntityProgress, r.id, r.project, store.StatusPending, "")
	}

	tracks, err := e.failedIDs(ctx, "gps_tracks", "track_id")
	if err != nil {
		return err
	}
	for _, id := range tracks {
		if err := e.store.SetTrackPending(ctx, id); err != nil {
			return err
		}
		e.gate.clear("track:" + id)
		e.publish(store.EntityTrack, id, "", store.StatusPending, "")
	}

	media, err := e.failedIDs(ctx, "media_assets", "local_id")
	if err != nil {
		return err
	}
	for _, id := range media {
		if err := e.store.SetMediaPending(ctx, id); err != nil {
			return err
		}
		e.gate.clear("media:" + id)
		e.publish(store.EntityMedia, id, "", store.StatusPending, "")
	}

	return nil
}

// ResyncProject replaces a project's local chain with the server's
// authoritative chain, clearing any integrity block. This is the
// recovery action for ChainIntegrityError and the only repair path.
func (e *Engine) ResyncProject(ctx context.Context, projectID string) error {
	authoritative, err := e.remote.FetchChain(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to fetch authoritative chain: %w", err)
	}
	if err := e.chain.Resync(ctx, projectID, authoritative); err != nil {
		return fmt.Errorf("failed to resync project %s: %w", projectID, err)
	}
	e.config.Logger.Printf("Resynced project %s from server (%d entries)", projectID, len(authoritative))
	return nil
}

// RefreshProject updates the local mirror of a project from the server.
func (e *Engine) RefreshProject(ctx context.Context, projectID string) (*store.ProjectMirror, error) {
	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	p, err := e.remote.FetchProject(cctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch project %s: %w", projectID, err)
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}
	if err := e.store.UpsertProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// drainProjectProgress pushes a project's pending entries strictly in
// creation order. The loop stops at the first entry that does not reach
// a terminal outcome this pass, preserving FIFO for the project.
func (e *Engine) drainProjectProgress(ctx context.Context, projectID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := e.store.NextPendingProgress(ctx, projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		if err != nil {
			e.config.Logger.Printf("Error reading queue for %s: %v", projectID, err)
			return
		}

		if !e.gate.eligible("progress:" + entry.LocalID) {
			return
		}

		outcome := e.pushProgress(ctx, entry)
		switch outcome {
		case store.StatusSynced:
			continue
		case store.StatusFailed:
			// Terminal; later entries may proceed.
			continue
		default:
			// Requeued with backoff; keep this project's FIFO intact.
			return
		}
	}
}

// pushProgress attempts one entry and returns the status it ended at.
func (e *Engine) pushProgress(ctx context.Context, entry *store.ProgressLogEntry) store.SyncStatus {
	if err := e.store.SetProgressSyncing(ctx, entry.LocalID); err != nil {
		e.config.Logger.Printf("Storage error on %s: %v", entry.LocalID, err)
		return store.StatusPending
	}
	attempt := entry.Attempts + 1
	e.publish(store.EntityProgress, entry.LocalID, entry.ProjectID, store.StatusSyncing, "")

	serverID, err := e.callPushProgress(ctx, entry)
	if err == nil {
		if err := e.store.SetProgressSynced(ctx, entry.LocalID, serverID); err != nil {
			e.config.Logger.Printf("Storage error on %s: %v", entry.LocalID, err)
			return store.StatusPending
		}
		e.gate.clear("progress:" + entry.LocalID)
		e.publish(store.EntityProgress, entry.LocalID, entry.ProjectID, store.StatusSynced, "")
		return store.StatusSynced
	}

	var conflict *remote.ConflictError
	if errors.As(err, &conflict) {
		return e.resolveConflict(ctx, entry, conflict, attempt)
	}

	return e.handlePushError(ctx, entry, attempt, err)
}

// resolveConflict re-chains a rejected entry atop the server's
// authoritative head and retries the push once. Entries are append-only
// and never edited, so re-linking is the only conflict resolution. The
// head is always refetched: its timestamp is needed to re-stamp the
// entry after it.
func (e *Engine) resolveConflict(ctx context.Context, entry *store.ProgressLogEntry, conflict *remote.ConflictError, attempt int) store.SyncStatus {
	if conflict.AuthoritativeHead != "" && entry.PrevHash == conflict.AuthoritativeHead {
		// Server disagreed but the head matches what we sent; treat as a
		// transient hiccup rather than looping on re-chains.
		return e.handlePushError(ctx, entry, attempt,
			&remote.TransientError{Op: "conflict", Err: fmt.Errorf("server head equals pushed previous hash")})
	}

	head, err := e.fetchHead(ctx, entry.ProjectID)
	if err != nil {
		return e.handlePushError(ctx, entry, attempt, err)
	}
	if entry.PrevHash == head.CurrentHash {
		return e.handlePushError(ctx, entry, attempt,
			&remote.TransientError{Op: "conflict", Err: fmt.Errorf("server head equals pushed previous hash")})
	}

	e.config.Logger.Printf("Re-chaining %s atop head %.12s", entry.LocalID, head.CurrentHash)
	rechained, err := e.chain.Rechain(ctx, entry, head.CurrentHash, time.UnixMilli(head.CreatedAtMs).UTC())
	if err != nil {
		e.config.Logger.Printf("Re-chain failed for %s: %v", entry.LocalID, err)
		if serr := e.store.SetProgressFailed(ctx, entry.LocalID, "conflict re-chain failed: "+err.Error()); serr != nil {
			e.config.Logger.Printf("Storage error on %s: %v", entry.LocalID, serr)
		}
		e.publish(store.EntityProgress, entry.LocalID, entry.ProjectID, store.StatusFailed, err.Error())
		return store.StatusFailed
	}

	serverID, err := e.callPushProgress(ctx, rechained)
	if err == nil {
		if err := e.store.SetProgressSynced(ctx, rechained.LocalID, serverID); err != nil {
			e.config.Logger.Printf("Storage error on %s: %v", rechained.LocalID, err)
			return store.StatusPending
		}
		e.gate.clear("progress:" + rechained.LocalID)
		e.publish(store.EntityProgress, rechained.LocalID, rechained.ProjectID, store.StatusSynced, "")
		return store.StatusSynced
	}

	// A second rejection (conflict or otherwise) goes through the normal
	// retry budget; repeated re-chain failures eventually park as failed.
	return e.handlePushError(ctx, rechained, attempt, err)
}

// handlePushError routes a push failure: transient errors requeue with
// backoff until the attempt budget runs out, everything else is
// permanent.
func (e *Engine) handlePushError(ctx context.Context, entry *store.ProgressLogEntry, attempt int, err error) store.SyncStatus {
	var validation *remote.ValidationError
	if errors.As(err, &validation) {
		e.config.Logger.Printf("Validation failure on %s: %s", entry.LocalID, validation.Detail)
		if serr := e.store.SetProgressFailed(ctx, entry.LocalID, "validation: "+validation.Detail); serr != nil {
			e.config.Logger.Printf("Storage error on %s: %v", entry.LocalID, serr)
		}
		e.publish(store.EntityProgress, entry.LocalID, entry.ProjectID, store.StatusFailed, validation.Detail)
		return store.StatusFailed
	}

	if attempt >= e.config.MaxAttempts {
		e.config.Logger.Printf("Giving up on %s after %d attempts: %v", entry.LocalID, attempt, err)
		if serr := e.store.SetProgressFailed(ctx, entry.LocalID, err.Error()); serr != nil {
			e.config.Logger.Printf("Storage error on %s: %v", entry.LocalID, serr)
		}
		e.publish(store.EntityProgress, entry.LocalID, entry.ProjectID, store.StatusFailed, err.Error())
		return store.StatusFailed
	}

	e.config.Logger.Printf("Attempt %d/%d failed on %s: %v", attempt, e.config.MaxAttempts, entry.LocalID, err)
	if serr := e.store.SetProgressPending(ctx, entry.LocalID); serr != nil {
		e.config.Logger.Printf("Storage error on %s: %v", entry.LocalID, serr)
	}
	e.gate.delay("progress:"+entry.LocalID, attempt, e.config.BackoffBase, e.config.BackoffCap)
	e.publish(store.EntityProgress, entry.LocalID, entry.ProjectID, store.StatusPending, "")
	return store.StatusPending
}

// callPushProgress performs one bounded push request.
func (e *Engine) callPushProgress(ctx context.Context, entry *store.ProgressLogEntry) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	return e.remote.PushProgress(cctx, remote.ProgressPush{
		LocalID:     entry.LocalID,
		ProjectID:   entry.ProjectID,
		Percentage:  entry.Percentage,
		Description: entry.Description,
		PrevHash:    entry.PrevHash,
		CurrHash:    entry.CurrHash,
		CreatedAtMs: entry.CreatedAt.UnixMilli(),
		Latitude:    entry.Latitude,
		Longitude:   entry.Longitude,
	})
}

// fetchHead performs one bounded head request.
func (e *Engine) fetchHead(ctx context.Context, projectID string) (*remote.Head, error) {
	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()
	return e.remote.FetchHead(cctx, projectID)
}

// pushTrack attempts one sealed track upload.
func (e *Engine) pushTrack(ctx context.Context, t *store.GpsTrack) {
	if !e.gate.eligible("track:" + t.TrackID) {
		return
	}

	if err := e.store.SetTrackSyncing(ctx, t.TrackID); err != nil {
		e.config.Logger.Printf("Storage error on track %s: %v", t.TrackID, err)
		return
	}
	attempt := t.Attempts + 1
	e.publish(store.EntityTrack, t.TrackID, t.ProjectID, store.StatusSyncing, "")

	wps, err := e.store.Waypoints(ctx, t.TrackID)
	if err != nil {
		e.config.Logger.Printf("Storage error on track %s: %v", t.TrackID, err)
		_ = e.store.SetTrackPending(ctx, t.TrackID)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	serverID, err := e.remote.PushTrack(cctx, remote.TrackPush{
		LocalID:        t.TrackID,
		ProjectID:      t.ProjectID,
		Name:           t.Name,
		Waypoints:      wps,
		WaypointCount:  t.WaypointCount,
		TotalDistanceM: t.TotalDistanceM,
		StartTimeMs:    t.StartTimeMs,
		EndTimeMs:      t.EndTimeMs,
		LinkedMediaID:  t.LinkedMediaID,
	})
	cancel()

	switch {
	case err == nil:
		if serr := e.store.SetTrackSynced(ctx, t.TrackID, serverID); serr != nil {
			e.config.Logger.Printf("Storage error on track %s: %v", t.TrackID, serr)
			return
		}
		e.gate.clear("track:" + t.TrackID)
		e.publish(store.EntityTrack, t.TrackID, t.ProjectID, store.StatusSynced, "")

	case isValidation(err):
		e.config.Logger.Printf("Validation failure on track %s: %v", t.TrackID, err)
		_ = e.store.SetTrackFailed(ctx, t.TrackID, err.Error())
		e.publish(store.EntityTrack, t.TrackID, t.ProjectID, store.StatusFailed, err.Error())

	case attempt >= e.config.MaxAttempts:
		e.config.Logger.Printf("Giving up on track %s after %d attempts: %v", t.TrackID, attempt, err)
		_ = e.store.SetTrackFailed(ctx, t.TrackID, err.Error())
		e.publish(store.EntityTrack, t.TrackID, t.ProjectID, store.StatusFailed, err.Error())

	default:
		e.config.Logger.Printf("Attempt %d/%d failed on track %s: %v", attempt, e.config.MaxAttempts, t.TrackID, err)
		_ = e.store.SetTrackPending(ctx, t.TrackID)
		e.gate.delay("track:"+t.TrackID, attempt, e.config.BackoffBase, e.config.BackoffCap)
		e.publish(store.EntityTrack, t.TrackID, t.ProjectID, store.StatusPending, "")
	}
}

// pushMedia attempts one media asset registration.
func (e *Engine) pushMedia(ctx context.Context, m *store.MediaAsset) {
	if !e.gate.eligible("media:" + m.LocalID) {
		return
	}

	if err := e.store.SetMediaSyncing(ctx, m.LocalID); err != nil {
		e.config.Logger.Printf("Storage error on media %s: %v", m.LocalID, err)
		return
	}
	attempt := m.Attempts + 1
	e.publish(store.EntityMedia, m.LocalID, m.ProjectID, store.StatusSyncing, "")

	cctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	serverID, err := e.remote.PushMedia(cctx, remote.MediaPush{
		LocalID:   m.LocalID,
		ProjectID: m.ProjectID,
		FileRef:   m.FileRef,
		Kind:      m.Kind,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
	})
	cancel()

	switch {
	case err == nil:
		if serr := e.store.SetMediaSynced(ctx, m.LocalID, serverID); serr != nil {
			e.config.Logger.Printf("Storage error on media %s: %v", m.LocalID, serr)
			return
		}
		e.gate.clear("media:" + m.LocalID)
		e.publish(store.EntityMedia, m.LocalID, m.ProjectID, store.StatusSynced, "")

	case isValidation(err):
		e.config.Logger.Printf("Validation failure on media %s: %v", m.LocalID, err)
		_ = e.store.SetMediaFailed(ctx, m.LocalID, err.Error())
		e.publish(store.EntityMedia, m.LocalID, m.ProjectID, store.StatusFailed, err.Error())

	case attempt >= e.config.MaxAttempts:
		e.config.Logger.Printf("Giving up on media %s after %d attempts: %v", m.LocalID, attempt, err)
		_ = e.store.SetMediaFailed(ctx, m.LocalID, err.Error())
		e.publish(store.EntityMedia, m.LocalID, m.ProjectID, store.StatusFailed, err.Error())

	default:
		e.config.Logger.Printf("Attempt %d/%d failed on media %s: %v", attempt, e.config.MaxAttempts, m.LocalID, err)
		_ = e.store.SetMediaPending(ctx, m.LocalID)
		e.gate.delay("media:"+m.LocalID, attempt, e.config.BackoffBase, e.config.BackoffCap)
		e.publish(store.EntityMedia, m.LocalID, m.ProjectID, store.StatusPending, "")
	}
}

// failedIDs lists failed record ids from one table.
func (e *Engine) failedIDs(ctx context.Context, table, idCol string) ([]string, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE sync_status = ?`, idCol, table)
	rows, err := e.store.RawDB().QueryContext(ctx, query, string(store.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list failed %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// publish sends a status change to observers.
func (e *Engine) publish(entity store.EntityType, id, projectID string, status store.SyncStatus, errMsg string) {
	e.notifier.Publish(Event{
		Entity:    entity,
		ID:        id,
		ProjectID: projectID,
		Status:    status,
		Error:     errMsg,
	})
}

// isValidation reports whether an error is a permanent validation
// rejection.
func isValidation(err error) bool {
	var ve *remote.ValidationError
	return errors.As(err, &ve)
}
