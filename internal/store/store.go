// Package store provides the durable on-device record store for fieldsync.
//
// The store is an embedded SQLite database (WAL mode) holding cached
// projects, hash-chained progress log entries, GPS tracks with their
// waypoints, and media assets. Every syncable row carries a sync_status
// column, and all multi-field mutations run inside a single transaction
// so a crash can never leave a record without a valid status.
//
// Layout:
//   - Database file: .fieldsync/fieldsync.db
//   - WAL mode: concurrent readers during writes
//   - Tables: projects, progress_logs, gps_tracks, waypoints, media_assets
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with fieldsync-specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".fieldsync/fieldsync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		project_id         TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		location           TEXT,
		contractor         TEXT,
		cost               REAL NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'active',
		physical_progress  REAL NOT NULL DEFAULT 0,
		financial_progress REAL NOT NULL DEFAULT 0,
		fetched_at         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS progress_logs (
		local_id      TEXT PRIMARY KEY,
		server_id     TEXT,
		project_id    TEXT NOT NULL,
		percentage    REAL NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		latitude      REAL,
		longitude     REAL,
		accuracy      REAL,
		prev_hash     TEXT NOT NULL,
		curr_hash     TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		sync_status   TEXT NOT NULL DEFAULT 'pending',
		sync_error    TEXT NOT NULL DEFAULT '',
		attempts      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS gps_tracks (
		track_id         TEXT PRIMARY KEY,
		server_id        TEXT,
		project_id       TEXT NOT NULL,
		name             TEXT NOT NULL,
		waypoint_count   INTEGER NOT NULL DEFAULT 0,
		total_distance_m REAL NOT NULL DEFAULT 0,
		start_time_ms    INTEGER NOT NULL,
		end_time_ms      INTEGER,
		sealed           INTEGER NOT NULL DEFAULT 0,
		linked_media_id  TEXT,
		sync_status      TEXT NOT NULL DEFAULT 'pending',
		sync_error       TEXT NOT NULL DEFAULT '',
		attempts         INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS waypoints (
		track_id        TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		latitude        REAL NOT NULL,
		longitude       REAL NOT NULL,
		altitude        REAL,
		accuracy        REAL NOT NULL DEFAULT 0,
		speed           REAL,
		bearing         REAL,
		timestamp_ms    INTEGER NOT NULL DEFAULT 0,
		video_offset_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (track_id, seq),
		FOREIGN KEY (track_id) REFERENCES gps_tracks(track_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS media_assets (
		local_id    TEXT PRIMARY KEY,
		server_id   TEXT,
		project_id  TEXT NOT NULL,
		file_ref    TEXT NOT NULL,
		kind        TEXT NOT NULL,
		latitude    REAL,
		longitude   REAL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		sync_error  TEXT NOT NULL DEFAULT '',
		attempts    INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_progress_project
	    ON progress_logs(project_id, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_progress_status ON progress_logs(sync_status);
	CREATE INDEX IF NOT EXISTS idx_tracks_project ON gps_tracks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tracks_status ON gps_tracks(sync_status);
	CREATE INDEX IF NOT EXISTS idx_media_project ON media_assets(project_id);
	CREATE INDEX IF NOT EXISTS idx_media_status ON media_assets(sync_status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// AllStatusCounts returns sync status counts for every entity type.
func (s *Store) AllStatusCounts(ctx context.Context) (map[EntityType]StatusCounts, error) {
	tables := map[EntityType]string{
		EntityProgress: "progress_logs",
		EntityTrack:    "gps_tracks",
		EntityMedia:    "media_assets",
	}

	out := make(map[EntityType]StatusCounts, len(tables))
	for entity, table := range tables {
		counts, err := s.statusCounts(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", entity, err)
		}
		out[entity] = counts
	}
	return out, nil
}

// ResetInterrupted requeues rows left in the syncing state by a crash
// mid-push. They are returned to pending so the next drain retries them.
func (s *Store) ResetInterrupted(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"progress_logs", "gps_tracks", "media_assets"} {
		res, err := s.conn.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE sync_status = ?`, table),
			StatusPending, StatusSyncing)
		if err != nil {
			return total, fmt.Errorf("failed to requeue interrupted %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// statusCounts tallies sync_status values for one table.
func (s *Store) statusCounts(ctx context.Context, table string) (StatusCounts, error) {
	// Tracks only become sync candidates once sealed.
	query := fmt.Sprintf(`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, table)
	if table == "gps_tracks" {
		query = `SELECT sync_status, COUNT(*) FROM gps_tracks WHERE sealed = 1 GROUP BY sync_status`
	}

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, err
		}
		switch SyncStatus(status) {
		case StatusPending:
			counts.Pending = n
		case StatusSyncing:
			counts.Syncing = n
		case StatusSynced:
			counts.Synced = n
		case StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}
