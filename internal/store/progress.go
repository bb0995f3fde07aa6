package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertProgressLog persists a newly appended progress log entry with
// sync_status = pending. The insert is a single statement, so the entry
// and its status land atomically.
func (s *Store) InsertProgressLog(ctx context.Context, entry *ProgressLogEntry) error {
	if entry.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if entry.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if entry.Percentage < 0 || entry.Percentage > 100 {
		return fmt.Errorf("percentage must be between 0 and 100 (got %v)", entry.Percentage)
	}

	query := `
	INSERT INTO progress_logs (
		local_id, project_id, percentage, description,
		latitude, longitude, accuracy,
		prev_hash, curr_hash, created_at_ms, sync_status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		entry.LocalID,
		entry.ProjectID,
		entry.Percentage,
		entry.Description,
		floatToNull(entry.Latitude),
		floatToNull(entry.Longitude),
		floatToNull(entry.Accuracy),
		entry.PrevHash,
		entry.CurrHash,
		entry.CreatedAt.UnixMilli(),
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to insert progress log %s: %w", entry.LocalID, err)
	}
	return nil
}

// ProgressByProject returns all progress entries for a project ordered by
// creation time, oldest first. This is the chain order used by Verify.
func (s *Store) ProgressByProject(ctx context.Context, projectID string) ([]*ProgressLogEntry, error) {
	query := progressSelect + `
	WHERE project_id = ?
	ORDER BY created_at_ms ASC, local_id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress logs: %w", err)
	}
	defer rows.Close()

	return scanProgressLogs(rows)
}

// ProgressByLocalID retrieves a single entry.
// Returns sql.ErrNoRows if not found.
func (s *Store) ProgressByLocalID(ctx context.Context, localID string) (*ProgressLogEntry, error) {
	query := progressSelect + ` WHERE local_id = ?`

	rows, err := s.conn.QueryContext(ctx, query, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress log: %w", err)
	}
	defer rows.Close()

	entries, err := scanProgressLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sql.ErrNoRows
	}
	return entries[0], nil
}

// HeadHash returns the curr_hash of the most recent locally known entry
// for a project, or ("", nil) if the project has no entries yet.
func (s *Store) HeadHash(ctx context.Context, projectID string) (string, error) {
	query := `
	SELECT curr_hash FROM progress_logs
	WHERE project_id = ?
	ORDER BY created_at_ms DESC, local_id DESC
	LIMIT 1
	`

	var hash string
	err := s.conn.QueryRowContext(ctx, query, projectID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query head hash: %w", err)
	}
	return hash, nil
}

// HeadEntry returns the most recent locally known entry for a project,
// or nil if the project has no entries yet.
func (s *Store) HeadEntry(ctx context.Context, projectID string) (*ProgressLogEntry, error) {
	query := progressSelect + `
	WHERE project_id = ?
	ORDER BY created_at_ms DESC, local_id DESC
	LIMIT 1
	`

	rows, err := s.conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query head entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanProgressLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// ProjectsWithPendingProgress lists distinct projects that have at least
// one pending progress entry, so the sync engine can drain each project's
// sub-queue independently.
func (s *Store) ProjectsWithPendingProgress(ctx context.Context) ([]string, error) {
	query := `
	SELECT DISTINCT project_id FROM progress_logs
	WHERE sync_status = ?
	ORDER BY project_id
	`

	rows, err := s.conn.QueryContext(ctx, query, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextPendingProgress returns the oldest pending entry for a project, or
// sql.ErrNoRows when the project's queue is drained. Entries are pushed
// strictly in creation order, so this is the only entry the engine may
// attempt for the project.
func (s *Store) NextPendingProgress(ctx context.Context, projectID string) (*ProgressLogEntry, error) {
	query := progressSelect + `
	WHERE project_id = ? AND sync_status = ?
	ORDER BY created_at_ms ASC, local_id ASC
	LIMIT 1
	`

	rows, err := s.conn.QueryContext(ctx, query, projectID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query next pending entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanProgressLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sql.ErrNoRows
	}
	return entries[0], nil
}

// SetProgressSyncing transitions an entry to syncing and bumps its
// attempt counter in the same statement.
func (s *Store) SetProgressSyncing(ctx context.Context, localID string) error {
	query := `
	UPDATE progress_logs
	SET sync_status = ?, attempts = attempts + 1
	WHERE local_id = ?
	`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusSyncing), localID); err != nil {
		return fmt.Errorf("failed to mark progress syncing: %w", err)
	}
	return nil
}

// SetProgressSynced records a successful push. server_id is set exactly
// once, only here.
func (s *Store) SetProgressSynced(ctx context.Context, localID, serverID string) error {
	query := `
	UPDATE progress_logs
	SET sync_status = ?, server_id = ?, sync_error = ''
	WHERE local_id = ? AND server_id IS NULL
	`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusSynced), serverID, localID); err != nil {
		return fmt.Errorf("failed to mark progress synced: %w", err)
	}
	return nil
}

// SetProgressPending returns a failed or in-flight entry to the queue for
// another attempt.
func (s *Store) SetProgressPending(ctx context.Context, localID string) error {
	query := `UPDATE progress_logs SET sync_status = ?, sync_error = '' WHERE local_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusPending), localID); err != nil {
		return fmt.Errorf("failed to mark progress pending: %w", err)
	}
	return nil
}

// SetProgressFailed records a terminal failure with its reason.
func (s *Store) SetProgressFailed(ctx context.Context, localID, reason string) error {
	query := `UPDATE progress_logs SET sync_status = ?, sync_error = ? WHERE local_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusFailed), reason, localID); err != nil {
		return fmt.Errorf("failed to mark progress failed: %w", err)
	}
	return nil
}

// RechainProgress rewrites hash links and timestamps after a server
// conflict, in one transaction so the local chain is never half-relinked.
// Only valid for entries that were never accepted by the server.
func (s *Store) RechainProgress(ctx context.Context, entries []*ProgressLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	UPDATE progress_logs
	SET prev_hash = ?, curr_hash = ?, created_at_ms = ?
	WHERE local_id = ? AND server_id IS NULL
	`
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, query, e.PrevHash, e.CurrHash, e.CreatedAt.UnixMilli(), e.LocalID)
		if err != nil {
			return fmt.Errorf("failed to re-chain progress log %s: %w", e.LocalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check re-chain result: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("cannot re-chain %s: entry missing or already synced", e.LocalID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit re-chain: %w", err)
	}
	return nil
}

// ReplaceProjectChain swaps a project's full local chain for the
// authoritative one fetched from the server. Runs in one transaction so a
// crash never leaves a half-replaced chain.
func (s *Store) ReplaceProjectChain(ctx context.Context, projectID string, entries []*ProgressLogEntry) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM progress_logs WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to clear project chain: %w", err)
	}

	insert := `
	INSERT INTO progress_logs (
		local_id, server_id, project_id, percentage, description,
		latitude, longitude, accuracy,
		prev_hash, curr_hash, created_at_ms, sync_status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, insert,
			e.LocalID,
			stringToNull(e.ServerID),
			e.ProjectID,
			e.Percentage,
			e.Description,
			floatToNull(e.Latitude),
			floatToNull(e.Longitude),
			floatToNull(e.Accuracy),
			e.PrevHash,
			e.CurrHash,
			e.CreatedAt.UnixMilli(),
			string(StatusSynced),
		)
		if err != nil {
			return fmt.Errorf("failed to insert resynced entry %s: %w", e.LocalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chain replacement: %w", err)
	}
	return nil
}

const progressSelect = `
	SELECT local_id, server_id, project_id, percentage, description,
	       latitude, longitude, accuracy,
	       prev_hash, curr_hash, created_at_ms,
	       sync_status, sync_error, attempts
	FROM progress_logs
`

// scanProgressLogs scans query results into entries.
func scanProgressLogs(rows *sql.Rows) ([]*ProgressLogEntry, error) {
	var entries []*ProgressLogEntry

	for rows.Next() {
		var e ProgressLogEntry
		var serverID sql.NullString
		var lat, lon, acc sql.NullFloat64
		var createdAtMs int64
		var status string

		err := rows.Scan(
			&e.LocalID,
			&serverID,
			&e.ProjectID,
			&e.Percentage,
			&e.Description,
			&lat,
			&lon,
			&acc,
			&e.PrevHash,
			&e.CurrHash,
			&createdAtMs,
			&status,
			&e.SyncError,
			&e.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress log: %w", err)
		}

		if serverID.Valid {
			e.ServerID = serverID.String
		}
		e.Latitude = nullToFloat(lat)
		e.Longitude = nullToFloat(lon)
		e.Accuracy = nullToFloat(acc)
		e.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		e.SyncStatus = SyncStatus(status)

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress logs: %w", err)
	}
	return entries, nil
}

// floatToNull converts a float pointer to a nullable SQL float.
func floatToNull(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullToFloat converts a nullable SQL float to a float pointer.
func nullToFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

// stringToNull converts an optional string to a nullable SQL string.
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
