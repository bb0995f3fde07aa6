package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertMedia registers a locally captured photo or video for upload.
func (s *Store) InsertMedia(ctx context.Context, m *MediaAsset) error {
	if m.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if m.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if m.Kind != "photo" && m.Kind != "video" {
		return fmt.Errorf("kind must be photo or video (got %q)", m.Kind)
	}

	query := `
	INSERT INTO media_assets (
		local_id, project_id, file_ref, kind, latitude, longitude, sync_status
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		m.LocalID,
		m.ProjectID,
		m.FileRef,
		m.Kind,
		floatToNull(m.Latitude),
		floatToNull(m.Longitude),
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to insert media %s: %w", m.LocalID, err)
	}
	return nil
}

// MediaByLocalID retrieves a single media asset.
// Returns sql.ErrNoRows if not found.
func (s *Store) MediaByLocalID(ctx context.Context, localID string) (*MediaAsset, error) {
	rows, err := s.conn.QueryContext(ctx, mediaSelect+` WHERE local_id = ?`, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	assets, err := scanMedia(rows)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, sql.ErrNoRows
	}
	return assets[0], nil
}

// MediaByFileRef looks a media asset up by its on-disk path.
// Used by the ingest watcher to skip files already registered.
func (s *Store) MediaByFileRef(ctx context.Context, fileRef string) (*MediaAsset, error) {
	rows, err := s.conn.QueryContext(ctx, mediaSelect+` WHERE file_ref = ?`, fileRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query media by file: %w", err)
	}
	defer rows.Close()

	assets, err := scanMedia(rows)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, sql.ErrNoRows
	}
	return assets[0], nil
}

// PendingMedia lists media assets awaiting upload.
func (s *Store) PendingMedia(ctx context.Context) ([]*MediaAsset, error) {
	query := mediaSelect + ` WHERE sync_status = ? ORDER BY local_id`
	rows, err := s.conn.QueryContext(ctx, query, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending media: %w", err)
	}
	defer rows.Close()

	return scanMedia(rows)
}

// SetMediaSyncing transitions an asset to syncing and bumps attempts.
func (s *Store) SetMediaSyncing(ctx context.Context, localID string) error {
	query := `UPDATE media_assets SET sync_status = ?, attempts = attempts + 1 WHERE local_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusSyncing), localID); err != nil {
		return fmt.Errorf("failed to mark media syncing: %w", err)
	}
	return nil
}

// SetMediaSynced records a successful media upload.
func (s *Store) SetMediaSynced(ctx context.Context, localID, serverID string) error {
	query := `
	UPDATE media_assets SET sync_status = ?, server_id = ?, sync_error = ''
	WHERE local_id = ? AND server_id IS NULL
	`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusSynced), serverID, localID); err != nil {
		return fmt.Errorf("failed to mark media synced: %w", err)
	}
	return nil
}

// SetMediaPending requeues an asset for another attempt.
func (s *Store) SetMediaPending(ctx context.Context, localID string) error {
	query := `UPDATE media_assets SET sync_status = ?, sync_error = '' WHERE local_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusPending), localID); err != nil {
		return fmt.Errorf("failed to mark media pending: %w", err)
	}
	return nil
}

// SetMediaFailed records a terminal media upload failure.
func (s *Store) SetMediaFailed(ctx context.Context, localID, reason string) error {
	query := `UPDATE media_assets SET sync_status = ?, sync_error = ? WHERE local_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusFailed), reason, localID); err != nil {
		return fmt.Errorf("failed to mark media failed: %w", err)
	}
	return nil
}

const mediaSelect = `
	SELECT local_id, server_id, project_id, file_ref, kind,
	       latitude, longitude, sync_status, sync_error, attempts
	FROM media_assets
`

// scanMedia scans query results into media assets.
func scanMedia(rows *sql.Rows) ([]*MediaAsset, error) {
	var assets []*MediaAsset

	for rows.Next() {
		var m MediaAsset
		var serverID sql.NullString
		var lat, lon sql.NullFloat64
		var status string

		err := rows.Scan(
			&m.LocalID,
			&serverID,
			&m.ProjectID,
			&m.FileRef,
			&m.Kind,
			&lat,
			&lon,
			&status,
			&m.SyncError,
			&m.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}

		if serverID.Valid {
			m.ServerID = serverID.String
		}
		m.Latitude = nullToFloat(lat)
		m.Longitude = nullToFloat(lon)
		m.SyncStatus = SyncStatus(status)

		assets = append(assets, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media: %w", err)
	}
	return assets, nil
}
