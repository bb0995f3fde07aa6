package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertTrack creates a new, unsealed GPS track row. Waypoints are
// appended separately as the recorder flushes its buffer.
func (s *Store) InsertTrack(ctx context.Context, track *GpsTrack) error {
	if track.TrackID == "" {
		return fmt.Errorf("track_id is required")
	}
	if track.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}

	query := `
	INSERT INTO gps_tracks (
		track_id, project_id, name, waypoint_count, total_distance_m,
		start_time_ms, sealed, linked_media_id, sync_status
	) VALUES (?, ?, ?, 0, 0, ?, 0, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		track.TrackID,
		track.ProjectID,
		track.Name,
		track.StartTimeMs,
		stringToNull(track.LinkedMediaID),
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to insert track %s: %w", track.TrackID, err)
	}
	return nil
}

// AppendWaypoints persists a batch of waypoints and updates the track's
// running count and distance in the same transaction, so the aggregate
// can never drift from the stored rows on a crash.
func (s *Store) AppendWaypoints(ctx context.Context, trackID string, wps []GpsWaypoint, addedDistanceM float64) error {
	if len(wps) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
	INSERT INTO waypoints (
		track_id, seq, latitude, longitude, altitude,
		accuracy, speed, bearing, timestamp_ms, video_offset_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, wp := range wps {
		_, err := tx.ExecContext(ctx, insert,
			trackID,
			wp.Seq,
			wp.Latitude,
			wp.Longitude,
			floatToNull(wp.Altitude),
			wp.Accuracy,
			floatToNull(wp.Speed),
			floatToNull(wp.Bearing),
			wp.TimestampMs,
			wp.VideoOffsetMs,
		)
		if err != nil {
			return fmt.Errorf("failed to insert waypoint %d: %w", wp.Seq, err)
		}
	}

	update := `
	UPDATE gps_tracks
	SET waypoint_count = waypoint_count + ?,
	    total_distance_m = total_distance_m + ?
	WHERE track_id = ? AND sealed = 0
	`
	res, err := tx.ExecContext(ctx, update, len(wps), addedDistanceM, trackID)
	if err != nil {
		return fmt.Errorf("failed to update track aggregates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check track update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cannot append to track %s: missing or sealed", trackID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit waypoint batch: %w", err)
	}
	return nil
}

// SealTrack marks a track as complete. A sealed track accepts no more
// waypoints and becomes a sync candidate.
func (s *Store) SealTrack(ctx context.Context, trackID string, endTimeMs int64) error {
	query := `
	UPDATE gps_tracks
	SET sealed = 1, end_time_ms = ?, sync_status = ?
	WHERE track_id = ? AND sealed = 0
	`
	res, err := s.conn.ExecContext(ctx, query, endTimeMs, string(StatusPending), trackID)
	if err != nil {
		return fmt.Errorf("failed to seal track %s: %w", trackID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check seal result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cannot seal track %s: missing or already sealed", trackID)
	}
	return nil
}

// LinkTrackMedia binds a media asset to a track. The linkage carries
// through to the server on the track's next push.
func (s *Store) LinkTrackMedia(ctx context.Context, trackID, mediaID string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE gps_tracks SET linked_media_id = ? WHERE track_id = ?`, mediaID, trackID)
	if err != nil {
		return fmt.Errorf("failed to link media to track %s: %w", trackID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check media link: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cannot link media: track %s not found", trackID)
	}
	return nil
}

// TrackByID retrieves a single track. Returns sql.ErrNoRows if not found.
func (s *Store) TrackByID(ctx context.Context, trackID string) (*GpsTrack, error) {
	rows, err := s.conn.QueryContext(ctx, trackSelect+` WHERE track_id = ?`, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query track: %w", err)
	}
	defer rows.Close()

	tracks, err := scanTracks(rows)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, sql.ErrNoRows
	}
	return tracks[0], nil
}

// TracksByProject lists all tracks for a project, newest first.
func (s *Store) TracksByProject(ctx context.Context, projectID string) ([]*GpsTrack, error) {
	query := trackSelect + ` WHERE project_id = ? ORDER BY start_time_ms DESC`
	rows, err := s.conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	return scanTracks(rows)
}

// UnsealedTracks lists tracks that were interrupted before Stop, for
// crash recovery on startup.
func (s *Store) UnsealedTracks(ctx context.Context) ([]*GpsTrack, error) {
	rows, err := s.conn.QueryContext(ctx, trackSelect+` WHERE sealed = 0 ORDER BY start_time_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsealed tracks: %w", err)
	}
	defer rows.Close()

	return scanTracks(rows)
}

// PendingTracks lists sealed tracks awaiting upload, oldest first.
func (s *Store) PendingTracks(ctx context.Context) ([]*GpsTrack, error) {
	query := trackSelect + ` WHERE sealed = 1 AND sync_status = ? ORDER BY start_time_ms ASC`
	rows, err := s.conn.QueryContext(ctx, query, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tracks: %w", err)
	}
	defer rows.Close()

	return scanTracks(rows)
}

// Waypoints returns a track's waypoints in capture order.
func (s *Store) Waypoints(ctx context.Context, trackID string) ([]GpsWaypoint, error) {
	query := `
	SELECT seq, latitude, longitude, altitude, accuracy,
	       speed, bearing, timestamp_ms, video_offset_ms
	FROM waypoints
	WHERE track_id = ?
	ORDER BY seq ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query waypoints: %w", err)
	}
	defer rows.Close()

	var wps []GpsWaypoint
	for rows.Next() {
		var wp GpsWaypoint
		var alt, speed, bearing sql.NullFloat64

		err := rows.Scan(
			&wp.Seq,
			&wp.Latitude,
			&wp.Longitude,
			&alt,
			&wp.Accuracy,
			&speed,
			&bearing,
			&wp.TimestampMs,
			&wp.VideoOffsetMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waypoint: %w", err)
		}

		wp.Altitude = nullToFloat(alt)
		wp.Speed = nullToFloat(speed)
		wp.Bearing = nullToFloat(bearing)
		wps = append(wps, wp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waypoints: %w", err)
	}
	return wps, nil
}

// SetTrackSyncing transitions a track to syncing and bumps attempts.
func (s *Store) SetTrackSyncing(ctx context.Context, trackID string) error {
	query := `UPDATE gps_tracks SET sync_status = ?, attempts = attempts + 1 WHERE track_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusSyncing), trackID); err != nil {
		return fmt.Errorf("failed to mark track syncing: %w", err)
	}
	return nil
}

// SetTrackSynced records a successful track upload.
func (s *Store) SetTrackSynced(ctx context.Context, trackID, serverID string) error {
	query := `
	UPDATE gps_tracks SET sync_status = ?, server_id = ?, sync_error = ''
	WHERE track_id = ? AND server_id IS NULL
	`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusSynced), serverID, trackID); err != nil {
		return fmt.Errorf("failed to mark track synced: %w", err)
	}
	return nil
}

// SetTrackPending requeues a track for another attempt.
func (s *Store) SetTrackPending(ctx context.Context, trackID string) error {
	query := `UPDATE gps_tracks SET sync_status = ?, sync_error = '' WHERE track_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusPending), trackID); err != nil {
		return fmt.Errorf("failed to mark track pending: %w", err)
	}
	return nil
}

// SetTrackFailed records a terminal track upload failure.
func (s *Store) SetTrackFailed(ctx context.Context, trackID, reason string) error {
	query := `UPDATE gps_tracks SET sync_status = ?, sync_error = ? WHERE track_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, string(StatusFailed), reason, trackID); err != nil {
		return fmt.Errorf("failed to mark track failed: %w", err)
	}
	return nil
}

const trackSelect = `
	SELECT track_id, server_id, project_id, name, waypoint_count,
	       total_distance_m, start_time_ms, end_time_ms, sealed,
	       linked_media_id, sync_status, sync_error, attempts
	FROM gps_tracks
`

// scanTracks scans query results into tracks.
func scanTracks(rows *sql.Rows) ([]*GpsTrack, error) {
	var tracks []*GpsTrack

	for rows.Next() {
		var t GpsTrack
		var serverID, mediaID sql.NullString
		var endTime sql.NullInt64
		var sealed int
		var status string

		err := rows.Scan(
			&t.TrackID,
			&serverID,
			&t.ProjectID,
			&t.Name,
			&t.WaypointCount,
			&t.TotalDistanceM,
			&t.StartTimeMs,
			&endTime,
			&sealed,
			&mediaID,
			&status,
			&t.SyncError,
			&t.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}

		if serverID.Valid {
			t.ServerID = serverID.String
		}
		if mediaID.Valid {
			t.LinkedMediaID = mediaID.String
		}
		if endTime.Valid {
			v := endTime.Int64
			t.EndTimeMs = &v
		}
		t.Sealed = sealed != 0
		t.SyncStatus = SyncStatus(status)

		tracks = append(tracks, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracks: %w", err)
	}
	return tracks, nil
}
