package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertProject refreshes the local mirror of a server project.
// Local rows are only ever overwritten by fetched server state.
func (s *Store) UpsertProject(ctx context.Context, p *ProjectMirror) error {
	if p.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}

	query := `
	INSERT INTO projects (
		project_id, title, location, contractor, cost, status,
		physical_progress, financial_progress, fetched_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id) DO UPDATE SET
		title = excluded.title,
		location = excluded.location,
		contractor = excluded.contractor,
		cost = excluded.cost,
		status = excluded.status,
		physical_progress = excluded.physical_progress,
		financial_progress = excluded.financial_progress,
		fetched_at = excluded.fetched_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		p.ProjectID,
		p.Title,
		p.Location,
		p.Contractor,
		p.Cost,
		p.Status,
		p.PhysicalProgress,
		p.FinancialProgress,
		p.FetchedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", p.ProjectID, err)
	}
	return nil
}

// Project retrieves a cached project mirror.
// Returns sql.ErrNoRows if the project was never fetched.
func (s *Store) Project(ctx context.Context, projectID string) (*ProjectMirror, error) {
	query := `
	SELECT project_id, title, location, contractor, cost, status,
	       physical_progress, financial_progress, fetched_at
	FROM projects
	WHERE project_id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, projectID)

	var p ProjectMirror
	var fetchedAt string
	err := row.Scan(
		&p.ProjectID,
		&p.Title,
		&p.Location,
		&p.Contractor,
		&p.Cost,
		&p.Status,
		&p.PhysicalProgress,
		&p.FinancialProgress,
		&fetchedAt,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, fetchedAt); err == nil {
		p.FetchedAt = t
	}
	return &p, nil
}

// Projects lists all cached project mirrors ordered by title.
func (s *Store) Projects(ctx context.Context) ([]*ProjectMirror, error) {
	query := `
	SELECT project_id, title, location, contractor, cost, status,
	       physical_progress, financial_progress, fetched_at
	FROM projects
	ORDER BY title ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*ProjectMirror
	for rows.Next() {
		var p ProjectMirror
		var fetchedAt string
		err := rows.Scan(
			&p.ProjectID,
			&p.Title,
			&p.Location,
			&p.Contractor,
			&p.Cost,
			&p.Status,
			&p.PhysicalProgress,
			&p.FinancialProgress,
			&fetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, fetchedAt); err == nil {
			p.FetchedAt = t
		}
		projects = append(projects, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// ErrNotFound reports whether an error is the store's row-missing error.
func ErrNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
