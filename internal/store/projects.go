package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const projectColumns = `id, chat_id, creator_id, title, description, folder_name, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.ChatID, &p.CreatorID, &p.Title, &p.Description,
		&p.FolderName, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	now := time.Now().UTC().Format(timeFormat)
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChatID, p.CreatorID, p.Title, p.Description, p.FolderName,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("inserting project: %w", err)
	}
	return p, nil
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("querying project: %w", err)
	}
	return p, nil
}

// ListProjects returns a chat's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, chatID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE chat_id = ?
		ORDER BY updated_at DESC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject rewrites title, description and folder_name.
func (s *Store) UpdateProject(ctx context.Context, p Project) (Project, error) {
	p.UpdatedAt = time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET title = ?, description = ?, folder_name = ?, updated_at = ?
		WHERE id = ?`,
		p.Title, p.Description, p.FolderName, p.UpdatedAt, p.ID)
	if err != nil {
		return Project{}, fmt.Errorf("updating project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Project{}, err
	}
	if n == 0 {
		return Project{}, ErrProjectNotFound
	}
	return s.GetProject(ctx, p.ID)
}

// DeleteProject removes a project row. Sessions keep their project_id; the
// resolver treats ids without a backing row as unbound.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// SetActiveProject binds a chat to a project for subsequent messages.
func (s *Store) SetActiveProject(ctx context.Context, chatID, projectID string) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_active_project (chat_id, project_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET project_id = excluded.project_id,
			updated_at = excluded.updated_at`,
		chatID, projectID, now)
	if err != nil {
		return fmt.Errorf("setting active project: %w", err)
	}
	return nil
}

// ActiveProject returns the chat's bound project id, or "" when unbound.
func (s *Store) ActiveProject(ctx context.Context, chatID string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id FROM chat_active_project WHERE chat_id = ?`, chatID).
		Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying active project: %w", err)
	}
	return projectID, nil
}

// ClearActiveProject removes the chat's project binding.
func (s *Store) ClearActiveProject(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_active_project WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("clearing active project: %w", err)
	}
	return nil
}
