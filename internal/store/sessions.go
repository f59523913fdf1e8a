package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, chat_id, thread_id, creator_id, status, initial_prompt,
	acp_session_id, working_dir, doc_token, working_message_id, mode, project_id,
	created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ChatID, &s.ThreadID, &s.CreatorID, &s.Status,
		&s.InitialPrompt, &s.ACPSessionID, &s.WorkingDir, &s.DocToken,
		&s.WorkingMessageID, &s.Mode, &s.ProjectID, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// CreateSession inserts a new session. Status defaults to idle when unset.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	now := time.Now().UTC().Format(timeFormat)
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusIdle
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ChatID, sess.ThreadID, sess.CreatorID, sess.Status,
		sess.InitialPrompt, sess.ACPSessionID, sess.WorkingDir, sess.DocToken,
		sess.WorkingMessageID, sess.Mode, sess.ProjectID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// FindByThread returns the most recently updated session bound to a thread.
func (s *Store) FindByThread(ctx context.Context, chatID, threadID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE chat_id = ? AND thread_id = ?
		ORDER BY updated_at DESC LIMIT 1`, chatID, threadID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying session by thread: %w", err)
	}
	return sess, nil
}

// FindLatestByChat returns the chat's most recently updated session.
func (s *Store) FindLatestByChat(ctx context.Context, chatID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE chat_id = ?
		ORDER BY updated_at DESC LIMIT 1`, chatID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying latest session: %w", err)
	}
	return sess, nil
}

// FindLatestByProject returns the project's most recently updated session in
// the chat.
func (s *Store) FindLatestByProject(ctx context.Context, chatID, projectID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE chat_id = ? AND project_id = ?
		ORDER BY updated_at DESC LIMIT 1`, chatID, projectID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying latest project session: %w", err)
	}
	return sess, nil
}

// ListByChat returns all sessions in a chat, newest first.
func (s *Store) ListByChat(ctx context.Context, chatID string) ([]Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE chat_id = ?
		ORDER BY updated_at DESC`, chatID)
}

// ListByProject returns a project's sessions in a chat, newest first.
func (s *Store) ListByProject(ctx context.Context, chatID, projectID string) ([]Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE chat_id = ? AND project_id = ?
		ORDER BY updated_at DESC`, chatID, projectID)
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetStatus performs the guarded status transition. Writes that do not match
// the expected current status are rejected with a SessionStateError.
func (s *Store) SetStatus(ctx context.Context, id string, from, to SessionStatus) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`, to, now, id, from)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return &SessionStateError{ID: id, From: from, To: to}
	}
	return nil
}

// Touch bumps updated_at so the session sorts first in recency queries.
func (s *Store) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetACPSessionID records the agent-side session id.
func (s *Store) SetACPSessionID(ctx context.Context, id, acpSessionID string) error {
	return s.updateSessionField(ctx, id, "acp_session_id", acpSessionID)
}

// SetWorkingMessageID records the message carrying the streaming card.
func (s *Store) SetWorkingMessageID(ctx context.Context, id, messageID string) error {
	return s.updateSessionField(ctx, id, "working_message_id", messageID)
}

// SetMode records the agent mode echoed by a current_mode_update.
func (s *Store) SetMode(ctx context.Context, id, mode string) error {
	return s.updateSessionField(ctx, id, "mode", mode)
}

// SetDocToken binds a Lark document to the session.
func (s *Store) SetDocToken(ctx context.Context, id, docToken string) error {
	return s.updateSessionField(ctx, id, "doc_token", docToken)
}

func (s *Store) updateSessionField(ctx context.Context, id, column, value string) error {
	now := time.Now().UTC().Format(timeFormat)
	query := fmt.Sprintf("UPDATE sessions SET %s = ?, updated_at = ? WHERE id = ?", column)
	res, err := s.db.ExecContext(ctx, query, value, now, id)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
