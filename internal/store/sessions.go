package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Session is one durable conversation scope, unique per session key.
// Keys follow the `agent:<agentId>:<rest>` convention.
type Session struct {
	ID          string         `json:"sessionId"`
	Key         string         `json:"key"`
	AgentID     string         `json:"agentId"`
	Title       string         `json:"title,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAtMs int64          `json:"createdAtMs"`
	UpdatedAtMs int64          `json:"updatedAtMs"`
}

// ChatMessage is one transcript entry within a session.
type ChatMessage struct {
	ID         string         `json:"messageId"`
	SessionKey string         `json:"sessionKey"`
	Role       string         `json:"role"`
	Text       string         `json:"text"`
	Status     string         `json:"status,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TsMs       int64          `json:"tsMs"`
}

const sessionColumns = `id, session_key, agent_id, title, tags_json, metadata_json, created_at_ms, updated_at_ms`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	var tags, metadata string
	if err := row.Scan(&sess.ID, &sess.Key, &sess.AgentID, &sess.Title, &tags, &metadata, &sess.CreatedAtMs, &sess.UpdatedAtMs); err != nil {
		return Session{}, err
	}
	sess.Tags = unmarshalStrings(tags)
	sess.Metadata = unmarshalMap(metadata)
	return sess, nil
}

// EnsureSession returns the session for key, creating it on first
// reference. The agent id is only set at creation time.
func (s *Store) EnsureSession(ctx context.Context, key, agentID string) (Session, error) {
	if key == "" {
		return Session{}, fmt.Errorf("ensure session: %w: empty key", ErrNotFound)
	}
	if agentID == "" {
		agentID = "main"
	}
	now := nowMs()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, session_key, agent_id, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_key) DO NOTHING;
		`, "sess-"+uuid.NewString(), key, agentID, now, now)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("ensure session %q: %w", key, err)
	}
	return s.GetSession(ctx, key)
}

// GetSession fetches a session by key.
func (s *Store) GetSession(ctx context.Context, key string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?;`, key)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %q: %w", key, err)
	}
	return sess, nil
}

// TouchSession bumps a session's updated_at without other changes.
func (s *Store) TouchSession(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET updated_at_ms = ? WHERE session_key = ?;`, nowMs(), key)
		return err
	})
}

// ListSessions returns sessions ordered by recency of activity.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY updated_at_ms DESC, session_key ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionPatch describes the fields sessions.patch may change. Nil fields
// are left untouched.
type SessionPatch struct {
	Title    *string
	Tags     []string
	Metadata map[string]any
}

// PatchSession applies a partial update and bumps updated_at.
func (s *Store) PatchSession(ctx context.Context, key string, patch SessionPatch) (Session, error) {
	sess, err := s.GetSession(ctx, key)
	if err != nil {
		return Session{}, err
	}
	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.Tags != nil {
		sess.Tags = patch.Tags
	}
	if patch.Metadata != nil {
		sess.Metadata = patch.Metadata
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET title = ?, tags_json = ?, metadata_json = ?, updated_at_ms = ?
			WHERE session_key = ?;
		`, sess.Title, marshalJSON(sess.Tags, "[]"), marshalJSON(sess.Metadata, "{}"), nowMs(), key)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("patch session %q: %w", key, err)
	}
	return s.GetSession(ctx, key)
}

// ResetSession removes a session's transcript, keeping the session row.
// Returns the number of messages removed.
func (s *Store) ResetSession(ctx context.Context, key string) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_key = ?;`, key)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset session %q: %w", key, err)
	}
	_ = s.TouchSession(ctx, key)
	return removed, nil
}

// ClearSessions removes every session and transcript. Returns the number
// of sessions removed.
func (s *Store) ClearSessions(ctx context.Context) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages;`); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions;`)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("clear sessions: %w", err)
	}
	return removed, nil
}

// DeleteSession removes the session row and its transcript.
func (s *Store) DeleteSession(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_key = ?;`, key); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?;`, key)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("delete session %q: %w", key, err)
	}
	return deleted, nil
}

// CompactSessions deletes sessions (and their transcripts) idle for longer
// than maxAgeMs. Returns the number of sessions removed.
func (s *Store) CompactSessions(ctx context.Context, maxAgeMs int64) (int64, error) {
	cutoff := nowMs() - maxAgeMs
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chat_messages WHERE session_key IN
				(SELECT session_key FROM sessions WHERE updated_at_ms < ?);
		`, cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at_ms < ?;`, cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("compact sessions: %w", err)
	}
	return removed, nil
}

// CountSessions returns the total number of sessions.
func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// AppendMessage persists a transcript entry and bumps the session's
// updated_at in the same transaction. Missing IDs and timestamps are
// filled in.
func (s *Store) AppendMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	if msg.SessionKey == "" {
		return ChatMessage{}, fmt.Errorf("append message: empty session key")
	}
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()
	}
	if msg.TsMs == 0 {
		msg.TsMs = nowMs()
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (message_id, session_key, role, text, status, metadata_json, ts_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, msg.ID, msg.SessionKey, msg.Role, msg.Text, msg.Status, marshalJSON(msg.Metadata, "{}"), msg.TsMs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at_ms = ? WHERE session_key = ?;`, nowMs(), msg.SessionKey); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the most recent limit entries of a session's
// transcript in ascending timestamp order, ties broken by insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionKey string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_key, role, text, status, metadata_json, ts_ms
		FROM chat_messages
		WHERE session_key = ?
		ORDER BY ts_ms DESC, rowid DESC
		LIMIT ?;
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages %q: %w", sessionKey, err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var metadata string
		if err := rows.Scan(&msg.ID, &msg.SessionKey, &msg.Role, &msg.Text, &msg.Status, &metadata, &msg.TsMs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Metadata = unmarshalMap(metadata)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the index, reversed so callers read chronologically.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastMessage returns the most recent transcript entry for a session, or
// ErrNotFound for an empty transcript.
func (s *Store) LastMessage(ctx context.Context, sessionKey string) (ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, session_key, role, text, status, metadata_json, ts_ms
		FROM chat_messages
		WHERE session_key = ?
		ORDER BY ts_ms DESC, rowid DESC
		LIMIT 1;
	`, sessionKey)
	var msg ChatMessage
	var metadata string
	err := row.Scan(&msg.ID, &msg.SessionKey, &msg.Role, &msg.Text, &msg.Status, &metadata, &msg.TsMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatMessage{}, ErrNotFound
	}
	if err != nil {
		return ChatMessage{}, fmt.Errorf("last message %q: %w", sessionKey, err)
	}
	msg.Metadata = unmarshalMap(metadata)
	return msg, nil
}

// CountMessages returns the total number of chat messages, across all
// sessions when sessionKey is empty.
func (s *Store) CountMessages(ctx context.Context, sessionKey string) (int64, error) {
	var n int64
	var err error
	if sessionKey == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages;`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE session_key = ?;`, sessionKey).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
