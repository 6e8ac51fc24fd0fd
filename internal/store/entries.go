package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Entry is a durable JSON document keyed by a slash-separated path.
// Entries back the stored runtime config, channel dedupe markers, and
// hook wake state.
type Entry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
}

// SetEntry writes (or replaces) the entry at key with the JSON encoding
// of value.
func (s *Store) SetEntry(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	return s.SetEntryRaw(ctx, key, raw)
}

// SetEntryRaw writes pre-encoded JSON at key.
func (s *Store) SetEntryRaw(ctx context.Context, key string, raw json.RawMessage) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO config_entries (key, value_json, updated_at_ms)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at_ms = excluded.updated_at_ms;
		`, key, string(raw), nowMs())
		if err != nil {
			return fmt.Errorf("set entry %q: %w", key, err)
		}
		return nil
	})
}

// GetEntry decodes the entry at key into out. Returns ErrNotFound when
// the key does not exist.
func (s *Store) GetEntry(ctx context.Context, key string, out any) error {
	raw, err := s.GetEntryRaw(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode entry %q: %w", key, err)
	}
	return nil
}

// GetEntryRaw returns the raw JSON at key.
func (s *Store) GetEntryRaw(ctx context.Context, key string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_json FROM config_entries WHERE key = ?;`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %q: %w", key, err)
	}
	return json.RawMessage(raw), nil
}

// DeleteEntry removes the entry at key. Deleting a missing key is not an
// error; the bool reports whether a row was removed.
func (s *Store) DeleteEntry(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM config_entries WHERE key = ?;`, key)
		if err != nil {
			return fmt.Errorf("delete entry %q: %w", key, err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// ListEntries returns entries whose key starts with prefix, most recently
// updated first.
func (s *Store) ListEntries(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value_json, updated_at_ms FROM config_entries
		WHERE key LIKE ? || '%'
		ORDER BY updated_at_ms DESC, key ASC
		LIMIT ?;
	`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var raw string
		if err := rows.Scan(&e.Key, &raw, &e.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Value = json.RawMessage(raw)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
