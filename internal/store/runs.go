package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of an agent run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunAborted   RunState = "aborted"
)

// Terminal reports whether the state absorbs: no transition leaves it.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

// runTransitions is the forward-only transition table. Anything not
// listed is rejected.
var runTransitions = map[RunState]map[RunState]struct{}{
	RunQueued: {
		RunRunning: {},
		RunFailed:  {},
		RunAborted: {},
	},
	RunRunning: {
		RunCompleted: {},
		RunFailed:    {},
		RunAborted:   {},
	},
}

func transitionAllowed(from, to RunState) bool {
	next, ok := runTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// AgentRun is one unit of agent work flowing through the runtime.
type AgentRun struct {
	ID             string         `json:"runId"`
	SessionKey     string         `json:"sessionKey"`
	AgentID        string         `json:"agentId"`
	Source         string         `json:"source"`
	State          RunState       `json:"status"`
	Deferred       bool           `json:"deferred,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Input          string         `json:"input,omitempty"`
	Output         string         `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAtMs    int64          `json:"createdAtMs"`
	StartedAtMs    int64          `json:"startedAtMs,omitempty"`
	FinishedAtMs   int64          `json:"finishedAtMs,omitempty"`
	UpdatedAtMs    int64          `json:"updatedAtMs"`
}

const runColumns = `run_id, session_key, agent_id, source, state, deferred, idempotency_key,
	input, output, error, metadata_json, created_at_ms, started_at_ms, finished_at_ms, updated_at_ms`

func scanRun(row interface{ Scan(...any) error }) (AgentRun, error) {
	var run AgentRun
	var deferredInt int
	var idem sql.NullString
	var metadata string
	var started, finished sql.NullInt64
	if err := row.Scan(&run.ID, &run.SessionKey, &run.AgentID, &run.Source, &run.State, &deferredInt,
		&idem, &run.Input, &run.Output, &run.Error, &metadata, &run.CreatedAtMs, &started, &finished, &run.UpdatedAtMs); err != nil {
		return AgentRun{}, err
	}
	run.Deferred = deferredInt != 0
	if idem.Valid {
		run.IdempotencyKey = idem.String
	}
	run.Metadata = unmarshalMap(metadata)
	run.StartedAtMs = nullableMs(started)
	run.FinishedAtMs = nullableMs(finished)
	return run, nil
}

// CreateRun inserts a new run in the queued state. A duplicate run id or
// a duplicate (session, idempotency key) pair returns ErrConflict; the
// caller resolves the conflict by fetching the existing run.
func (s *Store) CreateRun(ctx context.Context, run AgentRun) (AgentRun, error) {
	if run.ID == "" || run.SessionKey == "" {
		return AgentRun{}, fmt.Errorf("create run: id and session key required")
	}
	if run.AgentID == "" {
		run.AgentID = "main"
	}
	if run.Source == "" {
		run.Source = "agent"
	}
	run.State = RunQueued
	now := nowMs()
	run.CreatedAtMs = now
	run.UpdatedAtMs = now

	var idem any
	if run.IdempotencyKey != "" {
		idem = run.IdempotencyKey
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_runs (run_id, session_key, agent_id, source, state, deferred, idempotency_key,
				input, output, error, metadata_json, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?);
		`, run.ID, run.SessionKey, run.AgentID, run.Source, run.State, boolInt(run.Deferred), idem,
			run.Input, marshalJSON(run.Metadata, "{}"), run.CreatedAtMs, run.UpdatedAtMs)
		return err
	})
	if isUniqueViolation(err) {
		return AgentRun{}, ErrConflict
	}
	if err != nil {
		return AgentRun{}, fmt.Errorf("create run %q: %w", run.ID, err)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE run_id = ?;`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRun{}, ErrNotFound
	}
	if err != nil {
		return AgentRun{}, fmt.Errorf("get run %q: %w", id, err)
	}
	return run, nil
}

// FindRunByIdempotencyKey looks up a prior submission within a session.
func (s *Store) FindRunByIdempotencyKey(ctx context.Context, sessionKey, key string) (AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE session_key = ? AND idempotency_key = ?;
	`, sessionKey, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRun{}, ErrNotFound
	}
	if err != nil {
		return AgentRun{}, fmt.Errorf("find run by idempotency key: %w", err)
	}
	return run, nil
}

// ClaimRun moves a queued run to running. Returns ErrInvalidTransition
// when the run is no longer queued, making the claim a compare-and-set.
func (s *Store) ClaimRun(ctx context.Context, id string) (AgentRun, error) {
	now := nowMs()
	err := s.conditionalTransition(ctx, id, []RunState{RunQueued}, RunRunning, `
		UPDATE agent_runs SET state = ?, started_at_ms = ?, updated_at_ms = ?
		WHERE run_id = ? AND state = 'queued';
	`, RunRunning, now, now, id)
	if err != nil {
		return AgentRun{}, err
	}
	return s.GetRun(ctx, id)
}

// ClaimNextQueuedRun claims the oldest queued, non-deferred run whose
// session has no running run, enforcing per-session FIFO and the
// one-running-per-session invariant in a single transaction. Returns nil
// when nothing is eligible.
func (s *Store) ClaimNextQueuedRun(ctx context.Context) (*AgentRun, error) {
	var claimed *AgentRun
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT `+runColumns+` FROM agent_runs r
			WHERE r.state = 'queued' AND r.deferred = 0
			  AND NOT EXISTS (
				SELECT 1 FROM agent_runs x
				WHERE x.session_key = r.session_key AND x.state = 'running'
			  )
			ORDER BY r.created_at_ms ASC, r.rowid ASC
			LIMIT 1;
		`)
		run, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next queued run: %w", err)
		}

		now := nowMs()
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_runs SET state = 'running', started_at_ms = ?, updated_at_ms = ?
			WHERE run_id = ? AND state = 'queued';
		`, now, now, run.ID)
		if err != nil {
			return fmt.Errorf("claim run %q: %w", run.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race; the next poll retries.
			return nil
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		run.State = RunRunning
		run.StartedAtMs = now
		run.UpdatedAtMs = now
		claimed = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseRun clears the deferred flag on a queued run so the scheduler
// picks it up in FIFO order. Runs that already started are left alone.
func (s *Store) ReleaseRun(ctx context.Context, id string) (AgentRun, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs SET deferred = 0, updated_at_ms = ?
			WHERE run_id = ? AND state = 'queued' AND deferred = 1;
		`, nowMs(), id)
		return err
	})
	if err != nil {
		return AgentRun{}, fmt.Errorf("release run %q: %w", id, err)
	}
	return s.GetRun(ctx, id)
}

// RecoverInterruptedRuns fails runs left in the running state by an
// unclean shutdown. Queued runs survive restarts untouched.
func (s *Store) RecoverInterruptedRuns(ctx context.Context) (int64, error) {
	now := nowMs()
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs SET state = 'failed', error = 'interrupted by gateway restart',
				finished_at_ms = ?, updated_at_ms = ?
			WHERE state = 'running';
		`, now, now)
		if err != nil {
			return fmt.Errorf("recover interrupted runs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// CompleteRun moves a running run to completed and records its output.
func (s *Store) CompleteRun(ctx context.Context, id, output string) (AgentRun, error) {
	now := nowMs()
	err := s.conditionalTransition(ctx, id, []RunState{RunRunning}, RunCompleted, `
		UPDATE agent_runs SET state = ?, output = ?, finished_at_ms = ?, updated_at_ms = ?
		WHERE run_id = ? AND state = 'running';
	`, RunCompleted, output, now, now, id)
	if err != nil {
		return AgentRun{}, err
	}
	return s.GetRun(ctx, id)
}

// CompleteRunWithReply moves a running run to completed and appends the
// assistant reply in the same transaction. A reader that observes the
// completed state therefore always finds the assistant row; metadata, when
// non-empty, is merged over the run's existing metadata in the same write.
func (s *Store) CompleteRunWithReply(ctx context.Context, id, output string, metadata map[string]any) (AgentRun, error) {
	now := nowMs()
	msgID := "msg-" + uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var sessionKey, state, metaJSON string
		err = tx.QueryRowContext(ctx, `
			SELECT session_key, state, metadata_json FROM agent_runs WHERE run_id = ?;
		`, id).Scan(&sessionKey, &state, &metaJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load run %q: %w", id, err)
		}
		if RunState(state) != RunRunning {
			return ErrInvalidTransition
		}

		merged := metaJSON
		if len(metadata) > 0 {
			existing := map[string]any{}
			_ = json.Unmarshal([]byte(metaJSON), &existing)
			for k, v := range metadata {
				existing[k] = v
			}
			merged = marshalJSON(existing, "{}")
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_runs SET state = ?, output = ?, metadata_json = ?,
				finished_at_ms = ?, updated_at_ms = ?
			WHERE run_id = ? AND state = 'running';
		`, RunCompleted, output, merged, now, now, id); err != nil {
			return fmt.Errorf("transition run %q to completed: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (message_id, session_key, role, text, status, metadata_json, ts_ms)
			VALUES (?, ?, 'assistant', ?, '', '{}', ?);
		`, msgID, sessionKey, output, now); err != nil {
			return fmt.Errorf("append assistant reply for run %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at_ms = ? WHERE session_key = ?;`, now, sessionKey); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return AgentRun{}, err
	}
	return s.GetRun(ctx, id)
}

// FailRun moves a queued or running run to failed with an error message.
func (s *Store) FailRun(ctx context.Context, id, message string) (AgentRun, error) {
	now := nowMs()
	err := s.conditionalTransition(ctx, id, []RunState{RunQueued, RunRunning}, RunFailed, `
		UPDATE agent_runs SET state = ?, error = ?, finished_at_ms = ?, updated_at_ms = ?
		WHERE run_id = ? AND state IN ('queued', 'running');
	`, RunFailed, message, now, now, id)
	if err != nil {
		return AgentRun{}, err
	}
	return s.GetRun(ctx, id)
}

// AbortRun moves a queued or running run to aborted. The note lands in
// output only when the run produced none.
func (s *Store) AbortRun(ctx context.Context, id, note string) (AgentRun, error) {
	now := nowMs()
	err := s.conditionalTransition(ctx, id, []RunState{RunQueued, RunRunning}, RunAborted, `
		UPDATE agent_runs SET state = ?, output = CASE WHEN output = '' THEN ? ELSE output END,
			finished_at_ms = ?, updated_at_ms = ?
		WHERE run_id = ? AND state IN ('queued', 'running');
	`, RunAborted, note, now, now, id)
	if err != nil {
		return AgentRun{}, err
	}
	return s.GetRun(ctx, id)
}

// conditionalTransition executes a guarded UPDATE and classifies a zero
// rows-affected outcome: missing run vs. transition rejected.
func (s *Store) conditionalTransition(ctx context.Context, id string, from []RunState, to RunState, query string, args ...any) error {
	for _, f := range from {
		if !transitionAllowed(f, to) {
			return ErrInvalidTransition
		}
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("transition run %q to %s: %w", id, to, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, err := s.GetRun(ctx, id); errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return ErrInvalidTransition
		}
		return nil
	})
}

// ListRunsBySession returns a session's runs, most recent first.
func (s *Store) ListRunsBySession(ctx context.Context, sessionKey string, limit int) ([]AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE session_key = ?
		ORDER BY created_at_ms DESC, run_id ASC
		LIMIT ?;
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs %q: %w", sessionKey, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListActiveRunsBySession returns a session's non-terminal runs, oldest
// first (queue order).
func (s *Store) ListActiveRunsBySession(ctx context.Context, sessionKey string, limit int) ([]AgentRun, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE session_key = ? AND state IN ('queued', 'running')
		ORDER BY created_at_ms ASC, run_id ASC
		LIMIT ?;
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list active runs %q: %w", sessionKey, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// CountRuns returns the total number of agent runs.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_runs;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// CountActiveRuns returns the number of queued and running runs.
func (s *Store) CountActiveRuns(ctx context.Context) (queued, running int64, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM agent_runs
		WHERE state IN ('queued', 'running') GROUP BY state;
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("count active runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return 0, 0, fmt.Errorf("scan active run count: %w", err)
		}
		switch RunState(state) {
		case RunQueued:
			queued = n
		case RunRunning:
			running = n
		}
	}
	return queued, running, rows.Err()
}

func collectRuns(rows *sql.Rows) ([]AgentRun, error) {
	var runs []AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
