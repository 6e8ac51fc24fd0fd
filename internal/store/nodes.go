package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Node pairing states.
const (
	NodeUnpaired = "unpaired"
	NodePending  = "pending"
	NodePaired   = "paired"
	NodeRevoked  = "revoked"
)

// Node is a remote device known to the gateway.
type Node struct {
	ID              string         `json:"nodeId"`
	DisplayName     string         `json:"displayName"`
	Platform        string         `json:"platform"`
	Commands        []string       `json:"commands,omitempty"`
	ConnectionState string         `json:"connectionState"`
	Status          string         `json:"status"`
	LastSeenMs      int64          `json:"lastSeenMs,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Paired reports whether the node completed pairing.
func (n Node) Paired() bool {
	return n.ConnectionState == NodePaired
}

// PairRequest is one pending or resolved pairing attempt.
type PairRequest struct {
	ID               string   `json:"requestId"`
	NodeID           string   `json:"nodeId"`
	DisplayName      string   `json:"displayName"`
	Platform         string   `json:"platform"`
	Commands         []string `json:"commands,omitempty"`
	State            string   `json:"state"`
	VerificationCode string   `json:"verificationCode,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	CreatedAtMs      int64    `json:"createdAtMs"`
	ResolvedAtMs     int64    `json:"resolvedAtMs,omitempty"`
}

// NodeInvoke is a command forwarded to a node.
type NodeInvoke struct {
	ID            string          `json:"requestId"`
	NodeID        string          `json:"nodeId"`
	Command       string          `json:"command"`
	Args          json.RawMessage `json:"args,omitempty"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	RequestedAtMs int64           `json:"requestedAtMs"`
	UpdatedAtMs   int64           `json:"updatedAtMs"`
	CompletedAtMs int64           `json:"completedAtMs,omitempty"`
}

// NodeEvent is telemetry reported by a node.
type NodeEvent struct {
	ID      string          `json:"eventId"`
	NodeID  string          `json:"nodeId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TsMs    int64           `json:"tsMs"`
}

// nodeEventsKeep bounds per-node telemetry history.
const nodeEventsKeep = 500

const nodeColumns = `node_id, display_name, platform, commands_json, connection_state, status, last_seen_ms, metadata_json`

func scanNode(row interface{ Scan(...any) error }) (Node, error) {
	var n Node
	var commands, metadata string
	if err := row.Scan(&n.ID, &n.DisplayName, &n.Platform, &commands, &n.ConnectionState, &n.Status, &n.LastSeenMs, &metadata); err != nil {
		return Node{}, err
	}
	n.Commands = unmarshalStrings(commands)
	n.Metadata = unmarshalMap(metadata)
	return n, nil
}

// UpsertNode inserts or updates a node row. Zero-valued fields on update
// keep their stored values.
func (s *Store) UpsertNode(ctx context.Context, node Node) (Node, error) {
	if node.ID == "" {
		return Node{}, fmt.Errorf("upsert node: id required")
	}
	if node.DisplayName == "" {
		node.DisplayName = node.ID
	}
	if node.Platform == "" {
		node.Platform = "unknown"
	}
	if node.ConnectionState == "" {
		node.ConnectionState = NodeUnpaired
	}
	if node.Status == "" {
		node.Status = "offline"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (node_id, display_name, platform, commands_json, connection_state, status, last_seen_ms, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				display_name = excluded.display_name,
				platform = excluded.platform,
				commands_json = excluded.commands_json,
				connection_state = excluded.connection_state,
				status = excluded.status,
				last_seen_ms = excluded.last_seen_ms,
				metadata_json = excluded.metadata_json;
		`, node.ID, node.DisplayName, node.Platform, marshalJSON(node.Commands, "[]"),
			node.ConnectionState, node.Status, node.LastSeenMs, marshalJSON(node.Metadata, "{}"))
		return err
	})
	if err != nil {
		return Node{}, fmt.Errorf("upsert node %q: %w", node.ID, err)
	}
	return s.GetNode(ctx, node.ID)
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?;`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node %q: %w", id, err)
	}
	return node, nil
}

// ListNodes returns nodes grouped by pairing state, most recently seen
// first within each group.
func (s *Store) ListNodes(ctx context.Context, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		ORDER BY connection_state ASC, last_seen_ms DESC, node_id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// RenameNode updates a node's display name.
func (s *Store) RenameNode(ctx context.Context, id, displayName string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE nodes SET display_name = ? WHERE node_id = ?;`, displayName, id)
		if err != nil {
			return fmt.Errorf("rename node %q: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetNodePresence flips a node online/offline and stamps last seen.
func (s *Store) SetNodePresence(ctx context.Context, id, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE nodes SET status = ?, last_seen_ms = ? WHERE node_id = ?;`, status, nowMs(), id)
		if err != nil {
			return fmt.Errorf("set node presence %q: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountNodes returns the total number of known nodes.
func (s *Store) CountNodes(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

const pairRequestColumns = `request_id, node_id, display_name, platform, commands_json, state,
	verification_code, reason, created_at_ms, resolved_at_ms`

func scanPairRequest(row interface{ Scan(...any) error }) (PairRequest, error) {
	var req PairRequest
	var commands string
	var resolved sql.NullInt64
	if err := row.Scan(&req.ID, &req.NodeID, &req.DisplayName, &req.Platform, &commands,
		&req.State, &req.VerificationCode, &req.Reason, &req.CreatedAtMs, &resolved); err != nil {
		return PairRequest{}, err
	}
	req.Commands = unmarshalStrings(commands)
	req.ResolvedAtMs = nullableMs(resolved)
	return req, nil
}

// newVerificationCode mints the short code relayed to the device owner
// out of band and checked again on node.pair.verify.
func newVerificationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

// CreatePairRequest records a pairing attempt and mints the
// verification code the operator confirms out of band. An existing
// pending request for the node is returned instead of creating a
// duplicate; the bool reports whether a new row was created. The node
// row is upserted into the pending state unless already paired.
func (s *Store) CreatePairRequest(ctx context.Context, nodeID, displayName, platform string, commands []string) (PairRequest, bool, error) {
	if nodeID == "" {
		return PairRequest{}, false, fmt.Errorf("create pair request: node id required")
	}
	if existing, err := s.PendingPairRequestForNode(ctx, nodeID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return PairRequest{}, false, err
	}

	if displayName == "" {
		displayName = nodeID
	}
	if platform == "" {
		platform = "unknown"
	}
	req := PairRequest{
		ID:               "pair-" + uuid.NewString(),
		NodeID:           nodeID,
		DisplayName:      displayName,
		Platform:         platform,
		Commands:         commands,
		State:            "pending",
		VerificationCode: newVerificationCode(),
		CreatedAtMs:      nowMs(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_pair_requests (request_id, node_id, display_name, platform, commands_json, state, verification_code, created_at_ms)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?);
		`, req.ID, req.NodeID, req.DisplayName, req.Platform, marshalJSON(req.Commands, "[]"), req.VerificationCode, req.CreatedAtMs); err != nil {
			return err
		}
		// Surface the node in listings while the request is pending, but
		// never downgrade an already-paired node.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (node_id, display_name, platform, commands_json, connection_state, status, last_seen_ms)
			VALUES (?, ?, ?, ?, 'pending', 'offline', ?)
			ON CONFLICT(node_id) DO UPDATE SET
				connection_state = CASE WHEN nodes.connection_state = 'paired' THEN 'paired' ELSE 'pending' END,
				last_seen_ms = excluded.last_seen_ms;
		`, req.NodeID, req.DisplayName, req.Platform, marshalJSON(req.Commands, "[]"), req.CreatedAtMs); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return PairRequest{}, false, fmt.Errorf("create pair request %q: %w", nodeID, err)
	}
	return req, true, nil
}

// PendingPairRequestForNode finds a node's open pairing request.
func (s *Store) PendingPairRequestForNode(ctx context.Context, nodeID string) (PairRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pairRequestColumns+` FROM node_pair_requests
		WHERE node_id = ? AND state = 'pending'
		ORDER BY created_at_ms DESC LIMIT 1;
	`, nodeID)
	req, err := scanPairRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PairRequest{}, ErrNotFound
	}
	if err != nil {
		return PairRequest{}, fmt.Errorf("pending pair request %q: %w", nodeID, err)
	}
	return req, nil
}

// GetPairRequest fetches a pairing request by id.
func (s *Store) GetPairRequest(ctx context.Context, id string) (PairRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pairRequestColumns+` FROM node_pair_requests WHERE request_id = ?;`, id)
	req, err := scanPairRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PairRequest{}, ErrNotFound
	}
	if err != nil {
		return PairRequest{}, fmt.Errorf("get pair request %q: %w", id, err)
	}
	return req, nil
}

// ListPairRequests returns pairing requests, newest first.
func (s *Store) ListPairRequests(ctx context.Context, limit int) ([]PairRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pairRequestColumns+` FROM node_pair_requests
		ORDER BY created_at_ms DESC, request_id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pair requests: %w", err)
	}
	defer rows.Close()

	var reqs []PairRequest
	for rows.Next() {
		req, err := scanPairRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pair request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ResolvePairRequest approves or rejects a pending request and updates
// the node row to match. The verification code minted at creation stays
// on the request so node.pair.verify can check it. Resolving a
// non-pending request returns ErrInvalidTransition.
func (s *Store) ResolvePairRequest(ctx context.Context, id string, approve bool, reason string) (PairRequest, error) {
	req, err := s.GetPairRequest(ctx, id)
	if err != nil {
		return PairRequest{}, err
	}
	if req.State != "pending" {
		return PairRequest{}, ErrInvalidTransition
	}
	state := "rejected"
	nodeState := NodeUnpaired
	if approve {
		state = "approved"
		nodeState = NodePaired
	}
	now := nowMs()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		res, err := tx.ExecContext(ctx, `
			UPDATE node_pair_requests SET state = ?, reason = ?, resolved_at_ms = ?
			WHERE request_id = ? AND state = 'pending';
		`, state, reason, now, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (node_id, display_name, platform, commands_json, connection_state, status, last_seen_ms)
			VALUES (?, ?, ?, ?, ?, 'offline', ?)
			ON CONFLICT(node_id) DO UPDATE SET
				display_name = excluded.display_name,
				platform = excluded.platform,
				commands_json = excluded.commands_json,
				connection_state = excluded.connection_state,
				last_seen_ms = excluded.last_seen_ms;
		`, req.NodeID, req.DisplayName, req.Platform, marshalJSON(req.Commands, "[]"), nodeState, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return PairRequest{}, ErrInvalidTransition
		}
		return PairRequest{}, fmt.Errorf("resolve pair request %q: %w", id, err)
	}
	return s.GetPairRequest(ctx, id)
}

// LatestApprovedPairRequest returns the most recent approval for a node,
// used to check verification codes.
func (s *Store) LatestApprovedPairRequest(ctx context.Context, nodeID string) (PairRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pairRequestColumns+` FROM node_pair_requests
		WHERE node_id = ? AND state = 'approved'
		ORDER BY resolved_at_ms DESC, request_id ASC LIMIT 1;
	`, nodeID)
	req, err := scanPairRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PairRequest{}, ErrNotFound
	}
	if err != nil {
		return PairRequest{}, fmt.Errorf("latest approved pair request %q: %w", nodeID, err)
	}
	return req, nil
}

// InsertNodeInvoke records a forwarded command in the pending state.
func (s *Store) InsertNodeInvoke(ctx context.Context, inv NodeInvoke) (NodeInvoke, error) {
	if inv.ID == "" {
		inv.ID = "invoke-" + uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = "pending"
	}
	now := nowMs()
	inv.RequestedAtMs = now
	inv.UpdatedAtMs = now
	args := "{}"
	if len(inv.Args) > 0 {
		args = string(inv.Args)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO node_invokes (invoke_id, node_id, command, args_json, status, requested_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, inv.ID, inv.NodeID, inv.Command, args, inv.Status, inv.RequestedAtMs, inv.UpdatedAtMs)
		return err
	})
	if err != nil {
		return NodeInvoke{}, fmt.Errorf("insert node invoke: %w", err)
	}
	return inv, nil
}

// UpdateNodeInvokeResult records a node's answer for an invoke.
// completed and failed are terminal.
func (s *Store) UpdateNodeInvokeResult(ctx context.Context, id, status string, result json.RawMessage, errMsg string) (NodeInvoke, error) {
	now := nowMs()
	var completed any
	if status == "completed" || status == "failed" {
		completed = now
	}
	resultJSON := "null"
	if len(result) > 0 {
		resultJSON = string(result)
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE node_invokes SET status = ?, result_json = ?, error = ?, updated_at_ms = ?, completed_at_ms = ?
			WHERE invoke_id = ?;
		`, status, resultJSON, errMsg, now, completed, id)
		if err != nil {
			return fmt.Errorf("update node invoke %q: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return NodeInvoke{}, err
	}
	return s.GetNodeInvoke(ctx, id)
}

// GetNodeInvoke fetches an invoke by id.
func (s *Store) GetNodeInvoke(ctx context.Context, id string) (NodeInvoke, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT invoke_id, node_id, command, args_json, status, result_json, error,
			requested_at_ms, updated_at_ms, completed_at_ms
		FROM node_invokes WHERE invoke_id = ?;
	`, id)
	var inv NodeInvoke
	var args, result string
	var completed sql.NullInt64
	err := row.Scan(&inv.ID, &inv.NodeID, &inv.Command, &args, &inv.Status, &result, &inv.Error,
		&inv.RequestedAtMs, &inv.UpdatedAtMs, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeInvoke{}, ErrNotFound
	}
	if err != nil {
		return NodeInvoke{}, fmt.Errorf("get node invoke %q: %w", id, err)
	}
	inv.Args = json.RawMessage(args)
	if result != "" && result != "null" {
		inv.Result = json.RawMessage(result)
	}
	inv.CompletedAtMs = nullableMs(completed)
	return inv, nil
}

// RecordNodeEvent persists node telemetry and trims history beyond the
// per-node cap in the same transaction.
func (s *Store) RecordNodeEvent(ctx context.Context, nodeID, event string, payload json.RawMessage) (NodeEvent, error) {
	ev := NodeEvent{
		ID:      "evt-" + uuid.NewString(),
		NodeID:  nodeID,
		Event:   event,
		Payload: payload,
		TsMs:    nowMs(),
	}
	payloadJSON := "{}"
	if len(payload) > 0 {
		payloadJSON = string(payload)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_events (event_id, node_id, event, payload_json, ts_ms)
			VALUES (?, ?, ?, ?, ?);
		`, ev.ID, ev.NodeID, ev.Event, payloadJSON, ev.TsMs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM node_events WHERE node_id = ? AND event_id IN (
				SELECT event_id FROM node_events WHERE node_id = ?
				ORDER BY ts_ms DESC, event_id ASC
				LIMIT -1 OFFSET ?
			);
		`, nodeID, nodeID, nodeEventsKeep); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return NodeEvent{}, fmt.Errorf("record node event: %w", err)
	}
	return ev, nil
}

// ListNodeEvents returns a node's telemetry, newest first.
func (s *Store) ListNodeEvents(ctx context.Context, nodeID string, limit int) ([]NodeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, node_id, event, payload_json, ts_ms FROM node_events
		WHERE node_id = ?
		ORDER BY ts_ms DESC, event_id ASC
		LIMIT ?;
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list node events %q: %w", nodeID, err)
	}
	defer rows.Close()

	var events []NodeEvent
	for rows.Next() {
		var ev NodeEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.NodeID, &ev.Event, &payload, &ev.TsMs); err != nil {
			return nil, fmt.Errorf("scan node event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
