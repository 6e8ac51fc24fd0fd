package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/store"
)

// requireNodePaired fences a node connection out of the node plane until
// an operator approves its pairing request. Operator connections pass.
func (s *Server) requireNodePaired(ctx context.Context, c *conn) *protocol.Error {
	if c.role != roleNode {
		return nil
	}
	node, err := s.cfg.Store.GetNode(ctx, c.clientID)
	if err != nil || !node.Paired() {
		return protocol.Errorf(protocol.CodeNotPaired, "node is not paired: %s", c.clientID)
	}
	return nil
}

func (s *Server) handleNodePairRequest(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		NodeID      string   `json:"nodeId"`
		DisplayName string   `json:"displayName"`
		Platform    string   `json:"platform"`
		Commands    []string `json:"commands"`
	}
	if err := decodeParams("node.pair.request", raw, &params, true); err != nil {
		return nil, err
	}
	nodeID := strings.TrimSpace(params.NodeID)
	if nodeID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.pair.request params: nodeId is required")
	}

	req, created, err := s.cfg.Store.CreatePairRequest(ctx, nodeID,
		strings.TrimSpace(params.DisplayName), strings.TrimSpace(params.Platform),
		sanitizeTags(params.Commands))
	if err != nil {
		return nil, storageError(err)
	}
	if created {
		s.cfg.Bus.Publish(bus.KindNodePairRequested, "node.pair.requested", "", map[string]any{
			"requestId":   req.ID,
			"nodeId":      req.NodeID,
			"displayName": req.DisplayName,
			"platform":    req.Platform,
			"ts":          time.Now().UnixMilli(),
		})
	}
	return map[string]any{
		"status":  req.State,
		"created": created,
		"request": req,
	}, nil
}

func (s *Server) handleNodePairList(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams("node.pair.list", raw, &params, false); err != nil {
		return nil, err
	}
	reqs, err := s.cfg.Store.ListPairRequests(ctx, params.Limit)
	if err != nil {
		return nil, storageError(err)
	}
	if reqs == nil {
		reqs = []store.PairRequest{}
	}
	return map[string]any{
		"ts":       time.Now().UnixMilli(),
		"requests": reqs,
	}, nil
}

func (s *Server) handleNodePairApprove(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	return s.resolvePairRequest(ctx, "node.pair.approve", raw, true)
}

func (s *Server) handleNodePairReject(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	return s.resolvePairRequest(ctx, "node.pair.reject", raw, false)
}

func (s *Server) resolvePairRequest(ctx context.Context, method string, raw json.RawMessage, approve bool) (any, *protocol.Error) {
	var params struct {
		RequestID string `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := decodeParams(method, raw, &params, true); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(params.RequestID)
	if id == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid %s params: requestId is required", method)
	}

	req, err := s.cfg.Store.ResolvePairRequest(ctx, id, approve, strings.TrimSpace(params.Reason))
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "pair request not found: %s", id)
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "pair request already resolved: %s", id)
	}
	if err != nil {
		return nil, storageError(err)
	}
	s.cfg.Bus.Publish(bus.KindNodePairResolved, "node.pair.resolved", "", map[string]any{
		"requestId": req.ID,
		"nodeId":    req.NodeID,
		"state":     req.State,
		"ts":        time.Now().UnixMilli(),
	})
	return req, nil
}

// handleNodePairVerify checks the code minted at pair time. A missing
// node is not an error so callers can probe their own pairing state.
func (s *Server) handleNodePairVerify(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		NodeID string `json:"nodeId"`
		Code   string `json:"code"`
		Token  string `json:"token"`
	}
	if err := decodeParams("node.pair.verify", raw, &params, true); err != nil {
		return nil, err
	}
	nodeID := strings.TrimSpace(params.NodeID)
	if nodeID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.pair.verify params: nodeId is required")
	}
	code := firstNonEmpty(params.Code, params.Token)

	node, err := s.cfg.Store.GetNode(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"ok": true, "nodeId": nodeID, "paired": false, "verified": false}, nil
	}
	if err != nil {
		return nil, storageError(err)
	}

	verified := false
	if node.Paired() && code != "" {
		approved, err := s.cfg.Store.LatestApprovedPairRequest(ctx, nodeID)
		if err == nil && approved.VerificationCode != "" {
			verified = strings.EqualFold(approved.VerificationCode, code)
		}
	}
	return map[string]any{
		"ok":       true,
		"nodeId":   nodeID,
		"paired":   node.Paired(),
		"verified": verified,
	}, nil
}

func (s *Server) handleNodeRename(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		NodeID      string `json:"nodeId"`
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeParams("node.rename", raw, &params, true); err != nil {
		return nil, err
	}
	id := firstNonEmpty(params.NodeID, params.ID)
	if id == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.rename params: nodeId is required")
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.rename params: displayName is required")
	}

	if err := s.cfg.Store.RenameNode(ctx, id, displayName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.Errorf(protocol.CodeNotFound, "node not found: %s", id)
		}
		return nil, storageError(err)
	}
	return map[string]any{"nodeId": id, "displayName": displayName}, nil
}

func (s *Server) handleNodeList(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams("node.list", raw, &params, false); err != nil {
		return nil, err
	}
	nodes, err := s.cfg.Store.ListNodes(ctx, params.Limit)
	if err != nil {
		return nil, storageError(err)
	}
	if nodes == nil {
		nodes = []store.Node{}
	}
	return map[string]any{
		"ts":    time.Now().UnixMilli(),
		"nodes": nodes,
	}, nil
}

func (s *Server) handleNodeDescribe(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		NodeID string `json:"nodeId"`
		ID     string `json:"id"`
	}
	if err := decodeParams("node.describe", raw, &params, true); err != nil {
		return nil, err
	}
	id := firstNonEmpty(params.NodeID, params.ID)
	if id == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.describe params: nodeId is required")
	}

	node, err := s.cfg.Store.GetNode(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "unknown nodeId")
	}
	if err != nil {
		return nil, storageError(err)
	}
	commands := node.Commands
	if commands == nil {
		commands = []string{}
	}
	return map[string]any{
		"ts":          time.Now().UnixMilli(),
		"nodeId":      node.ID,
		"displayName": node.DisplayName,
		"platform":    node.Platform,
		"commands":    commands,
		"paired":      node.Paired(),
		"status":      node.Status,
		"lastSeenMs":  node.LastSeenMs,
		"metadata":    node.Metadata,
	}, nil
}

// handleNodeInvoke persists the command and pushes a node.invoke.request
// event; the connection fanout delivers it to the target node, which
// answers via node.invoke.result.
func (s *Server) handleNodeInvoke(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		NodeID  string          `json:"nodeId"`
		Command string          `json:"command"`
		Args    []string        `json:"args"`
		Input   json.RawMessage `json:"input"`
	}
	if err := decodeParams("node.invoke", raw, &params, true); err != nil {
		return nil, err
	}
	nodeID := strings.TrimSpace(params.NodeID)
	if nodeID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.invoke params: nodeId is required")
	}
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.invoke params: command is required")
	}

	node, err := s.cfg.Store.GetNode(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "node not found: %s", nodeID)
	}
	if err != nil {
		return nil, storageError(err)
	}
	if !node.Paired() {
		return nil, protocol.Errorf(protocol.CodeNotPaired, "node is not paired: %s", nodeID)
	}

	var args json.RawMessage
	if len(params.Args) > 0 {
		args, _ = json.Marshal(params.Args)
	}
	inv, err := s.cfg.Store.InsertNodeInvoke(ctx, store.NodeInvoke{
		NodeID:  nodeID,
		Command: command,
		Args:    args,
	})
	if err != nil {
		return nil, storageError(err)
	}

	payload := map[string]any{
		"requestId": inv.ID,
		"nodeId":    nodeID,
		"command":   command,
		"args":      params.Args,
		"ts":        time.Now().UnixMilli(),
	}
	if len(params.Input) > 0 {
		payload["input"] = params.Input
	}
	s.cfg.Bus.Publish(bus.KindNodeInvokeRequest, "node.invoke.request", "", payload)

	return map[string]any{
		"ok":        true,
		"nodeId":    nodeID,
		"command":   command,
		"requestId": inv.ID,
		"status":    inv.Status,
		"payload":   nil,
	}, nil
}

func (s *Server) handleNodeInvokeResult(ctx context.Context, c *conn, raw json.RawMessage) (any, *protocol.Error) {
	if err := s.requireNodePaired(ctx, c); err != nil {
		return nil, err
	}
	var params struct {
		RequestID string          `json:"requestId"`
		Status    string          `json:"status"`
		Result    json.RawMessage `json:"result"`
		Error     string          `json:"error"`
	}
	if err := decodeParams("node.invoke.result", raw, &params, true); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(params.RequestID)
	if id == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.invoke.result params: requestId is required")
	}
	status := strings.ToLower(strings.TrimSpace(params.Status))
	switch status {
	case "completed", "failed":
	case "":
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.invoke.result params: status is required")
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid node.invoke.result params: unsupported status %q", params.Status)
	}

	inv, err := s.cfg.Store.UpdateNodeInvokeResult(ctx, id, status, params.Result, strings.TrimSpace(params.Error))
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "invoke request not found: %s", id)
	}
	if err != nil {
		return nil, storageError(err)
	}

	payload := map[string]any{
		"requestId": inv.ID,
		"nodeId":    inv.NodeID,
		"command":   inv.Command,
		"status":    inv.Status,
		"ts":        time.Now().UnixMilli(),
	}
	if len(inv.Result) > 0 {
		payload["result"] = inv.Result
	}
	if inv.Error != "" {
		payload["error"] = inv.Error
	}
	s.cfg.Bus.Publish(bus.KindNodeInvokeResult, "node.invoke.result", "", payload)
	return inv, nil
}

func (s *Server) handleNodeEvent(ctx context.Context, c *conn, raw json.RawMessage) (any, *protocol.Error) {
	if err := s.requireNodePaired(ctx, c); err != nil {
		return nil, err
	}
	var params struct {
		NodeID  string          `json:"nodeId"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeParams("node.event", raw, &params, true); err != nil {
		return nil, err
	}
	nodeID := strings.TrimSpace(params.NodeID)
	if nodeID == "" && c.role == roleNode {
		nodeID = c.clientID
	}
	if nodeID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.event params: nodeId is required")
	}
	event := strings.TrimSpace(params.Event)
	if event == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid node.event params: event is required")
	}

	rec, err := s.cfg.Store.RecordNodeEvent(ctx, nodeID, event, params.Payload)
	if err != nil {
		return nil, storageError(err)
	}
	return map[string]any{"ok": true, "event": rec}, nil
}
