package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/reclaw/reclaw-core/internal/channels"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/store"
)

// healthSnapshot aggregates storage counts. Failures surface inside the
// payload (ok:false) rather than as an RPC error so health stays callable
// even when storage is degraded.
func (s *Server) healthSnapshot(ctx context.Context) map[string]any {
	counts := map[string]int64{}
	var firstErr error
	count := func(name string, f func(context.Context) (int64, error)) {
		n, err := f(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		counts[name] = n
	}
	count("sessions", s.cfg.Store.CountSessions)
	count("chatMessages", func(ctx context.Context) (int64, error) {
		return s.cfg.Store.CountMessages(ctx, "")
	})
	count("agentRuns", s.cfg.Store.CountRuns)
	count("cronJobs", s.cfg.Store.CountCronJobs)
	count("nodes", s.cfg.Store.CountNodes)

	if firstErr != nil {
		return map[string]any{
			"ok":    false,
			"error": protocol.NewError(protocol.CodeUnavailable, firstErr.Error()),
		}
	}
	return map[string]any{
		"ok":               true,
		"ts":               time.Now().UnixMilli(),
		"runtime":          "go",
		"version":          s.cfg.Cfg.RuntimeVersion,
		"protocolVersion":  protocol.Version,
		"authMode":         s.cfg.Auth.Mode(),
		"uptimeMs":         time.Since(s.startedAt).Milliseconds(),
		"connectedClients": s.ConnectionCount(),
		"sessions":         counts["sessions"],
		"chatMessages":     counts["chatMessages"],
		"agentRuns":        counts["agentRuns"],
		"cronJobs":         counts["cronJobs"],
		"nodes":            counts["nodes"],
	}
}

func (s *Server) handleHealth(ctx context.Context, _ *conn, _ json.RawMessage) (any, *protocol.Error) {
	return s.healthSnapshot(ctx), nil
}

func (s *Server) handleStatus(_ context.Context, c *conn, _ json.RawMessage) (any, *protocol.Error) {
	return map[string]any{
		"ok":          true,
		"runtime":     "go",
		"version":     s.cfg.Cfg.RuntimeVersion,
		"authMode":    s.cfg.Auth.Mode(),
		"uptimeMs":    time.Since(s.startedAt).Milliseconds(),
		"connections": s.ConnectionCount(),
		"runs":        s.cfg.Runtime.Status(context.Background()),
		"session":     c.sessionInfo(),
	}, nil
}

// channelLogoutKey persists per-channel logout flags that mute a channel
// without deleting its credentials from config.
const channelLogoutKey = "channels/logout"

func (s *Server) handleChannelsStatus(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var p struct{}
	if err := decodeParams("channels.status", raw, &p, false); err != nil {
		return nil, err
	}

	loggedOut := map[string]bool{}
	if rawState, err := s.cfg.Store.GetEntryRaw(ctx, channelLogoutKey); err == nil {
		_ = json.Unmarshal(rawState, &loggedOut)
	}

	entries := make([]map[string]any, 0)
	for _, name := range channels.Builtins() {
		cc := s.cfg.Cfg.ChannelFor(name)
		entries = append(entries, map[string]any{
			"channel":    name,
			"kind":       "builtin",
			"configured": cc != (config.ChannelConfig{}),
			"loggedOut":  loggedOut[name],
		})
	}
	for _, plugin := range s.cfg.Cfg.ChannelWebhookPlugins {
		entries = append(entries, map[string]any{
			"channel":    plugin.Channel,
			"kind":       "plugin",
			"configured": plugin.URL != "",
			"loggedOut":  loggedOut[plugin.Channel],
		})
	}
	return map[string]any{
		"ts":       time.Now().UnixMilli(),
		"channels": entries,
	}, nil
}

// storedConfigDoc loads the runtime-managed config document, defaulting to
// an empty object when none was stored yet.
func (s *Server) storedConfigDoc(ctx context.Context) (json.RawMessage, *protocol.Error) {
	raw, err := s.cfg.Store.GetEntryRaw(ctx, config.StoredConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, err.Error())
	}
	return raw, nil
}

func (s *Server) handleConfigGet(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var p struct{}
	if err := decodeParams("config.get", raw, &p, false); err != nil {
		return nil, err
	}
	doc, perr := s.storedConfigDoc(ctx)
	if perr != nil {
		return nil, perr
	}
	return doc, nil
}

type configWriteParams struct {
	Config json.RawMessage `json:"config"`
	Raw    json.RawMessage `json:"raw"`
}

func (s *Server) writeConfigDoc(ctx context.Context, method string, doc json.RawMessage) (any, *protocol.Error) {
	if err := config.ValidateStored(doc); err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid %s params: %v", method, err)
	}
	if err := s.cfg.Store.SetEntryRaw(ctx, config.StoredConfigKey, doc); err != nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, err.Error())
	}
	return map[string]any{
		"ok":     true,
		"path":   s.cfg.Cfg.DBPath,
		"config": doc,
	}, nil
}

func (s *Server) handleConfigSetLike(ctx context.Context, method string, raw json.RawMessage) (any, *protocol.Error) {
	var p configWriteParams
	if err := decodeParams(method, raw, &p, true); err != nil {
		return nil, err
	}
	doc := p.Config
	if len(doc) == 0 {
		doc = p.Raw
	}
	if len(doc) == 0 {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid %s params: config object required", method)
	}
	if !isJSONObject(doc) {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid %s params: config must be an object", method)
	}
	return s.writeConfigDoc(ctx, method, doc)
}

func (s *Server) handleConfigSet(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	return s.handleConfigSetLike(ctx, "config.set", raw)
}

func (s *Server) handleConfigApply(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	return s.handleConfigSetLike(ctx, "config.apply", raw)
}

func (s *Server) handleConfigPatch(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Patch json.RawMessage `json:"patch"`
		Raw   json.RawMessage `json:"raw"`
	}
	if err := decodeParams("config.patch", raw, &p, true); err != nil {
		return nil, err
	}
	patch := p.Patch
	if len(patch) == 0 {
		patch = p.Raw
	}
	if len(patch) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid config.patch params: patch object required")
	}
	if !isJSONObject(patch) {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid config.patch params: patch must be an object")
	}

	current, perr := s.storedConfigDoc(ctx)
	if perr != nil {
		return nil, perr
	}
	merged, err := config.MergePatch(current, patch)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid config.patch params: %v", err)
	}
	return s.writeConfigDoc(ctx, "config.patch", merged)
}

func (s *Server) handleConfigSchema(_ context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var p struct{}
	if err := decodeParams("config.schema", raw, &p, false); err != nil {
		return nil, err
	}
	return config.StoredSchemaJSON(), nil
}

func (s *Server) handleAgentIdentity(_ context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var p struct {
		AgentID    string `json:"agentId"`
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams("agent.identity.get", raw, &p, false); err != nil {
		return nil, err
	}
	agentID := strings.TrimSpace(p.AgentID)
	if agentID == "" {
		agentID = agentIDFromSessionKey(p.SessionKey)
	}
	if agentID == "" {
		agentID = "main"
	}
	return map[string]any{
		"agentId": agentID,
		"name":    "Reclaw",
		"role":    "assistant",
		"avatar":  nil,
		"runtime": "go",
	}, nil
}

// agentIDFromSessionKey extracts <id> from "agent:<id>:..." keys, or "".
func agentIDFromSessionKey(key string) string {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) < 2 || parts[0] != "agent" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}
