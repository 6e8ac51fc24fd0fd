package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
)

// defaultSessionKey is the conversation used when a client names none.
const defaultSessionKey = "agent:main:main"

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 120 * time.Second
)

const abortNote = "aborted by chat.abort"

type sessionsListParams struct {
	Limit int `json:"limit"`
}

func (s *Server) handleSessionsList(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params sessionsListParams
	if perr := decodeParams("sessions.list", raw, &params, false); perr != nil {
		return nil, perr
	}
	sessions, err := s.cfg.Store.ListSessions(ctx, params.Limit)
	if err != nil {
		return nil, storageError(err)
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	return map[string]any{"ts": time.Now().UnixMilli(), "sessions": sessions}, nil
}

type sessionsPreviewParams struct {
	Keys     []string `json:"keys"`
	Limit    int      `json:"limit"`
	MaxChars int      `json:"maxChars"`
}

// handleSessionsPreview returns the tail of up to 64 transcripts at once so
// a client can render a session picker without one history call per row.
func (s *Server) handleSessionsPreview(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params sessionsPreviewParams
	if perr := decodeParams("sessions.preview", raw, &params, false); perr != nil {
		return nil, perr
	}
	const maxKeys = 64
	limit := clampInt(params.Limit, 12, 1, 200)
	maxChars := clampInt(params.MaxChars, 240, 20, 4096)

	previews := make([]map[string]any, 0, len(params.Keys))
	for _, rawKey := range params.Keys {
		key := strings.TrimSpace(rawKey)
		if key == "" {
			continue
		}
		if len(previews) == maxKeys {
			break
		}
		_, err := s.cfg.Store.GetSession(ctx, key)
		missing := errors.Is(err, store.ErrNotFound)
		if err != nil && !missing {
			return nil, storageError(err)
		}
		messages, err := s.cfg.Store.ListMessages(ctx, key, limit)
		if err != nil {
			return nil, storageError(err)
		}
		items := make([]map[string]any, 0, len(messages))
		for _, msg := range messages {
			items = append(items, map[string]any{
				"id":     msg.ID,
				"role":   msg.Role,
				"text":   truncateRunes(msg.Text, maxChars),
				"status": msg.Status,
				"ts":     msg.TsMs,
			})
		}
		status := "ok"
		switch {
		case missing:
			status = "missing"
		case len(items) == 0:
			status = "empty"
		}
		previews = append(previews, map[string]any{
			"key":    key,
			"status": status,
			"items":  items,
		})
	}
	return map[string]any{"ts": time.Now().UnixMilli(), "previews": previews}, nil
}

type sessionsPatchParams struct {
	ID       string          `json:"id"`
	Key      string          `json:"key"`
	Title    string          `json:"title"`
	Tags     []string        `json:"tags"`
	Metadata json.RawMessage `json:"metadata"`
}

// handleSessionsPatch updates title, tags, or metadata. Patching an unknown
// key creates the session first, so the method doubles as an upsert.
func (s *Server) handleSessionsPatch(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params sessionsPatchParams
	if perr := decodeParams("sessions.patch", raw, &params, true); perr != nil {
		return nil, perr
	}
	key, perr := sessionIDOrKey(params.ID, params.Key)
	if perr != nil {
		return nil, perr
	}

	var metadata map[string]any
	if meta := bytes.TrimSpace(params.Metadata); len(meta) > 0 && !bytes.Equal(meta, []byte("null")) {
		if !isJSONObject(meta) {
			return nil, protocol.NewError(protocol.CodeInvalidRequest,
				"invalid sessions.patch params: metadata must be an object")
		}
		if err := json.Unmarshal(meta, &metadata); err != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid sessions.patch params: %v", err)
		}
	}

	if _, err := s.cfg.Store.EnsureSession(ctx, key, agentIDFromSessionKey(key)); err != nil {
		return nil, storageError(err)
	}

	patch := store.SessionPatch{Metadata: metadata}
	if title := strings.TrimSpace(params.Title); title != "" {
		patch.Title = &title
	}
	if params.Tags != nil {
		patch.Tags = sanitizeTags(params.Tags)
	}
	entry, err := s.cfg.Store.PatchSession(ctx, key, patch)
	if err != nil {
		return nil, storageError(err)
	}
	return map[string]any{"ok": true, "key": key, "entry": entry}, nil
}

type sessionsResetParams struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// handleSessionsReset clears transcripts. Without a key every session is
// removed; with one, only that session's transcript is cleared and the
// session row survives.
func (s *Server) handleSessionsReset(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params sessionsResetParams
	if perr := decodeParams("sessions.reset", raw, &params, false); perr != nil {
		return nil, perr
	}
	key := firstNonEmpty(params.ID, params.Key)
	if key == "" {
		removed, err := s.cfg.Store.ClearSessions(ctx)
		if err != nil {
			return nil, storageError(err)
		}
		return map[string]any{"ok": true, "removed": removed}, nil
	}
	removed, err := s.cfg.Store.ResetSession(ctx, key)
	if err != nil {
		return nil, storageError(err)
	}
	return map[string]any{"ok": true, "key": key, "removed": removed}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params sessionsResetParams
	if perr := decodeParams("sessions.delete", raw, &params, true); perr != nil {
		return nil, perr
	}
	key, perr := sessionIDOrKey(params.ID, params.Key)
	if perr != nil {
		return nil, perr
	}
	deleted, err := s.cfg.Store.DeleteSession(ctx, key)
	if err != nil {
		return nil, storageError(err)
	}
	return map[string]any{"ok": true, "key": key, "deleted": deleted}, nil
}

type sessionsCompactParams struct {
	MaxAgeMs int64 `json:"maxAgeMs"`
}

func (s *Server) handleSessionsCompact(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params sessionsCompactParams
	if perr := decodeParams("sessions.compact", raw, &params, false); perr != nil {
		return nil, perr
	}
	maxAgeMs := params.MaxAgeMs
	if maxAgeMs <= 0 {
		maxAgeMs = 7 * 24 * 60 * 60 * 1000
	}
	removed, err := s.cfg.Store.CompactSessions(ctx, maxAgeMs)
	if err != nil {
		return nil, storageError(err)
	}
	return map[string]any{"ok": true, "removed": removed, "maxAgeMs": maxAgeMs}, nil
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId"`
	Limit      int    `json:"limit"`
}

func (s *Server) handleChatHistory(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params chatHistoryParams
	if perr := decodeParams("chat.history", raw, &params, true); perr != nil {
		return nil, perr
	}
	key, perr := chatSessionKey(params.SessionKey, params.SessionID)
	if perr != nil {
		return nil, perr
	}
	limit := params.Limit
	if limit > 1000 {
		limit = 1000
	}
	messages, err := s.cfg.Store.ListMessages(ctx, key, limit)
	if err != nil {
		return nil, storageError(err)
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	sessionID := key
	if sess, err := s.cfg.Store.GetSession(ctx, key); err == nil {
		sessionID = sess.ID
	}
	return map[string]any{"sessionKey": key, "sessionId": sessionID, "messages": messages}, nil
}

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	SessionID      string `json:"sessionId"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	Deferred       bool   `json:"deferred"`
	TimeoutMs      int64  `json:"timeoutMs"`
}

// handleChatSend submits a user turn and, unless deferred, blocks for the
// reply. The idempotency key doubles as the run id, so a replay lands on
// the same run no matter which connection sends it.
func (s *Server) handleChatSend(ctx context.Context, c *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params chatSendParams
	if perr := decodeParams("chat.send", raw, &params, true); perr != nil {
		return nil, perr
	}
	key, perr := chatSessionKey(params.SessionKey, params.SessionID)
	if perr != nil {
		return nil, perr
	}
	message, perr := sanitizeChatMessage(params.Message)
	if perr != nil {
		return nil, perr
	}

	idemKey := strings.TrimSpace(params.IdempotencyKey)
	runID := idemKey
	if runID == "" {
		runID = "chat-" + uuid.NewString()
	}

	if existing, err := s.cfg.Store.GetRun(ctx, runID); err == nil {
		return resolveExistingChatRun(existing, key)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storageError(err)
	}

	res, err := s.cfg.Runtime.Submit(ctx, runtime.SubmitRequest{
		RunID:          runID,
		SessionKey:     key,
		AgentID:        agentIDFromSessionKey(key),
		Source:         "chat",
		Input:          message,
		Deferred:       params.Deferred,
		IdempotencyKey: idemKey,
		Metadata:       map[string]any{"originConnId": c.id},
	})
	if err != nil {
		return nil, submitError(err)
	}
	if res.Idempotent {
		return resolveExistingChatRun(res.Run, key)
	}
	if params.Deferred {
		return chatSendPayload(res.Run), nil
	}

	final, err := s.cfg.Runtime.Wait(ctx, runID, waitTimeout(params.TimeoutMs))
	if err != nil {
		return nil, storageError(err)
	}
	return chatSendPayload(final), nil
}

// chatSendPayload shapes the chat.send response; message carries the reply
// only once the run completed.
func chatSendPayload(run store.AgentRun) map[string]any {
	var message any
	if run.State == store.RunCompleted {
		message = run.Output
	}
	return map[string]any{
		"runId":      run.ID,
		"status":     string(run.State),
		"sessionKey": run.SessionKey,
		"message":    message,
	}
}

// resolveExistingChatRun guards an idempotency-key replay: the key must
// have been minted by chat.send for the same session.
func resolveExistingChatRun(run store.AgentRun, requestedKey string) (any, *protocol.Error) {
	if run.Source != "chat" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid chat.send params: idempotency key already used by another method")
	}
	if run.SessionKey != requestedKey {
		return nil, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid chat.send params: idempotency key already used with a different sessionKey")
	}
	return chatSendPayload(run), nil
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId"`
	RunID      string `json:"runId"`
}

// handleChatAbort stops one run, or every non-terminal run of the session
// when no runId is given. Aborting a finished or unknown run is a no-op
// reported as aborted:false, not an error.
func (s *Server) handleChatAbort(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params chatAbortParams
	if perr := decodeParams("chat.abort", raw, &params, false); perr != nil {
		return nil, perr
	}
	key := firstNonEmpty(params.SessionKey, params.SessionID)
	if key == "" {
		key = defaultSessionKey
	}

	runID := strings.TrimSpace(params.RunID)
	if runID == "" {
		ids, err := s.cfg.Runtime.AbortSession(ctx, key, abortNote)
		if err != nil {
			return nil, storageError(err)
		}
		if ids == nil {
			ids = []string{}
		}
		return map[string]any{"ok": true, "aborted": len(ids) > 0, "sessionKey": key, "runIds": ids}, nil
	}

	run, err := s.cfg.Store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"ok": true, "aborted": false, "sessionKey": key, "runIds": []string{runID}}, nil
	}
	if err != nil {
		return nil, storageError(err)
	}
	if run.SessionKey != key {
		return nil, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid chat.abort params: runId does not belong to sessionKey")
	}
	if run.State.Terminal() {
		return map[string]any{"ok": true, "aborted": false, "sessionKey": key, "runIds": []string{runID}}, nil
	}
	if _, err := s.cfg.Runtime.Abort(ctx, runID, abortNote); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return map[string]any{"ok": true, "aborted": false, "sessionKey": key, "runIds": []string{runID}}, nil
		}
		return nil, storageError(err)
	}
	return map[string]any{"ok": true, "aborted": true, "sessionKey": key, "runIds": []string{runID}}, nil
}

type agentParams struct {
	RunID          string `json:"runId"`
	IdempotencyKey string `json:"idempotencyKey"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Input          string `json:"input"`
	Message        string `json:"message"`
	Text           string `json:"text"`
	Deferred       bool   `json:"deferred"`
}

// handleAgent enqueues an agent turn. Deferred runs stay queued until an
// agent.wait claims them; otherwise the handler waits for the outcome so
// the response carries the output.
func (s *Server) handleAgent(ctx context.Context, c *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params agentParams
	if perr := decodeParams("agent", raw, &params, true); perr != nil {
		return nil, perr
	}
	input := firstNonEmpty(params.Input, params.Message, params.Text)
	if input == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid agent params: input is required")
	}
	runID := firstNonEmpty(params.RunID, params.IdempotencyKey)
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	key := strings.TrimSpace(params.SessionKey)
	if key == "" {
		key = defaultSessionKey
	}
	agentID := firstNonEmpty(params.AgentID, agentIDFromSessionKey(key))
	if agentID == "" {
		agentID = "main"
	}

	if existing, err := s.cfg.Store.GetRun(ctx, runID); err == nil {
		return resolveExistingAgentRun(existing, key, agentID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storageError(err)
	}

	res, err := s.cfg.Runtime.Submit(ctx, runtime.SubmitRequest{
		RunID:      runID,
		SessionKey: key,
		AgentID:    agentID,
		Source:     "agent",
		Input:      input,
		Deferred:   params.Deferred,
		Metadata:   map[string]any{"originConnId": c.id},
	})
	if err != nil {
		return nil, submitError(err)
	}
	if res.Idempotent {
		return resolveExistingAgentRun(res.Run, key, agentID)
	}
	if params.Deferred {
		return agentMethodPayload(res.Run), nil
	}

	final, err := s.cfg.Runtime.Wait(ctx, runID, defaultWaitTimeout)
	if err != nil {
		return nil, storageError(err)
	}
	return agentMethodPayload(final), nil
}

// agentMethodPayload wraps a run in the agent response envelope: status is
// always "ok" (the submission succeeded) and summary carries the run state.
func agentMethodPayload(run store.AgentRun) map[string]any {
	var output any
	if run.State == store.RunCompleted {
		output = run.Output
	}
	return map[string]any{
		"runId":   run.ID,
		"status":  "ok",
		"summary": string(run.State),
		"result": map[string]any{
			"output":     output,
			"sessionKey": run.SessionKey,
		},
	}
}

func resolveExistingAgentRun(run store.AgentRun, requestedKey, requestedAgentID string) (any, *protocol.Error) {
	if run.Source != "agent" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid agent params: runId is already used by another method")
	}
	if run.AgentID != requestedAgentID {
		return nil, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid agent params: runId is already used with a different agentId")
	}
	if run.SessionKey != requestedKey {
		return nil, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid agent params: runId is already used with a different sessionKey")
	}
	return agentMethodPayload(run), nil
}

type agentWaitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// handleAgentWait blocks until the run is terminal or the window closes.
// The first wait on a deferred run releases it for execution. A run id
// that never appears inside the window reports timeout, not an error,
// because the submitting side may still be racing the waiter.
func (s *Server) handleAgentWait(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params agentWaitParams
	if perr := decodeParams("agent.wait", raw, &params, true); perr != nil {
		return nil, perr
	}
	runID := strings.TrimSpace(params.RunID)
	if runID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invalid agent.wait params: runId is required")
	}

	deadline := time.Now().Add(waitTimeout(params.TimeoutMs))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return map[string]any{"runId": runID, "status": "timeout"}, nil
		}
		run, err := s.cfg.Runtime.Wait(ctx, runID, remaining)
		switch {
		case errors.Is(err, store.ErrNotFound):
			select {
			case <-ctx.Done():
				return map[string]any{"runId": runID, "status": "timeout"}, nil
			case <-time.After(50 * time.Millisecond):
			}
		case err != nil:
			return nil, storageError(err)
		case run.State.Terminal():
			return agentWaitPayload(run), nil
		default:
			return map[string]any{"runId": runID, "status": "timeout"}, nil
		}
	}
}

func agentWaitPayload(run store.AgentRun) map[string]any {
	var output any
	if run.State == store.RunCompleted {
		output = run.Output
	}
	var errMsg any
	if run.State == store.RunFailed && run.Error != "" {
		errMsg = run.Error
	}
	var endedAt any
	if run.FinishedAtMs > 0 {
		endedAt = run.FinishedAtMs
	}
	return map[string]any{
		"runId":     run.ID,
		"status":    string(run.State),
		"startedAt": run.CreatedAtMs,
		"endedAt":   endedAt,
		"error":     errMsg,
		"result": map[string]any{
			"output":     output,
			"sessionKey": run.SessionKey,
		},
	}
}

// storageError maps a store failure onto the wire taxonomy.
func storageError(err error) *protocol.Error {
	if errors.Is(err, store.ErrNotFound) {
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	}
	return protocol.NewError(protocol.CodeUnavailable, err.Error())
}

// submitError maps runtime.Submit failures; saturation is retryable.
func submitError(err error) *protocol.Error {
	if errors.Is(err, runtime.ErrSaturated) {
		return protocol.NewError(protocol.CodeUnavailable, err.Error()).WithRetryAfter(1000)
	}
	return protocol.NewError(protocol.CodeUnavailable, err.Error())
}

// waitTimeout clamps a client-provided window, defaulting to 30s.
func waitTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return defaultWaitTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxWaitTimeout {
		return maxWaitTimeout
	}
	return d
}

func chatSessionKey(sessionKey, sessionID string) (string, *protocol.Error) {
	if key := firstNonEmpty(sessionKey, sessionID); key != "" {
		return key, nil
	}
	return "", protocol.NewError(protocol.CodeInvalidRequest, "invalid chat params: sessionKey is required")
}

func sanitizeChatMessage(input string) (string, *protocol.Error) {
	if strings.ContainsRune(input, 0) {
		return "", protocol.NewError(protocol.CodeInvalidRequest,
			"invalid chat.send params: message contains null bytes")
	}
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", protocol.NewError(protocol.CodeInvalidRequest,
			"invalid chat.send params: message or attachment required")
	}
	return trimmed, nil
}

func sessionIDOrKey(id, key string) (string, *protocol.Error) {
	if v := firstNonEmpty(id, key); v != "" {
		return v, nil
	}
	return "", protocol.NewError(protocol.CodeInvalidRequest, "invalid sessions params: id or key is required")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}

// sanitizeTags trims, drops empties, and dedupes preserving order.
func sanitizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// clampInt substitutes def for unset values and clamps into [lo, hi].
func clampInt(v, def, lo, hi int) int {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncateRunes cuts text to at most n runes, never splitting one.
func truncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
