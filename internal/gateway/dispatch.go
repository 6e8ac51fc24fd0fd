package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reclaw/reclaw-core/internal/audit"
	"github.com/reclaw/reclaw-core/internal/protocol"
)

// handlerFunc executes one RPC method. A nil *protocol.Error means the
// returned payload goes out as an ok response.
type handlerFunc func(ctx context.Context, c *conn, raw json.RawMessage) (any, *protocol.Error)

// reservedMethods are protocol names carried over from the wider surface
// this gateway descends from. They parse as known methods but are not
// served here, so they answer UNAVAILABLE instead of INVALID_REQUEST.
var reservedMethods = map[string]bool{
	"send": true, "wake": true,
	"talk.config": true, "talk.mode": true,
	"tts.enable": true, "tts.disable": true, "tts.convert": true,
	"tts.status": true, "tts.providers": true, "tts.setProvider": true,
	"logs.tail": true, "models.list": true, "tools.catalog": true,
	"browser.request": true, "channels.logout": true,
	"agents.list": true, "agents.create": true, "agents.update": true, "agents.delete": true,
	"skills.status": true, "skills.install": true, "skills.update": true, "skills.bins": true,
	"usage.status": true, "usage.cost": true,
	"voicewake.get": true, "voicewake.set": true,
	"system-presence": true, "last-heartbeat": true, "set-heartbeats": true, "system-event": true,
	"update.run": true, "wizard.start": true, "doctor.memory.status": true,
}

// buildHandlers assembles the dispatch registry. implementedMethods is
// derived from these keys, so the connect reply can never advertise a
// method this map does not serve.
func (s *Server) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"health": s.handleHealth,
		"status": s.handleStatus,

		"config.get":    s.handleConfigGet,
		"config.set":    s.handleConfigSet,
		"config.apply":  s.handleConfigApply,
		"config.patch":  s.handleConfigPatch,
		"config.schema": s.handleConfigSchema,

		"sessions.list":    s.handleSessionsList,
		"sessions.preview": s.handleSessionsPreview,
		"sessions.patch":   s.handleSessionsPatch,
		"sessions.reset":   s.handleSessionsReset,
		"sessions.delete":  s.handleSessionsDelete,
		"sessions.compact": s.handleSessionsCompact,

		"agent":              s.handleAgent,
		"agent.identity.get": s.handleAgentIdentity,
		"agent.wait":         s.handleAgentWait,

		"chat.history": s.handleChatHistory,
		"chat.abort":   s.handleChatAbort,
		"chat.send":    s.handleChatSend,

		"channels.status": s.handleChannelsStatus,

		"cron.list":   s.handleCronList,
		"cron.status": s.handleCronStatus,
		"cron.add":    s.handleCronAdd,
		"cron.update": s.handleCronUpdate,
		"cron.remove": s.handleCronRemove,
		"cron.run":    s.handleCronRun,
		"cron.runs":   s.handleCronRuns,

		"node.pair.request": s.handleNodePairRequest,
		"node.pair.list":    s.handleNodePairList,
		"node.pair.approve": s.handleNodePairApprove,
		"node.pair.reject":  s.handleNodePairReject,
		"node.pair.verify":  s.handleNodePairVerify,

		"node.rename":        s.handleNodeRename,
		"node.list":          s.handleNodeList,
		"node.describe":      s.handleNodeDescribe,
		"node.invoke":        s.handleNodeInvoke,
		"node.invoke.result": s.handleNodeInvokeResult,
		"node.event":         s.handleNodeEvent,
	}
}

func (s *Server) implementedMethods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// eventNames are the server push events a client can observe.
func eventNames() []string {
	return []string{
		"agent.queued", "agent.running", "agent.completed", "agent.failed", "agent.aborted",
		"agent.assistant.text",
		"chat.final", "chat.error",
		"cron.fired", "presence", "health", "tick", "overflow",
		"node.pair.requested", "node.pair.resolved", "node.invoke.request", "node.invoke.result",
		"system.event", "wake",
		"shutdown",
	}
}

// dispatch runs one post-handshake request through policy, limits and the
// handler registry, and always produces a response frame.
func (s *Server) dispatch(ctx context.Context, c *conn, req protocol.Request) protocol.Response {
	start := time.Now()
	slog.Info("rpc request", "conn_id", c.id, "method", req.Method, "id", req.ID)

	perr := s.checkDispatch(c, req.Method)
	var result any
	if perr == nil {
		handler := s.handlers[req.Method]
		result, perr = handler(ctx, c, req.Params)
	}

	elapsed := time.Since(start)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RPCDuration.Record(context.Background(), elapsed.Seconds(),
			metric.WithAttributes(attribute.String("method", req.Method)))
	}

	if perr != nil {
		audit.Record("deny", "rpc", req.Method, c.id, perr.Message)
		slog.Warn("rpc error", "conn_id", c.id, "method", req.Method, "id", req.ID,
			"code", perr.Code, "error", perr.Message, "duration_ms", elapsed.Milliseconds())
		return protocol.ErrResponse(req.ID, perr)
	}

	audit.Record("ok", "rpc", req.Method, c.id, "")
	slog.Info("rpc ok", "conn_id", c.id, "method", req.Method, "id", req.ID,
		"duration_ms", elapsed.Milliseconds())
	return protocol.OKResponse(req.ID, result)
}

// checkDispatch applies the pre-handler gates in a fixed order: handshake
// re-use, reserved names, registry membership, role/scope policy, then the
// two rate limits.
func (s *Server) checkDispatch(c *conn, method string) *protocol.Error {
	if method == "connect" {
		return protocol.NewError(protocol.CodeInvalidRequest,
			"connect can only be used as the first handshake request")
	}
	if reservedMethods[method] {
		return protocol.Errorf(protocol.CodeUnavailable, "method not available: %s", method)
	}
	if _, ok := s.handlers[method]; !ok {
		return protocol.Errorf(protocol.CodeInvalidRequest, "unknown method: %s", method)
	}
	if err := authorizeMethod(c, method); err != nil {
		return err
	}

	if !s.reqLimiter.Allow(c.id) {
		retry := s.reqLimiter.RetryAfter(c.id)
		s.countRateLimitReject(method)
		return protocol.NewError(protocol.CodeUnavailable, "rate limit exceeded").
			WithRetryAfter(retry.Milliseconds())
	}
	if isControlPlaneWrite(method) {
		key := c.id + "\x00" + method
		if !s.writeLimiter.Allow(key) {
			retry := s.writeLimiter.RetryAfter(key)
			secs := int(math.Ceil(retry.Seconds()))
			s.countRateLimitReject(method)
			return protocol.Errorf(protocol.CodeUnavailable,
				"rate limit exceeded for %s; retry after %ds", method, secs).
				WithDetails(map[string]any{"method": method, "limit": "3 per 60s"}).
				WithRetryAfter(retry.Milliseconds())
		}
	}
	return nil
}

func (s *Server) countRateLimitReject(method string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RateLimitRejects.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("method", method)))
	}
}

// decodeParams unmarshals raw params into dst. Missing params are fine
// unless required; malformed params fail shape validation before any
// handler state is touched.
func decodeParams(method string, raw json.RawMessage, dst any, required bool) *protocol.Error {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if required {
			return protocol.Errorf(protocol.CodeInvalidRequest,
				"invalid %s params: params object required", method)
		}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "invalid %s params: %v", method, err)
	}
	return nil
}
