// Package hooks serves the external hook ingress: small authenticated
// HTTP endpoints that turn outside events (CI pipelines, home automation,
// forwarding scripts) into agent runs or wake signals. Two routes are
// built in, POST <hooksPath>/wake and POST <hooksPath>/agent; every other
// subpath is matched against the configured hook mappings, which template
// a wake or agent action out of the delivery.
package hooks

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reclaw/reclaw-core/internal/audit"
	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/otel"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
)

const (
	// tokenHeader carries the hook token when the caller cannot set an
	// Authorization header. Query-string tokens are never accepted.
	tokenHeader = "X-Reclaw-Token"

	// upstreamTokenHeader is the header name this gateway's upstream
	// lineage uses; senders configured against openclaw keep working.
	upstreamTokenHeader = "X-OpenClaw-Token"

	// lastWakeKey is the config_entries key recording the most recent
	// hook-delivered wake, whatever its mode.
	lastWakeKey = "hooks/last-wake"

	wakeModeNow           = "now"
	wakeModeNextHeartbeat = "next-heartbeat"

	defaultMaxBodyBytes = 262_144
)

// AuthLimiter locks out a caller after repeated auth failures. The
// gateway's limiter satisfies this, so hook and connect lockouts can
// share one failure budget keyed per remote address.
type AuthLimiter interface {
	Locked(key string) (bool, time.Duration)
	RecordFailure(key string)
	Reset(key string)
}

// Config wires the hook ingress. Limiter and Metrics are optional; a nil
// limiter disables lockout (auth failures still return 401).
type Config struct {
	Cfg     *config.Config
	Store   *store.Store
	Runtime *runtime.Runtime
	Bus     *bus.Bus
	Limiter AuthLimiter
	Metrics *otel.Metrics
}

// Ingress is the HTTP handler for <hooksPath>/*. The gateway mounts it
// when hooksEnabled is set; it never mutates gateway state directly and
// reaches the runtime only through Submit.
type Ingress struct {
	cfg Config
}

func New(cfg Config) *Ingress {
	return &Ingress{cfg: cfg}
}

func (s *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeInvalidRequest, "method not allowed")
		return
	}
	if queryHoldsToken(r.URL.Query()) {
		audit.Record("deny", "hook", r.URL.Path, remoteAddr(r), "credentials in query string")
		writeError(w, http.StatusUnauthorized, protocol.CodeUnavailable,
			"credentials must not be passed in the query string")
		return
	}
	if !s.authorize(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "request body too large")
		return
	}
	payload, herr := parsePayload(body)
	if herr != nil {
		herr.write(w)
		return
	}

	sub := subpath(r.URL.Path, s.cfg.Cfg.HooksPath)
	ctx := r.Context()
	switch sub {
	case "":
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "not found")
	case "wake":
		intent, herr := wakeFromPayload(payload)
		if herr != nil {
			herr.write(w)
			return
		}
		s.dispatchWake(ctx, w, r, intent)
	case "agent":
		intent, herr := s.agentFromPayload(payload)
		if herr != nil {
			herr.write(w)
			return
		}
		s.dispatchAgent(ctx, w, r, intent, false)
	default:
		mapping, ok := s.resolveMapping(sub, payload)
		if !ok {
			writeError(w, http.StatusNotFound, protocol.CodeNotFound, "not found")
			return
		}
		s.dispatchMapping(ctx, w, r, mapping, payload, sub)
	}
}

// authorize checks the hook token and charges failures against a per-IP
// lockout. Failure responses are uniform so callers cannot distinguish a
// missing token from a wrong one. Writes the error response itself and
// reports whether the request may proceed.
func (s *Ingress) authorize(w http.ResponseWriter, r *http.Request) bool {
	ip := remoteAddr(r)
	if s.cfg.Cfg.HooksToken == "" {
		writeError(w, http.StatusServiceUnavailable, protocol.CodeUnavailable,
			"hooks token is not configured")
		return false
	}

	key := "hooks:" + ip
	if s.cfg.Limiter != nil {
		if locked, retry := s.cfg.Limiter.Locked(key); locked {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitRejects.Add(r.Context(), 1,
					metric.WithAttributes(attribute.String("surface", "hooks")))
			}
			audit.Record("deny", "hook", r.URL.Path, ip, "too many failed authentication attempts")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"ok": false,
				"error": protocol.NewError(protocol.CodeUnavailable,
					"too many failed authentication attempts").WithRetryAfter(retry.Milliseconds()),
			})
			return false
		}
	}

	token := presentedToken(r)
	if token == "" || !secretEqual(token, s.cfg.Cfg.HooksToken) {
		if s.cfg.Limiter != nil {
			s.cfg.Limiter.RecordFailure(key)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthFailures.Add(r.Context(), 1)
		}
		audit.Record("deny", "hook", r.URL.Path, ip, "invalid hook token")
		writeError(w, http.StatusUnauthorized, protocol.CodeUnavailable, "unauthorized")
		return false
	}
	if s.cfg.Limiter != nil {
		s.cfg.Limiter.Reset(key)
	}
	return true
}

// wakeIntent is a normalized wake action, from the built-in route or a
// mapping.
type wakeIntent struct {
	text string
	mode string
}

// agentIntent is a normalized agent submission, from the built-in route
// or a mapping. origin records the subpath that produced it.
type agentIntent struct {
	message    string
	name       string
	agentID    string
	sessionKey string
	wakeMode   string
	model      string
	deferred   bool
	origin     string
}

func wakeFromPayload(payload map[string]any) (wakeIntent, *httpError) {
	text := stringField(payload, "text")
	if text == "" {
		return wakeIntent{}, badRequest("text required")
	}
	return wakeIntent{text: text, mode: wakeModeFrom(stringField(payload, "mode"))}, nil
}

func (s *Ingress) agentFromPayload(payload map[string]any) (agentIntent, *httpError) {
	message := stringField(payload, "message")
	if message == "" {
		return agentIntent{}, badRequest("message required")
	}
	model := ""
	if raw, ok := payload["model"]; ok {
		str, isStr := raw.(string)
		if !isStr || strings.TrimSpace(str) == "" {
			return agentIntent{}, badRequest("model required")
		}
		model = strings.TrimSpace(str)
	}
	name := stringField(payload, "name")
	if name == "" {
		name = "Hook"
	}
	return agentIntent{
		message:    message,
		name:       name,
		agentID:    stringField(payload, "agentId"),
		sessionKey: stringField(payload, "sessionKey"),
		wakeMode:   wakeModeFrom(stringField(payload, "wakeMode")),
		model:      model,
		deferred:   boolField(payload, "deferred"),
		origin:     "agent",
	}, nil
}

// dispatchWake records the wake in config_entries and either publishes a
// system wake immediately or parks it for the next heartbeat tick. The
// pending entry is a single slot: a second next-heartbeat wake before the
// tick replaces the first.
func (s *Ingress) dispatchWake(ctx context.Context, w http.ResponseWriter, r *http.Request, intent wakeIntent) {
	entry := map[string]any{
		"ts":     time.Now().UnixMilli(),
		"text":   intent.text,
		"mode":   intent.mode,
		"reason": "hook:wake",
	}
	if err := s.cfg.Store.SetEntry(ctx, lastWakeKey, entry); err != nil {
		writeError(w, http.StatusServiceUnavailable, protocol.CodeUnavailable, "wake state write failed")
		return
	}
	if intent.mode == wakeModeNow {
		s.cfg.Bus.Publish(bus.KindSystem, "wake", "", entry)
	} else {
		if err := s.cfg.Store.SetEntry(ctx, config.PendingWakeKey, entry); err != nil {
			writeError(w, http.StatusServiceUnavailable, protocol.CodeUnavailable, "wake state write failed")
			return
		}
	}
	s.countAccepted(ctx, "wake")
	audit.Record("ok", "hook", r.URL.Path, remoteAddr(r), intent.mode)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": intent.mode})
}

// dispatchAgent submits an agent run sourced from the hook. fromMapping
// marks mapping-provided session keys, which bypass the request policy.
func (s *Ingress) dispatchAgent(ctx context.Context, w http.ResponseWriter, r *http.Request, intent agentIntent, fromMapping bool) {
	sessionKey, herr := s.resolveSessionKey(intent.sessionKey, fromMapping)
	if herr != nil {
		herr.write(w)
		return
	}
	agentID := intent.agentID
	if agentID == "" {
		agentID = s.cfg.Cfg.HooksDefaultAgentID
	}
	if agentID == "" {
		agentID = "main"
	}

	if intent.wakeMode == wakeModeNow {
		s.cfg.Bus.Publish(bus.KindSystem, "wake", "", map[string]any{
			"ts":     time.Now().UnixMilli(),
			"reason": "hook:agent",
		})
	}

	metadata := map[string]any{"hook": intent.origin, "name": intent.name}
	if intent.model != "" {
		metadata["model"] = intent.model
	}
	res, err := s.cfg.Runtime.Submit(ctx, runtime.SubmitRequest{
		SessionKey:     sessionKey,
		AgentID:        agentID,
		Source:         "hook",
		Input:          intent.message,
		Deferred:       intent.deferred,
		IdempotencyKey: "hook-agent-" + uuid.NewString(),
		Metadata:       metadata,
	})
	if errors.Is(err, runtime.ErrSaturated) {
		writeError(w, http.StatusTooManyRequests, protocol.CodeUnavailable, "run queue is saturated")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, protocol.CodeUnavailable, "agent run submission failed")
		return
	}

	s.countAccepted(ctx, "agent")
	audit.Record("ok", "hook", r.URL.Path, remoteAddr(r), sessionKey)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":         true,
		"runId":      res.Run.ID,
		"sessionKey": sessionKey,
		"agentId":    agentID,
	})
}

// resolveSessionKey applies the session-key policy: request-supplied keys
// need hooksAllowRequestSessionKey, mapping-supplied keys are always
// trusted, and the fallback is hooksDefaultSessionKey or a fresh key.
func (s *Ingress) resolveSessionKey(requested string, fromMapping bool) (string, *httpError) {
	if requested != "" {
		if !fromMapping && !s.cfg.Cfg.HooksAllowRequestSessionKey {
			return "", badRequest("sessionKey is disabled for hook requests; set hooksAllowRequestSessionKey=true to enable")
		}
		return requested, nil
	}
	if key := strings.TrimSpace(s.cfg.Cfg.HooksDefaultSessionKey); key != "" {
		return key, nil
	}
	return "hook:" + uuid.NewString(), nil
}

func (s *Ingress) countAccepted(ctx context.Context, action string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.HooksAccepted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("action", action)))
	}
}

func (s *Ingress) maxBody() int64 {
	if n := s.cfg.Cfg.HooksMaxBodyBytes; n > 0 {
		return n
	}
	return defaultMaxBodyBytes
}

// parsePayload decodes the delivery body. Empty bodies and non-object
// JSON normalize to an empty payload; malformed JSON is rejected.
func parsePayload(body []byte) (map[string]any, *httpError) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, badRequest(fmt.Sprintf("invalid JSON payload: %v", err))
	}
	payload, ok := value.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return payload, nil
}

// subpath strips the configured mount prefix, so the same handler works
// under /hooks or a custom hooksPath.
func subpath(requestPath, mount string) string {
	p := requestPath
	if mount != "" && mount != "/" {
		p = strings.TrimPrefix(p, mount)
	}
	return strings.Trim(p, "/")
}

func wakeModeFrom(raw string) string {
	if raw == wakeModeNextHeartbeat {
		return wakeModeNextHeartbeat
	}
	return wakeModeNow
}

// presentedToken extracts the hook token from the Authorization header or
// one of the token headers, the fork's name first.
func presentedToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		if token := strings.TrimSpace(auth[7:]); token != "" {
			return token
		}
	}
	if token := strings.TrimSpace(r.Header.Get(tokenHeader)); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(upstreamTokenHeader))
}

// queryHoldsToken reports whether the query string smuggles a token,
// regardless of value. Matches key case-insensitively.
func queryHoldsToken(q url.Values) bool {
	for key := range q {
		if strings.EqualFold(key, "token") {
			return true
		}
	}
	return false
}

func secretEqual(presented, want string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return strings.TrimSpace(v)
}

func boolField(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

// httpError is a ready-to-send ingress error.
type httpError struct {
	status  int
	code    string
	message string
}

func badRequest(message string) *httpError {
	return &httpError{http.StatusBadRequest, protocol.CodeInvalidRequest, message}
}

func (e *httpError) write(w http.ResponseWriter) {
	writeError(w, e.status, e.code, e.message)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": protocol.NewError(code, message)})
}
