package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/gateway"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
)

const testToken = "hook-secret"

type testIngress struct {
	Ingress *Ingress
	Store   *store.Store
	Bus     *bus.Bus
	Runtime *runtime.Runtime
	Cfg     *config.Config
	Ctx     context.Context
}

func newTestIngress(t *testing.T, mutate func(*config.Config)) *testIngress {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "reclaw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	rt := runtime.New(st, b, runtime.EchoExecutor{}, runtime.Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(func() {
		cancel()
		rt.Drain(2 * time.Second)
	})

	cfg := &config.Config{
		HooksEnabled:        true,
		HooksToken:          testToken,
		HooksPath:           "/hooks",
		HooksMaxBodyBytes:   262_144,
		HooksDefaultAgentID: "main",
	}
	if mutate != nil {
		mutate(cfg)
	}
	ing := New(Config{Cfg: cfg, Store: st, Runtime: rt, Bus: b})
	return &testIngress{Ingress: ing, Store: st, Bus: b, Runtime: rt, Cfg: cfg, Ctx: ctx}
}

func (ti *testIngress) post(t *testing.T, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ti.Ingress.ServeHTTP(rec, req)
	return rec
}

func bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func wantHTTPError(t *testing.T, rec *httptest.ResponseRecorder, status int, code, fragment string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if ok, _ := m["ok"].(bool); ok {
		t.Fatalf("expected error body, got %v", m)
	}
	errObj, _ := m["error"].(map[string]any)
	if errObj == nil {
		t.Fatalf("missing error object: %v", m)
	}
	if errObj["code"] != code {
		t.Fatalf("error code = %v, want %s", errObj["code"], code)
	}
	msg, _ := errObj["message"].(string)
	if !strings.Contains(msg, fragment) {
		t.Fatalf("error message %q missing %q", msg, fragment)
	}
}

func TestHookRouting(t *testing.T) {
	ti := newTestIngress(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/hooks/wake", nil)
	rec := httptest.NewRecorder()
	ti.Ingress.ServeHTTP(rec, req)
	wantHTTPError(t, rec, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed")

	rec = ti.post(t, "/hooks", `{}`, bearer())
	wantHTTPError(t, rec, http.StatusNotFound, "NOT_FOUND", "not found")

	rec = ti.post(t, "/hooks/no/such/mapping", `{}`, bearer())
	wantHTTPError(t, rec, http.StatusNotFound, "NOT_FOUND", "not found")
}

func TestHookAuth(t *testing.T) {
	ti := newTestIngress(t, nil)

	rec := ti.post(t, "/hooks/wake", `{"text":"hi"}`, nil)
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "unauthorized")

	rec = ti.post(t, "/hooks/wake", `{"text":"hi"}`, map[string]string{
		"Authorization": "Bearer wrong",
	})
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "unauthorized")

	// A token in the query string is refused even alongside valid header
	// auth, so it can never leak into logs as a working credential.
	rec = ti.post(t, "/hooks/wake?token="+testToken, `{"text":"hi"}`, bearer())
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "query string")

	rec = ti.post(t, "/hooks/wake", `{"text":"hi"}`, map[string]string{
		"X-Reclaw-Token": testToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("header token auth = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	// The upstream header name keeps working for senders configured
	// against openclaw.
	rec = ti.post(t, "/hooks/wake", `{"text":"hi"}`, map[string]string{
		"X-OpenClaw-Token": testToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upstream header token auth = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestHookAuthUnconfigured(t *testing.T) {
	ti := newTestIngress(t, func(cfg *config.Config) {
		cfg.HooksToken = ""
	})
	rec := ti.post(t, "/hooks/wake", `{"text":"hi"}`, nil)
	wantHTTPError(t, rec, http.StatusServiceUnavailable, "UNAVAILABLE", "not configured")
}

func TestHookAuthLockout(t *testing.T) {
	ti := newTestIngress(t, nil)
	ing := New(Config{
		Cfg:     ti.Cfg,
		Store:   ti.Store,
		Runtime: ti.Runtime,
		Bus:     ti.Bus,
		Limiter: gateway.NewAuthLimiter(3, time.Minute),
	})

	post := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hooks/wake", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		ing.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		if rec := post("wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d, want 401", i, rec.Code)
		}
	}

	// Budget exhausted: even the right token is refused until the window
	// slides.
	rec := post(testToken)
	wantHTTPError(t, rec, http.StatusTooManyRequests, "UNAVAILABLE", "too many failed authentication attempts")
	m := decodeBody(t, rec)
	errObj, _ := m["error"].(map[string]any)
	if _, ok := errObj["retryAfterMs"]; !ok {
		t.Fatalf("lockout response missing retryAfterMs: %v", m)
	}
}

func TestHookWakeNow(t *testing.T) {
	ti := newTestIngress(t, nil)
	sub := ti.Bus.Subscribe(bus.Filter{Kinds: []string{bus.KindSystem}})
	defer ti.Bus.Unsubscribe(sub)

	rec := ti.post(t, "/hooks/wake", `{"text":"ping"}`, bearer())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["ok"] != true || m["mode"] != "now" {
		t.Fatalf("body = %v, want ok + mode now", m)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Name != "wake" {
			t.Fatalf("event name = %q, want wake", ev.Name)
		}
		payload, _ := ev.Payload.(map[string]any)
		if payload["text"] != "ping" || payload["reason"] != "hook:wake" {
			t.Fatalf("wake payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no wake event published")
	}

	var entry map[string]any
	if err := ti.Store.GetEntry(ti.Ctx, "hooks/last-wake", &entry); err != nil {
		t.Fatalf("last-wake entry: %v", err)
	}
	if entry["text"] != "ping" || entry["mode"] != "now" {
		t.Fatalf("last-wake entry = %v", entry)
	}
	if _, err := ti.Store.GetEntryRaw(ti.Ctx, config.PendingWakeKey); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pending wake should be absent for mode now, got err=%v", err)
	}
}

func TestHookWakeNextHeartbeat(t *testing.T) {
	ti := newTestIngress(t, nil)
	sub := ti.Bus.Subscribe(bus.Filter{Kinds: []string{bus.KindSystem}})
	defer ti.Bus.Unsubscribe(sub)

	rec := ti.post(t, "/hooks/wake", `{"text":"later","mode":"next-heartbeat"}`, bearer())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if m := decodeBody(t, rec); m["mode"] != "next-heartbeat" {
		t.Fatalf("mode = %v, want next-heartbeat", m["mode"])
	}

	var pending map[string]any
	if err := ti.Store.GetEntry(ti.Ctx, config.PendingWakeKey, &pending); err != nil {
		t.Fatalf("pending wake entry: %v", err)
	}
	if pending["text"] != "later" || pending["mode"] != "next-heartbeat" {
		t.Fatalf("pending entry = %v", pending)
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected immediate event %q for next-heartbeat wake", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHookWakeValidation(t *testing.T) {
	ti := newTestIngress(t, func(cfg *config.Config) {
		cfg.HooksMaxBodyBytes = 64
	})

	rec := ti.post(t, "/hooks/wake", `{}`, bearer())
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "text required")

	rec = ti.post(t, "/hooks/wake", `{"text": `, bearer())
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON payload")

	big := `{"text":"` + strings.Repeat("x", 200) + `"}`
	rec = ti.post(t, "/hooks/wake", big, bearer())
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "request body too large")
}

func TestHookAgent(t *testing.T) {
	ti := newTestIngress(t, nil)
	sub := ti.Bus.Subscribe(bus.Filter{Kinds: []string{bus.KindSystem}})
	defer ti.Bus.Unsubscribe(sub)

	rec := ti.post(t, "/hooks/agent", `{"message":"do the thing"}`, bearer())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["ok"] != true || m["agentId"] != "main" {
		t.Fatalf("body = %v", m)
	}
	runID, _ := m["runId"].(string)
	if runID == "" {
		t.Fatalf("missing runId in %v", m)
	}
	sessionKey, _ := m["sessionKey"].(string)
	if !strings.HasPrefix(sessionKey, "hook:") {
		t.Fatalf("sessionKey = %q, want hook: prefix", sessionKey)
	}

	run, err := ti.Store.GetRun(ti.Ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Source != "hook" || run.Input != "do the thing" || run.SessionKey != sessionKey {
		t.Fatalf("run = %+v", run)
	}
	if run.Metadata["name"] != "Hook" || run.Metadata["hook"] != "agent" {
		t.Fatalf("run metadata = %v", run.Metadata)
	}

	// Default wakeMode is now, so submission also rings the wake bell.
	select {
	case ev := <-sub.Ch():
		payload, _ := ev.Payload.(map[string]any)
		if ev.Name != "wake" || payload["reason"] != "hook:agent" {
			t.Fatalf("event = %q payload %v", ev.Name, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no wake event for agent hook")
	}
}

func TestHookAgentValidation(t *testing.T) {
	ti := newTestIngress(t, nil)

	rec := ti.post(t, "/hooks/agent", `{}`, bearer())
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "message required")

	rec = ti.post(t, "/hooks/agent", `{"message":"m","model":"  "}`, bearer())
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "model required")
}

func TestHookAgentDeferredAndQuietWake(t *testing.T) {
	ti := newTestIngress(t, nil)
	sub := ti.Bus.Subscribe(bus.Filter{Kinds: []string{bus.KindSystem}})
	defer ti.Bus.Unsubscribe(sub)

	rec := ti.post(t, "/hooks/agent",
		`{"message":"park it","deferred":true,"wakeMode":"next-heartbeat"}`, bearer())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	runID, _ := m["runId"].(string)

	run, err := ti.Store.GetRun(ti.Ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !run.Deferred {
		t.Fatalf("run not deferred: %+v", run)
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected wake event %q for wakeMode next-heartbeat", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHookAgentSessionKeyPolicy(t *testing.T) {
	ti := newTestIngress(t, nil)
	rec := ti.post(t, "/hooks/agent", `{"message":"m","sessionKey":"agent:main:custom"}`, bearer())
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "hooksAllowRequestSessionKey")

	ti = newTestIngress(t, func(cfg *config.Config) {
		cfg.HooksAllowRequestSessionKey = true
	})
	rec = ti.post(t, "/hooks/agent", `{"message":"m","sessionKey":"agent:main:custom"}`, bearer())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if m := decodeBody(t, rec); m["sessionKey"] != "agent:main:custom" {
		t.Fatalf("sessionKey = %v, want caller-provided key", m["sessionKey"])
	}

	ti = newTestIngress(t, func(cfg *config.Config) {
		cfg.HooksDefaultSessionKey = "hook:inbox"
	})
	rec = ti.post(t, "/hooks/agent", `{"message":"m"}`, bearer())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if m := decodeBody(t, rec); m["sessionKey"] != "hook:inbox" {
		t.Fatalf("sessionKey = %v, want hook:inbox", m["sessionKey"])
	}
}

func TestHookMappingAgent(t *testing.T) {
	ti := newTestIngress(t, func(cfg *config.Config) {
		cfg.HookMappings = []config.HookMapping{{
			Match:           config.HookMatch{Path: "/github/push/"},
			Action:          "agent",
			MessageTemplate: "repo={{repo}} actor={{actor.name}}",
			SessionKey:      "hook:github",
		}}
	})

	rec := ti.post(t, "/hooks/github/push",
		`{"source":"github","repo":"r","actor":{"name":"a"}}`, bearer())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["ok"] != true || m["sessionKey"] != "hook:github" || m["agentId"] != "main" {
		t.Fatalf("body = %v", m)
	}

	runID, _ := m["runId"].(string)
	run, err := ti.Store.GetRun(ti.Ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Input != "repo=r actor=a" {
		t.Fatalf("run input = %q, want rendered template", run.Input)
	}
	if run.Metadata["hook"] != "github/push" {
		t.Fatalf("run metadata = %v", run.Metadata)
	}
}

func TestHookMappingWake(t *testing.T) {
	ti := newTestIngress(t, func(cfg *config.Config) {
		cfg.HookMappings = []config.HookMapping{{
			Match:        config.HookMatch{Path: "ci/done", Source: "ci"},
			Action:       "wake",
			TextTemplate: "build {{status}}",
		}}
	})

	// Source filter mismatch leaves the subpath unmatched.
	rec := ti.post(t, "/hooks/ci/done", `{"source":"other","status":"green"}`, bearer())
	wantHTTPError(t, rec, http.StatusNotFound, "NOT_FOUND", "not found")

	rec = ti.post(t, "/hooks/ci/done", `{"source":"ci","status":"green"}`, bearer())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var entry map[string]any
	if err := ti.Store.GetEntry(ti.Ctx, "hooks/last-wake", &entry); err != nil {
		t.Fatalf("last-wake entry: %v", err)
	}
	if entry["text"] != "build green" {
		t.Fatalf("wake text = %v, want rendered template", entry["text"])
	}
}

func TestHookMappingEmptyRender(t *testing.T) {
	ti := newTestIngress(t, func(cfg *config.Config) {
		cfg.HookMappings = []config.HookMapping{{
			Match:        config.HookMatch{Path: "ci/done"},
			Action:       "wake",
			TextTemplate: "{{missing.field}}",
		}}
	})
	rec := ti.post(t, "/hooks/ci/done", `{"status":"green"}`, bearer())
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "hook mapping requires text")
}
