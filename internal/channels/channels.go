// Package channels is the webhook ingress plane: it terminates provider
// webhooks (telegram, slack and friends), authenticates each delivery,
// normalizes it into a chat turn and feeds it to the agent runtime. A
// channel without an in-process adapter can be bridged to an external
// plugin over HTTP, and completed replies can be relayed back out to a
// per-channel outbound URL.
package channels

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/otel"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
)

const (
	// maxBodyBytes caps webhook request bodies. Oversized deliveries are
	// rejected as invalid rather than surfacing a 413.
	maxBodyBytes = 1 << 20

	// replyWait bounds how long a webhook holds its HTTP response open
	// waiting for the run to finish. The run keeps going after a timeout;
	// the outbound relay picks the reply up later.
	replyWait = 30 * time.Second
)

var channelNameRe = regexp.MustCompile(`^[a-z0-9._-]+$`)

// Config wires the plane into the rest of the process.
type Config struct {
	Cfg     *config.Config
	Store   *store.Store
	Runtime *runtime.Runtime
	Bus     *bus.Bus
	Metrics *otel.Metrics
	// Client is used for plugin bridge and outbound relay calls.
	Client *http.Client
}

// Plane routes inbound channel traffic. It is mounted by the gateway under
// /channels/ and speaks the same {"ok":false,"error":{...}} error shape as
// the rest of the HTTP surface.
type Plane struct {
	cfg      Config
	client   *http.Client
	adapters map[string]adapter
}

// New builds the plane with the builtin adapter registry.
func New(cfg Config) *Plane {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Plane{cfg: cfg, client: client, adapters: builtinAdapters()}
}

// Start launches the outbound relay. It returns immediately; the relay
// stops when ctx is cancelled.
func (p *Plane) Start(ctx context.Context) {
	go p.runOutboundRelay(ctx)
}

// ServeHTTP dispatches the /channels/ subtree:
//
//	POST /channels/inbound            generic bridge, channel in body
//	POST /channels/{channel}/inbound  generic bridge, channel in path
//	POST /channels/{channel}/webhook  provider webhook dispatch
func (p *Plane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/channels")
	path = strings.Trim(path, "/")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeInvalidRequest, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "unreadable request body")
		return
	}
	if int64(len(body)) > maxBodyBytes {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "request body too large")
		return
	}

	switch {
	case path == "inbound":
		p.handleInbound(w, r, "", body)
	case strings.HasSuffix(path, "/inbound"):
		p.handleInbound(w, r, strings.TrimSuffix(path, "/inbound"), body)
	case strings.HasSuffix(path, "/webhook"):
		p.dispatchWebhook(w, r, strings.TrimSuffix(path, "/webhook"), body)
	default:
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "not found")
	}
}

// dispatchWebhook resolves the adapter for a channel and runs the webhook
// contract: builtin registry first, then the configured plugin bridge.
func (p *Plane) dispatchWebhook(w http.ResponseWriter, r *http.Request, rawName string, body []byte) {
	name, ok := normalizeChannel(rawName)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "unknown channel webhook adapter")
		return
	}

	if ad, found := p.adapters[name]; found {
		p.serveBuiltin(w, r, name, ad, body)
		return
	}
	if pc, found := p.cfg.Cfg.PluginFor(name); found {
		p.bridgeWebhook(w, r, name, pc, body)
		return
	}
	writeError(w, http.StatusNotFound, protocol.CodeNotFound, "unknown channel webhook adapter")
}

func (p *Plane) serveBuiltin(w http.ResponseWriter, r *http.Request, name string, ad adapter, body []byte) {
	cc := p.cfg.Cfg.ChannelFor(name)
	if herr := ad.validate(r, body, cc); herr != nil {
		writeError(w, herr.status, herr.code, herr.message)
		return
	}

	parsed, herr := ad.parse(body)
	if herr != nil {
		writeError(w, herr.status, herr.code, herr.message)
		return
	}
	if parsed.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": parsed.Challenge})
		return
	}
	if !parsed.Accepted {
		writeJSON(w, http.StatusOK, webhookReply{OK: true, Reason: parsed.Reason})
		return
	}

	in := parsed.Msg
	in.Channel = name
	out, herr := p.ingest(r.Context(), in)
	if herr != nil {
		writeError(w, herr.status, herr.code, herr.message)
		return
	}
	if out.Duplicate {
		writeJSON(w, http.StatusOK, webhookReply{
			OK: true, Reason: "duplicate message",
			SessionKey: out.SessionKey, RunID: out.Run.ID,
		})
		return
	}

	p.countWebhook(r.Context(), name)
	if out.Reply != "" {
		if d, ok := ad.(deliverer); ok {
			if err := d.deliver(r.Context(), cc, in, out.Reply); err != nil {
				slog.Warn("channel reply delivery failed", "channel", name, "run_id", out.Run.ID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, webhookReply{
		OK: true, Accepted: true,
		SessionKey: out.SessionKey, RunID: out.Run.ID, Reply: out.Reply,
	})
}

func (p *Plane) countWebhook(ctx context.Context, channel string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.WebhooksAccepted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// webhookReply is the uniform webhook acknowledgement body.
type webhookReply struct {
	OK         bool   `json:"ok"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Reply      string `json:"reply,omitempty"`
}

// normalizeChannel lowercases and trims a channel key and rejects anything
// outside [a-z0-9._-].
func normalizeChannel(raw string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" || !channelNameRe.MatchString(name) {
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": protocol.NewError(code, message)})
}
