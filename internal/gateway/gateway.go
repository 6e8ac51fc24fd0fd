// Package gateway serves the versioned RPC protocol over WebSocket and
// the HTTP side doors that feed it: health and info endpoints, channel
// webhooks, hook ingress and the OpenAI-compatible completion routes.
// One Server owns every live connection; durable state lives in the
// store and cross-connection signalling goes through the bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reclaw/reclaw-core/internal/audit"
	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/cron"
	"github.com/reclaw/reclaw-core/internal/otel"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
)

// capAgentEvents gates agent and chat event push. Clients that do not
// negotiate it still get responses, presence, tick and shutdown.
const capAgentEvents = "agent-events-v1"

// serverCapabilities are the optional protocol features this gateway can
// negotiate during connect.
var serverCapabilities = []string{capAgentEvents}

func capKnown(name string) bool {
	for _, c := range serverCapabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Config wires the gateway's collaborators. Channels and Hooks are
// optional HTTP handlers mounted under the gateway mux; nil leaves the
// route unmounted. Auth and AuthLimiter default from Cfg when nil.
type Config struct {
	Cfg         *config.Config
	Store       *store.Store
	Runtime     *runtime.Runtime
	Bus         *bus.Bus
	Cron        *cron.Scheduler
	Auth        *Authenticator
	AuthLimiter *AuthLimiter
	Metrics     *otel.Metrics
	Channels    http.Handler
	Hooks       http.Handler
}

// Server accepts WebSocket connections, runs the connect handshake, and
// dispatches RPC requests concurrently per connection. Responses are
// correlated by request id, not by order.
type Server struct {
	cfg Config

	handlers     map[string]handlerFunc
	reqLimiter   *slidingWindow
	writeLimiter *slidingWindow
	startedAt    time.Time

	mu    sync.RWMutex
	conns map[string]*conn
}

func New(cfg Config) *Server {
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator(cfg.Cfg)
	}
	if cfg.AuthLimiter == nil {
		cfg.AuthLimiter = NewAuthLimiter(cfg.Cfg.AuthMaxAttempts,
			time.Duration(cfg.Cfg.AuthWindowMs)*time.Millisecond)
	}
	perMinute := cfg.Cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	s := &Server{
		cfg:          cfg,
		reqLimiter:   newSlidingWindow(perMinute, time.Minute),
		writeLimiter: newSlidingWindow(3, time.Minute),
		startedAt:    time.Now(),
		conns:        map[string]*conn{},
	}
	s.handlers = s.buildHandlers()
	return s
}

// Start launches the loops that outlive any one connection: auth limiter
// eviction, the bus metrics tap, and the tick heartbeat that also
// delivers parked hook wakes. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.cfg.AuthLimiter.StartEviction(ctx, time.Minute)

	if s.cfg.Metrics != nil {
		tap := s.cfg.Bus.SubscribeBuffered(bus.Filter{}, 512)
		go func() {
			defer s.cfg.Bus.Unsubscribe(tap)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-tap.Ch():
					if !ok {
						return
					}
					s.cfg.Metrics.EventsPublished.Add(context.Background(), 1,
						metric.WithAttributes(attribute.String("event", ev.Name)))
				}
			}
		}()
	}

	go s.tickLoop(ctx)
}

// Shutdown announces the stop to every connection, gives the write
// queues a moment to flush the shutdown frame, then drops the sockets.
func (s *Server) Shutdown(reason string) {
	s.cfg.Bus.Publish(bus.KindShutdown, "shutdown", "", map[string]any{
		"reason": reason,
		"ts":     time.Now().UnixMilli(),
	})
	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
		_ = c.sock.Close(websocket.StatusGoingAway, "shutdown")
	}
}

// ConnectionCount returns the number of connections past the handshake.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Handler returns the gateway's HTTP surface. Credentials in query
// strings are rejected before any route can see them.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/info", s.handleInfo)

	if s.cfg.Channels != nil {
		mux.Handle("/channels/", s.cfg.Channels)
	}
	if s.cfg.Hooks != nil {
		path := strings.TrimSuffix(s.cfg.Cfg.HooksPath, "/")
		if path == "" {
			path = "/hooks"
		}
		mux.Handle(path, s.cfg.Hooks)
		mux.Handle(path+"/", s.cfg.Hooks)
	}
	if s.cfg.Cfg.OpenAIChatCompletionsEnabled {
		mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	}
	if s.cfg.Cfg.OpenResponsesEnabled {
		mux.HandleFunc("/v1/responses", s.handleOpenResponses)
	}
	return s.rejectQueryCredentials(mux)
}

// rejectQueryCredentials refuses any request carrying a credential in the
// query string before routing can log or echo it. This covers the WS
// upgrade as well as every HTTP route.
func (s *Server) rejectQueryCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if queryHoldsCredentials(r.URL.Query()) {
			audit.Record("deny", "http", r.URL.Path, remoteIP(r), "credentials in query string")
			writeHTTPError(w, http.StatusUnauthorized, protocol.NewError(protocol.CodeUnavailable,
				"credentials must not be passed in the query string"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleWS(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.healthSnapshot(r.Context())
	status := http.StatusOK
	if ok, _ := snapshot["ok"].(bool); !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"runtime":     "go",
		"version":     s.cfg.Cfg.RuntimeVersion,
		"connections": s.ConnectionCount(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "reclaw-core",
		"runtime": "go",
		"version": s.cfg.Cfg.RuntimeVersion,
		"lineage": map[string]any{
			"forkedFrom": "openclaw",
			"upstream":   "https://github.com/openclaw/openclaw",
		},
		"protocolVersion": protocol.Version,
		"authMode":        s.cfg.Auth.Mode(),
		"methods":         s.implementedMethods(),
		"events":          eventNames(),
	})
}

// connectParams is the wire shape of the first request on a connection.
type connectParams struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	Client      struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Version     string `json:"version"`
		Platform    string `json:"platform"`
		Mode        string `json:"mode"`
		InstanceID  string `json:"instanceId"`
	} `json:"client"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
	Caps     []string `json:"caps"`
	Commands []string `json:"commands"`
	Auth     *struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	} `json:"auth"`
}

// handleWS upgrades the request and drives one connection through
// handshake, concurrent dispatch and event fanout until either side
// closes. Closing never mutates durable state; in-flight runs keep going.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sock.SetReadLimit(int64(s.cfg.Cfg.MaxFrameBytes))

	c := newConn(r.Context(), sock, "conn-"+uuid.NewString(), remoteIP(r), s.cfg.Cfg.MaxQueueFrames)

	req, ok := s.performHandshake(c, bearerToken(r))
	if !ok {
		c.close()
		return
	}

	s.addConn(c)
	if err := s.writeHello(c, req); err != nil {
		s.removeConn(c)
		c.close()
		_ = sock.Close(websocket.StatusInternalError, "hello write failed")
		return
	}
	audit.Record("ok", "connect", "connect", c.id, c.clientID)
	slog.Info("client connected", "conn_id", c.id, "client_id", c.clientID,
		"role", c.role, "mode", c.clientMode, "remote", c.remote)

	sub := s.cfg.Bus.SubscribeBuffered(bus.Filter{}, c.maxQueue)
	go c.writeLoop()
	go s.pumpEvents(c, sub)

	s.readLoop(c)

	s.cfg.Bus.Unsubscribe(sub)
	s.removeConn(c)
	c.close()
	_ = sock.Close(websocket.StatusNormalClosure, "")
	slog.Info("client disconnected", "conn_id", c.id, "client_id", c.clientID)
}

// performHandshake reads and validates the connect request, authenticates
// the caller and fills in the connection identity. Failures are answered
// on the socket directly and close it.
func (s *Server) performHandshake(c *conn, bearer string) (protocol.Request, bool) {
	var zero protocol.Request

	timeout := time.Duration(s.cfg.Cfg.HandshakeTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// The read runs off to the side: cancelling a coder/websocket Read
	// closes the whole connection, which would swallow the timeout error
	// frame the client is owed. On timeout the socket is still writable;
	// rejectHandshake answers and then closes it, which also unblocks the
	// reader goroutine.
	type readResult struct {
		data []byte
		err  error
	}
	readCh := make(chan readResult, 1)
	go func() {
		_, data, err := c.sock.Read(c.ctx)
		readCh <- readResult{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var data []byte
	select {
	case <-timer.C:
		s.rejectHandshake(c, "connect",
			protocol.NewError(protocol.CodeInvalidRequest, "handshake timeout"))
		return zero, false
	case res := <-readCh:
		if res.err != nil {
			return zero, false
		}
		data = res.data
	}

	req, perr := protocol.DecodeRequest(data)
	if perr != nil {
		s.rejectHandshake(c, frameID(data, "connect"), perr)
		return zero, false
	}
	if req.Method != "connect" {
		s.rejectHandshake(c, req.ID, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid handshake: first request must be connect"))
		return zero, false
	}

	var params connectParams
	if perr := decodeParams("connect", req.Params, &params, true); perr != nil {
		s.rejectHandshake(c, req.ID, perr)
		return zero, false
	}
	clientID := strings.TrimSpace(params.Client.ID)
	if clientID == "" {
		s.rejectHandshake(c, req.ID, protocol.NewError(protocol.CodeInvalidRequest,
			"invalid connect params: client.id is required"))
		return zero, false
	}
	if params.MaxProtocol < protocol.Version || params.MinProtocol > protocol.Version {
		s.rejectHandshake(c, req.ID, protocol.NewError(protocol.CodeInvalidRequest, "protocol mismatch").
			WithDetails(map[string]any{"expectedProtocol": protocol.Version}))
		return zero, false
	}

	role := strings.TrimSpace(params.Role)
	if role == "" {
		role = roleOperator
	}
	if role != roleOperator && role != roleNode {
		s.rejectHandshake(c, req.ID, protocol.NewError(protocol.CodeInvalidRequest, "invalid role"))
		return zero, false
	}

	authKey := c.remote + ":" + clientID
	if locked, retry := s.cfg.AuthLimiter.Locked(authKey); locked {
		s.rejectHandshake(c, req.ID, protocol.NewError(protocol.CodeUnavailable,
			"unauthorized: too many failed attempts").WithRetryAfter(retry.Milliseconds()))
		return zero, false
	}

	creds := Credentials{Bearer: bearer}
	if params.Auth != nil {
		creds.Token = params.Auth.Token
		creds.Password = params.Auth.Password
	}
	if !s.cfg.Auth.Check(creds) {
		s.cfg.AuthLimiter.RecordFailure(authKey)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthFailures.Add(context.Background(), 1)
		}
		msg := "unauthorized: invalid credentials"
		if creds.Token == "" && creds.Password == "" && creds.Bearer == "" {
			msg = "unauthorized: missing credentials"
		}
		perr := protocol.NewError(protocol.CodeUnavailable, msg)
		if locked, retry := s.cfg.AuthLimiter.Locked(authKey); locked {
			perr = perr.WithRetryAfter(retry.Milliseconds())
		}
		s.rejectHandshake(c, req.ID, perr)
		return zero, false
	}
	s.cfg.AuthLimiter.Reset(authKey)

	c.role = role
	c.clientID = clientID
	c.displayName = firstNonEmpty(params.Client.DisplayName, clientID)
	c.clientMode = strings.TrimSpace(params.Client.Mode)
	c.platform = strings.TrimSpace(params.Client.Platform)
	c.version = strings.TrimSpace(params.Client.Version)
	if role == roleOperator && len(params.Scopes) == 0 {
		c.scopes = defaultOperatorScopes()
	} else {
		c.scopes = sanitizeScopes(params.Scopes)
	}
	for _, name := range params.Caps {
		if capKnown(name) {
			c.caps[name] = true
		}
	}

	if role == roleNode {
		s.fileNodePairRequest(c, params.Commands)
	}
	return req, true
}

// rejectHandshake answers a failed connect directly on the socket, which
// has no writer goroutine yet, and closes it.
func (s *Server) rejectHandshake(c *conn, id string, perr *protocol.Error) {
	wctx, cancel := context.WithTimeout(context.Background(), connWriteTimeout)
	defer cancel()
	_ = wsjson.Write(wctx, c.sock, protocol.ErrResponse(id, perr))
	audit.Record("deny", "connect", "connect", c.remote, perr.Message)
	slog.Warn("handshake rejected", "remote", c.remote, "code", perr.Code, "error", perr.Message)
	_ = c.sock.Close(websocket.StatusPolicyViolation, truncateRunes(perr.Message, 120))
}

// writeHello sends the hello-ok response for the connect request. The
// method list is derived from the dispatch registry, so it can never
// advertise a method the registry does not serve.
func (s *Server) writeHello(c *conn, req protocol.Request) error {
	negotiated := make([]string, 0, len(c.caps))
	for name := range c.caps {
		negotiated = append(negotiated, name)
	}
	sort.Strings(negotiated)

	hello := map[string]any{
		"type":               "hello-ok",
		"protocol":           protocol.Version,
		"implementedMethods": s.implementedMethods(),
		"capabilities":       negotiated,
		"server": map[string]any{
			"version": s.cfg.Cfg.RuntimeVersion,
			"connId":  c.id,
		},
		"events": eventNames(),
		"snapshot": map[string]any{
			"presence": s.presenceList(),
			"health":   s.healthSnapshot(c.ctx),
			"uptimeMs": time.Since(s.startedAt).Milliseconds(),
			"authMode": s.cfg.Auth.Mode(),
		},
		"policy": map[string]any{
			"maxPayload":        s.cfg.Cfg.MaxFrameBytes,
			"maxBufferedFrames": s.cfg.Cfg.MaxQueueFrames,
			"tickIntervalMs":    s.cfg.Cfg.TickIntervalMs,
		},
	}

	wctx, cancel := context.WithTimeout(c.ctx, connWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.sock, protocol.OKResponse(req.ID, hello))
}

// fileNodePairRequest records a pairing attempt for a node that just
// connected and announces it to operators when it is new. A node that is
// already paired keeps its state; the store never downgrades it.
func (s *Server) fileNodePairRequest(c *conn, commands []string) {
	req, created, err := s.cfg.Store.CreatePairRequest(c.ctx, c.clientID, c.displayName, c.platform, sanitizeTags(commands))
	if err != nil {
		slog.Warn("pair request filing failed", "node_id", c.clientID, "error", err)
		return
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
	if err := s.cfg.Store.SetNodePresence(c.ctx, c.clientID, "online"); err != nil {
		slog.Warn("node presence update failed", "node_id", c.clientID, "error", err)
	}
}

// readLoop decodes inbound frames and dispatches each request on its own
// goroutine. Responses are enqueued as they finish, so a slow handler
// never blocks the next read.
func (s *Server) readLoop(c *conn) {
	for {
		_, data, err := c.sock.Read(c.ctx)
		if err != nil {
			return
		}
		req, perr := protocol.DecodeRequest(data)
		if perr != nil {
			s.send(c, protocol.ErrResponse(frameID(data, "invalid"), perr))
			continue
		}
		go func(req protocol.Request) {
			s.send(c, s.dispatch(c.ctx, c, req))
		}(req)
	}
}

// pumpEvents forwards bus events the connection is entitled to see,
// stamping each with the per-connection sequence.
func (s *Server) pumpEvents(c *conn, sub *bus.Subscription) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !s.shouldPush(c, ev) {
				continue
			}
			frame := protocol.NewEvent(ev.Name, ev.Payload)
			frame.Seq = c.nextSeq()
			s.send(c, frame)
		}
	}
}

// shouldPush decides whether one bus event belongs on one connection.
// Tick and shutdown go to everyone. Node-scoped events go to the node
// they target. Everything else is operator-facing, with agent and chat
// streams additionally gated behind the agent-events-v1 capability.
func (s *Server) shouldPush(c *conn, ev bus.Event) bool {
	switch ev.Kind {
	case bus.KindTick, bus.KindShutdown:
		return true
	case bus.KindAgent, bus.KindChat:
		return c.role == roleOperator && c.hasCap(capAgentEvents)
	case bus.KindNodeInvokeRequest:
		return c.role == roleNode && c.clientID == payloadNodeID(ev.Payload)
	case bus.KindNodePairResolved:
		if c.role == roleNode {
			return c.clientID == payloadNodeID(ev.Payload)
		}
		return c.role == roleOperator
	default:
		return c.role == roleOperator
	}
}

func payloadNodeID(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["nodeId"].(string)
	return id
}

// send enqueues one frame and counts the drop when the queue evicted an
// older frame to admit it.
func (s *Server) send(c *conn, frame any) {
	if c.enqueue(frame) && s.cfg.Metrics != nil {
		s.cfg.Metrics.FramesDropped.Add(context.Background(), 1)
	}
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), 1)
	}
	s.cfg.Bus.Publish(bus.KindPresence, "presence", "", map[string]any{
		"connId":    c.id,
		"clientId":  c.clientID,
		"role":      c.role,
		"platform":  c.platform,
		"mode":      c.clientMode,
		"connected": true,
		"ts":        time.Now().UnixMilli(),
	})
	s.cfg.Bus.Publish(bus.KindHealth, "health", "", s.healthSnapshot(c.ctx))
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
	}
	if c.role == roleNode {
		if err := s.cfg.Store.SetNodePresence(context.Background(), c.clientID, "offline"); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			slog.Warn("node presence update failed", "node_id", c.clientID, "error", err)
		}
	}
	s.cfg.Bus.Publish(bus.KindPresence, "presence", "", map[string]any{
		"connId":    c.id,
		"clientId":  c.clientID,
		"role":      c.role,
		"platform":  c.platform,
		"mode":      c.clientMode,
		"connected": false,
		"ts":        time.Now().UnixMilli(),
	})
}

// presenceList snapshots the registered connections for the hello reply,
// oldest first.
func (s *Server) presenceList() []map[string]any {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].connectedAt.Equal(conns[j].connectedAt) {
			return conns[i].id < conns[j].id
		}
		return conns[i].connectedAt.Before(conns[j].connectedAt)
	})
	out := make([]map[string]any, 0, len(conns))
	for _, c := range conns {
		out = append(out, map[string]any{
			"connId":        c.id,
			"clientId":      c.clientID,
			"role":          c.role,
			"platform":      c.platform,
			"mode":          c.clientMode,
			"connectedAtMs": c.connectedAt.UnixMilli(),
		})
	}
	return out
}

// tickLoop publishes the keepalive tick on the configured interval and
// hands a parked wake to the first tick that follows it.
func (s *Server) tickLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Cfg.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cfg.Bus.Publish(bus.KindTick, "tick", "", map[string]any{"ts": time.Now().UnixMilli()})
			s.deliverPendingWake(ctx)
		}
	}
}

// deliverPendingWake promotes a mode=next-heartbeat hook wake into a wake
// event exactly once. The entry is cleared before publishing so a publish
// to an empty bus cannot replay it.
func (s *Server) deliverPendingWake(ctx context.Context) {
	raw, err := s.cfg.Store.GetEntryRaw(ctx, config.PendingWakeKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("pending wake lookup failed", "error", err)
		}
		return
	}
	if _, err := s.cfg.Store.DeleteEntry(ctx, config.PendingWakeKey); err != nil {
		slog.Warn("pending wake clear failed", "error", err)
		return
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		payload = map[string]any{"ts": time.Now().UnixMilli()}
	}
	s.cfg.Bus.Publish(bus.KindSystem, "wake", "", payload)
}

// frameID recovers the id from a frame that failed to decode so the
// error response still correlates.
func frameID(raw []byte, fallback string) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		if id := strings.TrimSpace(probe.ID); id != "" {
			return id
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHTTPError(w http.ResponseWriter, status int, perr *protocol.Error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": perr})
}
