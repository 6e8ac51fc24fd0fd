package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

const connWriteTimeout = 10 * time.Second

// conn is one authenticated WebSocket connection. A single writer
// goroutine owns the socket; everything else enqueues frames through a
// bounded queue. When the queue is full the oldest frame is dropped and a
// single overflow event marks the gap until the queue drains again.
type conn struct {
	id       string
	sock     *websocket.Conn
	remote   string
	maxQueue int

	// Identity established by the connect handshake.
	role        string
	clientID    string
	displayName string
	clientMode  string
	platform    string
	version     string
	scopes      []string
	caps        map[string]bool
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	queue      []any
	overflowed bool
	closed     bool
	seq        int64
	signal     chan struct{}
}

func newConn(ctx context.Context, sock *websocket.Conn, id, remote string, maxQueue int) *conn {
	if maxQueue <= 0 {
		maxQueue = 256
	}
	cctx, cancel := context.WithCancel(ctx)
	return &conn{
		id:          id,
		sock:        sock,
		remote:      remote,
		maxQueue:    maxQueue,
		caps:        map[string]bool{},
		connectedAt: time.Now(),
		ctx:         cctx,
		cancel:      cancel,
		signal:      make(chan struct{}, 1),
	}
}

func (c *conn) hasCap(name string) bool { return c.caps[name] }

// nextSeq returns the next per-connection event sequence number.
func (c *conn) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// enqueue appends a frame for the writer goroutine and reports whether an
// older frame was dropped to make room. On overflow the oldest frame is
// dropped; the first drop in a burst is replaced by an overflow event so
// the client can tell that a gap exists.
func (c *conn) enqueue(frame any) bool {
	dropped := false
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= c.maxQueue {
		c.queue = c.queue[1:]
		dropped = true
		if !c.overflowed {
			c.overflowed = true
			marker := protocol.NewEvent("overflow", map[string]any{
				"connId":    c.id,
				"droppedAt": time.Now().UnixMilli(),
			})
			if len(c.queue) > 0 {
				c.queue[0] = marker
			} else {
				c.queue = append(c.queue, marker)
			}
		}
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return dropped
}

// writeLoop drains the queue until the connection context ends. Write
// failures cancel the connection; the read loop observes that and exits.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.signal:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.overflowed = false
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			if len(c.queue) == 0 {
				c.overflowed = false
			}
			c.mu.Unlock()

			wctx, cancel := context.WithTimeout(c.ctx, connWriteTimeout)
			err := wsjson.Write(wctx, c.sock, frame)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// close cancels the connection context and marks the queue rejected. The
// socket close happens in the accept handler that owns it.
func (c *conn) close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	c.cancel()
}

// sessionInfo is the `session` block of the status RPC.
func (c *conn) sessionInfo() map[string]any {
	scopes := c.scopes
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]any{
		"connId":     c.id,
		"role":       c.role,
		"scopes":     scopes,
		"clientId":   c.clientID,
		"clientMode": c.clientMode,
	}
}
