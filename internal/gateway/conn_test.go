package gateway

import (
	"testing"

	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/protocol"
)

func queueConn(maxQueue int) *conn {
	return &conn{
		id:       "conn-test",
		maxQueue: maxQueue,
		caps:     map[string]bool{},
		signal:   make(chan struct{}, 1),
	}
}

func countOverflowMarkers(queue []any) int {
	n := 0
	for _, frame := range queue {
		if ev, ok := frame.(protocol.Event); ok && ev.Name == "overflow" {
			n++
		}
	}
	return n
}

func TestConnEnqueueOverflow(t *testing.T) {
	c := queueConn(3)

	for _, frame := range []string{"f1", "f2", "f3"} {
		if c.enqueue(frame) {
			t.Fatalf("enqueue %s dropped below capacity", frame)
		}
	}
	if len(c.queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(c.queue))
	}

	if !c.enqueue("f4") {
		t.Fatalf("enqueue at capacity must report a drop")
	}
	if len(c.queue) != 3 {
		t.Fatalf("queue length after overflow = %d, want 3", len(c.queue))
	}
	marker, ok := c.queue[0].(protocol.Event)
	if !ok || marker.Name != "overflow" {
		t.Fatalf("queue head after overflow = %#v, want overflow marker", c.queue[0])
	}
	payload, _ := marker.Payload.(map[string]any)
	if payload["connId"] != "conn-test" || payload["droppedAt"] == nil {
		t.Fatalf("marker payload = %v", payload)
	}

	// Further drops in the same burst never add a second marker.
	if !c.enqueue("f5") {
		t.Fatalf("second overflow must report a drop")
	}
	if n := countOverflowMarkers(c.queue); n > 1 {
		t.Fatalf("queue holds %d overflow markers, want at most 1", n)
	}
}

func TestConnEnqueueClosed(t *testing.T) {
	c := queueConn(4)
	c.cancel = func() {}
	c.close()

	if c.enqueue("late") {
		t.Fatalf("enqueue on closed conn reported a drop")
	}
	if len(c.queue) != 0 {
		t.Fatalf("closed conn buffered a frame")
	}
}

func TestConnNextSeq(t *testing.T) {
	c := queueConn(4)
	for want := int64(1); want <= 3; want++ {
		if got := c.nextSeq(); got != want {
			t.Fatalf("nextSeq = %d, want %d", got, want)
		}
	}
}

func TestShouldPush(t *testing.T) {
	s := &Server{}
	operator := &conn{role: roleOperator, caps: map[string]bool{capAgentEvents: true}}
	plainOperator := &conn{role: roleOperator, caps: map[string]bool{}}
	node := &conn{role: roleNode, clientID: "node-1", caps: map[string]bool{}}
	otherNode := &conn{role: roleNode, clientID: "node-2", caps: map[string]bool{}}

	nodeScoped := map[string]any{"nodeId": "node-1"}

	cases := []struct {
		name string
		conn *conn
		ev   bus.Event
		want bool
	}{
		{"tick to operator", operator, bus.Event{Kind: bus.KindTick}, true},
		{"tick to node", node, bus.Event{Kind: bus.KindTick}, true},
		{"shutdown to node", node, bus.Event{Kind: bus.KindShutdown}, true},

		{"agent to capable operator", operator, bus.Event{Kind: bus.KindAgent}, true},
		{"agent without cap", plainOperator, bus.Event{Kind: bus.KindAgent}, false},
		{"agent to node", node, bus.Event{Kind: bus.KindAgent}, false},
		{"chat to capable operator", operator, bus.Event{Kind: bus.KindChat}, true},
		{"chat without cap", plainOperator, bus.Event{Kind: bus.KindChat}, false},

		{"invoke request to target node", node, bus.Event{Kind: bus.KindNodeInvokeRequest, Payload: nodeScoped}, true},
		{"invoke request to other node", otherNode, bus.Event{Kind: bus.KindNodeInvokeRequest, Payload: nodeScoped}, false},
		{"invoke request to operator", operator, bus.Event{Kind: bus.KindNodeInvokeRequest, Payload: nodeScoped}, false},

		{"pair resolved to target node", node, bus.Event{Kind: bus.KindNodePairResolved, Payload: nodeScoped}, true},
		{"pair resolved to other node", otherNode, bus.Event{Kind: bus.KindNodePairResolved, Payload: nodeScoped}, false},
		{"pair resolved to operator", plainOperator, bus.Event{Kind: bus.KindNodePairResolved, Payload: nodeScoped}, true},

		{"presence to operator", plainOperator, bus.Event{Kind: bus.KindPresence}, true},
		{"presence to node", node, bus.Event{Kind: bus.KindPresence}, false},
		{"health to node", node, bus.Event{Kind: bus.KindHealth}, false},
	}

	for _, tc := range cases {
		if got := s.shouldPush(tc.conn, tc.ev); got != tc.want {
			t.Errorf("%s: shouldPush = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFrameID(t *testing.T) {
	if got := frameID([]byte(`{"id":"req-9"}`), "invalid"); got != "req-9" {
		t.Fatalf("frameID = %q", got)
	}
	if got := frameID([]byte(`{"id":"   "}`), "invalid"); got != "invalid" {
		t.Fatalf("frameID on blank id = %q", got)
	}
	if got := frameID([]byte(`{}`), "connect"); got != "connect" {
		t.Fatalf("frameID on missing id = %q", got)
	}
	if got := frameID([]byte("not json"), "invalid"); got != "invalid" {
		t.Fatalf("frameID on garbage = %q", got)
	}
}
