// Command ws_check exercises the gateway handshake contract from the
// outside: a first frame that is not connect must be answered with an
// INVALID_REQUEST response and a close, a connect with bad credentials
// must be answered UNAVAILABLE, and a valid connect must return a
// hello-ok carrying the protocol version and the implemented method set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type resFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type reqFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

func connectParams(token string) map[string]any {
	return map[string]any{
		"minProtocol": 3,
		"maxProtocol": 3,
		"client":      map[string]any{"id": "ws-check", "mode": "cli"},
		"role":        "operator",
		"auth":        map[string]any{"token": token},
	}
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "websocket endpoint")
	token := flag.String("token", "", "gateway token")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// A first frame that is not connect must be rejected and closed.
	conn := dial(ctx, *url)
	write(ctx, conn, reqFrame{Type: "req", ID: "1", Method: "health"})
	res := read(ctx, conn)
	if res.OK || res.Error == nil || res.Error.Code != "INVALID_REQUEST" {
		fatalf("expected INVALID_REQUEST for a non-connect first frame, got %+v", res)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		fatalf("expected the connection to close after a rejected handshake")
	}
	fmt.Println("CHECK handshake gate rejects non-connect first frame")

	// Bad credentials answer UNAVAILABLE, uniform with other denials.
	conn = dial(ctx, *url)
	write(ctx, conn, reqFrame{Type: "req", ID: "1", Method: "connect", Params: connectParams("not-the-token")})
	res = read(ctx, conn)
	if res.OK || res.Error == nil || res.Error.Code != "UNAVAILABLE" {
		fatalf("expected UNAVAILABLE for bad credentials, got %+v", res)
	}
	fmt.Println("CHECK bad credentials rejected uniformly")

	// A valid connect returns hello-ok with protocol 3 and the method set.
	conn = dial(ctx, *url)
	defer conn.Close(websocket.StatusNormalClosure, "ws check done")
	write(ctx, conn, reqFrame{Type: "req", ID: "1", Method: "connect", Params: connectParams(strings.TrimSpace(*token))})
	res = read(ctx, conn)
	if !res.OK {
		fatalf("connect failed: %+v", res.Error)
	}
	var hello struct {
		Protocol           int      `json:"protocol"`
		ImplementedMethods []string `json:"implementedMethods"`
	}
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		fatalf("hello payload unreadable: %v", err)
	}
	if hello.Protocol != 3 {
		fatalf("expected protocol 3, got %d", hello.Protocol)
	}
	if len(hello.ImplementedMethods) == 0 {
		fatalf("hello advertised no methods")
	}
	fmt.Printf("CHECK connect ok protocol=%d methods=%d\n", hello.Protocol, len(hello.ImplementedMethods))

	// Every advertised method must dispatch; probe the cheapest one.
	found := false
	for _, m := range hello.ImplementedMethods {
		if m == "health" {
			found = true
			break
		}
	}
	if !found {
		fatalf("health missing from implementedMethods")
	}
	write(ctx, conn, reqFrame{Type: "req", ID: "2", Method: "health"})
	res = read(ctx, conn)
	if !res.OK {
		fatalf("health failed: %+v", res.Error)
	}
	fmt.Println("CHECK health ok")
	fmt.Println("PASS ws_check")
}

func dial(ctx context.Context, url string) *websocket.Conn {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		fatalf("dial failed: %v", err)
	}
	return conn
}

func write(ctx context.Context, conn *websocket.Conn, frame reqFrame) {
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		fatalf("write %s: %v", frame.Method, err)
	}
}

func read(ctx context.Context, conn *websocket.Conn) resFrame {
	// Skip event frames; the handshake reply is always a res.
	for {
		var res resFrame
		if err := wsjson.Read(ctx, conn, &res); err != nil {
			fatalf("read response: %v", err)
		}
		if res.Type == "res" {
			return res
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
