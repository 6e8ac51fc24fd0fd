// Command gateway_smoke drives one chat turn end to end against a live
// gateway: connect, chat.send, agent.wait until the run is terminal, and
// confirm the assistant reply landed in chat.history. Exit 0 means the
// pipeline from the dispatcher through the runtime to the store works.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
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

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "websocket endpoint")
	token := flag.String("token", "", "gateway token")
	timeout := flag.Duration("timeout", 20*time.Second, "overall timeout")
	sessionKey := flag.String("session-key", "agent:main:smoke:chat:"+uuid.NewString(), "session key for the turn")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "gateway smoke done")

	connectRes := call(ctx, conn, "connect", map[string]any{
		"minProtocol": 3,
		"maxProtocol": 3,
		"client":      map[string]any{"id": "gateway-smoke", "mode": "cli"},
		"role":        "operator",
		"caps":        []string{"agent-events-v1"},
		"auth":        map[string]any{"token": strings.TrimSpace(*token)},
	})
	if !connectRes.OK {
		fatalf("connect error: %+v", connectRes.Error)
	}
	fmt.Println("CHECK connect ok")

	sendRes := call(ctx, conn, "chat.send", map[string]any{
		"sessionKey": *sessionKey,
		"message":    "smoke ping",
	})
	if !sendRes.OK {
		fatalf("chat.send error: %+v", sendRes.Error)
	}
	var sent struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(sendRes.Payload, &sent); err != nil || sent.RunID == "" {
		fatalf("chat.send payload missing runId: %s", sendRes.Payload)
	}
	fmt.Printf("CHECK chat.send ok run=%s\n", sent.RunID)

	waitRes := call(ctx, conn, "agent.wait", map[string]any{
		"runId":     sent.RunID,
		"timeoutMs": 15000,
	})
	if !waitRes.OK {
		fatalf("agent.wait error: %+v", waitRes.Error)
	}
	var waited struct {
		Status string `json:"status"`
		Result struct {
			Output string `json:"output"`
		} `json:"result"`
	}
	if err := json.Unmarshal(waitRes.Payload, &waited); err != nil {
		fatal("decode agent.wait payload", err)
	}
	if waited.Status != "completed" {
		fatalf("run did not complete: status=%s", waited.Status)
	}
	fmt.Printf("CHECK agent.wait completed output=%q\n", truncate(waited.Result.Output, 60))

	historyRes := call(ctx, conn, "chat.history", map[string]any{
		"sessionKey": *sessionKey,
		"limit":      10,
	})
	if !historyRes.OK {
		fatalf("chat.history error: %+v", historyRes.Error)
	}
	var history struct {
		Messages []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(historyRes.Payload, &history); err != nil {
		fatal("decode chat.history payload", err)
	}
	sawAssistant := false
	for _, m := range history.Messages {
		if m.Role == "assistant" && m.Text == waited.Result.Output {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		fatalf("assistant reply not persisted in chat.history (%d messages)", len(history.Messages))
	}
	fmt.Println("CHECK assistant reply persisted")
	fmt.Println("PASS gateway_smoke")
}

var nextID int

// call writes one request and reads frames until its response arrives.
// Event pushes negotiated by the caps are skipped, not consumed.
func call(ctx context.Context, conn *websocket.Conn, method string, params any) resFrame {
	nextID++
	id := strconv.Itoa(nextID)
	if err := wsjson.Write(ctx, conn, reqFrame{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		fatal("write "+method, err)
	}
	for {
		var res resFrame
		if err := wsjson.Read(ctx, conn, &res); err != nil {
			fatal("read "+method+" response", err)
		}
		if res.Type == "res" && res.ID == id {
			return res
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
