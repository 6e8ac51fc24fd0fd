package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/reclaw/reclaw-core/internal/config"
)

func newCompatGateway(t *testing.T) *testGateway {
	t.Helper()
	return newTestGateway(t, func(cfg *config.Config) {
		cfg.OpenAIChatCompletionsEnabled = true
		cfg.OpenResponsesEnabled = true
	})
}

func compatPost(t *testing.T, tg *testGateway, path, bearer string, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tg.TS.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := tg.TS.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decodeJSONMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func wantCompatError(t *testing.T, status int, body []byte, wantStatus int, wantMessage, wantType string) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", status, wantStatus, body)
	}
	errObj := decodeJSONMap(t, body)["error"].(map[string]any)
	if errObj["message"] != wantMessage || errObj["type"] != wantType {
		t.Fatalf("error = %v, want %q / %q", errObj, wantMessage, wantType)
	}
}

// sseEvent is one parsed server-sent event block.
type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body []byte) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(string(body)), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.Name != "" || ev.Data != "" {
			out = append(out, ev)
		}
	}
	return out
}

func TestChatCompletionsEcho(t *testing.T) {
	tg := newCompatGateway(t)

	status, body := compatPost(t, tg, "/v1/chat/completions", testToken, `{
		"model": "gpt-4o-mini",
		"user": "Alice W",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		]
	}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	res := decodeJSONMap(t, body)

	id, _ := res["id"].(string)
	if !strings.HasPrefix(id, "chatcmpl_") {
		t.Fatalf("id = %q", id)
	}
	if res["object"] != "chat.completion" || res["model"] != "gpt-4o-mini" {
		t.Fatalf("envelope = %v", res)
	}

	choice := res["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "stop" {
		t.Fatalf("finish_reason = %v", choice["finish_reason"])
	}
	message := choice["message"].(map[string]any)
	if message["role"] != "assistant" {
		t.Fatalf("message role = %v", message["role"])
	}
	want := "Echo: System:\nbe brief\n\nUser: hello"
	if message["content"] != want {
		t.Fatalf("content = %q, want %q", message["content"], want)
	}

	usage := res["usage"].(map[string]any)
	if usage["total_tokens"] != float64(0) {
		t.Fatalf("usage = %v", usage)
	}

	// The model and user select the backing session.
	if _, err := tg.Store.GetSession(context.Background(), "agent:gpt-4o-mini:openai:chat:alice-w"); err != nil {
		t.Fatalf("compat session not created: %v", err)
	}
}

func TestChatCompletionsAuth(t *testing.T) {
	tg := newCompatGateway(t)
	body := `{"messages":[{"role":"user","content":"hi"}]}`

	status, data := compatPost(t, tg, "/v1/chat/completions", "", body)
	wantCompatError(t, status, data, http.StatusUnauthorized,
		"unauthorized: missing credentials", "authentication_error")

	status, data = compatPost(t, tg, "/v1/chat/completions", "wrong-token", body)
	wantCompatError(t, status, data, http.StatusUnauthorized,
		"unauthorized: invalid credentials", "authentication_error")
}

func TestChatCompletionsValidation(t *testing.T) {
	tg := newCompatGateway(t)

	status, data := compatPost(t, tg, "/v1/chat/completions", testToken,
		`{"messages":[{"role":"system","content":"no user turn"}]}`)
	wantCompatError(t, status, data, http.StatusBadRequest,
		"Missing user message in `messages`.", "invalid_request_error")

	status, data = compatPost(t, tg, "/v1/chat/completions", testToken, "{broken")
	wantCompatError(t, status, data, http.StatusBadRequest,
		"Invalid JSON body.", "invalid_request_error")

	resp, err := tg.TS.Client().Get(tg.TS.URL + "/v1/chat/completions")
	if err != nil {
		t.Fatalf("GET completions: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	wantCompatError(t, resp.StatusCode, raw, http.StatusMethodNotAllowed,
		"Method not allowed.", "invalid_request_error")
}

func TestChatCompletionsStream(t *testing.T) {
	tg := newCompatGateway(t)

	req, err := http.NewRequest(http.MethodPost, tg.TS.URL+"/v1/chat/completions",
		strings.NewReader(`{"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := tg.TS.Client().Do(req)
	if err != nil {
		t.Fatalf("POST stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}

	events := parseSSE(t, body)
	if len(events) != 3 {
		t.Fatalf("stream has %d events, want 3: %s", len(events), body)
	}

	first := decodeJSONMap(t, []byte(events[0].Data))
	if first["object"] != "chat.completion.chunk" {
		t.Fatalf("first chunk object = %v", first["object"])
	}
	delta := first["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	if delta["role"] != "assistant" {
		t.Fatalf("first delta = %v", delta)
	}

	second := decodeJSONMap(t, []byte(events[1].Data))
	choice := second["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "stop" {
		t.Fatalf("second chunk finish_reason = %v", choice["finish_reason"])
	}
	if choice["delta"].(map[string]any)["content"] != "Echo: User: hi" {
		t.Fatalf("second chunk delta = %v", choice["delta"])
	}

	if events[2].Data != "[DONE]" {
		t.Fatalf("stream terminator = %q", events[2].Data)
	}
}

func TestOpenResponsesEcho(t *testing.T) {
	tg := newCompatGateway(t)

	status, body := compatPost(t, tg, "/v1/responses", testToken, `{"input":"ping"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	res := decodeJSONMap(t, body)

	id, _ := res["id"].(string)
	if !strings.HasPrefix(id, "resp_") {
		t.Fatalf("id = %q", id)
	}
	if res["object"] != "response" || res["status"] != "completed" {
		t.Fatalf("envelope = %v", res)
	}
	if res["model"] != "reclaw-core" {
		t.Fatalf("default model = %v", res["model"])
	}

	output := res["output"].([]any)[0].(map[string]any)
	if output["type"] != "message" || output["role"] != "assistant" || output["status"] != "completed" {
		t.Fatalf("output item = %v", output)
	}
	content := output["content"].([]any)[0].(map[string]any)
	// A bare string input is forwarded untouched, without a role prefix.
	if content["type"] != "output_text" || content["text"] != "Echo: ping" {
		t.Fatalf("output content = %v", content)
	}
}

func TestOpenResponsesStructuredInput(t *testing.T) {
	tg := newCompatGateway(t)

	status, body := compatPost(t, tg, "/v1/responses", testToken, `{
		"model": "gpt-4o",
		"input": [
			{"role": "user", "content": [{"type": "input_text", "text": "first"}]},
			"second"
		]
	}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	res := decodeJSONMap(t, body)
	content := res["output"].([]any)[0].(map[string]any)["content"].([]any)[0].(map[string]any)
	if content["text"] != "Echo: first\nsecond" {
		t.Fatalf("text = %q", content["text"])
	}

	status, data := compatPost(t, tg, "/v1/responses", testToken, `{"input":"   "}`)
	wantCompatError(t, status, data, http.StatusBadRequest,
		"Missing input text in `input`.", "invalid_request_error")
}

func TestOpenResponsesStream(t *testing.T) {
	tg := newCompatGateway(t)

	status, body := compatPost(t, tg, "/v1/responses", testToken,
		`{"stream":true,"input":"go"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}

	events := parseSSE(t, body)
	if len(events) != 4 {
		t.Fatalf("stream has %d events, want 4: %s", len(events), body)
	}
	if events[0].Name != "response.created" || events[1].Name != "response.output_text.delta" ||
		events[2].Name != "response.completed" || events[3].Name != "" {
		t.Fatalf("event names = %v", events)
	}

	created := decodeJSONMap(t, []byte(events[0].Data))
	if created["response"].(map[string]any)["status"] != "in_progress" {
		t.Fatalf("created event = %v", created)
	}

	delta := decodeJSONMap(t, []byte(events[1].Data))
	if delta["delta"] != "Echo: go" {
		t.Fatalf("delta event = %v", delta)
	}

	completed := decodeJSONMap(t, []byte(events[2].Data))
	response := completed["response"].(map[string]any)
	if response["status"] != "completed" {
		t.Fatalf("completed event = %v", completed)
	}
	if events[3].Data != "[DONE]" {
		t.Fatalf("stream terminator = %q", events[3].Data)
	}
}
