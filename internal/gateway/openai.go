package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/audit"
	"github.com/reclaw/reclaw-core/internal/protocol"
)

const compatFallbackReply = "No response from Reclaw Core."

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name"`
}

// handleChatCompletions serves the OpenAI-compatible chat completions
// endpoint. The conversation is flattened into one prompt and routed
// through chat.send; model and user select the session.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		openAIError(w, http.StatusMethodNotAllowed, "Method not allowed.", "invalid_request_error")
		return
	}
	if msg, ok := s.authorizeCompatHTTP(r); !ok {
		audit.Record("deny", "openai", r.URL.Path, remoteIP(r), msg)
		openAIError(w, http.StatusUnauthorized, msg, "authentication_error")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		openAIError(w, http.StatusBadRequest, "Invalid JSON body.", "invalid_request_error")
		return
	}
	var payload chatCompletionsRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		openAIError(w, http.StatusBadRequest, "Invalid request body.", "invalid_request_error")
		return
	}

	model := strings.TrimSpace(payload.Model)
	if model == "" {
		model = "reclaw-core"
	}
	prompt, ok := buildPrompt(payload.Messages)
	if !ok {
		openAIError(w, http.StatusBadRequest, "Missing user message in `messages`.", "invalid_request_error")
		return
	}

	completionID := "chatcmpl_" + uuid.NewString()
	sessionKey := compatSessionKey("openai", model, payload.User)
	text, perr := s.compatChatSend(r.Context(), "openai", sessionKey, prompt, "openai-"+completionID)
	if perr != nil {
		status, errType := compatErrorStatus(perr)
		openAIError(w, status, perr.Message, errType)
		return
	}
	audit.Record("ok", "openai", r.URL.Path, remoteIP(r), sessionKey)
	created := time.Now().Unix()

	if payload.Stream {
		streamChatCompletion(w, completionID, model, created, text)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      completionID,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": text,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	})
}

func streamChatCompletion(w http.ResponseWriter, completionID, model string, created int64, text string) {
	flush := beginSSE(w)

	writeSSE(w, flush, "", sseJSON(map[string]any{
		"id":      completionID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{"role": "assistant"},
		}},
	}))
	writeSSE(w, flush, "", sseJSON(map[string]any{
		"id":      completionID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"content": text},
			"finish_reason": "stop",
		}},
	}))
	writeSSE(w, flush, "", "[DONE]")
}

// authorizeCompatHTTP checks the bearer credential against the gateway
// auth mode. The bearer is accepted in both token and password modes.
func (s *Server) authorizeCompatHTTP(r *http.Request) (string, bool) {
	bearer := bearerToken(r)
	if s.cfg.Auth.Check(Credentials{Bearer: bearer}) {
		return "", true
	}
	if bearer == "" {
		return "unauthorized: missing credentials", false
	}
	return "unauthorized: invalid credentials", false
}

// compatChatSend runs chat.send on behalf of an HTTP caller under a
// synthetic operator identity. The completion id doubles as the
// idempotency key so HTTP retries land on the same run.
func (s *Server) compatChatSend(ctx context.Context, surface, sessionKey, prompt, idemKey string) (string, *protocol.Error) {
	params, err := json.Marshal(map[string]any{
		"sessionKey":     sessionKey,
		"message":        prompt,
		"idempotencyKey": idemKey,
	})
	if err != nil {
		return "", protocol.NewError(protocol.CodeUnavailable, err.Error())
	}
	c := &conn{
		id:         "http-" + surface + "-" + uuid.NewString(),
		role:       roleOperator,
		clientID:   surface + "-http",
		clientMode: surface + "-http",
		scopes:     defaultOperatorScopes(),
		caps:       map[string]bool{},
	}
	payload, perr := s.handleChatSend(ctx, c, params)
	if perr != nil {
		return "", perr
	}
	result, _ := payload.(map[string]any)
	text, ok := result["message"].(string)
	if !ok {
		text = compatFallbackReply
	}
	return text, nil
}

func compatErrorStatus(perr *protocol.Error) (int, string) {
	if perr.Code == protocol.CodeInvalidRequest {
		return http.StatusBadRequest, "invalid_request_error"
	}
	return http.StatusServiceUnavailable, "api_error"
}

func compatSessionKey(surface, model, user string) string {
	agentID := normalizeSegment(model)
	if agentID == "" {
		agentID = "main"
	}
	conversation := normalizeSegment(user)
	if conversation == "" {
		conversation = "default"
	}
	return "agent:" + agentID + ":" + surface + ":chat:" + conversation
}

func openAIError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}

// buildPrompt flattens an OpenAI message list into one prompt. System and
// developer messages head the prompt; the rest becomes a transcript. At
// least one user message is required.
func buildPrompt(messages []chatMessage) (string, bool) {
	var systemParts []string
	var conversation []string
	hasUser := false

	for _, m := range messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" {
			continue
		}
		content := strings.TrimSpace(extractTextContent(m.Content))
		if content == "" {
			continue
		}
		switch role {
		case "system", "developer":
			systemParts = append(systemParts, content)
		case "assistant":
			conversation = append(conversation, "Assistant: "+content)
		case "user":
			hasUser = true
			conversation = append(conversation, "User: "+content)
		case "tool", "function":
			name := strings.TrimSpace(m.Name)
			if name == "" {
				name = "Tool"
			}
			conversation = append(conversation, name+": "+content)
		}
	}
	if !hasUser {
		return "", false
	}

	var sections []string
	if len(systemParts) > 0 {
		sections = append(sections, "System:\n"+strings.Join(systemParts, "\n\n"))
	}
	if len(conversation) > 0 {
		sections = append(sections, strings.Join(conversation, "\n"))
	}
	return strings.Join(sections, "\n\n"), true
}

// extractTextContent reads OpenAI message content, which is either a
// plain string, a list of typed parts, or a single part object.
func extractTextContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if t := readContentPart(part); strings.TrimSpace(t) != "" {
				out = append(out, t)
			}
		}
		return strings.Join(out, "\n")
	}
	return readContentPart(raw)
}

func readContentPart(raw json.RawMessage) string {
	var part struct {
		Type      string `json:"type"`
		Text      string `json:"text"`
		InputText string `json:"input_text"`
	}
	if err := json.Unmarshal(raw, &part); err != nil {
		return ""
	}
	switch part.Type {
	case "text", "input_text":
		if part.Text != "" {
			return part.Text
		}
		return part.InputText
	default:
		if part.InputText != "" {
			return part.InputText
		}
		return part.Text
	}
}

// normalizeSegment lowercases a session key segment, keeping ASCII
// alphanumerics and collapsing separator runs to single dashes.
func normalizeSegment(value string) string {
	var b strings.Builder
	pendingDash := false
	for _, ch := range strings.ToLower(value) {
		switch {
		case ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(ch)
			pendingDash = false
		case ch == '_' || ch == '-' || ch == ':' || ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f':
			pendingDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// beginSSE sets the event stream headers and returns the flush hook.
func beginSSE(w http.ResponseWriter) func() {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		return f.Flush
	}
	return func() {}
}

// writeSSE emits one server-sent event; name may be empty for plain data
// frames.
func writeSSE(w http.ResponseWriter, flush func(), name, data string) {
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flush()
}

func sseJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
