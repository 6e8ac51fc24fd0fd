package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/audit"
)

type createResponseRequest struct {
	Model  string          `json:"model"`
	Stream bool            `json:"stream"`
	Input  json.RawMessage `json:"input"`
	User   string          `json:"user"`
}

// handleOpenResponses serves the OpenAI Responses API shape on top of
// chat.send, mirroring the chat completions endpoint with the newer
// resource and streaming event formats.
func (s *Server) handleOpenResponses(w http.ResponseWriter, r *http.Request) {
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
	var payload createResponseRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		openAIError(w, http.StatusBadRequest, "Invalid request body.", "invalid_request_error")
		return
	}

	model := strings.TrimSpace(payload.Model)
	if model == "" {
		model = "reclaw-core"
	}
	prompt, ok := extractInputPrompt(payload.Input)
	if !ok {
		openAIError(w, http.StatusBadRequest, "Missing input text in `input`.", "invalid_request_error")
		return
	}

	responseID := "resp_" + uuid.NewString()
	sessionKey := compatSessionKey("openresponses", model, payload.User)
	text, perr := s.compatChatSend(r.Context(), "openresponses", sessionKey, prompt, "openresponses-"+responseID)
	if perr != nil {
		status, errType := compatErrorStatus(perr)
		openAIError(w, status, perr.Message, errType)
		return
	}
	audit.Record("ok", "openai", r.URL.Path, remoteIP(r), sessionKey)
	created := time.Now().Unix()

	if payload.Stream {
		streamOpenResponse(w, responseID, model, created, text)
		return
	}
	writeJSON(w, http.StatusOK, responseResource(responseID, model, created, "completed", responseOutput(text)))
}

func streamOpenResponse(w http.ResponseWriter, responseID, model string, created int64, text string) {
	flush := beginSSE(w)

	writeSSE(w, flush, "response.created", sseJSON(map[string]any{
		"type":     "response.created",
		"response": responseResource(responseID, model, created, "in_progress", []map[string]any{}),
	}))
	writeSSE(w, flush, "response.output_text.delta", sseJSON(map[string]any{
		"type":        "response.output_text.delta",
		"response_id": responseID,
		"item_id":     "msg_" + uuid.NewString(),
		"delta":       text,
	}))
	writeSSE(w, flush, "response.completed", sseJSON(map[string]any{
		"type":     "response.completed",
		"response": responseResource(responseID, model, created, "completed", responseOutput(text)),
	}))
	writeSSE(w, flush, "", "[DONE]")
}

func responseResource(responseID, model string, created int64, status string, output []map[string]any) map[string]any {
	return map[string]any{
		"id":         responseID,
		"object":     "response",
		"created_at": created,
		"status":     status,
		"model":      model,
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  0,
			"output_tokens": 0,
			"total_tokens":  0,
		},
		"error": nil,
	}
}

func responseOutput(text string) []map[string]any {
	return []map[string]any{{
		"type": "message",
		"id":   "msg_" + uuid.NewString(),
		"role": "assistant",
		"content": []map[string]any{{
			"type": "output_text",
			"text": text,
		}},
		"status": "completed",
	}}
}

// extractInputPrompt reads the Responses API input field, which is a
// plain string, a list of items, or a single item object.
func extractInputPrompt(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		trimmed := strings.TrimSpace(text)
		return trimmed, trimmed != ""
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if t, ok := promptFromItem(item); ok && strings.TrimSpace(t) != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n"), true
	}
	t, ok := promptFromItem(raw)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(t)
	return trimmed, trimmed != ""
}

// promptFromItem prefers structured content over the flat text fields.
func promptFromItem(item json.RawMessage) (string, bool) {
	var text string
	if err := json.Unmarshal(item, &text); err == nil {
		return text, true
	}
	var obj struct {
		Content   json.RawMessage `json:"content"`
		Text      string          `json:"text"`
		InputText string          `json:"input_text"`
	}
	if err := json.Unmarshal(item, &obj); err != nil {
		return "", false
	}
	if len(obj.Content) > 0 {
		if t := extractTextContent(obj.Content); strings.TrimSpace(t) != "" {
			return t, true
		}
	}
	if obj.Text != "" {
		return obj.Text, true
	}
	if obj.InputText != "" {
		return obj.InputText, true
	}
	return "", false
}
