package gateway

import (
	"encoding/json"
	"testing"
)

func TestNormalizeSegment(t *testing.T) {
	cases := map[string]string{
		"GPT 4o":        "gpt-4o",
		"gpt-4o-mini":   "gpt-4o-mini",
		"user.name":     "username",
		"  Alice   W  ": "alice-w",
		"__a__b__":      "a-b",
		"tabs\tand\nnewlines": "tabs-and-newlines",
		":::":    "",
		"café":   "caf",
		"":       "",
		"UPPER9": "upper9",
	}
	for in, want := range cases {
		if got := normalizeSegment(in); got != want {
			t.Errorf("normalizeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompatSessionKey(t *testing.T) {
	if got := compatSessionKey("openai", "GPT 4o", "Alice"); got != "agent:gpt-4o:openai:chat:alice" {
		t.Fatalf("compatSessionKey = %q", got)
	}
	if got := compatSessionKey("openresponses", "", ""); got != "agent:main:openresponses:chat:default" {
		t.Fatalf("compatSessionKey with empty segments = %q", got)
	}
	if got := compatSessionKey("openai", "...", "!!!"); got != "agent:main:openai:chat:default" {
		t.Fatalf("compatSessionKey with unmappable segments = %q", got)
	}
}

func msg(role, content string) chatMessage {
	raw, _ := json.Marshal(content)
	return chatMessage{Role: role, Content: raw}
}

func TestBuildPrompt(t *testing.T) {
	prompt, ok := buildPrompt([]chatMessage{
		msg("system", "be brief"),
		msg("user", "hello"),
	})
	if !ok || prompt != "System:\nbe brief\n\nUser: hello" {
		t.Fatalf("prompt = %q ok=%v", prompt, ok)
	}

	prompt, ok = buildPrompt([]chatMessage{
		msg("user", "hi"),
		msg("assistant", "yo"),
		msg("user", "again"),
	})
	if !ok || prompt != "User: hi\nAssistant: yo\nUser: again" {
		t.Fatalf("transcript prompt = %q ok=%v", prompt, ok)
	}

	prompt, ok = buildPrompt([]chatMessage{
		msg("developer", "use go"),
		msg("system", "be kind"),
		msg("user", "ok"),
	})
	if !ok || prompt != "System:\nuse go\n\nbe kind\n\nUser: ok" {
		t.Fatalf("developer prompt = %q ok=%v", prompt, ok)
	}

	named := msg("tool", "42 results")
	named.Name = "search"
	prompt, ok = buildPrompt([]chatMessage{
		msg("user", "look it up"),
		named,
		msg("function", "done"),
	})
	if !ok || prompt != "User: look it up\nsearch: 42 results\nTool: done" {
		t.Fatalf("tool prompt = %q ok=%v", prompt, ok)
	}

	if _, ok := buildPrompt([]chatMessage{msg("system", "only system")}); ok {
		t.Fatalf("prompt without user message must fail")
	}
	if _, ok := buildPrompt([]chatMessage{msg("user", "   ")}); ok {
		t.Fatalf("blank user message must not count")
	}
	if _, ok := buildPrompt(nil); ok {
		t.Fatalf("empty message list must fail")
	}
}

func TestExtractTextContent(t *testing.T) {
	if got := extractTextContent(json.RawMessage(`"plain"`)); got != "plain" {
		t.Fatalf("string content = %q", got)
	}

	parts := json.RawMessage(`[
		{"type": "text", "text": "one"},
		{"type": "image_url", "url": "ignored"},
		{"type": "input_text", "input_text": "two"}
	]`)
	if got := extractTextContent(parts); got != "one\ntwo" {
		t.Fatalf("parts content = %q", got)
	}

	single := json.RawMessage(`{"type": "text", "text": "solo"}`)
	if got := extractTextContent(single); got != "solo" {
		t.Fatalf("single part content = %q", got)
	}

	if got := extractTextContent(nil); got != "" {
		t.Fatalf("nil content = %q", got)
	}
	if got := extractTextContent(json.RawMessage(`{"type":"refusal"}`)); got != "" {
		t.Fatalf("unreadable part = %q", got)
	}
}

func TestExtractInputPrompt(t *testing.T) {
	prompt, ok := extractInputPrompt(json.RawMessage(`"  ping  "`))
	if !ok || prompt != "ping" {
		t.Fatalf("string input = %q ok=%v", prompt, ok)
	}

	if _, ok := extractInputPrompt(json.RawMessage(`"   "`)); ok {
		t.Fatalf("blank string input must fail")
	}
	if _, ok := extractInputPrompt(nil); ok {
		t.Fatalf("missing input must fail")
	}

	items := json.RawMessage(`[
		{"role": "user", "content": [{"type": "input_text", "text": "first"}]},
		"second",
		{"role": "user", "text": "third"}
	]`)
	prompt, ok = extractInputPrompt(items)
	if !ok || prompt != "first\nsecond\nthird" {
		t.Fatalf("list input = %q ok=%v", prompt, ok)
	}

	object := json.RawMessage(`{"content": "from object"}`)
	prompt, ok = extractInputPrompt(object)
	if !ok || prompt != "from object" {
		t.Fatalf("object input = %q ok=%v", prompt, ok)
	}

	if _, ok := extractInputPrompt(json.RawMessage(`[{"role":"user"}]`)); ok {
		t.Fatalf("list without text must fail")
	}
}
