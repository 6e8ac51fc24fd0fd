package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
)

// adapter is the per-provider webhook contract. validate authenticates one
// delivery against the channel's configured credentials; parse turns the
// raw body into a normalized inbound message.
type adapter interface {
	validate(r *http.Request, body []byte, cc config.ChannelConfig) *httpError
	parse(body []byte) (parseResult, *httpError)
}

// deliverer is implemented by adapters that push replies back through the
// provider's own API instead of (or in addition to) the outbound relay.
type deliverer interface {
	deliver(ctx context.Context, cc config.ChannelConfig, in Inbound, reply string) error
}

// parseResult is what an adapter extracted from a webhook body. Challenge
// short-circuits with a verification echo. Accepted=false acknowledges a
// payload that carries no ingestable message.
type parseResult struct {
	Challenge string
	Accepted  bool
	Reason    string
	Msg       Inbound
}

// Inbound is one normalized channel message on its way into the chat
// pipeline. The JSON tags double as the generic bridge body shape.
type Inbound struct {
	Channel        string         `json:"channel"`
	ConversationID string         `json:"conversationId"`
	Text           string         `json:"text"`
	AgentID        string         `json:"agentId,omitempty"`
	SenderID       string         `json:"senderId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// httpError carries an HTTP status alongside the wire error taxonomy.
type httpError struct {
	status  int
	code    string
	message string
}

func errUnconfigured(channel string) *httpError {
	return &httpError{http.StatusServiceUnavailable, protocol.CodeUnavailable,
		fmt.Sprintf("channel %s is not configured", channel)}
}

func errUnauthorized(message string) *httpError {
	return &httpError{http.StatusUnauthorized, protocol.CodeUnavailable, message}
}

func errBadPayload(message string) *httpError {
	return &httpError{http.StatusBadRequest, protocol.CodeInvalidRequest, message}
}

func builtinAdapters() map[string]adapter {
	return map[string]adapter{
		"telegram": &telegramAdapter{},
		"slack":    &slackAdapter{},
		"discord":  &genericAdapter{channel: "discord"},
		"signal":   &genericAdapter{channel: "signal"},
		"whatsapp": &genericAdapter{channel: "whatsapp"},
	}
}

// Builtins lists the in-process adapter names, sorted.
func Builtins() []string {
	reg := builtinAdapters()
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SessionKey derives the chat session key for a channel conversation:
// agent:<agentId>:<channel>:chat:<conversationId>, with each free segment
// normalized the same way the LLM-compat endpoints normalize theirs.
func SessionKey(agentID, channel, conversationID string) string {
	agent := normalizeSegment(agentID)
	if agent == "" {
		agent = "main"
	}
	conv := normalizeSegment(conversationID)
	if conv == "" {
		conv = "default"
	}
	return fmt.Sprintf("agent:%s:%s:chat:%s", agent, channel, conv)
}

// normalizeSegment lowercases a free-form identifier and collapses
// separator runs to single dashes; anything else non-alphanumeric is
// dropped.
func normalizeSegment(raw string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '-' || r == '_' || r == ':':
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func dedupeKey(channel, messageID string) string {
	return "channels/dedupe/" + channel + "/" + messageID
}

// ingestOutcome reports the run a message mapped to. Duplicate means the
// message was already ingested and nothing new was submitted.
type ingestOutcome struct {
	SessionKey string
	Run        store.AgentRun
	Reply      string
	Duplicate  bool
}

// ingest pushes one inbound message through the chat pipeline: dedupe on
// (channel, messageId), submit an agent run keyed for idempotent replay,
// then wait a bounded time for the reply.
func (p *Plane) ingest(ctx context.Context, in Inbound) (ingestOutcome, *httpError) {
	sessionKey := SessionKey(in.AgentID, in.Channel, in.ConversationID)

	if in.MessageID != "" {
		if prev, found := p.lookupDedupe(ctx, in); found {
			prev.SessionKey = sessionKey
			return prev, nil
		}
	}

	idemKey := in.IdempotencyKey
	if idemKey == "" {
		if in.MessageID != "" {
			idemKey = in.Channel + "-" + in.MessageID
		} else {
			idemKey = in.Channel + "-" + uuid.NewString()
		}
	}

	metadata := map[string]any{
		"channel":        in.Channel,
		"conversationId": in.ConversationID,
	}
	if in.SenderID != "" {
		metadata["senderId"] = in.SenderID
	}
	if in.MessageID != "" {
		metadata["messageId"] = in.MessageID
	}
	for k, v := range in.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}

	res, err := p.cfg.Runtime.Submit(ctx, runtime.SubmitRequest{
		SessionKey:     sessionKey,
		AgentID:        in.AgentID,
		Source:         "channel",
		Input:          in.Text,
		IdempotencyKey: idemKey,
		Metadata:       metadata,
	})
	if errors.Is(err, runtime.ErrSaturated) {
		return ingestOutcome{}, &httpError{http.StatusTooManyRequests, protocol.CodeUnavailable,
			"run queue is saturated"}
	}
	if err != nil {
		return ingestOutcome{}, &httpError{http.StatusServiceUnavailable, protocol.CodeUnavailable,
			"message ingestion failed"}
	}

	if in.MessageID != "" {
		p.recordDedupe(ctx, in, res.Run.ID)
	}

	run, err := p.cfg.Runtime.Wait(ctx, res.Run.ID, replyWait)
	if err != nil {
		run = res.Run
	}
	out := ingestOutcome{SessionKey: sessionKey, Run: run}
	if run.State == store.RunCompleted {
		out.Reply = run.Output
	}
	return out, nil
}

// dedupeEntry is the config_entries record pinning a (channel, messageId)
// pair to the run it produced.
type dedupeEntry struct {
	RunID string `json:"runId"`
	TsMs  int64  `json:"ts"`
}

func (p *Plane) lookupDedupe(ctx context.Context, in Inbound) (ingestOutcome, bool) {
	raw, err := p.cfg.Store.GetEntryRaw(ctx, dedupeKey(in.Channel, in.MessageID))
	if err != nil {
		return ingestOutcome{}, false
	}
	var entry dedupeEntry
	if json.Unmarshal(raw, &entry) != nil || entry.RunID == "" {
		return ingestOutcome{}, false
	}
	out := ingestOutcome{Duplicate: true}
	if run, gerr := p.cfg.Store.GetRun(ctx, entry.RunID); gerr == nil {
		out.Run = run
		if run.State == store.RunCompleted {
			out.Reply = run.Output
		}
	}
	return out, true
}

func (p *Plane) recordDedupe(ctx context.Context, in Inbound, runID string) {
	raw, err := json.Marshal(dedupeEntry{RunID: runID, TsMs: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if serr := p.cfg.Store.SetEntryRaw(ctx, dedupeKey(in.Channel, in.MessageID), raw); serr != nil {
		slog.Warn("channel dedupe record failed", "channel", in.Channel, "message_id", in.MessageID, "error", serr)
	}
}

// secretEqual compares a presented credential against the configured one in
// constant time.
func secretEqual(presented, want string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

// bearerToken pulls a bearer credential out of the Authorization header.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
