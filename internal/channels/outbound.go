package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/store"
)

// outboundPayload is what the relay posts to a channel's outbound URL when
// a channel-originated run finishes.
type outboundPayload struct {
	Channel         string         `json:"channel"`
	ConversationID  string         `json:"conversationId"`
	Reply           string         `json:"reply"`
	SessionKey      string         `json:"sessionKey"`
	RunID           string         `json:"runId"`
	SourceSenderID  string         `json:"sourceSenderId,omitempty"`
	SourceMessageID string         `json:"sourceMessageId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// runOutboundRelay watches chat.final events and pushes replies for
// channel-originated runs to the channel's configured outbound URL.
func (p *Plane) runOutboundRelay(ctx context.Context) {
	sub := p.cfg.Bus.Subscribe(bus.Filter{Kinds: []string{bus.KindChat}})
	defer p.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			if ev.Name != "chat.final" {
				continue
			}
			runID := eventRunID(ev)
			if runID == "" {
				continue
			}
			run, err := p.cfg.Store.GetRun(ctx, runID)
			if err != nil || run.Source != "channel" {
				continue
			}
			p.relayRun(ctx, run)
		}
	}
}

func (p *Plane) relayRun(ctx context.Context, run store.AgentRun) {
	channel, _ := run.Metadata["channel"].(string)
	conversationID, _ := run.Metadata["conversationId"].(string)
	if channel == "" || conversationID == "" {
		return
	}
	cc := p.cfg.Cfg.ChannelFor(channel)
	if cc.OutboundURL == "" {
		return
	}

	payload := outboundPayload{
		Channel:        channel,
		ConversationID: conversationID,
		Reply:          run.Output,
		SessionKey:     run.SessionKey,
		RunID:          run.ID,
	}
	payload.SourceSenderID, _ = run.Metadata["senderId"].(string)
	payload.SourceMessageID, _ = run.Metadata["messageId"].(string)
	if extra := extraMetadata(run.Metadata); len(extra) > 0 {
		payload.Metadata = extra
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.OutboundURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("channel outbound relay failed", "channel", channel, "run_id", run.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if cc.OutboundToken != "" {
		req.Header.Set("Authorization", "Bearer "+cc.OutboundToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Warn("channel outbound relay failed", "channel", channel, "run_id", run.ID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("channel outbound relay rejected", "channel", channel, "run_id", run.ID, "status", resp.StatusCode)
		return
	}
	slog.Debug("channel outbound relay delivered", "channel", channel, "run_id", run.ID)
}

// extraMetadata strips the relay's own routing keys from run metadata so
// only caller-supplied fields ride along.
func extraMetadata(md map[string]any) map[string]any {
	extra := make(map[string]any)
	for k, v := range md {
		switch k {
		case "channel", "conversationId", "senderId", "messageId":
		default:
			extra[k] = v
		}
	}
	return extra
}

func eventRunID(ev bus.Event) string {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := payload["runId"].(string)
	return id
}
