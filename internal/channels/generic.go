package channels

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/reclaw/reclaw-core/internal/config"
)

// genericAdapter serves providers whose webhook relays deliver the
// normalized message shape directly (discord, signal, whatsapp bridges).
// Authentication is a shared bearer token.
type genericAdapter struct {
	channel string
}

func (g *genericAdapter) validate(r *http.Request, _ []byte, cc config.ChannelConfig) *httpError {
	if cc.WebhookToken == "" {
		return errUnconfigured(g.channel)
	}
	if !secretEqual(bearerToken(r), cc.WebhookToken) {
		return errUnauthorized("invalid webhook token")
	}
	return nil
}

func (g *genericAdapter) parse(body []byte) (parseResult, *httpError) {
	var in Inbound
	if err := json.Unmarshal(body, &in); err != nil {
		return parseResult{}, errBadPayload("invalid webhook payload")
	}
	in.Channel = ""
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		return parseResult{Reason: "ignoring empty message"}, nil
	}
	if strings.TrimSpace(in.ConversationID) == "" {
		return parseResult{}, errBadPayload("conversationId is required")
	}
	return parseResult{Accepted: true, Msg: in}, nil
}
