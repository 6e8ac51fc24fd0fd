package channels

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

// handleInbound is the generic bridge: a trusted relay posts normalized
// messages here instead of provider-shaped webhooks. pathChannel is set
// for the /channels/{channel}/inbound form and wins over the body field.
func (p *Plane) handleInbound(w http.ResponseWriter, r *http.Request, pathChannel string, body []byte) {
	token := p.cfg.Cfg.ChannelsInboundToken
	if token == "" {
		writeError(w, http.StatusServiceUnavailable, protocol.CodeUnavailable,
			"inbound bridge is not configured")
		return
	}
	if !secretEqual(bearerToken(r), token) {
		writeError(w, http.StatusUnauthorized, protocol.CodeUnavailable, "unauthorized")
		return
	}

	var in Inbound
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid inbound payload")
		return
	}
	rawChannel := pathChannel
	if rawChannel == "" {
		rawChannel = in.Channel
	}
	name, ok := normalizeChannel(rawChannel)
	if !ok {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "channel is required")
		return
	}
	in.Channel = name
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "text is required")
		return
	}
	if strings.TrimSpace(in.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "conversationId is required")
		return
	}

	out, herr := p.ingest(r.Context(), in)
	if herr != nil {
		writeError(w, herr.status, herr.code, herr.message)
		return
	}
	if !out.Duplicate {
		p.countWebhook(r.Context(), name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"sessionKey": out.SessionKey,
		"runId":      out.Run.ID,
		"reply":      out.Reply,
	})
}
