package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/protocol"
)

const defaultPluginTimeout = 10 * time.Second

// hopHeaders are connection-scoped headers that must not be forwarded to
// the plugin.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// bridgeWebhook forwards a webhook delivery to the channel's configured
// plugin process and relays its JSON answer verbatim. The plugin speaks
// for the channel: any status it returns is the client's status.
func (p *Plane) bridgeWebhook(w http.ResponseWriter, r *http.Request, name string, pc config.PluginConfig, body []byte) {
	timeout := defaultPluginTimeout
	if pc.TimeoutMs > 0 {
		timeout = time.Duration(pc.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.URL, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadGateway, protocol.CodeBadGateway, "plugin bridge request failed")
		return
	}
	copyPluginHeaders(req.Header, r.Header)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Reclaw-Channel", name)
	if pc.Token != "" {
		req.Header.Set("X-Reclaw-Plugin-Token", pc.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Warn("channel plugin unreachable", "channel", name, "url", pc.URL, "error", err)
		writeError(w, http.StatusBadGateway, protocol.CodeBadGateway, "plugin bridge request failed")
		return
	}
	defer resp.Body.Close()

	relayed, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadGateway, protocol.CodeBadGateway, "plugin response unreadable")
		return
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(relayed)) == 0 {
		writeError(w, http.StatusBadGateway, protocol.CodeBadGateway, "plugin returned an empty response")
		return
	}
	if !json.Valid(relayed) {
		writeError(w, http.StatusBadGateway, protocol.CodeBadGateway, "plugin returned a non-JSON response")
		return
	}

	p.countWebhook(r.Context(), name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(relayed)
}

// copyPluginHeaders forwards the delivery's headers minus host, length,
// hop-by-hop and reserved x-reclaw-* names.
func copyPluginHeaders(dst, src http.Header) {
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if canonical == "Host" || canonical == "Content-Length" || hopHeaders[canonical] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(canonical), "x-reclaw-") {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}
