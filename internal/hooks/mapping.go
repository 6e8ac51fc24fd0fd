package hooks

import (
	"context"
	"net/http"
	"strings"

	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/protocol"
)

// resolveMapping finds the first configured mapping whose path matches the
// request subpath. A mapping with match.source set additionally requires
// the payload's source field to equal it.
func (s *Ingress) resolveMapping(sub string, payload map[string]any) (config.HookMapping, bool) {
	target := normalizeMappingPath(sub)
	for _, mapping := range s.cfg.Cfg.HookMappings {
		if normalizeMappingPath(mapping.Match.Path) != target {
			continue
		}
		if want := strings.TrimSpace(mapping.Match.Source); want != "" {
			if stringField(payload, "source") != want {
				continue
			}
		}
		return mapping, true
	}
	return config.HookMapping{}, false
}

// dispatchMapping renders the mapping's template against the delivery and
// hands the result to the wake or agent path. Mapping-provided session
// keys are trusted; the request session-key policy does not apply.
func (s *Ingress) dispatchMapping(ctx context.Context, w http.ResponseWriter, r *http.Request, mapping config.HookMapping, payload map[string]any, sub string) {
	tc := templateContext{
		payload: payload,
		path:    sub,
		query:   r.URL.Query(),
		headers: r.Header,
	}
	switch mapping.Action {
	case "wake":
		text := strings.TrimSpace(renderTemplate(mapping.TextTemplate, tc))
		if text == "" {
			badRequest("hook mapping requires text").write(w)
			return
		}
		s.dispatchWake(ctx, w, r, wakeIntent{text: text, mode: wakeModeFrom(mapping.Mode)})
	case "agent":
		message := strings.TrimSpace(renderTemplate(mapping.MessageTemplate, tc))
		if message == "" {
			badRequest("hook mapping requires message").write(w)
			return
		}
		s.dispatchAgent(ctx, w, r, agentIntent{
			message:    message,
			name:       "Hook",
			agentID:    strings.TrimSpace(mapping.AgentID),
			sessionKey: strings.TrimSpace(mapping.SessionKey),
			wakeMode:   wakeModeFrom(mapping.Mode),
			deferred:   mapping.Deferred,
			origin:     sub,
		}, true)
	default:
		// Config validation rejects unknown actions; an entry injected
		// past it is treated as unmatched.
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "not found")
	}
}

// normalizeMappingPath canonicalizes a mapping path for comparison:
// surrounding slashes and whitespace drop, repeated slashes collapse.
func normalizeMappingPath(path string) string {
	segments := make([]string, 0, 4)
	for _, segment := range strings.Split(strings.TrimSpace(path), "/") {
		if s := strings.TrimSpace(segment); s != "" {
			segments = append(segments, s)
		}
	}
	return strings.Join(segments, "/")
}
