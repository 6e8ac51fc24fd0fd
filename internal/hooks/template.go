package hooks

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// templateContext is everything a mapping template can see from one hook
// delivery.
type templateContext struct {
	payload map[string]any
	path    string
	query   url.Values
	headers http.Header
}

// renderTemplate substitutes {{expr}} placeholders. An unterminated
// placeholder is copied through verbatim; an expression that resolves to
// nothing renders as the empty string.
func renderTemplate(template string, tc templateContext) string {
	var out strings.Builder
	cursor := 0
	for {
		open := strings.Index(template[cursor:], "{{")
		if open < 0 {
			break
		}
		open += cursor
		out.WriteString(template[cursor:open])
		end := strings.Index(template[open+2:], "}}")
		if end < 0 {
			out.WriteString(template[open:])
			return out.String()
		}
		end += open + 2
		expr := strings.TrimSpace(template[open+2 : end])
		out.WriteString(tc.resolve(expr))
		cursor = end + 2
	}
	out.WriteString(template[cursor:])
	return out.String()
}

// resolve evaluates one template expression. path, query.* and headers.*
// read from the request; anything else is a dotted/indexed walk into the
// JSON payload, e.g. actor.name or commits[0].id.
func (tc templateContext) resolve(expr string) string {
	switch {
	case expr == "path":
		return tc.path
	case strings.HasPrefix(expr, "query."):
		return tc.query.Get(strings.TrimPrefix(expr, "query."))
	case strings.HasPrefix(expr, "headers."):
		return tc.headers.Get(strings.TrimPrefix(expr, "headers."))
	}

	segments := parseSegments(expr)
	if len(segments) == 0 {
		return ""
	}
	current := any(tc.payload)
	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			if segment.indexed {
				return ""
			}
			value, ok := node[segment.key]
			if !ok {
				return ""
			}
			current = value
		case []any:
			if !segment.indexed || segment.index >= len(node) {
				return ""
			}
			current = node[segment.index]
		default:
			return ""
		}
	}
	return formatValue(current)
}

type templateSegment struct {
	key     string
	index   int
	indexed bool
}

// parseSegments splits an expression into key and index steps. Dots
// separate keys; [n] suffixes index into arrays and may chain. Malformed
// indexes are dropped rather than erroring, so a bad template degrades to
// an empty substitution.
func parseSegments(expr string) []templateSegment {
	var segments []templateSegment
	for _, part := range strings.Split(expr, ".") {
		rest := strings.TrimSpace(part)
		for rest != "" {
			open := strings.Index(rest, "[")
			if open < 0 {
				segments = append(segments, templateSegment{key: rest})
				break
			}
			if key := strings.TrimSpace(rest[:open]); key != "" {
				segments = append(segments, templateSegment{key: key})
			}
			end := strings.Index(rest[open+1:], "]")
			if end < 0 {
				break
			}
			raw := strings.TrimSpace(rest[open+1 : open+1+end])
			if index, err := strconv.Atoi(raw); err == nil && index >= 0 {
				segments = append(segments, templateSegment{index: index, indexed: true})
			}
			rest = rest[open+1+end+1:]
		}
	}
	return segments
}

// formatValue renders a resolved JSON value: strings pass through,
// numbers and booleans print naturally, and structured values fall back
// to compact JSON.
func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
