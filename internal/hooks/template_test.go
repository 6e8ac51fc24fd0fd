package hooks

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
)

func payloadFrom(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("payload fixture: %v", err)
	}
	return m
}

func TestRenderTemplatePayloadPaths(t *testing.T) {
	tc := templateContext{
		payload: payloadFrom(t, `{
			"repo": "reclaw",
			"actor": {"name": "jd"},
			"commits": [{"id": "c1"}, {"id": "c2"}],
			"count": 5,
			"ratio": 0.25,
			"force": true,
			"nothing": null
		}`),
	}

	cases := []struct {
		template string
		want     string
	}{
		{"repo={{repo}} actor={{actor.name}} first={{commits[0].id}}", "repo=reclaw actor=jd first=c1"},
		{"{{commits[1].id}}", "c2"},
		{"{{count}}", "5"},
		{"{{ratio}}", "0.25"},
		{"{{force}}", "true"},
		{"{{nothing}}", "null"},
		{"{{actor}}", `{"name":"jd"}`},
		{"{{missing}}", ""},
		{"{{actor.missing}}", ""},
		{"{{commits[9].id}}", ""},
		{"{{repo[0]}}", ""},
		{"{{actor[0]}}", ""},
		{"plain text", "plain text"},
		{"{{ repo }}", "reclaw"},
		{"a {{repo}} b {{repo}}", "a reclaw b reclaw"},
		{"broken {{repo", "broken {{repo"},
		{"{{}}", ""},
	}
	for _, c := range cases {
		if got := renderTemplate(c.template, tc); got != c.want {
			t.Errorf("render(%q) = %q, want %q", c.template, got, c.want)
		}
	}
}

func TestRenderTemplateRequestContext(t *testing.T) {
	headers := http.Header{}
	headers.Set("X-Github-Event", "push")
	tc := templateContext{
		payload: map[string]any{"path": "shadowed"},
		path:    "github/push",
		query:   url.Values{"env": []string{"prod"}},
		headers: headers,
	}

	cases := []struct {
		template string
		want     string
	}{
		{"{{path}}", "github/push"},
		{"{{query.env}}", "prod"},
		{"{{query.other}}", ""},
		{"{{headers.X-Github-Event}}", "push"},
		{"{{headers.x-github-event}}", "push"},
		{"{{headers.X-Missing}}", ""},
	}
	for _, c := range cases {
		if got := renderTemplate(c.template, tc); got != c.want {
			t.Errorf("render(%q) = %q, want %q", c.template, got, c.want)
		}
	}
}

func TestNormalizeMappingPath(t *testing.T) {
	cases := map[string]string{
		"/github/push/":    "github/push",
		"  github//push  ": "github/push",
		"github/push":      "github/push",
		"///":              "",
		"":                 "",
	}
	for in, want := range cases {
		if got := normalizeMappingPath(in); got != want {
			t.Errorf("normalizeMappingPath(%q) = %q, want %q", in, got, want)
		}
	}
}
