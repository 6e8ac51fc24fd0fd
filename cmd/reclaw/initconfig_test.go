package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScopesFor(t *testing.T) {
	tests := []struct {
		name    string
		scope   string
		want    []string
		wantErr bool
	}{
		{name: "user", scope: "user", want: []string{"user"}},
		{name: "etc", scope: "etc", want: []string{"etc"}},
		{name: "both writes etc first", scope: "both", want: []string{"etc", "user"}},
		{name: "unknown", scope: "system", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scopesFor(tt.scope)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("scopes mismatch: got %v want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("scopes mismatch: got %v want %v", got, tt.want)
				}
			}
		})
	}
}

func TestWriteStartersLifecycle(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RECLAW_HOME", home)
	path := filepath.Join(home, "config.toml")

	var out bytes.Buffer
	outcome, err := writeStarters([]string{"user"}, false, false, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if outcome.created != 1 || outcome.skipped != 0 || outcome.overwritten != 0 {
		t.Fatalf("unexpected outcome on create: %+v", outcome)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("starter not written: %v", err)
	}
	if !strings.Contains(string(raw), "port = 18789") {
		t.Fatalf("starter missing default port: %q", string(raw))
	}

	// Existing file without --force is left alone.
	outcome, err = writeStarters([]string{"user"}, false, false, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if outcome.skipped != 1 || outcome.created != 0 {
		t.Fatalf("expected skip on existing file, got %+v", outcome)
	}

	// --force overwrites.
	if err := os.WriteFile(path, []byte("# edited\n"), 0o600); err != nil {
		t.Fatalf("seed edited file: %v", err)
	}
	outcome, err = writeStarters([]string{"user"}, true, false, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if outcome.overwritten != 1 {
		t.Fatalf("expected overwrite, got %+v", outcome)
	}
	raw, _ = os.ReadFile(path)
	if strings.Contains(string(raw), "# edited") {
		t.Fatal("force did not replace file content")
	}
}

func TestWriteStartersPrompt(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RECLAW_HOME", home)
	path := filepath.Join(home, "config.toml")

	var out bytes.Buffer
	outcome, err := writeStarters([]string{"user"}, false, true, strings.NewReader("n\n"), &out)
	if err != nil {
		t.Fatalf("declined write: %v", err)
	}
	if outcome.skipped != 1 {
		t.Fatalf("expected decline to skip, got %+v", outcome)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("declined prompt still wrote a file")
	}
	if !strings.Contains(out.String(), "[Y/n]") {
		t.Fatalf("prompt not shown: %q", out.String())
	}

	// Empty answer defaults to yes.
	outcome, err = writeStarters([]string{"user"}, false, true, strings.NewReader("\n"), &out)
	if err != nil {
		t.Fatalf("accepted write: %v", err)
	}
	if outcome.created != 1 {
		t.Fatalf("expected create on default-yes, got %+v", outcome)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("accepted prompt wrote nothing: %v", statErr)
	}
}
