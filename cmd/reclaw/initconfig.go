package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/reclaw/reclaw-core/internal/config"
)

// initOutcome tallies what init-config did per target file.
type initOutcome struct {
	created     int
	overwritten int
	skipped     int
}

func runInitConfigCommand(args []string) int {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	scope := fs.String("scope", "user", "which config layer to write: etc, user, or both")
	nonInteractive := fs.Bool("non-interactive", false, "never prompt")
	force := fs.Bool("force", false, "overwrite existing config files")
	_ = fs.Parse(args)

	scopes, err := scopesFor(strings.ToLower(strings.TrimSpace(*scope)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	interactive := !*nonInteractive && isatty.IsTerminal(os.Stdin.Fd())

	outcome, err := writeStarters(scopes, *force, interactive, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	fmt.Printf("init-config complete (created=%d, overwritten=%d, skipped=%d)\n",
		outcome.created, outcome.overwritten, outcome.skipped)
	return exitOK
}

// scopesFor expands the --scope flag. "both" writes the system layer
// first so the per-user file ends up winning the precedence order.
func scopesFor(scope string) ([]string, error) {
	switch scope {
	case "user":
		return []string{"user"}, nil
	case "etc":
		return []string{"etc"}, nil
	case "both":
		return []string{"etc", "user"}, nil
	default:
		return nil, fmt.Errorf("unknown scope %q (want etc, user, or both)", scope)
	}
}

func writeStarters(scopes []string, force, interactive bool, in io.Reader, out io.Writer) (initOutcome, error) {
	var outcome initOutcome
	reader := bufio.NewReader(in)
	for _, sc := range scopes {
		path, err := config.StarterPath(sc)
		if err != nil {
			return outcome, err
		}
		content := config.StarterUserConfig()
		if sc == "etc" {
			content = config.StarterEtcConfig()
		}

		_, statErr := os.Stat(path)
		exists := statErr == nil
		if exists && !force {
			fmt.Fprintf(out, "%s config already exists at %s; skipping\n", sc, path)
			outcome.skipped++
			continue
		}
		if !exists && interactive {
			if !promptYes(reader, out, fmt.Sprintf("Create %s config at %s? [Y/n]: ", sc, path)) {
				fmt.Fprintf(out, "%s config creation declined for %s\n", sc, path)
				outcome.skipped++
				continue
			}
		}

		wrote, err := config.WriteStarter(path, content, force)
		if err != nil {
			return outcome, fmt.Errorf("write %s: %w", path, err)
		}
		if !wrote {
			outcome.skipped++
			continue
		}
		if exists {
			fmt.Fprintf(out, "%s config overwritten at %s\n", sc, path)
			outcome.overwritten++
		} else {
			fmt.Fprintf(out, "%s config created at %s\n", sc, path)
			outcome.created++
		}
	}
	return outcome, nil
}

// promptYes asks a yes/no question; empty input means yes.
func promptYes(reader *bufio.Reader, out io.Writer, question string) bool {
	fmt.Fprint(out, question)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true
	default:
		return false
	}
}
