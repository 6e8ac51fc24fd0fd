package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// starterUser is written by `reclaw init-config --scope user`. Every key is
// present but commented so the defaults stay visible.
const starterUser = `# Reclaw gateway configuration (per-user layer).
# Precedence: /etc/reclaw/config.* < ~/.reclaw/config.* < RECLAW_* env < flags.

host = "127.0.0.1"
port = 18789

# Authentication: set at most one of gatewayToken / gatewayPassword.
# authMode (token | password | none) is derived when left empty.
# none is only allowed on loopback binds.
# gatewayToken = ""
# gatewayPassword = ""

# dbPath = "~/.reclaw/reclaw.db"

# Protocol limits.
# maxFrameBytes = 1048576
# maxQueueFrames = 256
# handshakeTimeoutMs = 10000
# tickIntervalMs = 30000

# Auth lockout and request rate limits.
# authMaxAttempts = 20
# authWindowMs = 60000
# rateLimitPerMinute = 120

# Scheduler.
# cronEnabled = true
# cronPollMs = 1000
# cronRunsLimit = 500

# Webhook ingress. hooksToken is required when hooksEnabled.
# hooksEnabled = false
# hooksToken = ""
# hooksPath = "/hooks"
# hooksMaxBodyBytes = 262144
# hooksAllowRequestSessionKey = false
# hooksDefaultSessionKey = ""
# hooksDefaultAgentId = "main"

# Channel webhooks.
# channelsInboundToken = ""
# [channels.telegram]
# webhookSecret = ""
# outboundUrl = ""
# outboundToken = ""

# Agent backend: echo | genkit (genkit needs geminiApiKey or GEMINI_API_KEY).
executor = "echo"
# geminiApiKey = ""

logLevel = "info"
# quiet = false

# [otel]
# enabled = false
# exporter = "stdout"
# endpoint = ""
# serviceName = "reclaw-core"
# sampleRate = 1.0
`

// starterEtc is written by `reclaw init-config --scope etc`. The system layer
// usually only pins the bind address and auth policy.
const starterEtc = `# Reclaw gateway configuration (system layer).
# Overridden by ~/.reclaw/config.*, RECLAW_* env vars, and CLI flags.

host = "127.0.0.1"
port = 18789

# gatewayToken = ""
`

// StarterUserConfig returns the per-user starter file content.
func StarterUserConfig() string { return starterUser }

// StarterEtcConfig returns the system-wide starter file content.
func StarterEtcConfig() string { return starterEtc }

// StarterPath returns where init-config writes for a scope.
func StarterPath(scope string) (string, error) {
	switch scope {
	case "user":
		return filepath.Join(HomeDir(), "config.toml"), nil
	case "etc":
		return filepath.Join(DefaultEtcDir, "config.toml"), nil
	default:
		return "", fmt.Errorf("unknown scope %q (want etc, user, or both)", scope)
	}
}

// WriteStarter writes content to path unless a file already exists and
// force is false. Returns whether a file was written.
func WriteStarter(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !os.IsNotExist(err) {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, err
	}
	return true, nil
}
