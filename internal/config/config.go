// Package config loads the gateway configuration from layered sources:
// /etc/reclaw/config.{toml,json,yaml}, then ~/.reclaw/config.{toml,json,yaml},
// then RECLAW_* environment variables, then CLI flags. Later layers win.
// Absent keys in a layer leave the previous layer's value untouched.
package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"encoding/json"
)

// DefaultEtcDir is the system-wide configuration directory.
const DefaultEtcDir = "/etc/reclaw"

// Gateway auth modes. None is only valid on loopback binds.
const (
	AuthModeNone     = "none"
	AuthModeToken    = "token"
	AuthModePassword = "password"
)

// ChannelConfig holds per-channel webhook credentials and the optional
// outbound relay target for replies. APIBaseURL overrides the provider
// API host for adapters that call back out (telegram).
type ChannelConfig struct {
	WebhookToken  string `toml:"webhookToken" json:"webhookToken" yaml:"webhookToken"`
	WebhookSecret string `toml:"webhookSecret" json:"webhookSecret" yaml:"webhookSecret"`
	OutboundURL   string `toml:"outboundUrl" json:"outboundUrl" yaml:"outboundUrl"`
	OutboundToken string `toml:"outboundToken" json:"outboundToken" yaml:"outboundToken"`
	APIBaseURL    string `toml:"apiBaseUrl" json:"apiBaseUrl" yaml:"apiBaseUrl"`
}

// PluginConfig routes webhook traffic for one channel to an external
// plugin process over HTTP.
type PluginConfig struct {
	Channel   string `toml:"channel" json:"channel" yaml:"channel"`
	URL       string `toml:"url" json:"url" yaml:"url"`
	Token     string `toml:"token" json:"token" yaml:"token"`
	TimeoutMs int64  `toml:"timeoutMs" json:"timeoutMs" yaml:"timeoutMs"`
}

// HookMatch selects which hook deliveries a mapping applies to.
type HookMatch struct {
	Path   string `toml:"path" json:"path" yaml:"path"`
	Source string `toml:"source" json:"source" yaml:"source"`
}

// HookMapping transforms a matched hook delivery into a built-in action.
// Template fields accept {{expr}} placeholders resolved against the
// delivery (payload, path, query.*, headers.*).
type HookMapping struct {
	Match           HookMatch `toml:"match" json:"match" yaml:"match"`
	Action          string    `toml:"action" json:"action" yaml:"action"`
	MessageTemplate string    `toml:"messageTemplate" json:"messageTemplate" yaml:"messageTemplate"`
	TextTemplate    string    `toml:"textTemplate" json:"textTemplate" yaml:"textTemplate"`
	SessionKey      string    `toml:"sessionKey" json:"sessionKey" yaml:"sessionKey"`
	AgentID         string    `toml:"agentId" json:"agentId" yaml:"agentId"`
	Deferred        bool      `toml:"deferred" json:"deferred" yaml:"deferred"`
	Mode            string    `toml:"mode" json:"mode" yaml:"mode"`
}

// OtelConfig controls trace/metric export.
type OtelConfig struct {
	Enabled     bool    `toml:"enabled" json:"enabled" yaml:"enabled" split_words:"true"`
	Exporter    string  `toml:"exporter" json:"exporter" yaml:"exporter" split_words:"true"`
	Endpoint    string  `toml:"endpoint" json:"endpoint" yaml:"endpoint" split_words:"true"`
	ServiceName string  `toml:"serviceName" json:"serviceName" yaml:"serviceName" split_words:"true"`
	SampleRate  float64 `toml:"sampleRate" json:"sampleRate" yaml:"sampleRate" split_words:"true"`
}

// Config is the effective gateway configuration after all layers apply.
type Config struct {
	HomeDir string `toml:"-" json:"-" yaml:"-" ignored:"true"`

	Host string `toml:"host" json:"host" yaml:"host"`
	Port int    `toml:"port" json:"port" yaml:"port"`

	// Exactly one of GatewayToken / GatewayPassword may be set. AuthMode is
	// derived from whichever is present when left empty.
	GatewayToken    string `toml:"gatewayToken" json:"gatewayToken" yaml:"gatewayToken" split_words:"true"`
	GatewayPassword string `toml:"gatewayPassword" json:"gatewayPassword" yaml:"gatewayPassword" split_words:"true"`
	AuthMode        string `toml:"authMode" json:"authMode" yaml:"authMode" split_words:"true"`

	DBPath string `toml:"dbPath" json:"dbPath" yaml:"dbPath" envconfig:"DB_PATH"`

	MaxFrameBytes      int64 `toml:"maxFrameBytes" json:"maxFrameBytes" yaml:"maxFrameBytes" split_words:"true"`
	MaxQueueFrames     int   `toml:"maxQueueFrames" json:"maxQueueFrames" yaml:"maxQueueFrames" split_words:"true"`
	HandshakeTimeoutMs int64 `toml:"handshakeTimeoutMs" json:"handshakeTimeoutMs" yaml:"handshakeTimeoutMs" split_words:"true"`
	TickIntervalMs     int64 `toml:"tickIntervalMs" json:"tickIntervalMs" yaml:"tickIntervalMs" split_words:"true"`

	AuthMaxAttempts    int   `toml:"authMaxAttempts" json:"authMaxAttempts" yaml:"authMaxAttempts" split_words:"true"`
	AuthWindowMs       int64 `toml:"authWindowMs" json:"authWindowMs" yaml:"authWindowMs" split_words:"true"`
	RateLimitPerMinute int   `toml:"rateLimitPerMinute" json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" split_words:"true"`

	CronEnabled   bool  `toml:"cronEnabled" json:"cronEnabled" yaml:"cronEnabled" split_words:"true"`
	CronPollMs    int64 `toml:"cronPollMs" json:"cronPollMs" yaml:"cronPollMs" split_words:"true"`
	CronRunsLimit int   `toml:"cronRunsLimit" json:"cronRunsLimit" yaml:"cronRunsLimit" split_words:"true"`

	HooksEnabled                bool          `toml:"hooksEnabled" json:"hooksEnabled" yaml:"hooksEnabled" split_words:"true"`
	HooksToken                  string        `toml:"hooksToken" json:"hooksToken" yaml:"hooksToken" split_words:"true"`
	HooksPath                   string        `toml:"hooksPath" json:"hooksPath" yaml:"hooksPath" split_words:"true"`
	HooksMaxBodyBytes           int64         `toml:"hooksMaxBodyBytes" json:"hooksMaxBodyBytes" yaml:"hooksMaxBodyBytes" split_words:"true"`
	HooksAllowRequestSessionKey bool          `toml:"hooksAllowRequestSessionKey" json:"hooksAllowRequestSessionKey" yaml:"hooksAllowRequestSessionKey" split_words:"true"`
	HooksDefaultSessionKey      string        `toml:"hooksDefaultSessionKey" json:"hooksDefaultSessionKey" yaml:"hooksDefaultSessionKey" split_words:"true"`
	HooksDefaultAgentID         string        `toml:"hooksDefaultAgentId" json:"hooksDefaultAgentId" yaml:"hooksDefaultAgentId" envconfig:"HOOKS_DEFAULT_AGENT_ID"`
	HookMappings                []HookMapping `toml:"hooksMappings" json:"hooksMappings" yaml:"hooksMappings" ignored:"true"`

	ChannelsInboundToken  string                   `toml:"channelsInboundToken" json:"channelsInboundToken" yaml:"channelsInboundToken" split_words:"true"`
	Channels              map[string]ChannelConfig `toml:"channels" json:"channels" yaml:"channels" ignored:"true"`
	ChannelWebhookPlugins []PluginConfig           `toml:"channelWebhookPlugins" json:"channelWebhookPlugins" yaml:"channelWebhookPlugins" ignored:"true"`

	OpenAIChatCompletionsEnabled bool `toml:"openaiChatCompletionsEnabled" json:"openaiChatCompletionsEnabled" yaml:"openaiChatCompletionsEnabled" envconfig:"OPENAI_CHAT_COMPLETIONS_ENABLED"`
	OpenResponsesEnabled         bool `toml:"openresponsesEnabled" json:"openresponsesEnabled" yaml:"openresponsesEnabled" envconfig:"OPENRESPONSES_ENABLED"`

	// Executor selects the agent backend: "echo" or "genkit".
	Executor     string `toml:"executor" json:"executor" yaml:"executor"`
	GeminiAPIKey string `toml:"geminiApiKey" json:"geminiApiKey" yaml:"geminiApiKey" envconfig:"GEMINI_API_KEY"`

	LogLevel string `toml:"logLevel" json:"logLevel" yaml:"logLevel" split_words:"true"`
	JSONLogs bool   `toml:"jsonLogs" json:"jsonLogs" yaml:"jsonLogs" envconfig:"JSON_LOGS"`
	Quiet    bool   `toml:"quiet" json:"quiet" yaml:"quiet"`

	Otel OtelConfig `toml:"otel" json:"otel" yaml:"otel"`

	RuntimeVersion string `toml:"runtimeVersion" json:"runtimeVersion" yaml:"runtimeVersion" split_words:"true"`
}

// LoadOptions carry the CLI layer. ConfigPath replaces the directory search
// entirely; Host/Port override whatever the earlier layers produced.
type LoadOptions struct {
	ConfigPath string
	EtcDir     string
	Host       string
	Port       int
}

// HomeDir resolves the per-user state directory (~/.reclaw), honoring the
// RECLAW_HOME override.
func HomeDir() string {
	if override := os.Getenv("RECLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".reclaw")
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:             homeDir,
		Host:                "127.0.0.1",
		Port:                18789,
		DBPath:              filepath.Join(homeDir, "reclaw.db"),
		MaxFrameBytes:       1 << 20,
		MaxQueueFrames:      256,
		HandshakeTimeoutMs:  10_000,
		TickIntervalMs:      30_000,
		AuthMaxAttempts:     20,
		AuthWindowMs:        60_000,
		RateLimitPerMinute:  120,
		CronEnabled:         true,
		CronPollMs:          1_000,
		CronRunsLimit:       500,
		HooksPath:           "/hooks",
		HooksMaxBodyBytes:   262_144,
		HooksDefaultAgentID: "main",
		Executor:            "echo",
		LogLevel:            "info",
		JSONLogs:            true,
		RuntimeVersion:      "dev",
		Otel: OtelConfig{
			Exporter:    "stdout",
			ServiceName: "reclaw-core",
			SampleRate:  1.0,
		},
	}
}

// Load builds the effective configuration from all layers.
func Load(opts LoadOptions) (Config, error) {
	homeDir := HomeDir()
	cfg := defaultConfig(homeDir)

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create reclaw home: %w", err)
	}

	if opts.ConfigPath != "" {
		if err := loadFile(opts.ConfigPath, &cfg); err != nil {
			return cfg, err
		}
	} else {
		etcDir := opts.EtcDir
		if etcDir == "" {
			etcDir = DefaultEtcDir
		}
		for _, dir := range []string{etcDir, homeDir} {
			path := firstConfigFile(dir)
			if path == "" {
				continue
			}
			if err := loadFile(path, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	if err := envconfig.Process("reclaw", &cfg); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}

	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}

	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// firstConfigFile returns the first config file present in dir, trying
// extensions in fixed order so the winner is deterministic.
func firstConfigFile(dir string) string {
	for _, name := range []string{"config.toml", "config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .json, .yaml)", ext)
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.MaxQueueFrames <= 0 {
		cfg.MaxQueueFrames = 256
	}
	if cfg.HandshakeTimeoutMs <= 0 {
		cfg.HandshakeTimeoutMs = 10_000
	}
	if cfg.TickIntervalMs <= 0 {
		cfg.TickIntervalMs = 30_000
	}
	if cfg.AuthMaxAttempts <= 0 {
		cfg.AuthMaxAttempts = 20
	}
	if cfg.AuthWindowMs <= 0 {
		cfg.AuthWindowMs = 60_000
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}
	if cfg.CronPollMs <= 0 {
		cfg.CronPollMs = 1_000
	}
	if cfg.CronRunsLimit <= 0 {
		cfg.CronRunsLimit = 500
	}
	if cfg.HooksMaxBodyBytes <= 0 {
		cfg.HooksMaxBodyBytes = 262_144
	}
	if !strings.HasPrefix(cfg.HooksPath, "/") {
		cfg.HooksPath = "/" + cfg.HooksPath
	}
	cfg.HooksPath = strings.TrimRight(cfg.HooksPath, "/")
	if cfg.HooksPath == "" {
		cfg.HooksPath = "/hooks"
	}
	if cfg.HooksDefaultAgentID == "" {
		cfg.HooksDefaultAgentID = "main"
	}
	cfg.Executor = strings.ToLower(strings.TrimSpace(cfg.Executor))
	if cfg.Executor == "" {
		cfg.Executor = "echo"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RuntimeVersion == "" {
		cfg.RuntimeVersion = "dev"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "reclaw-core"
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = 1.0
	}

	if cfg.AuthMode == "" {
		switch {
		case cfg.GatewayToken != "":
			cfg.AuthMode = "token"
		case cfg.GatewayPassword != "":
			cfg.AuthMode = "password"
		default:
			cfg.AuthMode = "none"
		}
	}
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
}

// Validate rejects configurations the gateway must not start with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", c.Port)
	}
	if c.GatewayToken != "" && c.GatewayPassword != "" {
		return fmt.Errorf("gatewayToken and gatewayPassword are mutually exclusive")
	}
	switch c.AuthMode {
	case "token":
		if c.GatewayToken == "" {
			return fmt.Errorf("authMode token requires gatewayToken")
		}
	case "password":
		if c.GatewayPassword == "" {
			return fmt.Errorf("authMode password requires gatewayPassword")
		}
	case "none":
		if !isLoopbackHost(c.Host) {
			return fmt.Errorf("authMode none is only allowed on loopback binds, not %q", c.Host)
		}
	default:
		return fmt.Errorf("unknown authMode %q (want token, password, or none)", c.AuthMode)
	}
	switch c.Executor {
	case "echo", "genkit":
	default:
		return fmt.Errorf("unknown executor %q (want echo or genkit)", c.Executor)
	}
	if c.HooksEnabled && c.HooksToken == "" {
		return fmt.Errorf("hooksEnabled requires hooksToken")
	}
	for i, plugin := range c.ChannelWebhookPlugins {
		if plugin.Channel == "" || plugin.URL == "" {
			return fmt.Errorf("channelWebhookPlugins[%d] requires channel and url", i)
		}
	}
	for i, mapping := range c.HookMappings {
		if mapping.Action != "agent" && mapping.Action != "wake" {
			return fmt.Errorf("hooksMappings[%d] action %q unknown (want agent or wake)", i, mapping.Action)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ListenAddr returns the host:port the gateway binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Fingerprint returns a stable hash of the effective configuration, logged
// at startup so operators can tell deployments apart without dumping
// secrets.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|auth=%s|db=%s|frame=%d|queue=%d|exec=%s|cron=%t|hooks=%t|openai=%t|responses=%t",
		c.Host, c.Port, c.AuthMode, c.DBPath, c.MaxFrameBytes, c.MaxQueueFrames,
		c.Executor, c.CronEnabled, c.HooksEnabled,
		c.OpenAIChatCompletionsEnabled, c.OpenResponsesEnabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ChannelFor returns the channel section for name, or a zero struct when the
// channel is not configured.
func (c Config) ChannelFor(name string) ChannelConfig {
	if c.Channels == nil {
		return ChannelConfig{}
	}
	return c.Channels[name]
}

// PluginFor returns the webhook plugin routing entry for a channel.
func (c Config) PluginFor(channel string) (PluginConfig, bool) {
	for _, plugin := range c.ChannelWebhookPlugins {
		if plugin.Channel == channel {
			return plugin, true
		}
	}
	return PluginConfig{}, false
}
