package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/reclaw/reclaw-core/internal/audit"
	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/channels"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/cron"
	"github.com/reclaw/reclaw-core/internal/gateway"
	"github.com/reclaw/reclaw-core/internal/hooks"
	otelPkg "github.com/reclaw/reclaw-core/internal/otel"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
	"github.com/reclaw/reclaw-core/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

// Exit codes are part of the CLI contract; scripts key off them.
const (
	exitOK      = 0
	exitConfig  = 1
	exitBind    = 2
	exitStorage = 3
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

COMMANDS:
  %s run [flags]              Start the gateway
      --host HOST             Bind host (overrides config)
      --port PORT             Bind port (overrides config)
      --config PATH           Config file (skips the directory search)

  %s init-config [flags]      Write starter config files
      --scope SCOPE           etc, user, or both (default user)
      --non-interactive       Never prompt
      --force                 Overwrite existing files

EXIT CODES:
  0  clean shutdown
  1  configuration error
  2  bind failure
  3  storage initialization failure

ENVIRONMENT VARIABLES:
  RECLAW_HOME             State directory (default: ~/.reclaw)
  RECLAW_GATEWAY_TOKEN    Gateway auth token
  GEMINI_API_KEY          Required for the genkit executor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(exitConfig)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "run":
		os.Exit(runCommand(ctx, args[1:]))
	case "init-config":
		os.Exit(runInitConfigCommand(args[1:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(exitConfig)
	}
}

func runCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	host := fs.String("host", "", "bind host (overrides config)")
	port := fs.Int("port", 0, "bind port (overrides config)")
	configPath := fs.String("config", "", "config file path (skips the directory search)")
	_ = fs.Parse(args)

	cfg, err := config.Load(config.LoadOptions{
		ConfigPath: strings.TrimSpace(*configPath),
		Host:       strings.TrimSpace(*host),
		Port:       *port,
	})
	if err != nil {
		fatalStartup(nil, exitConfig, "config_invalid", err)
	}
	if cfg.RuntimeVersion == "dev" && Version != "dev" {
		cfg.RuntimeVersion = Version
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, exitConfig, "audit_init_failed", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet, cfg.JSONLogs)
	if err != nil {
		fatalStartup(nil, exitConfig, "logger_init_failed", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "authMode", cfg.AuthMode)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
		Version:     cfg.RuntimeVersion,
	})
	if err != nil {
		fatalStartup(logger, exitConfig, "otel_init_failed", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, exitConfig, "otel_init_failed", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, exitStorage, "storage_failed", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()

	rt := runtime.New(st, eventBus, buildExecutor(ctx, cfg, st), runtime.Config{Metrics: metrics})
	rt.Start(ctx)

	cronSched := cron.New(cron.Config{
		Store:        st,
		Bus:          eventBus,
		Runtime:      rt,
		Enabled:      cfg.CronEnabled,
		PollInterval: time.Duration(cfg.CronPollMs) * time.Millisecond,
		RunsLimit:    cfg.CronRunsLimit,
		Metrics:      metrics,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	// One limiter covers both auth surfaces so a brute-force attempt
	// cannot alternate between WS connects and hook posts to dodge the
	// lockout.
	limiter := gateway.NewAuthLimiter(cfg.AuthMaxAttempts,
		time.Duration(cfg.AuthWindowMs)*time.Millisecond)

	plane := channels.New(channels.Config{
		Cfg:     &cfg,
		Store:   st,
		Runtime: rt,
		Bus:     eventBus,
		Metrics: metrics,
	})
	plane.Start(ctx)

	gwCfg := gateway.Config{
		Cfg:         &cfg,
		Store:       st,
		Runtime:     rt,
		Bus:         eventBus,
		Cron:        cronSched,
		AuthLimiter: limiter,
		Metrics:     metrics,
		Channels:    plane,
	}
	if cfg.HooksEnabled {
		gwCfg.Hooks = hooks.New(hooks.Config{
			Cfg:     &cfg,
			Store:   st,
			Runtime: rt,
			Bus:     eventBus,
			Limiter: limiter,
			Metrics: metrics,
		})
	}
	gw := gateway.New(gwCfg)
	gw.Start(ctx)

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w (stop the other process or change port in config)", err)
		}
		fatalStartup(logger, exitBind, "bind_failed", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.ListenAddr())

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", cfg.ListenAddr(),
			"ws", "ws://"+cfg.ListenAddr()+"/ws",
			"protocol", protocol.Version)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, tell connected clients, then drain in-flight runs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gw.Shutdown("server shutting down")
	_ = server.Shutdown(shutdownCtx)
	rt.Drain(5 * time.Second)
	logger.Info("shutdown complete")
	return exitOK
}

// buildExecutor picks the agent backend. Validation already restricted
// cfg.Executor to the known set.
func buildExecutor(ctx context.Context, cfg config.Config, st *store.Store) runtime.Executor {
	if cfg.Executor == "genkit" {
		return runtime.NewGenkitExecutor(ctx, st, runtime.GenkitConfig{APIKey: cfg.GeminiAPIKey})
	}
	return runtime.EchoExecutor{}
}

func fatalStartup(logger *slog.Logger, code int, reason string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "startup", reason, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason", reason, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":%q,"level":"ERROR","component":"gateway","msg":"startup failure","reason":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reason,
			message,
		)
	}
	os.Exit(code)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}
