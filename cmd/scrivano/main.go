package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrivanohq/scrivano/internal/observability"
	"github.com/scrivanohq/scrivano/internal/queue"
	"github.com/scrivanohq/scrivano/internal/remote"
	"github.com/scrivanohq/scrivano/internal/server"
	"github.com/scrivanohq/scrivano/internal/store"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scrivano",
	Short: "Scrivano — offline-first sync engine for structured writing projects",
	Long:  "A local-first sync engine that queues document edits durably and reconciles them with the remote store when connectivity allows.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync engine and its local admin API",
	RunE:  runServe,
}

var (
	bindAddr        string
	dataDir         string
	backend         string
	remoteURL       string
	authToken       string
	authTokenFile   string
	schemaDir       string
	coordinatorURL  string
	startOffline    bool
	maxAttempts     int
	initialDelay    time.Duration
	maxDelay        time.Duration
	retention       time.Duration
	sweepInterval   time.Duration
	shutdownTimeout = 2 * time.Second
	otelEnabled     bool
	otelEndpoint    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&bindAddr, "bind", "127.0.0.1:8787", "Admin API bind address (local clients only)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the durable operation queue")
	serveCmd.Flags().StringVar(&backend, "backend", "sqlite", "Durable store backend: sqlite, pebble, or badger")
	serveCmd.Flags().StringVar(&remoteURL, "remote-url", "", "Remote sync API base URL (required)")
	serveCmd.Flags().StringVar(&authToken, "token", "", "Bearer token for the remote API (or set SCRIVANO_TOKEN)")
	serveCmd.Flags().StringVar(&authTokenFile, "token-file", "", "File to read the bearer token from; re-read on every request so rotations take effect")
	serveCmd.Flags().StringVar(&schemaDir, "schema-dir", "", "Directory of per-table JSON schemas (<table>.json) validated at enqueue")
	serveCmd.Flags().StringVar(&coordinatorURL, "coordinator-url", "", "Websocket relay URL for cross-process coordination (optional)")
	serveCmd.Flags().BoolVar(&startOffline, "offline", false, "Start in offline mode; queue edits without attempting remote sync")
	serveCmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Attempts per operation before it is dead lettered")
	serveCmd.Flags().DurationVar(&initialDelay, "initial-delay", time.Second, "Base retry delay before category adjustment")
	serveCmd.Flags().DurationVar(&maxDelay, "max-delay", 5*time.Minute, "Retry delay cap")
	serveCmd.Flags().DurationVar(&retention, "retention", 24*time.Hour, "How long to keep failed operations before purging")
	serveCmd.Flags().DurationVar(&sweepInterval, "retention-interval", time.Hour, "How often to run the retention sweep")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Second, "Graceful shutdown timeout (e.g. 500ms, 2s)")
	serveCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serveCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServe(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(remoteURL) == "" {
		return fmt.Errorf("--remote-url is required")
	}
	tokenProvider, err := buildTokenProvider()
	if err != nil {
		return err
	}

	slog.Info("starting scrivano",
		"bind", bindAddr,
		"data_dir", dataDir,
		"backend", backend,
		"remote_url", remoteURL,
		"coordinator", coordinatorURL,
		"offline", startOffline,
		"max_attempts", maxAttempts,
		"retention", retention,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "scrivano", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	st, err := store.Open(dataDir, backend)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer st.Close()

	rs := remote.NewClient(remote.ClientOptions{
		BaseURL:       remoteURL,
		TokenProvider: tokenProvider,
		UserAgent:     "scrivano",
	})

	cfg := queue.DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.InitialDelay = initialDelay
	cfg.MaxDelay = maxDelay
	cfg.RetentionWindow = retention
	cfg.SweepInterval = sweepInterval

	svc := queue.New(st, rs, cfg)

	if schemaDir != "" {
		validator, err := loadSchemas(schemaDir)
		if err != nil {
			return fmt.Errorf("load schemas: %w", err)
		}
		svc.SetValidator(validator)
	}

	if coordinatorURL != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		coord, err := queue.DialWebsocketCoordinator(dialCtx, coordinatorURL)
		cancel()
		if err != nil {
			slog.Warn("coordinator unavailable, running standalone", "url", coordinatorURL, "error", err)
		} else {
			svc.SetCoordinator(coord)
		}
	}

	if err := svc.Init(context.Background()); err != nil {
		return fmt.Errorf("init queue service: %w", err)
	}
	if startOffline {
		svc.SetOnline(false)
	}

	srv := server.New(svc, bindAddr)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("scrivano ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	if err := svc.CloseAndWait(shutdownCtx); err != nil {
		slog.Error("queue shutdown error", "error", err)
	}

	slog.Info("scrivano stopped")
	return nil
}

// buildTokenProvider resolves the bearer token source: an explicit flag, a
// file re-read per request, or the environment.
func buildTokenProvider() (remote.TokenProvider, error) {
	if authTokenFile != "" {
		if _, err := os.Stat(authTokenFile); err != nil {
			return nil, fmt.Errorf("token file: %w", err)
		}
		path := authTokenFile
		return func(ctx context.Context) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read token file: %w", err)
			}
			return strings.TrimSpace(string(data)), nil
		}, nil
	}
	token := strings.TrimSpace(authToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("SCRIVANO_TOKEN"))
	}
	if token == "" {
		return nil, fmt.Errorf("no auth token: use --token, --token-file, or SCRIVANO_TOKEN")
	}
	return func(ctx context.Context) (string, error) { return token, nil }, nil
}

// loadSchemas reads <table>.json files from dir into a validator. Tables
// without a schema file pass validation unchecked.
func loadSchemas(dir string) (*remote.SchemaValidator, error) {
	schemas := make(map[string]json.RawMessage)
	for _, table := range store.Tables {
		path := filepath.Join(dir, table+".json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		schemas[table] = data
	}
	return remote.NewSchemaValidator(schemas)
}
