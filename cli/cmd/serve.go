package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/veritaslabs/veritas/adapter"
	redisadapter "github.com/veritaslabs/veritas/adapter/redis"
	webhookadapter "github.com/veritaslabs/veritas/adapter/webhook"
	"github.com/veritaslabs/veritas/api"
	"github.com/veritaslabs/veritas/cli/config"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/runner"
	"github.com/veritaslabs/veritas/ws"
)

// shutdownTimeout bounds the HTTP server drain on SIGTERM. In-flight
// audits get the same window before the base context is cancelled.
const shutdownTimeout = 30 * time.Second

// ServeCommand returns the serve command: the long-lived daemon exposing
// the HTTP API, the WebSocket stream, and /metrics.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the audit daemon (HTTP API, WebSocket streams, metrics)",
		Flags: []cli.Flag{
			ConfigFlag,
			DBFlag,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address",
			},
			&cli.IntFlag{
				Name:  "max-concurrent-audits",
				Usage: "Bound on simultaneously running engines",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Path to the engine binary",
			},
			&cli.StringFlag{
				Name:  "screenshot-dir",
				Usage: "Root directory for screenshot files",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	addr := firstNonEmpty(c.String("addr"), cfg.Server.Addr, ":8080")
	logger := log.NewServiceLogger("serve")

	repo, err := openRepo(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	writePolicy := firstNonEmpty(cfg.Engine.WritePolicy, "buffered")
	collector := metrics.NewCollector(writePolicy, "sqlite", "engine")
	hub := ws.NewHub(collector, logger)

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, ad := range adapters {
			_ = ad.Close()
		}
	}()

	// baseCtx outlives individual HTTP requests so a client disconnect
	// never cancels a running audit.
	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rcfg := runner.Config{
		EnginePath:     firstNonEmpty(c.String("engine"), cfg.Engine.Path),
		WritePolicy:    writePolicy,
		RetryWindow:    cfg.Engine.RetryWindow,
		ScreenshotDir:  firstNonEmpty(c.String("screenshot-dir"), cfg.Storage.ScreenshotDir),
		StdoutFallback: cfg.Engine.UseStdoutFallback,
	}
	run := runner.New(repo, hub, adapters, collector, rcfg, logger)

	maxConcurrent := c.Int("max-concurrent-audits")
	if maxConcurrent == 0 {
		maxConcurrent = cfg.Server.MaxConcurrentAudits
	}
	server := api.NewServer(baseCtx, repo, run, hub, collector, api.Config{
		MaxConcurrentAudits: maxConcurrent,
	}, logger)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", map[string]any{"addr": addr})
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", map[string]any{"error": err.Error()})
	}
	hub.Shutdown()
	cancel()
	return nil
}

// buildAdapters wires the configured completion-notification adapter.
// Both kinds are optional; an empty adapter section means none.
func buildAdapters(cfg *config.Config) ([]adapter.Adapter, error) {
	switch cfg.Adapter.Type {
	case "":
		return nil, nil
	case "redis":
		ad, err := redisadapter.New(redisadapter.Config{
			URL:     cfg.Adapter.URL,
			Channel: cfg.Adapter.Channel,
			Timeout: cfg.Adapter.Timeout.Duration,
			Retries: retriesOrDefault(cfg.Adapter.Retries),
		})
		if err != nil {
			return nil, fmt.Errorf("redis adapter: %w", err)
		}
		return []adapter.Adapter{ad}, nil
	case "webhook":
		ad, err := webhookadapter.New(webhookadapter.Config{
			URL:     cfg.Adapter.URL,
			Headers: cfg.Adapter.Headers,
			Timeout: cfg.Adapter.Timeout.Duration,
			Retries: retriesOrDefault(cfg.Adapter.Retries),
		})
		if err != nil {
			return nil, fmt.Errorf("webhook adapter: %w", err)
		}
		return []adapter.Adapter{ad}, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Adapter.Type)
	}
}

func retriesOrDefault(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
