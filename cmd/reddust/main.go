// Package main runs the Red Dust control center: it plays archived data
// through the normalization model and streams the result to receiver nodes,
// driven over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/reddust/archive"
	"github.com/c360/reddust/config"
	"github.com/c360/reddust/control"
	"github.com/c360/reddust/dispatch"
	rderrors "github.com/c360/reddust/errors"
	"github.com/c360/reddust/feedback"
	"github.com/c360/reddust/health"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/natsclient"
	"github.com/c360/reddust/normalize"
	"github.com/c360/reddust/session"
	"github.com/c360/reddust/studio"
	"github.com/c360/reddust/timebase"
)

// Build information
const (
	Version = "0.1.0"
	appName = "reddust"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	loader := config.NewLoader()
	loader.AddLayer(cli.ConfigPath)
	cfg, err := loader.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}
	logger.Info("Starting Red Dust control center", "config_path", cli.ConfigPath, "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().BuildInfo.WithLabelValues(appName, Version).Set(1)
	monitor := health.NewMonitor()

	store, closeStore, err := openSessionStore(ctx, cfg, registry, monitor, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tb := timebase.New(timebase.WithLogger(logger))
	if err := tb.SetSpeed(cfg.Playback.Speed); err != nil {
		return err
	}
	model := normalize.New(logger)
	if err := model.SetPercentiles(cfg.Playback.LoPercentile, cfg.Playback.HiPercentile); err != nil {
		return err
	}

	hub := feedback.NewHub(logger, registry)
	dispatcher := dispatch.New(tb, model,
		dispatch.WithPeriod(cfg.Dispatch.Period),
		dispatch.WithPresenter(hub),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(registry))
	for _, d := range cfg.Destinations {
		if err := dispatcher.Add(d); err != nil {
			return err
		}
	}

	st := studio.New(archive.NewCSVSource(cfg.Archive.Dir, logger), model, tb, dispatcher, store, logger)
	if err := prepareStudio(ctx, st, cfg, logger); err != nil {
		return err
	}

	opts := []control.Option{
		control.WithLogger(logger),
		control.WithHealth(monitor),
		control.WithMetrics(registry),
		control.WithFeedback(hub),
	}
	if cli.AccessLog {
		opts = append(opts, control.WithAccessLog(os.Stderr))
	}
	server, err := control.NewServer(cfg.Control, st, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	runErr := g.Wait()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("Dispatcher did not stop cleanly", "error", err)
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("Feedback clients did not close cleanly", "error", err)
	}
	return runErr
}

// prepareStudio selects the configured channel and restores the stored
// session when asked to. A missing session is not an error.
func prepareStudio(ctx context.Context, st *studio.Studio, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Archive.Channel != "" {
		if err := st.SetChannel(ctx, cfg.Archive.Channel); err != nil {
			return fmt.Errorf("select channel %q: %w", cfg.Archive.Channel, err)
		}
	}
	if !cfg.Session.LoadOnStart {
		return nil
	}
	if _, err := st.Load(ctx); err != nil {
		if errors.Is(err, rderrors.ErrKeyNotFound) {
			logger.Info("No stored session to restore")
			return nil
		}
		return fmt.Errorf("restore session: %w", err)
	}
	return nil
}

func openSessionStore(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry,
	monitor *health.Monitor, logger *slog.Logger) (session.Store, func(), error) {
	if cfg.Session.Store == config.SessionStoreFile {
		monitor.Update("session", health.NewHealthy("session", "file "+cfg.Session.Path))
		return session.NewFileStore(cfg.Session.Path, registry.CoreMetrics()), func() {}, nil
	}

	n := cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithName(n.Name),
		natsclient.WithDisconnectCallback(func(err error) {
			monitor.Update("nats", health.FromError("nats", err, "connected"))
		}),
		natsclient.WithReconnectCallback(func() {
			monitor.Update("nats", health.NewHealthy("nats", "reconnected"))
		}),
	}
	if n.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(n.MaxReconnects))
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}

	client, err := natsclient.NewClient(n.URL, opts...)
	if err != nil {
		return nil, nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		monitor.Update("nats", health.FromError("nats", err, "connected"))
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	monitor.Update("nats", health.NewHealthy("nats", "connected"))

	store, err := session.NewKVStore(connectCtx, client, cfg.Session.Key, registry.CoreMetrics())
	if err != nil {
		_ = client.Close(context.Background())
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}
	return store, closeFn, nil
}
