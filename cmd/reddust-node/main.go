// Package main runs a Red Dust receiver node: it takes values from a wired
// serial line or from the control center over the wireless link and drives
// one actuator.
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

	"github.com/c360/reddust/config"
	"github.com/c360/reddust/connection"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/receiver"
)

// Build information
const (
	Version = "0.1.0"
	appName = "reddust-node"
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
		slog.Error("Node failed", "error", err, "exit_code", 1)
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
	cfg, err := loader.LoadNodeConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.Validate {
		logger.Info("Configuration is valid")
		return nil
	}
	logger.Info("Starting Red Dust node", "name", cfg.Name, "address", cfg.Receiver.Address,
		"serial", cfg.Serial.Path, "network", cfg.Network.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().BuildInfo.WithLabelValues(appName, Version).Set(1)

	opts := []receiver.NodeOption{
		receiver.WithDriver(newDriver(cfg.Actuator, logger)),
		receiver.WithDisplay(receiver.LogDisplay{Logger: logger}),
		receiver.WithNodeLogger(logger),
		receiver.WithNodeMetrics(registry),
	}

	if cfg.Serial.Path != "" {
		port, err := receiver.OpenSerialSource(cfg.Serial.Path, cfg.Serial.BaudRate)
		if err != nil {
			return fmt.Errorf("open serial port %s: %w", cfg.Serial.Path, err)
		}
		defer func() { _ = port.Close() }()
		opts = append(opts, receiver.WithWired(port))
	}

	var node *receiver.Node
	var link *networkLink
	if cfg.Network.Enabled {
		link = newNetworkLink(cfg, registry, logger, func() *receiver.Node { return node })
		defer link.close()
		opts = append(opts, receiver.WithLink(link.machine))
	}

	node, err = receiver.NewNode(cfg.Receiver, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx, cfg.PollInterval) })
	if cfg.MetricsAddr != "" {
		server := metric.NewServer(cfg.MetricsAddr, "/metrics", registry)
		g.Go(func() error { return server.Start(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		select {
		case runErr = <-done:
		case <-time.After(cli.ShutdownTimeout):
			runErr = fmt.Errorf("shutdown timed out after %s", cli.ShutdownTimeout)
		}
	}
	logger.Info("Node stopped")
	return runErr
}

// newDriver writes to a sysfs-style file when configured, otherwise logs
func newDriver(cfg config.ActuatorConfig, logger *slog.Logger) receiver.Driver {
	if cfg.Path != "" {
		return receiver.FileDriver{Path: cfg.Path}
	}
	return receiver.DriverFunc(func(output float64) error {
		logger.Debug("Actuator output", "value", output)
		return nil
	})
}

// networkLink owns the connection machine and the datagram listener it
// binds while connected. Hooks run on the node's loop goroutine.
type networkLink struct {
	machine  *connection.Machine
	portal   *connection.HTTPPortal
	listener *receiver.UDPSource
	addr     string
	logger   *slog.Logger
	node     func() *receiver.Node
}

func newNetworkLink(cfg *config.NodeConfig, registry *metric.MetricsRegistry, logger *slog.Logger,
	node func() *receiver.Node) *networkLink {
	n := cfg.Network
	l := &networkLink{
		portal: connection.NewHTTPPortal(n.PortalAddr, cfg.Name, logger),
		addr:   n.ListenAddr,
		logger: logger.With("component", "link"),
		node:   node,
	}
	timeout := n.Connection.AttemptTimeout
	if timeout <= 0 {
		timeout = connection.DefaultAttemptTimeout
	}
	l.machine = connection.New(n.Connection,
		connection.NewNMCLITransport(n.Interface, timeout),
		l.portal,
		connection.FileCredentialStore{Path: n.CredentialsPath},
		connection.WithHooks(connection.Hooks{OnConnected: l.bind, OnDisconnected: l.unbind}),
		connection.WithLogger(logger),
		connection.WithMetrics(registry))
	return l
}

func (l *networkLink) bind() {
	src, err := receiver.ListenUDP(l.addr)
	if err != nil {
		l.logger.Error("Failed to bind datagram listener", "addr", l.addr, "error", err)
		return
	}
	l.listener = src
	l.node().Bind(src)
	l.logger.Info("Listening for datagrams", "addr", src.LocalAddr().String())
}

func (l *networkLink) unbind() {
	l.node().Unbind()
	if l.listener != nil {
		_ = l.listener.Close()
		l.listener = nil
	}
}

func (l *networkLink) close() {
	if l.listener != nil {
		_ = l.listener.Close()
	}
	_ = l.portal.Close()
}
