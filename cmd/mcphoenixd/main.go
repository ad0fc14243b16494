// Mcphoenixd is the MCP host daemon: it multiplexes AI clients over HTTP
// onto a pool of locally-spawned backend tool servers speaking JSON-RPC on
// stdio.
//
// Usage:
//
//	# Start with the default config (~/.config/mcphoenix/config.json)
//	mcphoenixd
//
//	# Explicit config file
//	mcphoenixd -config /etc/mcphoenix/config.json
//
// Exit codes: 0 graceful shutdown, 1 config read/parse failure, 2 bind
// failure. Individual backend spawn failures never exit the host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jmanhype/mcphoenix/internal/backend"
	"github.com/jmanhype/mcphoenix/internal/bus"
	"github.com/jmanhype/mcphoenix/internal/config"
	hosthttp "github.com/jmanhype/mcphoenix/internal/http"
	"github.com/jmanhype/mcphoenix/internal/logging"
	"github.com/jmanhype/mcphoenix/internal/telemetry"
	"github.com/jmanhype/mcphoenix/pkg/mcp"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	exitConfigFailure = 1
	exitBindFailure   = 2
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  mcphoenixd           Start the MCP host daemon\n")
			fmt.Fprintf(os.Stderr, "  mcphoenixd version   Show version information\n")
			os.Exit(1)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Config error: %v", err)
		os.Exit(exitConfigFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, hosthttp.ErrBindFailed) {
			log.Printf("Server error: %v", err)
			os.Exit(exitBindFailure)
		}
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("mcphoenixd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the host and blocks until context cancellation.
//
//  1. Logger and telemetry
//  2. Notification bus (embedded NATS server unless an external URL is set)
//  3. Backend pool spawn
//  4. HTTP server with MCP routes
//  5. Graceful shutdown on cancellation
func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("Starting mcphoenixd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("backends", len(cfg.Backends)))

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		logger.Warn("Telemetry degraded", zap.Error(err))
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	// Notification bus backbone.
	busURL := cfg.Bus.URL
	var embedded interface {
		Shutdown()
		WaitForShutdown()
	}
	if cfg.Bus.Embedded {
		ns, err := bus.StartEmbedded("127.0.0.1", 0)
		if err != nil {
			return fmt.Errorf("starting embedded bus: %w", err)
		}
		embedded = ns
		busURL = ns.ClientURL()
		logger.Info("Embedded bus started", zap.String("url", busURL))
	}
	defer func() {
		if embedded != nil {
			embedded.Shutdown()
			embedded.WaitForShutdown()
		}
	}()

	nc, err := bus.Connect(busURL)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer nc.Close()
	notifications := bus.New(nc, logger)
	defer notifications.Close()

	// Backend pool.
	pool := backend.NewManager(backend.ManagerOptions{
		Logger:   logger,
		Metrics:  backend.NewMetrics(logger),
		Timeouts: cfg.Timeouts,
		Client:   backend.ClientInfo{Name: "mcphoenix", Version: version},
	})
	pool.Start(ctx, cfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		pool.Shutdown(shutdownCtx)
	}()

	logger.Info("Backend pool started", zap.Any("statuses", pool.Statuses()))

	// HTTP surface.
	srv, err := hosthttp.NewServer(logger, &hosthttp.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	}, pool)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	mcpServer := mcp.NewServer(srv.Echo(), mcp.ServerOptions{
		Executor:  pool,
		Bus:       notifications,
		Logger:    logger,
		Info:      mcp.ServerInfo{Name: "mcphoenix", Version: version},
		KeepAlive: cfg.Timeouts.SSEKeepAlive,
	})
	mcpServer.RegisterRoutes()

	logger.Info("Server configured",
		zap.String("rpc_endpoint", "/mcp/rpc"),
		zap.String("stream_endpoint", "/mcp/stream"),
		zap.String("metrics_endpoint", "/metrics"))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown error", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return err
	}
	return nil
}
