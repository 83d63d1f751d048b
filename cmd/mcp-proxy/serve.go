package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-proxy-go/internal/logging"
	"github.com/vikashloomba/mcp-proxy-go/internal/metrics"
	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
	"github.com/vikashloomba/mcp-proxy-go/pkg/configapi"
	"github.com/vikashloomba/mcp-proxy-go/pkg/instance"
	mcpgateway "github.com/vikashloomba/mcp-proxy-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-proxy-go/pkg/reconnect"
)

type serveFlags struct {
	configPath string
	lockPath   string
	addr       string
	path       string
	configAPI  string
	watch      time.Duration
	logLevel   string
	logFormat  string
	traceRPC   bool
}

func parseServeFlags(args []string) (serveFlags, error) {
	var f serveFlags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", defaultConfigPath(), "Backend configuration file (JSON or YAML)")
	fs.StringVar(&f.lockPath, "lock", defaultLockPath(), "Single-instance lock file")
	fs.StringVar(&f.addr, "addr", ":8700", "Gateway listen address")
	fs.StringVar(&f.path, "path", "/mcp", "Gateway MCP path")
	fs.StringVar(&f.configAPI, "config-api", "127.0.0.1:0", "Config editor API address, empty to disable")
	fs.DurationVar(&f.watch, "watch", 2*time.Second, "Config file poll interval, 0 to disable")
	fs.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "json", "json or console")
	fs.BoolVar(&f.traceRPC, "trace-rpc", false, "Log every JSON-RPC message at debug level")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func runServe(args []string) int {
	flags, err := parseServeFlags(args)
	if err != nil {
		return 2
	}

	logger, err := logging.New(logging.Options{Level: flags.logLevel, Format: flags.logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mcp-proxy",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("config", flags.configPath))

	supervisor := instance.New(flags.lockPath, instance.Options{Logger: logger})
	if err := supervisor.Acquire(); err != nil {
		var conflict *instance.FatalInstanceConflict
		if errors.As(err, &conflict) {
			logger.Error("another instance is still running", zap.Error(err))
		} else {
			logger.Error("instance lock", zap.Error(err))
		}
		return 1
	}
	defer func() { _ = supervisor.Release() }()

	if err := config.EnsureFile(flags.configPath); err != nil {
		logger.Error("create config file", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, flags, logger); err != nil {
		logger.Error("mcp-proxy stopped", zap.Error(err))
		return 1
	}
	logger.Info("mcp-proxy stopped")
	return 0
}

func serve(ctx context.Context, flags serveFlags, logger *zap.Logger) error {
	collector := metrics.NewCollector("mcp_proxy", logger)

	factory := &mcpmgr.DefaultTransportFactory{MaxRetries: 3}
	if flags.traceRPC {
		factory.TraceLogger = logger.Named("rpc")
	}

	gateway := mcpgateway.NewGateway(&mcpgateway.Options{
		Implementation: &mcp.Implementation{Name: "mcp-proxy", Title: "MCP Proxy", Version: Version},
		Addr:           flags.addr,
		Path:           flags.path,
		Logger:         logger,
	})

	manager, err := reconnect.NewManager(reconnect.FileLoader(flags.configPath), gateway, reconnect.Options{
		Session: mcpmgr.SessionOptions{
			Factory:        factory,
			Implementation: &mcp.Implementation{Name: "mcp-proxy", Version: Version},
		},
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		return err
	}
	gateway.ServeMux().Handle("GET /healthz", healthHandler(manager))
	gateway.ServeMux().Handle("GET /metrics", collector.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(manager.Run(gctx))
	})
	var watcher *config.Watcher
	if flags.watch > 0 {
		watcher = config.NewWatcher(flags.configPath, manager.ConfigUpdated,
			config.WithPollInterval(flags.watch),
			config.WithWatcherLogger(logger))
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	if flags.configAPI != "" {
		api := configapi.New(flags.configPath, configapi.Options{
			Addr:     flags.configAPI,
			Metrics:  collector.Handler(),
			OnUpdate: updateHook(watcher, manager.ConfigUpdated),
			Logger:   logger,
		})
		g.Go(func() error {
			return api.ListenAndServe(gctx)
		})
	}
	return g.Wait()
}

// updateHook reports an API save once: the watcher is told the new file
// state before the manager is notified.
func updateHook(watcher *config.Watcher, notify func()) func() {
	return func() {
		if watcher != nil {
			watcher.Acknowledge()
		}
		notify()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type healthReport struct {
	State     string          `json:"state"`
	Tools     int             `json:"tools"`
	Readiness map[string]bool `json:"readiness,omitempty"`
}

func healthHandler(m *reconnect.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		state := m.State()
		report := healthReport{
			State:     state.String(),
			Tools:     m.Router().Snapshot().Len(),
			Readiness: m.Readiness(),
		}
		status := http.StatusOK
		if state != reconnect.StateOperational {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
