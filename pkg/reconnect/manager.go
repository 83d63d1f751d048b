// Package reconnect drives the proxy's outer state machine: load the
// configuration, connect every enabled backend, discover and publish tools,
// and rebuild everything from scratch whenever something goes wrong or the
// configuration changes.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-proxy-go/internal/metrics"
	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-proxy-go/pkg/router"
)

// State is a state of the outer loop.
type State int32

const (
	StateLoadingConfig State = iota
	StateConnecting
	StateOperational
	StateReconnectWait
)

func (s State) String() string {
	switch s {
	case StateLoadingConfig:
		return "loading_config"
	case StateConnecting:
		return "connecting"
	case StateOperational:
		return "operational"
	case StateReconnectWait:
		return "reconnect_wait"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Invoker is the blocking call surface handed to the host. It always
// returns an encoded envelope.
type Invoker func(name string, args map[string]any) string

// Host is the device that exposes tools to end users.
type Host interface {
	Connect(ctx context.Context) error
	SetInvoker(inv Invoker)
	// SetTools replaces the exposed tool set wholesale.
	SetTools(tools []mcpmgr.ToolDescriptor) error
	Disconnect() error
}

// ConfigLoader reads the configuration at the start of a connect cycle.
type ConfigLoader func() (*config.Config, error)

// FileLoader loads the configuration file at path.
func FileLoader(path string) ConfigLoader {
	return func() (*config.Config, error) { return config.Load(path) }
}

// Options tune the Manager. Zero values select the defaults.
type Options struct {
	ConfigBackoff     time.Duration
	ReconnectBackoff  time.Duration
	DiscoveryInterval time.Duration

	CallTimeout   time.Duration
	BridgeTimeout time.Duration

	// Opener replaces the default session opener, mainly for tests.
	Opener  mcpmgr.Opener
	Session mcpmgr.SessionOptions

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.ConfigBackoff <= 0 {
		o.ConfigBackoff = 15 * time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 10 * time.Second
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 300 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/vikashloomba/mcp-proxy-go/pkg/reconnect")
	}
	return o
}

// Manager owns the session registry and router for the life of the process.
type Manager struct {
	loader ConfigLoader
	host   Host
	opts   Options
	logger *zap.Logger

	registry *mcpmgr.Registry
	router   *router.Router
	restart  *RestartSignal
	refresh  chan struct{}

	state atomic.Int32

	// Owned by the Run goroutine.
	pending *config.Config
	ns      router.Namespace
	enabled []string

	mu        sync.RWMutex
	readiness map[string]bool
}

// NewManager wires a manager around loader and host.
func NewManager(loader ConfigLoader, host Host, opts Options) (*Manager, error) {
	if loader == nil {
		return nil, errors.New("reconnect: config loader is required")
	}
	if host == nil {
		return nil, errors.New("reconnect: host is required")
	}
	opts = opts.withDefaults()
	m := &Manager{
		loader:  loader,
		host:    host,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "reconnect")),
		restart: NewRestartSignal(),
		refresh: make(chan struct{}, 1),
		ns:      router.PlainNamespace{},
	}

	sessOpts := opts.Session
	if sessOpts.Logger == nil {
		sessOpts.Logger = opts.Logger
	}
	notify := sessOpts.OnToolsChanged
	sessOpts.OnToolsChanged = func(backendID string) {
		if notify != nil {
			notify(backendID)
		}
		m.RequestRefresh()
	}
	m.registry = mcpmgr.NewRegistry(mcpmgr.RegistryOptions{
		Opener:  opts.Opener,
		Session: sessOpts,
		Logger:  opts.Logger,
	})

	r, err := router.New(m.registry, router.Options{
		CallTimeout:   opts.CallTimeout,
		BridgeTimeout: opts.BridgeTimeout,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		Tracer:        opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	m.router = r
	return m, nil
}

// Router returns the router the host invokes through.
func (m *Manager) Router() *router.Router { return m.router }

// State reports the current state of the outer loop.
func (m *Manager) State() State { return State(m.state.Load()) }

// Readiness returns the per-backend readiness computed by the last pass.
// It is empty unless more than one backend is enabled.
func (m *Manager) Readiness() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.readiness)
}

// ConfigUpdated is the configuration update hook. It raises the restart
// signal so the next observation forces a full reconnect.
func (m *Manager) ConfigUpdated() {
	m.logger.Info("configuration update received")
	m.opts.Metrics.RecordConfigUpdate()
	m.restart.Raise()
}

// RequestRefresh asks for an immediate discovery pass without reconnecting.
func (m *Manager) RequestRefresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. It returns ctx.Err()
// on cancellation and a non-nil error for unrecoverable misconfiguration.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.host.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect: host connect: %w", err)
	}
	defer func() {
		if err := m.registry.Close(); err != nil {
			m.logger.Warn("closing backend sessions", zap.Error(err))
		}
		if err := m.host.Disconnect(); err != nil {
			m.logger.Warn("disconnecting host", zap.Error(err))
		}
	}()
	m.router.Bind(ctx)
	m.host.SetInvoker(m.router.InvokeSync)

	state := StateLoadingConfig
	m.state.Store(int32(state))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			next State
			err  error
		)
		switch state {
		case StateLoadingConfig:
			next = m.loadConfig(ctx)
		case StateConnecting:
			next, err = m.connect(ctx)
		case StateOperational:
			next = m.operate(ctx)
		case StateReconnectWait:
			next = m.reconnectWait(ctx)
		}
		if err != nil {
			return err
		}
		if next != state {
			m.logger.Info("state transition", zap.Stringer("from", state), zap.Stringer("to", next))
			m.opts.Metrics.RecordStateTransition(state.String(), next.String())
			m.state.Store(int32(next))
		}
		state = next
	}
}

type waitOutcome int

const (
	waitElapsed waitOutcome = iota
	waitRestart
	waitCancelled
)

func (m *Manager) wait(ctx context.Context, d time.Duration) waitOutcome {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return waitCancelled
	case <-m.restart.C():
		return waitRestart
	case <-timer.C:
		return waitElapsed
	}
}

func (m *Manager) loadConfig(ctx context.Context) State {
	cfg, err := m.loader()
	if err == nil {
		m.pending = cfg
		return StateConnecting
	}
	m.logger.Warn("configuration unavailable, retrying",
		zap.Duration("backoff", m.opts.ConfigBackoff), zap.Error(err))
	if m.wait(ctx, m.opts.ConfigBackoff) == waitRestart {
		return StateConnecting
	}
	return StateLoadingConfig
}

func (m *Manager) connect(ctx context.Context) (State, error) {
	if m.restart.Clear() {
		m.logger.Debug("restart signal consumed at cycle start")
	}
	cfg := m.pending
	m.pending = nil
	if cfg == nil {
		var err error
		if cfg, err = m.loader(); err != nil {
			m.logger.Warn("configuration reload failed", zap.Error(err))
			return StateLoadingConfig, nil
		}
	}

	enabled := cfg.Enabled()
	m.ns = router.NamespaceFor(cfg.Namespace, len(enabled))
	m.enabled = config.IDs(enabled)
	m.logger.Info("connecting backends", zap.Strings("backends", m.enabled))

	if err := m.registry.Connect(ctx, enabled); err != nil {
		var unsupported *mcpmgr.UnsupportedTransportError
		if errors.As(err, &unsupported) {
			m.logger.Error("unsupported transport", zap.Error(err))
			return StateConnecting, fmt.Errorf("reconnect: %w", err)
		}
		if ctx.Err() != nil {
			return StateConnecting, nil
		}
		m.logger.Warn("backend connection failed",
			zap.Duration("backoff", m.opts.ReconnectBackoff), zap.Error(err))
		m.opts.Metrics.RecordReconnect("connect_failed")
		return StateReconnectWait, nil
	}
	if err := m.discover(ctx); err != nil {
		m.logger.Warn("initial discovery failed", zap.Error(err))
		m.opts.Metrics.RecordReconnect("discovery_failed")
		return StateReconnectWait, nil
	}
	return StateOperational, nil
}

func (m *Manager) operate(ctx context.Context) State {
	ticker := time.NewTicker(m.opts.DiscoveryInterval)
	defer ticker.Stop()
	lost := m.registry.Lost()
	for {
		select {
		case <-ctx.Done():
			return StateOperational
		case <-m.restart.C():
			m.logger.Info("restart requested, reconnecting")
			m.opts.Metrics.RecordReconnect("restart")
			return StateConnecting
		case id := <-lost:
			m.logger.Warn("backend session lost, reconnecting", zap.String("backend", id))
			m.opts.Metrics.RecordReconnect("session_lost")
			return StateConnecting
		case <-m.refresh:
			m.logger.Info("tool list changed, rediscovering")
		case <-ticker.C:
		}
		if err := m.discover(ctx); err != nil {
			if ctx.Err() != nil {
				return StateOperational
			}
			m.logger.Warn("discovery failed, reconnecting", zap.Error(err))
			m.opts.Metrics.RecordReconnect("discovery_failed")
			return StateConnecting
		}
	}
}

func (m *Manager) reconnectWait(ctx context.Context) State {
	if m.wait(ctx, m.opts.ReconnectBackoff) == waitRestart {
		return StateConnecting
	}
	return StateLoadingConfig
}

// discover runs one complete pass and publishes it to the router and the
// host. Nothing is published unless the pass completes.
func (m *Manager) discover(ctx context.Context) (err error) {
	ctx, span := m.opts.Tracer.Start(ctx, "reconnect.discover",
		trace.WithAttributes(attribute.Int("mcp.backends", len(m.enabled))))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("discovery panic: %v", p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.opts.Metrics.RecordDiscovery("failure", 0, nil)
		}
	}()

	results, err := m.registry.DiscoverAll(ctx)
	if err != nil {
		return err
	}
	snap := router.BuildSnapshot(results, m.ns, m.logger)
	tools := snap.Tools()

	var readiness map[string]bool
	if len(m.enabled) > 1 {
		readiness = snap.Readiness(m.enabled)
		var notReady []string
		for id, ok := range readiness {
			if !ok {
				notReady = append(notReady, id)
			}
		}
		sort.Strings(notReady)
		for _, id := range notReady {
			m.logger.Warn("backend not ready", zap.String("backend", id))
		}
		m.opts.Metrics.RecordReadiness(readiness)
	}
	m.mu.Lock()
	m.readiness = readiness
	m.mu.Unlock()

	m.router.Publish(snap)
	if err := m.host.SetTools(tools); err != nil {
		return fmt.Errorf("publish tools to host: %w", err)
	}

	span.SetAttributes(attribute.Int("mcp.tools", len(tools)))
	span.SetStatus(codes.Ok, "")
	m.opts.Metrics.RecordDiscovery("success", len(tools), snap.PerBackend())
	m.logger.Info("tools published", zap.Int("count", len(tools)))
	return nil
}
