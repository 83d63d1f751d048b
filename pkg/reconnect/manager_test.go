package reconnect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-proxy-go/pkg/router"
)

type fakeHost struct {
	mu        sync.Mutex
	connected bool
	invoker   Invoker
	published [][]string
	failSet   error
}

func (h *fakeHost) Connect(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	return nil
}

func (h *fakeHost) SetInvoker(inv Invoker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invoker = inv
}

func (h *fakeHost) SetTools(tools []mcpmgr.ToolDescriptor) error {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSet != nil {
		return h.failSet
	}
	h.published = append(h.published, names)
	return nil
}

func (h *fakeHost) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	return nil
}

func (h *fakeHost) history() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.published...)
}

func (h *fakeHost) latest() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.published) == 0 {
		return nil
	}
	return h.published[len(h.published)-1]
}

func (h *fakeHost) invoke(name string, args map[string]any) string {
	h.mu.Lock()
	inv := h.invoker
	h.mu.Unlock()
	return inv(name, args)
}

type fakeSession struct {
	backend config.BackendConfig
	mu      sync.Mutex
	tools   []string
	done    chan struct{}
	once    sync.Once
}

func (s *fakeSession) Backend() config.BackendConfig { return s.backend }

func (s *fakeSession) ListTools(context.Context) []mcpmgr.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mcpmgr.ToolDescriptor, 0, len(s.tools))
	for _, name := range s.tools {
		out = append(out, mcpmgr.ToolDescriptor{Name: name, NativeName: name, Backend: s.backend.ID})
	}
	return out
}

func (s *fakeSession) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	return s.backend.ID + ":" + name, nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) setTools(tools ...string) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

// backendWorld is a set of fake backends that tests can mutate between
// connect cycles.
type backendWorld struct {
	mu       sync.Mutex
	tools    map[string][]string
	failing  map[string]error
	sessions map[string]*fakeSession
	opens    atomic.Int32
}

func newWorld() *backendWorld {
	return &backendWorld{
		tools:    map[string][]string{},
		failing:  map[string]error{},
		sessions: map[string]*fakeSession{},
	}
}

func (w *backendWorld) opener(_ context.Context, backend config.BackendConfig) (mcpmgr.Session, error) {
	w.opens.Add(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failing[backend.ID]; err != nil {
		return nil, &mcpmgr.ConnectError{Backend: backend.ID, Err: err}
	}
	s := &fakeSession{backend: backend, tools: w.tools[backend.ID], done: make(chan struct{})}
	w.sessions[backend.ID] = s
	return s, nil
}

func (w *backendWorld) session(id string) *fakeSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions[id]
}

func (w *backendWorld) setFailing(id string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.failing, id)
		return
	}
	w.failing[id] = err
}

// switchableLoader serves whatever configuration was set last.
type switchableLoader struct {
	mu  sync.Mutex
	cfg *config.Config
	err error
}

func (l *switchableLoader) set(cfg *config.Config, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg, l.err = cfg, err
}

func (l *switchableLoader) load() (*config.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg, l.err
}

func cfgWith(mode config.NamespaceMode, ids ...string) *config.Config {
	cfg := &config.Config{Namespace: mode}
	for _, id := range ids {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{ID: id, Kind: config.TransportStdio, Command: id, Enabled: true})
	}
	return cfg
}

func fastOptions(world *backendWorld) Options {
	return Options{
		ConfigBackoff:     20 * time.Millisecond,
		ReconnectBackoff:  20 * time.Millisecond,
		DiscoveryInterval: time.Hour,
		CallTimeout:       time.Second,
		BridgeTimeout:     2 * time.Second,
		Opener:            world.opener,
	}
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})
}

func waitForTools(t *testing.T, host *fakeHost, want ...string) {
	t.Helper()
	sort.Strings(want)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, host.latest())
	}, 5*time.Second, 5*time.Millisecond, "host never received %v (history %v)", want, host.history())
}

func TestManagerPublishesToolsAndRoutesCalls(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)

	waitForTools(t, host, "x")
	assert.Eventually(t, func() bool { return m.State() == StateOperational }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"success":true,"message":"a:x"}`, host.invoke("x", map[string]any{}))
	assert.Equal(t, `{"success":false,"message":"Tool 'ghost_tool' not found"}`, host.invoke("ghost_tool", map[string]any{}))
	assert.Empty(t, m.Readiness())
}

func TestManagerZeroBackends(t *testing.T) {
	t.Parallel()

	world := newWorld()
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)

	require.Eventually(t, func() bool { return len(host.history()) > 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, host.latest())
	assert.Equal(t, `{"success":false,"message":"Tool 'anything' not found"}`, host.invoke("anything", nil))
}

func TestManagerRestartYieldsCompletePass(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	world.tools["b"] = []string{"y"}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceNone, "a"), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)
	waitForTools(t, host, "x")

	loader.set(cfgWith(config.NamespaceNone, "a", "b"), nil)
	m.ConfigUpdated()
	waitForTools(t, host, "x", "y")

	for _, set := range host.history() {
		ok := assert.ObjectsAreEqual([]string{"x"}, set) || assert.ObjectsAreEqual([]string{"x", "y"}, set)
		assert.True(t, ok, "host observed intermediate tool set %v", set)
	}
	assert.Equal(t, `{"success":true,"message":"b:y"}`, host.invoke("y", nil))
}

func TestManagerNamespacesMultipleBackends(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	world.tools["b"] = []string{}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a", "b"), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)

	waitForTools(t, host, "a_x")
	assert.Equal(t, map[string]bool{"a": true, "b": false}, m.Readiness())
	assert.Equal(t, `{"success":true,"message":"a:x"}`, host.invoke("a_x", nil))
}

func TestManagerRetriesConfigErrors(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	loader := &switchableLoader{}
	loader.set(nil, &config.ConfigError{Path: "mcp.json", Err: errors.New("broken")})
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateLoadingConfig, m.State())
	assert.Empty(t, host.history())

	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	waitForTools(t, host, "x")
}

func TestManagerReconnectsAfterHandshakeFailure(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	world.setFailing("a", errors.New("refused"))
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)

	require.Eventually(t, func() bool { return world.opens.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, host.history())

	world.setFailing("a", nil)
	waitForTools(t, host, "x")
}

func TestManagerReconnectsOnSessionLoss(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)
	waitForTools(t, host, "x")

	before := world.opens.Load()
	require.NoError(t, world.session("a").Close())
	require.Eventually(t, func() bool { return world.opens.Load() > before }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateOperational }, 5*time.Second, 5*time.Millisecond)
}

func TestManagerRefreshRediscoversWithoutReconnect(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)
	waitForTools(t, host, "x")

	opens := world.opens.Load()
	world.session("a").setTools("x", "z")
	m.RequestRefresh()
	waitForTools(t, host, "x", "z")
	assert.Equal(t, opens, world.opens.Load())
}

func TestManagerHostFailureForcesReconnect(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	host := &fakeHost{failSet: errors.New("device offline")}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)

	require.Eventually(t, func() bool { return world.opens.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	host.mu.Lock()
	host.failSet = nil
	host.mu.Unlock()
	waitForTools(t, host, "x")
}

func TestManagerRejectsInvalidTimeouts(t *testing.T) {
	t.Parallel()

	_, err := NewManager((&switchableLoader{}).load, &fakeHost{}, Options{CallTimeout: time.Second, BridgeTimeout: time.Second})
	assert.ErrorIs(t, err, router.ErrInvalidTimeouts)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "loading_config", StateLoadingConfig.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "operational", StateOperational.String())
	assert.Equal(t, "reconnect_wait", StateReconnectWait.String())
}

func TestRestartSignal(t *testing.T) {
	t.Parallel()

	s := NewRestartSignal()
	assert.False(t, s.Pending())
	s.Raise()
	s.Raise()
	assert.True(t, s.Pending())
	assert.True(t, s.Clear())
	assert.False(t, s.Clear())

	s.Raise()
	select {
	case <-s.C():
	default:
		t.Fatal("raised signal not delivered")
	}
	assert.False(t, s.Pending())
}

func TestManagerReadinessWithPlainNames(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	world.tools["b"] = []string{"y"}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceNone, "a", "b"), nil)
	host := &fakeHost{}

	m, err := NewManager(loader.load, host, fastOptions(world))
	require.NoError(t, err)
	startManager(t, m)

	waitForTools(t, host, "x", "y")
	assert.Equal(t, map[string]bool{"a": true, "b": true}, m.Readiness())
}

func TestManagerRestartInterruptsConfigBackoff(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	var loads atomic.Int32
	loader := &switchableLoader{}
	loader.set(nil, &config.ConfigError{Path: "mcp.json", Err: errors.New("broken")})
	load := func() (*config.Config, error) {
		loads.Add(1)
		return loader.load()
	}
	host := &fakeHost{}

	opts := fastOptions(world)
	opts.ConfigBackoff = time.Hour
	m, err := NewManager(load, host, opts)
	require.NoError(t, err)
	startManager(t, m)

	require.Eventually(t, func() bool { return loads.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateLoadingConfig, m.State())

	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	m.ConfigUpdated()
	waitForTools(t, host, "x")
}

func TestManagerRestartInterruptsReconnectBackoff(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	world.setFailing("a", errors.New("refused"))
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	host := &fakeHost{}

	opts := fastOptions(world)
	opts.ReconnectBackoff = time.Hour
	m, err := NewManager(loader.load, host, opts)
	require.NoError(t, err)
	startManager(t, m)

	require.Eventually(t, func() bool { return m.State() == StateReconnectWait }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), world.opens.Load())

	world.setFailing("a", nil)
	m.ConfigUpdated()
	waitForTools(t, host, "x")
}

func TestManagerRestartDuringConnectRearms(t *testing.T) {
	t.Parallel()

	world := newWorld()
	world.tools["a"] = []string{"x"}
	world.tools["b"] = []string{"y"}
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceNone, "a"), nil)
	host := &fakeHost{}

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var first sync.Once
	opts := fastOptions(world)
	opts.Opener = func(ctx context.Context, backend config.BackendConfig) (mcpmgr.Session, error) {
		first.Do(func() {
			close(entered)
			<-proceed
		})
		return world.opener(ctx, backend)
	}
	m, err := NewManager(loader.load, host, opts)
	require.NoError(t, err)
	startManager(t, m)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("connect never started")
	}
	loader.set(cfgWith(config.NamespaceNone, "a", "b"), nil)
	m.ConfigUpdated()
	close(proceed)

	// The first cycle finishes with the old config, then the pending signal
	// drives a second cycle. The discovery ticker is an hour away.
	waitForTools(t, host, "x", "y")
	assert.Equal(t, []string{"x"}, host.history()[0])
}

func TestManagerUnsupportedTransportIsFatal(t *testing.T) {
	t.Parallel()

	world := newWorld()
	loader := &switchableLoader{}
	loader.set(cfgWith(config.NamespaceAuto, "a"), nil)
	host := &fakeHost{}

	var opens atomic.Int32
	opts := fastOptions(world)
	opts.Opener = func(_ context.Context, backend config.BackendConfig) (mcpmgr.Session, error) {
		opens.Add(1)
		return nil, &mcpmgr.UnsupportedTransportError{Backend: backend.ID, Kind: config.TransportKind("carrier-pigeon")}
	}
	m, err := NewManager(loader.load, host, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = m.Run(ctx)

	var unsupported *mcpmgr.UnsupportedTransportError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "a", unsupported.Backend)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), opens.Load(), "not retried")
	assert.Empty(t, host.history())
}
