package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
)

// Session is the view of a backend session the registry depends on.
type Session interface {
	Backend() config.BackendConfig
	ListTools(ctx context.Context) []ToolDescriptor
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Done() <-chan struct{}
	Close() error
}

// Opener opens a session to one backend.
type Opener func(ctx context.Context, backend config.BackendConfig) (Session, error)

// BackendTools pairs a backend with the tools it reported in one pass.
type BackendTools struct {
	Backend config.BackendConfig
	Tools   []ToolDescriptor
}

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	// Opener replaces the default session opener, mainly for tests.
	Opener  Opener
	Session SessionOptions
	Logger  *zap.Logger
}

// Registry owns the group of sessions for the current connect cycle. The
// group is opened all-or-nothing and closed as a unit.
type Registry struct {
	opener Opener
	logger *zap.Logger

	mu    sync.RWMutex
	group *sessionGroup
}

type sessionGroup struct {
	sessions []Session
	byID     map[string]Session
	lost     chan string
	closing  atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opener := opts.Opener
	if opener == nil {
		sessOpts := opts.Session
		if sessOpts.Logger == nil {
			sessOpts.Logger = logger
		}
		opener = func(ctx context.Context, backend config.BackendConfig) (Session, error) {
			return OpenSession(ctx, backend, sessOpts)
		}
	}
	return &Registry{opener: opener, logger: logger}
}

// Connect replaces any existing group with sessions to every enabled backend
// in backends. The first failure closes the sessions already opened and is
// returned; the registry is then empty.
func (r *Registry) Connect(ctx context.Context, backends []config.BackendConfig) error {
	if err := r.Close(); err != nil {
		r.logger.Warn("closing previous session group", zap.Error(err))
	}

	group := &sessionGroup{
		byID: make(map[string]Session),
		lost: make(chan string, 1),
		stop: make(chan struct{}),
	}
	for _, backend := range backends {
		if !backend.Enabled {
			continue
		}
		if _, dup := group.byID[backend.ID]; dup {
			continue
		}
		session, err := r.opener(ctx, backend)
		if err == nil && session == nil {
			err = &ConnectError{Backend: backend.ID, Err: errors.New("opener returned no session")}
		}
		if err != nil {
			if cerr := group.close(); cerr != nil {
				r.logger.Warn("closing partial session group", zap.Error(cerr))
			}
			return err
		}
		group.add(session)
	}

	r.mu.Lock()
	r.group = group
	r.mu.Unlock()
	r.logger.Info("backends connected", zap.Int("count", len(group.sessions)))
	return nil
}

func (g *sessionGroup) add(s Session) {
	id := s.Backend().ID
	g.sessions = append(g.sessions, s)
	g.byID[id] = s
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case <-s.Done():
			if g.closing.Load() {
				return
			}
			select {
			case g.lost <- id:
			default:
			}
		case <-g.stop:
		}
	}()
}

func (g *sessionGroup) close() error {
	if !g.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(g.stop)
	var errs []error
	for _, s := range g.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", s.Backend().ID, err))
		}
	}
	g.wg.Wait()
	return errors.Join(errs...)
}

func (r *Registry) current() *sessionGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.group
}

// Sessions returns the sessions of the current group ordered by backend ID.
func (r *Registry) Sessions() []Session {
	group := r.current()
	if group == nil {
		return nil
	}
	out := append([]Session(nil), group.sessions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Backend().ID < out[j].Backend().ID })
	return out
}

// Lost delivers the ID of a backend whose session terminated without being
// closed by the registry. It returns nil when no group is connected.
func (r *Registry) Lost() <-chan string {
	group := r.current()
	if group == nil {
		return nil
	}
	return group.lost
}

// DiscoverAll lists tools on every session concurrently. Results are
// ordered by backend ID regardless of completion order.
func (r *Registry) DiscoverAll(ctx context.Context) ([]BackendTools, error) {
	sessions := r.Sessions()
	results := make([]BackendTools, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		g.Go(func() error {
			results[i] = BackendTools{Backend: s.Backend(), Tools: s.ListTools(gctx)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// CallTool dispatches to the session for backendID.
func (r *Registry) CallTool(ctx context.Context, backendID, tool string, args map[string]any) (string, error) {
	group := r.current()
	if group == nil {
		return "", &ToolInvocationError{Backend: backendID, Tool: tool, Err: ErrSessionClosed}
	}
	session, ok := group.byID[backendID]
	if !ok {
		return "", &ToolInvocationError{Backend: backendID, Tool: tool, Err: fmt.Errorf("backend %q is not connected", backendID)}
	}
	return session.CallTool(ctx, tool, args)
}

// Close releases every session in the current group.
func (r *Registry) Close() error {
	r.mu.Lock()
	group := r.group
	r.group = nil
	r.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.close()
}
