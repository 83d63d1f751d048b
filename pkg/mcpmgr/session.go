package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
)

// SessionState represents the lifecycle of a backend session.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionReady      SessionState = "ready"
	SessionFailed     SessionState = "failed"
	SessionClosed     SessionState = "closed"
)

const defaultConnectTimeout = 30 * time.Second

// unexpectedResult is returned for results that carry neither text nor
// structured content.
const unexpectedResult = `{"error":"Unexpected tool result format"}`

// ToolDescriptor describes one tool offered by a backend. Name is the name
// exposed to the host; NativeName is the backend's own name for it.
type ToolDescriptor struct {
	Name        string `json:"name"`
	NativeName  string `json:"nativeName"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
	Backend     string `json:"backend"`
}

// SessionOptions tune a ToolSession.
type SessionOptions struct {
	Factory        TransportFactory
	Implementation *mcp.Implementation
	Logger         *zap.Logger
	// ConnectTimeout bounds the handshake when the backend sets none.
	ConnectTimeout time.Duration
	// OnToolsChanged runs when the backend announces a changed tool list.
	OnToolsChanged func(backendID string)
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Factory == nil {
		o.Factory = &DefaultTransportFactory{}
	}
	if o.Implementation == nil {
		o.Implementation = &mcp.Implementation{Name: "mcp-proxy", Version: "dev"}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	return o
}

// ToolSession is a live MCP client session to a single backend.
type ToolSession struct {
	backend config.BackendConfig
	opts    SessionOptions
	logger  *zap.Logger

	mu      sync.Mutex
	state   SessionState
	session *mcp.ClientSession

	done      chan struct{}
	closing   bool
	closeOnce sync.Once
}

// NewToolSession prepares a session for backend without connecting.
func NewToolSession(backend config.BackendConfig, opts SessionOptions) *ToolSession {
	opts = opts.withDefaults()
	return &ToolSession{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("backend", backend.ID)),
		state:   SessionConnecting,
		done:    make(chan struct{}),
	}
}

// OpenSession builds and opens a session in one step.
func OpenSession(ctx context.Context, backend config.BackendConfig, opts SessionOptions) (*ToolSession, error) {
	s := NewToolSession(backend, opts)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open performs the MCP initialize handshake. A failed handshake returns a
// *ConnectError and leaves the session in the failed state.
func (s *ToolSession) Open(ctx context.Context) error {
	transport, err := s.opts.Factory.New(ctx, s.backend)
	if err != nil {
		s.setState(SessionFailed)
		var unsupported *UnsupportedTransportError
		var connErr *ConnectError
		if errors.As(err, &unsupported) || errors.As(err, &connErr) {
			return err
		}
		return &ConnectError{Backend: s.backend.ID, Err: err}
	}

	timeout := s.backend.Timeout
	if timeout <= 0 {
		timeout = s.opts.ConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := mcp.NewClient(s.opts.Implementation, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			s.logger.Info("backend tool list changed")
			if s.opts.OnToolsChanged != nil {
				s.opts.OnToolsChanged(s.backend.ID)
			}
		},
	})
	s.logger.Info("connecting to backend",
		zap.String("transport", string(s.backend.Kind)),
		zap.String("target", s.backend.Target()))
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		s.setState(SessionFailed)
		s.logger.Warn("backend handshake failed", zap.Error(err))
		return &ConnectError{Backend: s.backend.ID, Err: err}
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = session.Close()
		return &ConnectError{Backend: s.backend.ID, Err: ErrSessionClosed}
	}
	s.session = session
	s.state = SessionReady
	s.mu.Unlock()

	go s.monitor(session)
	s.logger.Info("backend connected")
	return nil
}

func (s *ToolSession) monitor(session *mcp.ClientSession) {
	err := session.Wait()
	s.mu.Lock()
	if !s.closing {
		s.state = SessionFailed
		s.logger.Warn("backend session lost", zap.Error(err))
	}
	s.mu.Unlock()
	close(s.done)
}

// Backend returns the configuration the session was opened with.
func (s *ToolSession) Backend() config.BackendConfig { return s.backend }

// State reports the current lifecycle state.
func (s *ToolSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the underlying session terminates for any reason.
func (s *ToolSession) Done() <-chan struct{} { return s.done }

func (s *ToolSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *ToolSession) active() *mcp.ClientSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionReady {
		return nil
	}
	return s.session
}

// ListTools enumerates the backend's tools across all pages. Failures are
// logged and yield an empty list.
func (s *ToolSession) ListTools(ctx context.Context) []ToolDescriptor {
	session := s.active()
	if session == nil {
		s.logger.Warn("list tools on inactive session", zap.String("state", string(s.State())))
		return []ToolDescriptor{}
	}
	var (
		tools  []ToolDescriptor
		cursor string
	)
	for {
		var params *mcp.ListToolsParams
		if cursor != "" {
			params = &mcp.ListToolsParams{Cursor: cursor}
		}
		res, err := session.ListTools(ctx, params)
		if err != nil {
			s.logger.Error("list tools failed", zap.Error(err))
			return []ToolDescriptor{}
		}
		for _, tool := range res.Tools {
			if tool == nil || tool.Name == "" {
				continue
			}
			tools = append(tools, ToolDescriptor{
				Name:        tool.Name,
				NativeName:  tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				Backend:     s.backend.ID,
			})
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}
	if tools == nil {
		tools = []ToolDescriptor{}
	}
	s.logger.Debug("listed tools", zap.Int("count", len(tools)))
	return tools
}

// CallTool invokes the named tool and renders its result as text. Failures,
// including results flagged as errors by the backend, are returned as
// *ToolInvocationError.
func (s *ToolSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	session := s.active()
	if session == nil {
		return "", &ToolInvocationError{Backend: s.backend.ID, Tool: name, Err: ErrSessionClosed}
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", &ToolInvocationError{Backend: s.backend.ID, Tool: name, Err: err}
	}
	text := ResultText(res)
	if res.IsError {
		return "", &ToolInvocationError{Backend: s.backend.ID, Tool: name, Err: errors.New(text)}
	}
	return text, nil
}

// ResultText renders a tool result: text parts joined in order, otherwise
// the JSON encoding of the structured content.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return unexpectedResult
	}
	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	if res.StructuredContent != nil {
		encoded, err := json.Marshal(res.StructuredContent)
		if err == nil {
			return string(encoded)
		}
	}
	return unexpectedResult
}

// Close terminates the session. It is safe to call more than once.
func (s *ToolSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		session := s.session
		s.state = SessionClosed
		s.mu.Unlock()
		if session == nil {
			close(s.done)
			return
		}
		err = session.Close()
		<-s.done
	})
	return err
}
