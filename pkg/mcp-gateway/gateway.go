package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-proxy-go/pkg/reconnect"
	"github.com/vikashloomba/mcp-proxy-go/pkg/router"
)

var errNoInvoker = errors.New("proxy is not ready")

// Gateway exposes a Streamable MCP server that fronts the proxy's current
// tool set under a single HTTP endpoint. It implements reconnect.Host.
type Gateway struct {
	opts   Options
	logger *zap.Logger

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux

	invokerMu sync.RWMutex
	invoker   reconnect.Invoker

	serverMu sync.Mutex
	exposed  []string

	httpServerMu sync.Mutex
	httpServer   *http.Server
	listener     net.Listener
	serveErr     chan error
}

var _ reconnect.Host = (*Gateway)(nil)

// NewGateway builds a Gateway with an empty tool set.
func NewGateway(opts *Options) *Gateway {
	options := opts.withDefaults()
	g := &Gateway{
		opts:   options,
		logger: options.Logger.With(zap.String("component", "gateway")),
	}
	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.mux = g.mountHandler()
	return g
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// ServeMux exposes the underlying mux so callers can add routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Connect starts serving on the configured address. It returns once the
// listener is bound.
func (g *Gateway) Connect(ctx context.Context) error {
	g.httpServerMu.Lock()
	defer g.httpServerMu.Unlock()
	if g.httpServer != nil {
		return fmt.Errorf("mcpgateway: server already running on %s", g.listener.Addr())
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.opts.Addr)
	if err != nil {
		return fmt.Errorf("mcpgateway: listen %s: %w", g.opts.Addr, err)
	}
	srv := &http.Server{Handler: g.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	g.httpServer = srv
	g.listener = ln
	g.serveErr = errCh
	g.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()), zap.String("path", g.opts.Path))
	return nil
}

// Addr returns the bound address while connected.
func (g *Gateway) Addr() net.Addr {
	g.httpServerMu.Lock()
	defer g.httpServerMu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Disconnect stops the embedded HTTP server if it is running.
func (g *Gateway) Disconnect() error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	errCh := g.serveErr
	g.httpServer = nil
	g.listener = nil
	g.serveErr = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	g.logger.Info("gateway stopped")
	return err
}

// SetInvoker registers the call surface used for every tool call.
func (g *Gateway) SetInvoker(inv reconnect.Invoker) {
	g.invokerMu.Lock()
	g.invoker = inv
	g.invokerMu.Unlock()
}

func (g *Gateway) currentInvoker() reconnect.Invoker {
	g.invokerMu.RLock()
	defer g.invokerMu.RUnlock()
	return g.invoker
}

// SetTools replaces the exposed tool set wholesale. Names missing from tools
// are removed and the rest are added or replaced in place. Tools the MCP
// server rejects are skipped and logged.
func (g *Gateway) SetTools(tools []mcpmgr.ToolDescriptor) error {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()

	next := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		next[tool.Name] = struct{}{}
	}
	previous := make(map[string]struct{}, len(g.exposed))
	var stale []string
	for _, name := range g.exposed {
		previous[name] = struct{}{}
		if _, ok := next[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		g.server.RemoveTools(stale...)
	}

	exposed := make([]string, 0, len(tools))
	for _, tool := range tools {
		if err := g.addTool(tool); err != nil {
			g.logger.Warn("skipping tool", zap.String("tool", tool.Name), zap.String("backend", tool.Backend), zap.Error(err))
			if _, ok := previous[tool.Name]; ok {
				g.server.RemoveTools(tool.Name)
			}
			continue
		}
		exposed = append(exposed, tool.Name)
	}
	g.exposed = exposed
	g.logger.Info("tool set replaced", zap.Int("count", len(exposed)), zap.Int("removed", len(stale)))
	return nil
}

// Tools returns the names currently exposed.
func (g *Gateway) Tools() []string {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	return append([]string(nil), g.exposed...)
}

func (g *Gateway) addTool(desc mcpmgr.ToolDescriptor) (err error) {
	if desc.Name == "" {
		return errors.New("empty tool name")
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("add tool: %v", p)
		}
	}()
	g.server.AddTool(&mcp.Tool{
		Name:        desc.Name,
		Description: desc.Description,
		InputSchema: objectSchema(desc.InputSchema),
		Meta:        mcp.Meta{"backend": desc.Backend, "nativeName": desc.NativeName},
	}, g.makeToolHandler(desc.Name))
	return nil
}

// objectSchema returns schema when it describes an object, otherwise an
// empty object schema.
func objectSchema(schema any) any {
	if m, ok := schema.(map[string]any); ok && m["type"] == "object" {
		return m
	}
	return map[string]any{"type": "object"}
}

func (g *Gateway) makeToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var reply string
		args, err := decodeArguments(req)
		switch {
		case err != nil:
			reply = router.Envelope(false, fmt.Sprintf("Error calling tool '%s': %v", name, err))
		case g.currentInvoker() == nil:
			reply = router.Envelope(false, fmt.Sprintf("Error calling tool '%s': %v", name, errNoInvoker))
		default:
			reply = g.currentInvoker()(name, router.WrapArguments(args))
		}
		success, _, decodeErr := router.DecodeEnvelope(reply)
		if decodeErr != nil {
			g.logger.Warn("invoker returned malformed reply", zap.String("tool", name), zap.Error(decodeErr))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: reply}},
			IsError: !success,
		}, nil
	}
}

func decodeArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if req == nil || req.Params == nil || req.Params.Arguments == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments must be an object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (g *Gateway) mountHandler() *http.ServeMux {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	return mux
}
