package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
)

// TransportFactory builds the client transport for one backend.
type TransportFactory interface {
	New(ctx context.Context, backend config.BackendConfig) (mcp.Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(ctx context.Context, backend config.BackendConfig) (mcp.Transport, error)

// New calls f.
func (f TransportFactoryFunc) New(ctx context.Context, backend config.BackendConfig) (mcp.Transport, error) {
	return f(ctx, backend)
}

// DefaultTransportFactory maps each supported transport kind onto the SDK
// client transports.
type DefaultTransportFactory struct {
	// HTTPClient is the base client for HTTP transports. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// MaxRetries is forwarded to the streamable transport.
	MaxRetries int
	// TraceLogger, when set, receives every JSON-RPC message at debug level.
	TraceLogger *zap.Logger
}

// New implements TransportFactory.
func (f *DefaultTransportFactory) New(_ context.Context, backend config.BackendConfig) (mcp.Transport, error) {
	var transport mcp.Transport
	switch backend.Kind {
	case config.TransportStdio:
		if backend.Command == "" {
			return nil, &ConnectError{Backend: backend.ID, Err: config.ErrMissingCommand}
		}
		transport = &mcp.CommandTransport{Command: buildCommand(backend)}
	case config.TransportSSE:
		client := decorateHTTPClient(f.HTTPClient, backend.HTTPHeader())
		// SSE streams stay open indefinitely; a client timeout would cut them.
		client.Timeout = 0
		transport = &mcp.SSEClientTransport{Endpoint: backend.URL, HTTPClient: client}
	case config.TransportStreamableHTTP:
		transport = &mcp.StreamableClientTransport{
			Endpoint:   backend.URL,
			HTTPClient: decorateHTTPClient(f.HTTPClient, backend.HTTPHeader()),
			MaxRetries: f.MaxRetries,
		}
	default:
		return nil, &UnsupportedTransportError{Backend: backend.ID, Kind: backend.Kind}
	}
	if f.TraceLogger != nil {
		transport = &loggingTransport{backend: backend.ID, delegate: transport, logger: f.TraceLogger}
	}
	return transport, nil
}

func buildCommand(backend config.BackendConfig) *exec.Cmd {
	cmd := exec.Command(backend.Command, backend.Args...)
	if len(backend.Env) > 0 {
		env := os.Environ()
		for k, v := range backend.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	if backend.Cwd != "" {
		cmd.Dir = backend.Cwd
	}
	return cmd
}

type loggingTransport struct {
	backend  string
	delegate mcp.Transport
	logger   *zap.Logger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{backend: t.backend, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	backend  string
	delegate mcp.Connection
	logger   *zap.Logger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("receive", msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction string, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger.Debug("jsonrpc",
		zap.String("backend", c.backend),
		zap.String("direction", direction),
		zap.ByteString("message", encoded))
}

func decorateHTTPClient(base *http.Client, headers http.Header) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: cloneHeader(headers),
	}
	return &clone
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// headerDecorator stamps configured headers onto every outgoing request,
// replacing any value the SDK set for the same key.
type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(d.headers) > 0 {
		req = req.Clone(req.Context())
		for k, values := range d.headers {
			req.Header.Del(k)
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
