package mcpmgr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
)

func TestDefaultTransportFactoryBuildsStdio(t *testing.T) {
	t.Parallel()

	backend := config.BackendConfig{
		ID:      "stdio-example",
		Kind:    config.TransportStdio,
		Command: "npx",
		Args:    []string{"@modelcontextprotocol/server-everything"},
		Env:     map[string]string{"MCP_SERVER_MODE": "stdio"},
		Cwd:     "/tmp",
	}

	transport, err := (&DefaultTransportFactory{}).New(context.Background(), backend)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	cmdTransport, ok := transport.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("expected CommandTransport, got %T", transport)
	}
	expectedArgs := append([]string{backend.Command}, backend.Args...)
	if !reflect.DeepEqual(cmdTransport.Command.Args, expectedArgs) {
		t.Fatalf("command args = %v, expected %v", cmdTransport.Command.Args, expectedArgs)
	}
	if !envContains(cmdTransport.Command.Env, "MCP_SERVER_MODE", "stdio") {
		t.Fatalf("env missing MCP_SERVER_MODE from backend config")
	}
	if cmdTransport.Command.Dir != "/tmp" {
		t.Fatalf("command dir = %q, expected /tmp", cmdTransport.Command.Dir)
	}
}

func TestDefaultTransportFactoryBuildsHTTP(t *testing.T) {
	t.Parallel()

	base := &http.Client{Timeout: 5}
	factory := &DefaultTransportFactory{HTTPClient: base, MaxRetries: 3}

	sse, err := factory.New(context.Background(), config.BackendConfig{ID: "s", Kind: config.TransportSSE, URL: "https://example.com/sse"})
	if err != nil {
		t.Fatalf("sse: %v", err)
	}
	sseTransport, ok := sse.(*mcp.SSEClientTransport)
	if !ok {
		t.Fatalf("expected SSEClientTransport, got %T", sse)
	}
	if sseTransport.HTTPClient.Timeout != 0 {
		t.Fatalf("sse client must not carry a read timeout")
	}
	if base.Timeout == 0 {
		t.Fatalf("base client was mutated")
	}

	streamable, err := factory.New(context.Background(), config.BackendConfig{ID: "h", Kind: config.TransportStreamableHTTP, URL: "https://example.com/mcp"})
	if err != nil {
		t.Fatalf("streamable: %v", err)
	}
	st, ok := streamable.(*mcp.StreamableClientTransport)
	if !ok {
		t.Fatalf("expected StreamableClientTransport, got %T", streamable)
	}
	if st.MaxRetries != 3 || st.Endpoint != "https://example.com/mcp" {
		t.Fatalf("unexpected streamable transport %+v", st)
	}
}

func TestDefaultTransportFactoryRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := (&DefaultTransportFactory{}).New(context.Background(), config.BackendConfig{ID: "ws", Kind: "websocket"})
	var unsupported *UnsupportedTransportError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedTransportError, got %v", err)
	}
	if unsupported.Backend != "ws" {
		t.Fatalf("backend = %q", unsupported.Backend)
	}
}

func TestDefaultTransportFactoryWrapsTraceLogger(t *testing.T) {
	t.Parallel()

	factory := &DefaultTransportFactory{TraceLogger: zap.NewNop()}
	transport, err := factory.New(context.Background(), config.BackendConfig{ID: "x", Kind: config.TransportStdio, Command: "true"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if _, ok := transport.(*loggingTransport); !ok {
		t.Fatalf("expected loggingTransport, got %T", transport)
	}
}

func TestDecorateHTTPClientAddsHeaders(t *testing.T) {
	t.Parallel()

	headers := http.Header{"X-Mcp-Source": []string{"proxy-tests"}}
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("X-MCP-Source"); got != "proxy-tests" {
			t.Errorf("decorated header missing, got %q", got)
		}
		return &http.Response{
			StatusCode: http.StatusNoContent,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	})

	decorated := decorateHTTPClient(&http.Client{Transport: rt}, headers)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com/mcp", nil)
	if err != nil {
		t.Fatalf("request creation failed: %v", err)
	}
	req.Header.Set("X-MCP-Source", "overridden")
	resp, err := decorated.Do(req)
	if err != nil {
		t.Fatalf("decorated client Do error: %v", err)
	}
	_ = resp.Body.Close()
	if req.Header.Get("X-MCP-Source") != "overridden" {
		t.Fatalf("original request headers were mutated")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func envContains(env []string, key, value string) bool {
	target := key + "=" + value
	for _, item := range env {
		if item == target {
			return true
		}
	}
	return false
}
