package mcpmgr

import (
	"errors"
	"fmt"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
)

// ErrSessionClosed is returned by calls against a session that has been
// closed or lost.
var ErrSessionClosed = errors.New("mcpmgr: session closed")

// ConnectError reports a failed handshake with a backend. It is retryable by
// the reconnect loop.
type ConnectError struct {
	Backend string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcpmgr: connect %q: %v", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UnsupportedTransportError reports a transport kind no factory can build.
// It is a configuration defect and is not retried within a cycle.
type UnsupportedTransportError struct {
	Backend string
	Kind    config.TransportKind
}

func (e *UnsupportedTransportError) Error() string {
	return fmt.Sprintf("mcpmgr: unsupported transport %q for %q", e.Kind, e.Backend)
}

// ToolInvocationError wraps a failure raised while calling a backend tool,
// including results the backend itself flagged as errors.
type ToolInvocationError struct {
	Backend string
	Tool    string
	Err     error
}

func (e *ToolInvocationError) Error() string {
	return e.Err.Error()
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }
