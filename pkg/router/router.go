// Package router maps exposed tool names onto backend sessions and turns
// every invocation into a success or failure envelope. The routing table is
// an immutable Snapshot published through a single atomic swap, so readers
// always see either the previous or the next complete table.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-proxy-go/internal/metrics"
)

const (
	// DefaultCallTimeout bounds a single backend call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultBridgeTimeout bounds a blocking InvokeSync caller.
	DefaultBridgeTimeout = 35 * time.Second
)

var (
	// ErrToolNotFound is the routing miss for a name absent from the snapshot.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidTimeouts is returned when the bridge bound would not exceed
	// the call timeout.
	ErrInvalidTimeouts = errors.New("router: bridge timeout must exceed call timeout")
	// ErrNotBound is reported by InvokeSync before Bind is called.
	ErrNotBound = errors.New("router: not bound to a run context")
)

// Caller dispatches a call to a backend session.
type Caller interface {
	CallTool(ctx context.Context, backendID, tool string, args map[string]any) (string, error)
}

// Options configure a Router.
type Options struct {
	CallTimeout   time.Duration
	BridgeTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Collector
	Tracer        trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.BridgeTimeout <= 0 {
		o.BridgeTimeout = DefaultBridgeTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/vikashloomba/mcp-proxy-go/pkg/router")
	}
	return o
}

// Router resolves tool names against the current snapshot and dispatches
// to the owning backend.
type Router struct {
	caller Caller
	opts   Options
	logger *zap.Logger

	snapshot atomic.Pointer[Snapshot]

	mu    sync.RWMutex
	owner context.Context
}

// New constructs a router that dispatches through caller.
func New(caller Caller, opts Options) (*Router, error) {
	opts = opts.withDefaults()
	if opts.BridgeTimeout <= opts.CallTimeout {
		return nil, fmt.Errorf("%w: bridge %s, call %s", ErrInvalidTimeouts, opts.BridgeTimeout, opts.CallTimeout)
	}
	r := &Router{
		caller: caller,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "router")),
	}
	r.snapshot.Store(EmptySnapshot())
	return r, nil
}

// Publish replaces the routing table and returns the previous one.
func (r *Router) Publish(s *Snapshot) *Snapshot {
	if s == nil {
		s = EmptySnapshot()
	}
	return r.snapshot.Swap(s)
}

// Snapshot returns the current routing table.
func (r *Router) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Bind sets the context that owns synchronous bridge calls. Calls submitted
// through InvokeSync are cancelled when ctx ends.
func (r *Router) Bind(ctx context.Context) {
	r.mu.Lock()
	r.owner = ctx
	r.mu.Unlock()
}

func (r *Router) ownerContext() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// Invoke resolves name and calls the owning backend with the unwrapped
// arguments. It never fails: every outcome is an encoded envelope.
func (r *Router) Invoke(ctx context.Context, name string, wrapped map[string]any) (reply string) {
	callID := uuid.NewString()
	logger := r.logger.With(zap.String("call_id", callID), zap.String("tool", name))
	ctx, span := r.opts.Tracer.Start(ctx, "router.invoke",
		trace.WithAttributes(
			attribute.String("mcp.tool", name),
			attribute.String("mcp.call_id", callID),
		))
	defer span.End()

	start := time.Now()
	backend := ""
	defer func() {
		if p := recover(); p != nil {
			logger.Error("tool invocation panicked", zap.Any("panic", p))
			span.SetStatus(codes.Error, "panic")
			r.opts.Metrics.RecordToolCall(backend, "error", time.Since(start))
			reply = failure(name, fmt.Errorf("panic: %v", p))
		}
	}()

	route, ok := r.Snapshot().Lookup(name)
	if !ok {
		logger.Warn("tool not found")
		span.SetStatus(codes.Error, ErrToolNotFound.Error())
		r.opts.Metrics.RecordToolCall("", "not_found", time.Since(start))
		return Envelope(false, fmt.Sprintf("Tool '%s' not found", name))
	}
	backend = route.Backend.ID
	span.SetAttributes(attribute.String("mcp.backend", backend))

	args, dropped := UnwrapArguments(wrapped)
	for _, key := range dropped {
		logger.Warn("dropping argument without value wrapper", zap.String("argument", key))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	logger.Info("invoking tool", zap.String("backend", backend), zap.String("native", route.Tool.NativeName))
	result, err := r.caller.CallTool(callCtx, backend, route.Tool.NativeName, args)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		logger.Error("tool invocation failed", zap.String("backend", backend), zap.Duration("elapsed", elapsed), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.opts.Metrics.RecordToolCall(backend, "error", elapsed)
		return failure(name, err)
	}
	logger.Info("tool invocation succeeded", zap.String("backend", backend), zap.Duration("elapsed", elapsed))
	span.SetStatus(codes.Ok, "")
	r.opts.Metrics.RecordToolCall(backend, "success", elapsed)
	return Envelope(true, result)
}

func failure(name string, err error) string {
	return Envelope(false, fmt.Sprintf("Error calling tool '%s': %v", name, err))
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Envelope encodes the host-facing reply.
func Envelope(success bool, message string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope{Success: success, Message: message}); err != nil {
		return `{"success":false,"message":"encode reply failed"}`
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// DecodeEnvelope parses a reply produced by Envelope.
func DecodeEnvelope(reply string) (success bool, message string, err error) {
	var env envelope
	if err := json.Unmarshal([]byte(reply), &env); err != nil {
		return false, "", err
	}
	return env.Success, env.Message, nil
}

// UnwrapArguments converts name → {"value": x} into name → x. Entries not
// shaped that way are omitted and their names returned in sorted order. The
// input is never modified.
func UnwrapArguments(wrapped map[string]any) (map[string]any, []string) {
	args := make(map[string]any, len(wrapped))
	var dropped []string
	for key, raw := range wrapped {
		if holder, ok := raw.(map[string]any); ok {
			if v, has := holder["value"]; has {
				args[key] = v
				continue
			}
		}
		dropped = append(dropped, key)
	}
	sort.Strings(dropped)
	return args, dropped
}

// WrapArguments is the inverse of UnwrapArguments.
func WrapArguments(args map[string]any) map[string]any {
	wrapped := make(map[string]any, len(args))
	for key, v := range args {
		wrapped[key] = map[string]any{"value": v}
	}
	return wrapped
}
