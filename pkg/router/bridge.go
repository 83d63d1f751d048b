package router

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// InvokeSync is the blocking entry point for hosts that call in from
// outside the run context. The call runs on a goroutine bound to the context
// given to Bind and the caller waits at most the bridge timeout. Because the
// bridge timeout exceeds the call timeout, the call's own failure envelope
// normally arrives first.
func (r *Router) InvokeSync(name string, wrapped map[string]any) string {
	owner := r.ownerContext()
	if owner == nil {
		r.logger.Error("synchronous invoke before bind", zap.String("tool", name))
		return failure(name, ErrNotBound)
	}

	done := make(chan string, 1)
	go func() {
		done <- r.Invoke(owner, name, wrapped)
	}()

	timer := time.NewTimer(r.opts.BridgeTimeout)
	defer timer.Stop()
	select {
	case reply := <-done:
		return reply
	case <-timer.C:
		r.logger.Error("synchronous invoke timed out",
			zap.String("tool", name),
			zap.Duration("timeout", r.opts.BridgeTimeout))
		return failure(name, fmt.Errorf("timed out after %s", r.opts.BridgeTimeout))
	}
}
