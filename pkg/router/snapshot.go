package router

import (
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
)

// Route is where an exposed tool name is dispatched.
type Route struct {
	Backend config.BackendConfig
	Tool    mcpmgr.ToolDescriptor
}

// Snapshot is an immutable routing table. It is never modified after
// BuildSnapshot returns.
type Snapshot struct {
	routes map[string]Route
	order  []string
}

// EmptySnapshot has no tools.
func EmptySnapshot() *Snapshot {
	return &Snapshot{routes: map[string]Route{}}
}

// BuildSnapshot derives a routing table from a discovery pass. Results are
// applied in order; on a name collision the later registration wins and a
// warning names both owners.
func BuildSnapshot(results []mcpmgr.BackendTools, ns Namespace, logger *zap.Logger) *Snapshot {
	if ns == nil {
		ns = PlainNamespace{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	snap := EmptySnapshot()
	for _, result := range results {
		for _, tool := range result.Tools {
			native := tool.NativeName
			if native == "" {
				native = tool.Name
			}
			name := ns.ToolName(result.Backend.ID, native)
			desc := tool
			desc.Name = name
			desc.NativeName = native
			desc.Backend = result.Backend.ID

			if prev, exists := snap.routes[name]; exists {
				logger.Warn("duplicate tool name, later registration wins",
					zap.String("tool", name),
					zap.String("previous_backend", prev.Backend.ID),
					zap.String("backend", result.Backend.ID))
			} else {
				snap.order = append(snap.order, name)
			}
			snap.routes[name] = Route{Backend: result.Backend, Tool: desc}
		}
	}
	return snap
}

// Lookup returns the route for an exposed tool name.
func (s *Snapshot) Lookup(name string) (Route, bool) {
	if s == nil {
		return Route{}, false
	}
	r, ok := s.routes[name]
	return r, ok
}

// Len reports the number of exposed tools.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.routes)
}

// Tools returns the exposed tools in first-registration order.
func (s *Snapshot) Tools() []mcpmgr.ToolDescriptor {
	if s == nil {
		return nil
	}
	out := make([]mcpmgr.ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.routes[name].Tool)
	}
	return out
}

// PerBackend counts exposed tools per backend ID.
func (s *Snapshot) PerBackend() map[string]int {
	counts := make(map[string]int)
	if s == nil {
		return counts
	}
	for _, r := range s.routes {
		counts[r.Backend.ID]++
	}
	return counts
}

// Readiness reports, for each backend, whether it owns at least one route.
func (s *Snapshot) Readiness(backendIDs []string) map[string]bool {
	ready := make(map[string]bool, len(backendIDs))
	for _, id := range backendIDs {
		ready[id] = false
	}
	if s == nil {
		return ready
	}
	for _, r := range s.routes {
		if _, ok := ready[r.Backend.ID]; ok {
			ready[r.Backend.ID] = true
		}
	}
	return ready
}
