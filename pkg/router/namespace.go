package router

import "github.com/vikashloomba/mcp-proxy-go/pkg/config"

// DefaultSeparator joins a backend ID and a tool name.
const DefaultSeparator = "_"

// Namespace generates the names under which backend tools are exposed.
// Implementations must be deterministic for a given backend/tool pair.
type Namespace interface {
	ToolName(backendID, toolName string) string
}

// PrefixNamespace prefixes every tool with the originating backend ID.
type PrefixNamespace struct {
	Separator string
}

func (p PrefixNamespace) separator() string {
	if p.Separator == "" {
		return DefaultSeparator
	}
	return p.Separator
}

func (p PrefixNamespace) ToolName(backendID, toolName string) string {
	return backendID + p.separator() + toolName
}

// PlainNamespace exposes tool names unchanged.
type PlainNamespace struct{}

func (PlainNamespace) ToolName(_, toolName string) string { return toolName }

// NamespaceFor picks the namespace for mode given the number of enabled
// backends. Auto mode prefixes only when more than one backend is enabled.
func NamespaceFor(mode config.NamespaceMode, enabled int) Namespace {
	switch mode {
	case config.NamespacePrefix:
		return PrefixNamespace{}
	case config.NamespaceNone:
		return PlainNamespace{}
	default:
		if enabled > 1 {
			return PrefixNamespace{}
		}
		return PlainNamespace{}
	}
}
