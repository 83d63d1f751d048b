// Package config loads and validates the backend server file consumed by the
// proxy at the start of every connect cycle.
//
// The file uses the widely adopted "mcpServers" layout:
//
//	{
//	  "mcpServers": {
//	    "files": {"command": "npx", "args": ["@modelcontextprotocol/server-filesystem", "/tmp"]},
//	    "search": {"type": "sse", "url": "https://example.com/sse", "headers": {"X-Key": "k"}},
//	    "notes": {"type": "streamableHttp", "url": "https://example.com/mcp", "disabled": true}
//	  },
//	  "namespace": "auto"
//	}
//
// Transport kinds are resolved and validated at load time so an unknown kind
// never reaches the transport layer.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind identifies the wire mechanism used to reach a backend.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamableHttp"
)

// NamespaceMode controls how backend tool names are exposed to the host.
type NamespaceMode string

const (
	// NamespaceAuto prefixes tool names with the backend ID only when more
	// than one backend is enabled.
	NamespaceAuto NamespaceMode = "auto"
	// NamespacePrefix always prefixes tool names with the backend ID.
	NamespacePrefix NamespaceMode = "prefix"
	// NamespaceNone exposes backend tool names unchanged.
	NamespaceNone NamespaceMode = "none"
)

var (
	// ErrUnknownTransport is reported for transport tags outside the
	// supported set.
	ErrUnknownTransport = errors.New("unknown transport kind")
	// ErrMissingCommand is reported for stdio backends without a command.
	ErrMissingCommand = errors.New("command is required for stdio transport")
	// ErrMissingURL is reported for HTTP backends without a usable URL.
	ErrMissingURL = errors.New("url is required for http transports")
)

// ConfigError describes a malformed or missing configuration file. The
// reconnect loop treats it as retryable.
type ConfigError struct {
	Path    string
	Backend string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("config %s: server %q: %v", e.Path, e.Backend, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BackendConfig describes one configured backend tool-server. Values are
// immutable for the duration of a connect cycle.
type BackendConfig struct {
	ID      string
	Kind    TransportKind
	Enabled bool

	// HTTP transports.
	URL     string
	Headers map[string]string

	// stdio transport.
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// Timeout bounds the handshake. Zero means the session default.
	Timeout time.Duration
}

// Config is the parsed configuration file.
type Config struct {
	Path      string
	Backends  []BackendConfig
	Namespace NamespaceMode
}

// Enabled returns the enabled backends ordered by ID.
func (c *Config) Enabled() []BackendConfig {
	if c == nil {
		return nil
	}
	out := make([]BackendConfig, 0, len(c.Backends))
	for _, b := range c.Backends {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Backend looks up a backend by ID.
func (c *Config) Backend(id string) (BackendConfig, bool) {
	if c == nil {
		return BackendConfig{}, false
	}
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendConfig{}, false
}

type fileConfig struct {
	MCPServers map[string]serverEntry `json:"mcpServers" yaml:"mcpServers"`
	Namespace  string                 `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

type serverEntry struct {
	Type      string            `json:"type,omitempty" yaml:"type,omitempty"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Disabled  bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Timeout   float64           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Format names a supported file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf infers the encoding from a file extension, defaulting to JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg, err := Parse(data, FormatOf(path))
	if err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			cerr.Path = path
			return nil, cerr
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates raw configuration bytes.
func Parse(data []byte, format Format) (*Config, error) {
	var raw fileConfig
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode %s: %w", format, err)}
	}

	mode, err := parseNamespace(raw.Namespace)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	cfg := &Config{Namespace: mode, Backends: make([]BackendConfig, 0, len(raw.MCPServers))}
	for id, entry := range raw.MCPServers {
		backend, err := entry.resolve(id)
		if err != nil {
			return nil, &ConfigError{Backend: id, Err: err}
		}
		cfg.Backends = append(cfg.Backends, backend)
	}
	sort.Slice(cfg.Backends, func(i, j int) bool { return cfg.Backends[i].ID < cfg.Backends[j].ID })
	return cfg, nil
}

func parseNamespace(v string) (NamespaceMode, error) {
	switch NamespaceMode(strings.ToLower(strings.TrimSpace(v))) {
	case "", NamespaceAuto:
		return NamespaceAuto, nil
	case NamespacePrefix:
		return NamespacePrefix, nil
	case NamespaceNone:
		return NamespaceNone, nil
	default:
		return "", fmt.Errorf("unknown namespace mode %q", v)
	}
}

func (e serverEntry) resolve(id string) (BackendConfig, error) {
	if strings.TrimSpace(id) == "" {
		return BackendConfig{}, errors.New("server id must not be empty")
	}
	kind, err := e.kind()
	if err != nil {
		return BackendConfig{}, err
	}
	enabled := !e.Disabled
	if e.Enabled != nil {
		enabled = *e.Enabled && !e.Disabled
	}
	b := BackendConfig{
		ID:      id,
		Kind:    kind,
		Enabled: enabled,
		URL:     strings.TrimSpace(e.URL),
		Headers: e.Headers,
		Command: e.Command,
		Args:    e.Args,
		Env:     e.Env,
		Cwd:     e.Cwd,
	}
	if e.Timeout > 0 {
		b.Timeout = time.Duration(e.Timeout * float64(time.Second))
	}
	return b, b.Validate()
}

func (e serverEntry) kind() (TransportKind, error) {
	tag := e.Type
	if tag == "" {
		tag = e.Transport
	}
	if tag == "" {
		return inferKind(e.Command, e.URL), nil
	}
	return ParseTransportKind(tag)
}

// ParseTransportKind resolves a transport tag, accepting the common aliases
// used by MCP client configuration files.
func ParseTransportKind(tag string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "streamablehttp", "streamable", "streamable-http", "streamable_http", "http":
		return TransportStreamableHTTP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, tag)
	}
}

func inferKind(command, rawURL string) TransportKind {
	if command != "" {
		return TransportStdio
	}
	if strings.HasSuffix(strings.TrimRight(strings.TrimSpace(rawURL), "/"), "/sse") {
		return TransportSSE
	}
	return TransportStreamableHTTP
}

// Validate checks the transport-specific fields of b.
func (b BackendConfig) Validate() error {
	switch b.Kind {
	case TransportStdio:
		if strings.TrimSpace(b.Command) == "" {
			return ErrMissingCommand
		}
	case TransportSSE, TransportStreamableHTTP:
		if b.URL == "" {
			return ErrMissingURL
		}
		u, err := url.Parse(b.URL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMissingURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: unsupported scheme %q", ErrMissingURL, u.Scheme)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, b.Kind)
	}
	return nil
}

// EnsureFile creates an empty configuration file at path when none exists.
func EnsureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var data []byte
	if FormatOf(path) == FormatYAML {
		data = []byte("mcpServers: {}\n")
	} else {
		data = []byte("{\n    \"mcpServers\": {}\n}\n")
	}
	return os.WriteFile(path, data, 0o644)
}
