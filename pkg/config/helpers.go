package config

import "net/http"

// Lightweight helpers for inspecting a BackendConfig without switching on
// Kind at every call site.

// IsStdio reports whether b launches a local subprocess.
func (b BackendConfig) IsStdio() bool { return b.Kind == TransportStdio }

// IsHTTP reports whether b is reached over SSE or Streamable HTTP.
func (b BackendConfig) IsHTTP() bool {
	return b.Kind == TransportSSE || b.Kind == TransportStreamableHTTP
}

// Target returns the URL for HTTP transports or the command for stdio,
// suitable for log fields.
func (b BackendConfig) Target() string {
	if b.IsStdio() {
		return b.Command
	}
	return b.URL
}

// HTTPHeader returns the configured headers as an http.Header, or nil when
// none are configured.
func (b BackendConfig) HTTPHeader() http.Header {
	if len(b.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(b.Headers))
	for k, v := range b.Headers {
		h.Set(k, v)
	}
	return h
}

// IDs returns the IDs of the provided backends in order.
func IDs(backends []BackendConfig) []string {
	ids := make([]string, 0, len(backends))
	for _, b := range backends {
		ids = append(ids, b.ID)
	}
	return ids
}
