// Package mcpmgr manages the client side of the proxy: one MCP session per
// enabled backend, opened over stdio, SSE, or Streamable HTTP through the
// modelcontextprotocol/go-sdk transports.
//
// # Core entry points
//
//   - TransportFactory turns a config.BackendConfig into an mcp.Transport.
//     DefaultTransportFactory covers every supported kind and can trace
//     JSON-RPC traffic to a zap logger.
//   - ToolSession wraps a single client session. Open performs the handshake,
//     ListTools enumerates tools across pages, and CallTool renders a result
//     as text.
//   - Registry holds the session group for one connect cycle. Connect is
//     all-or-nothing, DiscoverAll lists tools from every backend concurrently,
//     and Lost reports a session that dropped on its own.
//
// Handshake failures are reported as *ConnectError and unknown transport
// kinds as *UnsupportedTransportError. Tool failures surface as
// *ToolInvocationError.
package mcpmgr
