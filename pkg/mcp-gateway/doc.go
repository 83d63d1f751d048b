// Package mcpgateway is the proxy's host: a Streamable HTTP MCP server that
// exposes whatever tool set the reconnect manager last published. Each
// downstream call is wrapped into the proxy's argument shape, dispatched
// through the registered invoker, and answered with the invoker's envelope as
// text content.
package mcpgateway
