// Command mcp-proxy aggregates several MCP backends behind one Streamable
// HTTP endpoint.
//
// Usage:
//
//	mcp-proxy serve                          # start the proxy
//	mcp-proxy serve --config servers.yaml    # use a specific config file
//	mcp-proxy health --addr http://127.0.0.1:8700
//	mcp-proxy version
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8700", "Gateway address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("mcp-proxy %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`mcp-proxy - MCP aggregation proxy

Usage:
  mcp-proxy <command> [options]

Commands:
  serve     Start the proxy
  health    Check a running proxy
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>        Backend configuration file (JSON or YAML)
  --lock <path>          Single-instance lock file
  --addr <addr>          Gateway listen address (default :8700)
  --path <path>          Gateway MCP path (default /mcp)
  --config-api <addr>    Config editor API address, empty to disable
  --watch <duration>     Config file poll interval, 0 to disable
  --log-level <level>    debug, info, warn or error
  --log-format <format>  json or console
  --trace-rpc            Log every JSON-RPC message at debug level`)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "mcp-proxy", "mcp_servers.json")
}

func defaultLockPath() string {
	return filepath.Join(os.TempDir(), "mcp-proxy.lock")
}
