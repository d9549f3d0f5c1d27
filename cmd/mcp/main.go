// AEX MCP Server - Exposes read-only gateway inspection as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/aexlabs/aex/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:     envOrDefault("AEX_API_URL", "http://localhost:8090"),
		ControlKey: os.Getenv("AEX_ADMIN_CONTROL_KEY"),
	}

	if cfg.ControlKey == "" {
		fmt.Fprintln(os.Stderr, "AEX_ADMIN_CONTROL_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
