package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the AEX governance
// tools registered. Every tool reads through the gateway's admin API;
// none of them can move budget or flip controls.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("aex", "1.0.0")
	client := NewAEXClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolAgentStatus, h.HandleAgentStatus)
	s.AddTool(ToolExecutionGet, h.HandleExecutionGet)
	s.AddTool(ToolActivityTail, h.HandleActivityTail)
	s.AddTool(ToolAuditReplay, h.HandleAuditReplay)

	return s
}
