package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all gateway tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paygate", Version)
	h := NewHandlers(NewGatewayClient(cfg))

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolListAPIs, h.HandleListAPIs)
	s.AddTool(ToolTopUp, h.HandleTopUp)
	s.AddTool(ToolGetUsageStats, h.HandleGetUsageStats)
	s.AddTool(ToolListOwnerUsage, h.HandleListOwnerUsage)
	s.AddTool(ToolCallAPI, h.HandleCallAPI)

	return s
}
