package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all MoveSentry tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("movesentry", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAnalyzeTransaction, h.HandleAnalyzeTransaction)
	s.AddTool(ToolCheckAddress, h.HandleCheckAddress)
	s.AddTool(ToolGetAnalysis, h.HandleGetAnalysis)

	return s
}
