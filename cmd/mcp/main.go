// MoveSentry MCP server. Exposes transaction analysis as MCP tools so LLM
// hosts can vet a transaction before asking the user to sign it.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/movesentry/movesentry/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("MOVESENTRY_API_URL", "http://localhost:8080"),
		Network: envOrDefault("MOVESENTRY_NETWORK", "mainnet"),
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
