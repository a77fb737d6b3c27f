// paygate MCP server - exposes the gateway to LLM agents as MCP tools over stdio
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paygate/internal/mcpserver"
)

// env is read from PAYGATE_API_URL, PAYGATE_WALLET and PAYGATE_ADMIN_SECRET.
type env struct {
	APIURL      string `envconfig:"API_URL" default:"http://localhost:8080"`
	Wallet      string `envconfig:"WALLET"`
	AdminSecret string `envconfig:"ADMIN_SECRET"`
}

func main() {
	_ = godotenv.Load()

	var e env
	if err := envconfig.Process("PAYGATE", &e); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if e.Wallet == "" {
		fmt.Fprintln(os.Stderr, "PAYGATE_WALLET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL:      e.APIURL,
		Wallet:      e.Wallet,
		AdminSecret: e.AdminSecret,
	})
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
