package cli

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory tools over MCP on stdin/stdout",
	Long: "Starts an MCP server on stdio exposing remember, recall, review, " +
		"query, cue and dream tools. Logs go to stderr.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	s := mcpserver.NewServer(mcpserver.NewTools(a.recall, a.engine, a.logger), Version)
	a.logger.Info("mcp server listening on stdio")
	if err := server.ServeStdio(s); err != nil {
		a.logger.Error("mcp server stopped", zap.Error(err))
		return err
	}
	return nil
}
