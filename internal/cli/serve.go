package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/gocontext-indexd/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: `Run the Model Context Protocol server on stdin/stdout.

Logs go to stderr and the configured log file; stdout is reserved for the
protocol. Indexing requests are queued for a worker process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	search, err := application.newSearcher(ctx)
	if err != nil {
		return err
	}

	mcp.ServerVersion = Version
	server, err := mcp.NewServer(mcp.Deps{
		Storage:  application.store,
		Tasks:    application.tasks,
		Sync:     application.sync,
		Searcher: search,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create mcp server: %w", err)
	}

	logger.Info("mcp server ready, listening on stdio", "version", Version)
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("mcp server stopped")
	return nil
}
