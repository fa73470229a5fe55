// Package cli provides the command-line interface for gocontext.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/gocontext-indexd/internal/config"
)

var (
	// Version is set at build time.
	Version = "dev"
	// BuildTime is set at build time.
	BuildTime = "unknown"

	// Global flags
	configPath string
	verbose    bool

	// Global config, logger and services
	cfg         *config.Config
	logger      *slog.Logger
	closeLogger func() error
	application *app
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "gocontext",
	Short: "Code indexing daemon with hybrid search for AI assistants",
	Long: `gocontext indexes source trees into chunks, embeddings and optional
LLM summaries, and serves hybrid search over them.

Indexing runs as tasks: "gocontext index" or the MCP index_codebase tool
queues a task, and "gocontext worker" claims and runs it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		var err error
		cfg, err = config.Load(ctx, configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.LogLevel()
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.Log.File, level)
		slog.SetDefault(logger)

		application, err = openApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if application != nil {
			if err := application.close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close storage: %v\n", err)
			}
			application = nil
		}
		if closeLogger != nil {
			_ = closeLogger()
			closeLogger = nil
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment fills unset fields)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(versionCmd)
}
