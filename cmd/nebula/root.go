package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vanyastaff/nebula-sub013/internal/config"
	"github.com/vanyastaff/nebula-sub013/internal/observability"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nebula",
	Short: "Nebula - workflow automation engine",
	Long: `Nebula executes workflows described as directed acyclic graphs of typed
actions. Nodes consume parameters produced by upstream nodes, literal
inputs, or expressions, and the engine runs them with controlled
concurrency, cooperative cancellation, and retry.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig runs before every command: it loads the config file when given,
// falls back to defaults, and builds the process logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		loaded, err := config.LoadFile(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	logger = observability.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nebula version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "nebula", version)
	},
}

// version is stamped at build time via -ldflags.
var version = "dev"

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
}
