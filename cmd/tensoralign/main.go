// Command tensoralign aligns multi-trial calcium-imaging traces to behavioral
// events and writes a trial x neuron x time tensor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tensoralign/internal/config"
	"github.com/banshee-data/tensoralign/internal/monitoring"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tensoralign",
		Short: "Align calcium-imaging trials into a trial x neuron x time tensor",
		Long: `tensoralign maps behavioral events onto imaging frames, resamples each
inter-event interval to a common length and stacks the trials.

Runs are recorded in a local SQLite database so results can be listed and
exported later.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			monitoring.SetVerbose(verbose)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Pipeline config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().String("db", "", "Run database path (overrides database_path)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log per-interval and per-window detail")

	rootCmd.AddCommand(
		newAlignCmd(),
		newTimestampsCmd(),
		newLinesCmd(),
		newRunsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads --config, falling back to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.PipelineConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.EmptyPipelineConfig(), nil
	}
	return config.Load(path)
}

func databasePath(cmd *cobra.Command, cfg *config.PipelineConfig) string {
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		return p
	}
	return cfg.GetDatabasePath()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
