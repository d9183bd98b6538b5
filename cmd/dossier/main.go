package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	serverURL  string

	// Process-level logger for the binaries. Component logs go to the
	// category files under .dossier/logs instead.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dossier",
	Short: "dossier - research and analysis service",
	Long: `dossier ingests documents from Drive, Cloud Storage, Gmail and local
shares into a content-addressed corpus, answers hybrid vector + lexical
searches over it, and runs multi-stage research, verification and export
jobs whose LLM extractions are settled by first-to-ahead-by-k voting.

Run "dossier serve" to start the service, then submit jobs over HTTP or
follow them with "dossier jobs".`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: dossier.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	jobsCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8000", "Base URL of the running dossier server")
	jobsCmd.Flags().BoolVar(&jobsPlain, "plain", false, "Print the job list once instead of opening the watcher")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
