// Package cli provides the command-line interface for journalchat.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/journalchat/internal/client"
	"github.com/raphaelgruber/journalchat/internal/config"
	"github.com/raphaelgruber/journalchat/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configPath string

	// Global config and backend client
	cfg        config.Config
	apiClient  *client.Client
	collector  *metrics.Collector
	logger     *slog.Logger
	logCleanup func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "journalchat",
	Short: "Chat with your journal",
	Long: `Journalchat talks to the journal backend's chat API.

Open a session and ask questions about your journal entries; answers stream
in token by token with citations to the entries they draw on. Sessions and
personas can be managed from the command line.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		if configPath == "" {
			configPath = os.Getenv("JOURNAL_CONFIG")
		}
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		// The chat view owns the terminal, so it only logs to the file.
		if cmd.Name() == "chat" {
			logger, logCleanup = config.SetupQuietLogger(cfg.LogFile, level)
		} else {
			logger, logCleanup = config.SetupLogger(cfg.LogFile, level)
		}
		slog.SetDefault(logger)

		collector = metrics.NewCollector()
		apiClient = client.New(cfg.APIBaseURL,
			client.WithTimeout(cfg.RequestTimeout),
			client.WithStreamTransport(cfg.StreamTransport),
			client.WithLogger(logger),
			client.WithMetrics(collector),
		)
		logger.Debug("client configured", "api_url", apiClient.BaseURL(), "transport", cfg.StreamTransport)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			if err := logCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $JOURNAL_CONFIG)")

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(personasCmd)
}
