// Package cli implements the cookiepool command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/cookiepool/internal/config"
	"github.com/yangwenmai/cookiepool/internal/logger"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var (
	dbPath   string
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "cookiepool",
		Short: "Acquire, validate and serve browser cookie sets",
		Long: `cookiepool keeps a pool of validated cookie sets for a catalogue of target
pages. It visits targets through rotating proxies, stores the resulting
cookies in SQLite and serves the best one to consumers over HTTP.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	config.LoadEnvFiles()
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cookiepool %s\n", Version)
		},
	})
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(cleanupCommand())
	rootCmd.AddCommand(statsCommand())
}

// loadConfig applies persistent flag overrides and initializes logging.
func loadConfig() config.Config {
	cfg := config.Load()
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	return cfg
}
