package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "mintwatch"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Streaming token tracker for Solana launchpad platforms",
		Version: version,
		Long: `mintwatch ingests token creations and trades from a launchpad
WebSocket feed, tracks each token's lifecycle in memory, persists
time-series history to PostgreSQL, and periodically removes rugged,
inactive, and zero-volume tokens under strict safety rails.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		Long:  "Connect to the feed, track tokens, persist history, and serve the read-only API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().Bool("no-db", false, "Use the in-memory sink instead of PostgreSQL")
	serveCmd.Flags().String("log-level", "", "Override log level (trace|debug|info|warn|error)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, keeping info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
