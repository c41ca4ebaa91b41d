package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	logLevel  string
	logFormat string

	rootCmd = &cobra.Command{
		Use:   "vahti",
		Short: "Managed resource attribute change monitor",
		Long: `Vahti - managed resource attribute change monitor

Vahti polls managed resources on a fixed period, compares every snapshot
with the previous one and sends only what changed to a telemetry sink.
Notifications pushed by resources are relayed as they arrive.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel, logFormat)
		},
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Vahti {{.Version}} - managed resource attribute change monitor
`)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
}

func setupLogging(level, format string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}
