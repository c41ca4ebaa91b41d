package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/daemon"
)

var (
	runConfigPath  string
	runMetricsAddr string
	runOnce        bool
	runDebug       bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured monitors and relays",
	Long: `Run every attribute change monitor and notification relay from the
config file until interrupted.

Features:
- Fixed-delay polling with duplicate suppression
- Notification relaying
- Prometheus metrics on /metrics
- Health checks on /health, /-/healthy, /-/ready and status on /status
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  vahti run --config vahti.yaml                     # Run until interrupted
  vahti run --config vahti.yaml --once              # Poll every monitor once and exit
  vahti run --config vahti.yaml --metrics-addr :2112`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "vahti.yaml", "Config file path")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Metrics and health address (overrides config)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Poll every monitor once and exit")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Enable debug logging")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	if runMetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = runMetricsAddr
	}
	level, format := logLevel, logFormat
	if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
		level = cfg.Log.Level
	}
	if !cmd.Flags().Changed("log-format") && cfg.Log.Format != "" {
		format = cfg.Log.Format
	}
	if err := setupLogging(level, format); err != nil {
		return err
	}
	if runDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	log.Info().
		Int("monitors", len(cfg.Monitors)).
		Int("relays", len(cfg.Relays)).
		Int("sinks", len(cfg.Sinks)).
		Str("registry", cfg.Registry.Type).
		Bool("one_shot", runOnce).
		Msg("vahti starting")

	if runOnce {
		results, err := d.RunOnce(ctx)
		for id, rs := range results {
			for _, r := range rs {
				log.Info().
					Str("monitor", id).
					Int("resources", r.Resources).
					Int("emitted", r.Emitted).
					Int("suppressed", r.Suppressed).
					Int("failed", r.Failed).
					Dur("duration", r.Duration).
					Msg("poll complete")
			}
		}
		return err
	}

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	log.Info().Msg("vahti stopped")
	return nil
}
