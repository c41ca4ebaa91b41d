package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/pkg/resource"
)

var checkConfigPath string

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a config file",
	Long: `Validate a config file and report patterns that would be dropped at
start because they cannot be parsed.`,
	Example: `  vahti check --config vahti.yaml`,
	RunE:    runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkConfigPath, "config", "c", "vahti.yaml", "Config file path")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(checkConfigPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var bad int
	for i, m := range cfg.Monitors {
		bad += reportPatterns(cmd, fmt.Sprintf("monitors[%d]", i), m.ObservedObjects)
	}
	for i, r := range cfg.Relays {
		bad += reportPatterns(cmd, fmt.Sprintf("relays[%d]", i), r.SourceObjects)
	}

	_, _ = fmt.Fprintf(out, "%s: %d monitors, %d relays, %d sinks, registry %s\n",
		checkConfigPath, len(cfg.Monitors), len(cfg.Relays), len(cfg.Sinks), cfg.Registry.Type)
	if bad > 0 {
		return fmt.Errorf("%d invalid patterns", bad)
	}
	return nil
}

func reportPatterns(cmd *cobra.Command, where string, patterns []string) int {
	var bad int
	for _, raw := range patterns {
		if _, err := resource.ParsePattern(raw); err != nil {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %q: %v\n", where, raw, err)
			bad++
		}
	}
	return bad
}
