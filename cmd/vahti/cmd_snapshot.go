package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/daemon"
	"github.com/yairfalse/vahti/internal/registry"
	"github.com/yairfalse/vahti/internal/serializer"
	"github.com/yairfalse/vahti/pkg/resource"
)

var (
	snapshotRegistry   string
	snapshotURL        string
	snapshotAttributes []string
)

// snapshotCmd represents the snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot PATTERN",
	Short: "Print the serialized attributes of matching resources",
	Long: `Resolve a pattern once and print the event body each matched resource
would produce on its first observation.`,
	Example: `  vahti snapshot 'go.runtime:type=*'
  vahti snapshot 'java.lang:type=Memory' --registry jolokia --url http://app:8778/jolokia
  vahti snapshot 'go.runtime:type=Memory' -a HeapMemoryUsage`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVar(&snapshotRegistry, "registry", config.RegistryRuntime, "Registry: runtime, jolokia")
	snapshotCmd.Flags().StringVar(&snapshotURL, "url", "", "Jolokia agent URL")
	snapshotCmd.Flags().StringSliceVarP(&snapshotAttributes, "attribute", "a", nil, "Only these attributes")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	p, err := resource.ParsePattern(args[0])
	if err != nil {
		return err
	}
	reg, _, err := daemon.NewRegistry(config.RegistryConfig{Type: snapshotRegistry, URL: snapshotURL})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	bodies, err := snapshot(ctx, reg, p, snapshotAttributes)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(bodies)
}

// snapshot returns the serialized body of every resource matched by p,
// keyed by canonical name.
func snapshot(ctx context.Context, reg registry.Registry, p resource.Pattern, names []string) (map[string]map[string]any, error) {
	ids, err := reg.Resolve(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p, err)
	}

	ser := serializer.New(serializer.DefaultOptions(), nil)
	out := make(map[string]map[string]any, len(ids))
	for _, id := range ids {
		attrs := names
		if len(attrs) == 0 {
			if attrs, err = reg.AttributeNames(ctx, id); err != nil {
				return nil, fmt.Errorf("attribute names %s: %w", id.Canonical(), err)
			}
		}
		snap, err := reg.Attributes(ctx, id, attrs)
		if err != nil {
			return nil, fmt.Errorf("attributes %s: %w", id.Canonical(), err)
		}
		out[id.Canonical()] = ser.Body(snap)
	}
	return out, nil
}
