package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/sink"
)

var (
	journalPath  string
	journalAfter uint64
	journalLimit int
)

// journalCmd represents the journal command
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print events recorded by a journal sink",
	Example: `  vahti journal --path vahti-events.db
  vahti journal --path vahti-events.db --after 120 --limit 10`,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)

	journalCmd.Flags().StringVar(&journalPath, "path", "vahti-events.db", "Journal database path")
	journalCmd.Flags().Uint64Var(&journalAfter, "after", 0, "Only entries with a greater sequence")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 0, "Maximum entries to print (0 for all)")
}

func runJournal(cmd *cobra.Command, args []string) error {
	j, err := sink.OpenJournal(journalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = j.Close() }()

	entries, err := j.Entries(journalAfter, journalLimit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
