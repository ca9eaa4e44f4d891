package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	plog "voxelstash.ai/internal/persistence/log"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Read removal and lock journals",
}

var journalCatCmd = &cobra.Command{
	Use:   "cat <file.jsonl.zst>...",
	Short: "Decompress journal files to stdout, one JSON object per line",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJournalCat,
}

func init() {
	journalCmd.AddCommand(journalCatCmd)
	rootCmd.AddCommand(journalCmd)
}

func runJournalCat(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, path := range args {
		err := plog.ReadJSONL(path, func(raw json.RawMessage) error {
			if !json.Valid(raw) {
				return fmt.Errorf("invalid json")
			}
			_, err := fmt.Fprintf(out, "%s\n", raw)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
