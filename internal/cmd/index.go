package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voxelstash.ai/internal/persistence/indexdb"
)

var (
	indexDB    string
	indexLimit int
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Query the removal index",
}

var indexTopCmd = &cobra.Command{
	Use:   "top",
	Short: "List the most removed items",
	Args:  cobra.NoArgs,
	RunE:  runIndexTop,
}

var indexLocksCmd = &cobra.Command{
	Use:   "locks <x,y,z>",
	Short: "Show the lock history of one position",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexLocks,
}

func init() {
	indexCmd.PersistentFlags().StringVar(&indexDB, "db", "data/index.sqlite", "index database path")
	indexTopCmd.Flags().IntVar(&indexLimit, "limit", 10, "number of items")
	indexCmd.AddCommand(indexTopCmd, indexLocksCmd)
	rootCmd.AddCommand(indexCmd)
}

func openIndex(cmd *cobra.Command) (*indexdb.SQLiteIndex, context.Context, context.CancelFunc, error) {
	idx, err := indexdb.OpenSQLite(indexDB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open index: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	return idx, ctx, cancel, nil
}

func runIndexTop(cmd *cobra.Command, args []string) error {
	idx, ctx, cancel, err := openIndex(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer idx.Close()

	items, err := idx.TopRemoved(ctx, indexLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "no removals recorded")
		return nil
	}
	for _, it := range items {
		fmt.Fprintf(out, "%-24s %s\n", it.Item, humanize.Comma(it.Taken))
	}
	return nil
}

func runIndexLocks(cmd *cobra.Command, args []string) error {
	pos, err := parsePos(args[0])
	if err != nil {
		return err
	}
	idx, ctx, cancel, err := openIndex(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer idx.Close()

	evs, err := idx.LockHistory(ctx, pos)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, ev := range evs {
		state := "unlock"
		if ev.Locked {
			state = "lock"
		}
		fmt.Fprintf(out, "%s %-6s ts=%d %s\n", ev.At.UTC().Format(time.RFC3339), state, ev.OriginTS, ev.Reason)
	}
	return nil
}

func parsePos(s string) ([3]int, error) {
	var p [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return p, fmt.Errorf("position %q: want x,y,z", s)
	}
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return p, fmt.Errorf("position %q: %w", s, err)
		}
		p[i] = n
	}
	return p, nil
}
