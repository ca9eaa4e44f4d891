package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect engine configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration",
	Long: `Load --config (or defaults), apply STASH_* overrides and validate the
result. Prints the effective settings on success.`,
	Args: cobra.NoArgs,
	RunE: runConfigCheck,
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	prio, _ := c.Priority()
	names := make([]string, len(prio))
	for i, k := range prio {
		names[i] = k.String()
	}
	out := cmd.OutOrStdout()
	rng := "unbounded"
	if c.Range > 0 {
		rng = fmt.Sprintf("%d blocks", c.Range)
	}
	fmt.Fprintf(out, "range: %s\n", rng)
	fmt.Fprintf(out, "priority: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(out, "respect_locked_slots: %t\n", c.RespectLockedSlots)
	fmt.Fprintf(out, "allow_locked_containers: %t\n", c.AllowLockedContainers)
	if exp := c.LockExpiry(); exp > 0 {
		fmt.Fprintf(out, "lock_expiry: %s\n", exp)
	} else {
		fmt.Fprintf(out, "lock_expiry: disabled\n")
	}
	fmt.Fprintf(out, "scan_cooldown: %s\n", c.Cooldown())
	fmt.Fprintf(out, "freshness_window: %s\n", c.FreshnessWindow())
	fmt.Fprintln(out, "ok")
	return nil
}
