package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/transport/ws"
)

var (
	relayURL   string
	relayActor string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Send lock messages to a running relay",
}

var relayLockCmd = &cobra.Command{
	Use:   "lock <x,y,z>",
	Short: "Announce a position lock",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runRelaySend(cmd, args[0], true) },
}

var relayUnlockCmd = &cobra.Command{
	Use:   "unlock <x,y,z>",
	Short: "Release a position lock",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runRelaySend(cmd, args[0], false) },
}

func init() {
	relayCmd.PersistentFlags().StringVar(&relayURL, "url", "ws://127.0.0.1:8090/v1/locks", "relay websocket url")
	relayCmd.PersistentFlags().StringVar(&relayActor, "actor", "cli", "actor id announced in HELLO")
	relayCmd.AddCommand(relayLockCmd, relayUnlockCmd)
	rootCmd.AddCommand(relayCmd)
}

func runRelaySend(cmd *cobra.Command, posArg string, lock bool) error {
	p, err := parsePos(posArg)
	if err != nil {
		return err
	}
	pos := model.Vec3i{X: p[0], Y: p[1], Z: p[2]}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	// The local registry only receives the WELCOME snapshot.
	reg := locks.New(locks.Config{})
	c, err := ws.Dial(ctx, relayURL, relayActor, reg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ts := time.Now().UnixMilli()
	if lock {
		err = c.Lock(pos, ts)
	} else {
		err = c.Unlock(pos, ts)
	}
	if err != nil {
		return err
	}
	verb := "unlock"
	if lock {
		verb = "lock"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s sent (session %s, %d locks known)\n", verb, posArg, c.SessionID(), reg.Active())
	return nil
}
