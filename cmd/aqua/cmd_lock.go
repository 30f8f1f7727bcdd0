package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

// newLockCmd creates the "aqua lock" subcommand.
func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <path>",
		Short: "Acquire an exclusive file lock",
		Long:  "Locks a path for the calling agent. Fails with the current\nowner when the path is already held.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			agent, err := resolveAndTouch(ctx, c)
			if err != nil {
				return err
			}
			path := filepath.Clean(args[0])
			if err := c.Store.AcquireLock(ctx, path, agent.ID); err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"path": path, "agent_id": agent.ID,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", path)
			return nil
		},
	}
}

// newUnlockCmd creates the "aqua unlock" subcommand.
func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <path>",
		Short: "Release a file lock",
		Long:  "Releases a lock the calling agent holds. Only the owner can\nrelease a lock.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			agent, err := resolveAndTouch(ctx, c)
			if err != nil {
				return err
			}
			path := filepath.Clean(args[0])
			if err := c.Store.ReleaseLock(ctx, path, agent.ID); err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"path": path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", path)
			return nil
		},
	}
}

// newLocksCmd creates the "aqua locks" subcommand.
func newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List held locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			locks, err := c.Store.ListLocks(ctx)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), locks)
			}
			w := cmd.OutOrStdout()
			if len(locks) == 0 {
				fmt.Fprintln(w, "no locks held")
				return nil
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "PATH\tOWNER\tHELD")
			for _, l := range locks {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Path, shortRef(l.AgentID), age(l.AcquiredAt))
			}
			return tw.Flush()
		},
	}
}
