package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRecoverCmd creates the "aqua recover" subcommand.
func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run the recovery sweep now",
		Long:  "Reaps crashed agents, abandons their tasks, reclaims stuck\nclaims, and requeues abandoned tasks with retries left. The\nsweep normally runs on its own; this forces one immediately.",
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
			report, err := c.Recover(ctx, agent.ID)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), report)
			}
			w := cmd.OutOrStdout()
			if report.Empty() {
				fmt.Fprintln(w, "nothing to recover")
				return nil
			}
			for _, id := range report.DeadAgents {
				fmt.Fprintf(w, "reaped agent %s\n", shortRef(id))
			}
			for _, id := range report.UnresponsiveAgents {
				fmt.Fprintf(w, "agent %s is unresponsive but its process is alive\n", shortRef(id))
			}
			for _, id := range report.AbandonedTasks {
				fmt.Fprintf(w, "abandoned task %s\n", shortRef(id))
			}
			for _, id := range report.ReclaimedTasks {
				fmt.Fprintf(w, "reclaimed stuck task %s\n", shortRef(id))
			}
			for _, id := range report.RequeuedTasks {
				fmt.Fprintf(w, "requeued task %s\n", shortRef(id))
			}
			for _, p := range report.ReleasedLocks {
				fmt.Fprintf(w, "released lock %s\n", p)
			}
			return nil
		},
	}
}
