package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newClaimCmd creates the "aqua claim" subcommand.
func newClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim [task]",
		Short: "Claim work",
		Long:  "Claims a specific task, or without an argument the best available\none: highest priority first, preferring tasks tagged for the\nagent's role.",
		Args:  cobra.MaximumNArgs(1),
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
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			task, err := c.Claim(ctx, agent, ref)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), task)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "claimed %s %q\n", shortRef(task.ID), task.Title)
			if task.Description != "" {
				fmt.Fprintln(w, task.Description)
			}
			if task.Context != "" {
				fmt.Fprintf(w, "context: %s\n", task.Context)
			}
			return nil
		},
	}
}
