package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newDoneCmd creates the "aqua done" subcommand.
func newDoneCmd() *cobra.Command {
	var summary string

	cmd := &cobra.Command{
		Use:   "done [task]",
		Short: "Complete the current task",
		Long:  "Marks the calling agent's current task done, unblocking anything\nthat depends on it. A task reference overrides the current one.",
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
			task, err := c.Done(ctx, agent, ref, summary)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done: %s %q\n", shortRef(task.ID), task.Title)
			return nil
		},
	}

	cmd.Flags().StringVarP(&summary, "summary", "s", "", "what was accomplished")
	return cmd
}

// newFailCmd creates the "aqua fail" subcommand.
func newFailCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail [task]",
		Short: "Fail the current task",
		Long:  "Marks the calling agent's current task failed. The recovery sweep\nrequeues it while retries remain.",
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
			task, err := c.Fail(ctx, agent, ref, reason)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed: %s %q (retry %d/%d)\n",
				shortRef(task.ID), task.Title, task.RetryCount, task.MaxRetries)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the task failed")
	return cmd
}

// newProgressCmd creates the "aqua progress" subcommand.
func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <note>",
		Short: "Record progress on the current task",
		Long:  "Stores a progress note against the current task, bumping its\nversion so concurrent writers notice each other.",
		Args:  cobra.MinimumNArgs(1),
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
			task, err := c.Progress(ctx, agent, strings.Join(args, " "))
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "noted on %s (version %d)\n", shortRef(task.ID), task.Version)
			return nil
		},
	}
}
