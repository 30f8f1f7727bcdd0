package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

// newListCmd creates the "aqua list" subcommand.
func newListCmd() *cobra.Command {
	var (
		status string
		tag    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "Lists tasks ordered by priority then age. --status and --tag\nnarrow the listing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			tasks, err := c.Store.ListTasks(ctx, store.TaskFilter{
				Status: protocol.TaskStatus(status),
				Tag:    tag,
			})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tPRI\tSTATUS\tTITLE\tOWNER\tTAGS\tAGE")
			for _, t := range tasks {
				title := t.Title
				if t.IsCheckpoint {
					title = "* " + title
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					shortRef(t.ID), t.Priority, t.Status, title,
					orDash(shortRef(t.ClaimedBy)), joinOrDash(t.Tags), age(t.CreatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "filter: pending, claimed, done, failed, abandoned")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "filter by tag")
	return cmd
}

// newShowCmd creates the "aqua show" subcommand.
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [task]",
		Short: "Show one task in detail",
		Long:  "Shows a task by id or title fragment. Without an argument the\ncalling agent's current task is shown.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			ref := ""
			if len(args) == 1 {
				ref = args[0]
			} else {
				agent, err := c.ResolveAgent(ctx)
				if err != nil {
					return err
				}
				if agent.CurrentTaskID == "" {
					return protocol.Errf(protocol.ErrNotFound,
						"no current task; pass a task id")
				}
				ref = agent.CurrentTaskID
			}
			task, err := c.Store.ResolveTaskRef(ctx, ref)
			if err != nil {
				return err
			}
			deps, err := c.Store.DependenciesOf(ctx, task.ID)
			if err != nil {
				return err
			}
			dependents, err := c.Store.DependentsOf(ctx, task.ID)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"task":       task,
					"depends_on": deps,
					"dependents": dependents,
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", task.ID, task.Title)
			fmt.Fprintf(w, "status:   %s (priority %d, version %d)\n", task.Status, task.Priority, task.Version)
			if task.Description != "" {
				fmt.Fprintf(w, "desc:     %s\n", task.Description)
			}
			if task.ClaimedBy != "" {
				fmt.Fprintf(w, "claimed:  by %s at term %d, %s ago\n",
					shortRef(task.ClaimedBy), task.ClaimTerm, age(task.ClaimedAt))
			}
			if task.Result != "" {
				fmt.Fprintf(w, "result:   %s\n", task.Result)
			}
			if task.Error != "" {
				fmt.Fprintf(w, "error:    %s (retry %d/%d)\n", task.Error, task.RetryCount, task.MaxRetries)
			}
			if task.Context != "" {
				fmt.Fprintf(w, "context:  %s\n", task.Context)
			}
			if len(task.Tags) > 0 {
				fmt.Fprintf(w, "tags:     %s\n", joinOrDash(task.Tags))
			}
			if len(deps) > 0 {
				fmt.Fprintf(w, "after:    %v\n", deps)
			}
			if len(dependents) > 0 {
				fmt.Fprintf(w, "blocks:   %v\n", dependents)
			}
			return nil
		},
	}
}
