package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"aqua/pkg/coordinator"
)

// newAddCmd creates the "aqua add" subcommand.
func newAddCmd() *cobra.Command {
	var (
		description string
		priority    int
		tags        []string
		taskContext string
		after       []string
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Queue a new task",
		Long:  "Adds a pending task. --after makes it wait for other tasks,\nreferenced by exact id or a fragment of their title.",
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
			task, err := c.AddTask(ctx, agent, coordinator.AddTaskOptions{
				Title:       strings.Join(args, " "),
				Description: description,
				Priority:    priority,
				Tags:        tags,
				Context:     taskContext,
				After:       after,
			})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s %q (priority %d)\n",
				shortRef(task.ID), task.Title, task.Priority)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "longer task description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority 1..10 (default from config)")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tags used for role preference")
	cmd.Flags().StringVar(&taskContext, "context", "", "free-form context handed to the claimer")
	cmd.Flags().StringSliceVar(&after, "after", nil, "tasks this one depends on (id or title fragment)")
	return cmd
}
