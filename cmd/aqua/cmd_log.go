package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"aqua/pkg/store"
)

// newLogCmd creates the "aqua log" subcommand.
func newLogCmd() *cobra.Command {
	var (
		agentRef  string
		taskRef   string
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail the event log",
		Long:  "Prints the newest audit events, newest first. --agent, --task\nand --type narrow the tail.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			f := store.EventFilter{Type: eventType, Limit: limit}
			if agentRef != "" {
				a, err := c.Store.GetAgentByName(ctx, agentRef)
				if err != nil {
					f.AgentID = agentRef
				} else {
					f.AgentID = a.ID
				}
			}
			if taskRef != "" {
				t, err := c.Store.ResolveTaskRef(ctx, taskRef)
				if err != nil {
					return err
				}
				f.TaskID = t.ID
			}
			events, err := c.Store.QueryEvents(ctx, f)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), events)
			}
			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "no events")
				return nil
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "AGE\tTYPE\tAGENT\tTASK\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					age(ev.CreatedAt), ev.Type,
					orDash(shortRef(ev.AgentID)), orDash(shortRef(ev.TaskID)),
					orDash(ev.Detail))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&agentRef, "agent", "", "filter by agent name or id")
	cmd.Flags().StringVar(&taskRef, "task", "", "filter by task id or title fragment")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "how many events to show")
	return cmd
}
