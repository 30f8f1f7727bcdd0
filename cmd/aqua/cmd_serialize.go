package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newSerializeCmd creates the "aqua serialize" subcommand.
func newSerializeCmd() *cobra.Command {
	var stride int

	cmd := &cobra.Command{
		Use:   "serialize",
		Short: "Chain pending tasks into one ordered line",
		Long:  "Threads dependency edges through all pending tasks so agents\nwork them one at a time, inserting checkpoint tasks at a fixed\nstride. Existing dependencies keep their order; running it\nagain changes nothing.",
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
			report, err := c.Serialize(ctx, agent, stride)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), report)
			}
			w := cmd.OutOrStdout()
			if len(report.Order) < 2 {
				fmt.Fprintln(w, "nothing to serialize")
				return nil
			}
			short := make([]string, len(report.Order))
			for i, id := range report.Order {
				short[i] = shortRef(id)
			}
			fmt.Fprintf(w, "serialized %d tasks (%d edges added, %d checkpoints)\n",
				len(report.Order), report.EdgesAdded, report.Checkpoints)
			fmt.Fprintf(w, "order: %s\n", strings.Join(short, " -> "))
			return nil
		},
	}

	cmd.Flags().IntVar(&stride, "stride", 5, "insert a checkpoint after this many tasks")
	return cmd
}
