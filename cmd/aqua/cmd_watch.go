package main

import (
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newWatchCmd creates the "aqua watch" subcommand.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard",
		Long:  "Opens a full-screen dashboard showing the leader, agents, task\ncolumns, locks, and the event tail. Refreshes on database\nchanges and on a steady tick. When stdout is not a terminal it\nprints one JSON snapshot and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()

			if jsonOutput(cmd) || !isatty.IsTerminal(os.Stdout.Fd()) {
				snap := fetchSnapshot(cmd.Context(), c)
				if snap.err != nil {
					return snap.err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"leader": snap.leader,
					"agents": snap.agents,
					"tasks":  snap.counts,
					"locks":  snap.locks,
					"events": snap.events,
				})
			}

			p := tea.NewProgram(newWatchModel(c, c.AquaDir), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}
