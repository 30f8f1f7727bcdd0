package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

// pidAlive probes whether a pid still maps to a running process. An
// EPERM answer still means the process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// newPsCmd creates the "aqua ps" subcommand.
func newPsCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List agents with process liveness",
		Long:  "Lists registered agents and probes each recorded pid, so rows\nshow whether the OS process behind an agent is still running.\n--all includes dead agents.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			agents, err := c.Store.ListAgents(ctx, all)
			if err != nil {
				return err
			}

			type row struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				Kind      string `json:"kind"`
				Status    string `json:"status"`
				PID       int    `json:"pid,omitempty"`
				Alive     bool   `json:"process_alive"`
				Heartbeat string `json:"last_heartbeat"`
				TaskID    string `json:"current_task_id,omitempty"`
			}
			rows := make([]row, 0, len(agents))
			for _, a := range agents {
				rows = append(rows, row{
					ID: a.ID, Name: a.Name, Kind: string(a.Kind),
					Status: string(a.Status), PID: a.PID,
					Alive:     pidAlive(a.PID),
					Heartbeat: a.LastHeartbeat, TaskID: a.CurrentTaskID,
				})
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			w := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(w, "no agents")
				return nil
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATUS\tPID\tPROC\tHEARTBEAT\tTASK")
			for _, r := range rows {
				proc := "dead"
				if r.Alive {
					proc = "alive"
				} else if r.PID == 0 {
					proc = "-"
				}
				pid := "-"
				if r.PID != 0 {
					pid = fmt.Sprintf("%d", r.PID)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					shortRef(r.ID), r.Name, r.Kind, r.Status, pid, proc,
					age(r.Heartbeat), orDash(shortRef(r.TaskID)))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include dead agents")
	return cmd
}
