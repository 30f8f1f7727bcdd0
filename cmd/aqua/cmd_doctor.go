package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"aqua/pkg/protocol"
)

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// newDoctorCmd creates the "aqua doctor" subcommand.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check quorum health",
		Long:  "Runs read-only health checks: store reachability, schema\nversion, leader lease, stale heartbeats, and stuck claims.\nExits nonzero when any check fails.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()
			now := time.Now()

			var checks []doctorCheck
			add := func(name string, ok bool, format string, a ...any) {
				checks = append(checks, doctorCheck{
					Name: name, OK: ok, Detail: fmt.Sprintf(format, a...),
				})
			}

			version, err := c.Store.SchemaVersion(ctx)
			if err != nil {
				add("store", false, "cannot read schema version: %v", err)
			} else {
				add("store", true, "reachable at %s, schema v%d", c.Store.Path(), version)
			}

			leader, err := c.Store.GetLeader(ctx)
			switch {
			case err != nil:
				add("leader", false, "cannot read leader: %v", err)
			case leader == nil:
				add("leader", true, "no leader; next heartbeat will elect one")
			case leader.Expired(now):
				add("leader", true, "lease for %s expired; next heartbeat takes over",
					shortRef(leader.AgentID))
			default:
				add("leader", true, "%s holds term %d", shortRef(leader.AgentID), leader.Term)
			}

			agents, err := c.Store.ListAgents(ctx, false)
			if err != nil {
				add("heartbeats", false, "cannot list agents: %v", err)
			} else {
				stale := 0
				for _, a := range agents {
					hb, err := protocol.ParseTime(a.LastHeartbeat)
					if err != nil || now.Sub(hb) > c.Cfg.DeadThreshold() {
						stale++
					}
				}
				add("heartbeats", stale == 0, "%d of %d agents past the dead threshold",
					stale, len(agents))
			}

			stuck, err := c.Store.StaleClaimed(ctx, protocol.FormatTime(now.Add(-c.Cfg.ClaimTimeout())))
			if err != nil {
				add("claims", false, "cannot list stale claims: %v", err)
			} else {
				add("claims", len(stuck) == 0, "%d claims past the claim timeout", len(stuck))
			}

			if jsonOutput(cmd) {
				if err := printJSON(cmd.OutOrStdout(), checks); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				for _, ch := range checks {
					mark := "ok"
					if !ch.OK {
						mark = "FAIL"
					}
					fmt.Fprintf(w, "%-4s %-11s %s\n", mark, ch.Name, ch.Detail)
				}
			}
			for _, ch := range checks {
				if !ch.OK {
					return protocol.Errf(protocol.ErrConfig, "%d health checks failed", failCount(checks))
				}
			}
			return nil
		},
	}
}

func failCount(checks []doctorCheck) int {
	n := 0
	for _, ch := range checks {
		if !ch.OK {
			n++
		}
	}
	return n
}
