package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

// newStatusCmd creates the "aqua status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show quorum state",
		Long:  "Displays the current leader, registered agents, task counts by\nstatus, held locks, and the most recent events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			leader, err := c.Store.GetLeader(ctx)
			if err != nil {
				return err
			}
			agents, err := c.Store.ListAgents(ctx, false)
			if err != nil {
				return err
			}
			counts, err := c.Store.CountsByStatus(ctx)
			if err != nil {
				return err
			}
			locks, err := c.Store.ListLocks(ctx)
			if err != nil {
				return err
			}
			events, err := c.Store.QueryEvents(ctx, store.EventFilter{Limit: 5})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"leader": leader,
					"agents": agents,
					"tasks":  counts,
					"locks":  locks,
					"events": events,
				})
			}

			w := cmd.OutOrStdout()
			if leader == nil || leader.Expired(time.Now()) {
				fmt.Fprintln(w, "leader: none")
			} else {
				fmt.Fprintf(w, "leader: %s (term %d, lease expires %s)\n",
					shortRef(leader.AgentID), leader.Term, age(leader.LeaseExpiresAt))
			}

			fmt.Fprintf(w, "\nagents (%d):\n", len(agents))
			tw := newTable(w)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATUS\tROLE\tHEARTBEAT\tTASK")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					shortRef(a.ID), a.Name, a.Kind, a.Status, orDash(a.Role),
					age(a.LastHeartbeat), orDash(shortRef(a.CurrentTaskID)))
			}
			tw.Flush()

			fmt.Fprintf(w, "\ntasks: %d pending, %d claimed, %d done, %d failed, %d abandoned\n",
				counts[protocol.TaskPending], counts[protocol.TaskClaimed],
				counts[protocol.TaskDone], counts[protocol.TaskFailed],
				counts[protocol.TaskAbandoned])

			if len(locks) > 0 {
				fmt.Fprintf(w, "\nlocks (%d):\n", len(locks))
				for _, l := range locks {
					fmt.Fprintf(w, "  %s held by %s for %s\n", l.Path, shortRef(l.AgentID), age(l.AcquiredAt))
				}
			}
			if len(events) > 0 {
				fmt.Fprintln(w, "\nrecent events:")
				for _, ev := range events {
					fmt.Fprintf(w, "  %s %s %s\n", age(ev.CreatedAt), ev.Type, orDash(shortRef(ev.AgentID)))
				}
			}
			return nil
		},
	}
}

// newRefreshCmd creates the "aqua refresh" subcommand, the one agents
// run at the top of every turn.
func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Heartbeat and situational summary for the calling agent",
		Long:  "Stamps the agent's heartbeat, renews or stands for leadership,\nruns the recovery sweep when due, and prints identity, current\ntask, and unread message count. Exits zero even before init so\nagents can call it unconditionally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				if protocol.KindOf(err) == protocol.ErrNotInitialized {
					fmt.Fprintln(cmd.OutOrStdout(), "aqua is not initialized here")
					return nil
				}
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			agent, err := c.ResolveAgent(ctx)
			if err != nil {
				if protocol.KindOf(err) == protocol.ErrNotJoined {
					fmt.Fprintln(cmd.OutOrStdout(), "not joined; run aqua join")
					return nil
				}
				return err
			}
			term, err := c.Touch(ctx, agent)
			if err != nil {
				return err
			}
			isLeader := term != 0
			unread, err := c.Store.UnreadCount(ctx, agent.ID, isLeader, agent.CurrentTaskID == "")
			if err != nil {
				return err
			}
			var current *protocol.Task
			if agent.CurrentTaskID != "" {
				current, err = c.Store.GetTask(ctx, agent.CurrentTaskID)
				if err != nil && protocol.KindOf(err) != protocol.ErrNotFound {
					return err
				}
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"agent":        agent,
					"leader":       isLeader,
					"leader_term":  term,
					"current_task": current,
					"unread":       unread,
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "you are %s (%s)\n", agent.Name, shortRef(agent.ID))
			if isLeader {
				fmt.Fprintf(w, "you are the leader (term %d)\n", term)
			}
			if current != nil {
				fmt.Fprintf(w, "current task: %s %s\n", shortRef(current.ID), current.Title)
			} else {
				fmt.Fprintln(w, "no current task; run aqua claim")
			}
			if agent.LastProgress != "" {
				fmt.Fprintf(w, "last progress: %s\n", agent.LastProgress)
			}
			if unread > 0 {
				fmt.Fprintf(w, "%d unread messages; run aqua inbox\n", unread)
			}
			return nil
		},
	}
}
