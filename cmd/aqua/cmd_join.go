package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"aqua/pkg/coordinator"
	"aqua/pkg/protocol"
)

// newJoinCmd creates the "aqua join" subcommand.
func newJoinCmd() *cobra.Command {
	var (
		name string
		kind string
		caps []string
		role string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Register this session as an agent",
		Long:  "Registers a new agent bound to the current terminal session and\nopportunistically stands for leader. Without -n a random name is\ngenerated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			agent, term, err := c.Join(ctx, coordinator.JoinOptions{
				Name:         name,
				Kind:         protocol.AgentKind(kind),
				Capabilities: caps,
				Role:         role,
			})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"agent":       agent,
					"leader":      term != 0,
					"leader_term": term,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined as %s (%s)\n", agent.Name, agent.ID)
			if term != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "you are the leader (term %d)\n", term)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "agent name (generated when empty)")
	cmd.Flags().StringVarP(&kind, "type", "t", "generic", "agent kind: claude, codex, gemini, generic")
	cmd.Flags().StringSliceVarP(&caps, "capabilities", "c", nil, "capability tags")
	cmd.Flags().StringVar(&role, "role", "", "role used for task preference (e.g. frontend, testing)")
	return cmd
}

// newLeaveCmd creates the "aqua leave" subcommand.
func newLeaveCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Deregister this session's agent",
		Long:  "Releases every lock the agent holds, returns its claimed task to\nthe queue, surrenders leadership, and deletes the session binding.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeStore, err := openKernel()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			agent, err := c.ResolveAgent(ctx)
			if err != nil {
				return err
			}
			if agent.CurrentTaskID != "" && !force {
				return protocol.Errf(protocol.ErrConfig,
					"agent holds task %s; finish it or pass --force", agent.CurrentTaskID)
			}
			if err := c.Leave(ctx, agent); err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"left": agent.ID})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s left the quorum\n", agent.Name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "leave even while holding a claimed task")
	return cmd
}
