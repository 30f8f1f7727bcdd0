package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"aqua/pkg/coordinator"
	"aqua/pkg/protocol"
)

// resolveRecipient turns a --to value into something SendMessage
// accepts: @all (or an empty value) becomes a broadcast, @leader and
// @idle pass through, anything else is looked up as an agent name
// first, then as an id.
func resolveRecipient(ctx context.Context, c *coordinator.Coordinator, to string) (string, error) {
	switch to {
	case "", protocol.ToAll:
		return "", nil
	case protocol.ToLeader, protocol.ToIdle:
		return to, nil
	}
	a, err := c.Store.GetAgentByName(ctx, to)
	if err == nil {
		return a.ID, nil
	}
	if protocol.KindOf(err) != protocol.ErrNotFound {
		return "", err
	}
	a, err = c.Store.GetAgent(ctx, to)
	if err != nil {
		return "", protocol.Errf(protocol.ErrNotFound, "no agent named %q", to)
	}
	return a.ID, nil
}

// newMsgCmd creates the "aqua msg" subcommand.
func newMsgCmd() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "msg <text>",
		Short: "Send a message",
		Long:  "Sends a chat message. --to takes an agent name, @leader, @idle,\nor @all; without it the message is broadcast.",
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
			recipient, err := resolveRecipient(ctx, c, to)
			if err != nil {
				return err
			}
			id, err := c.Store.SendMessage(ctx, &protocol.Message{
				FromAgent: agent.ID,
				ToAgent:   recipient,
				Content:   strings.Join(args, " "),
				Type:      protocol.MsgChat,
			})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": id})
			}
			dest := to
			if dest == "" {
				dest = "everyone"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent message %d to %s\n", id, dest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&to, "to", "t", "", "recipient: agent name, @leader, @idle, @all")
	return cmd
}

// newInboxCmd creates the "aqua inbox" subcommand.
func newInboxCmd() *cobra.Command {
	var unreadOnly bool

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read messages",
		Long:  "Lists messages addressed to the calling agent, including\nbroadcasts and any @-addresses it currently matches. Reading\nmarks them read.",
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
			isLeader, _, err := c.IsLeader(ctx, agent.ID)
			if err != nil {
				return err
			}
			msgs, err := c.Store.Inbox(ctx, agent.ID, isLeader, agent.CurrentTaskID == "", unreadOnly)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			w := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(w, "inbox empty")
				return nil
			}
			names := map[string]string{}
			for _, m := range msgs {
				from := names[m.FromAgent]
				if from == "" {
					if a, err := c.Store.GetAgent(ctx, m.FromAgent); err == nil {
						from = a.Name
					} else {
						from = shortRef(m.FromAgent) + " (gone)"
					}
					names[m.FromAgent] = from
				}
				marker := " "
				if m.ReadAt == "" {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %4d %s %s [%s]: %s\n",
					marker, m.ID, age(m.CreatedAt), from, m.Type, m.Content)
				if m.ReplyTo != 0 {
					fmt.Fprintf(w, "       in reply to %d\n", m.ReplyTo)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&unreadOnly, "unread", "u", false, "only unread messages")
	return cmd
}

// newAskCmd creates the "aqua ask" subcommand.
func newAskCmd() *cobra.Command {
	var (
		to      string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask and wait for a reply",
		Long:  "Sends a request and blocks until the recipient replies or the\ntimeout lapses. The request stays in the recipient's inbox\neither way.",
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
			recipient, err := resolveRecipient(ctx, c, to)
			if err != nil {
				return err
			}
			reply, err := c.Ask(ctx, agent, recipient, strings.Join(args, " "), timeout)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), reply)
			}
			from := shortRef(reply.FromAgent)
			if a, err := c.Store.GetAgent(ctx, reply.FromAgent); err == nil {
				from = a.Name
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s replied: %s\n", from, reply.Content)
			return nil
		},
	}

	cmd.Flags().StringVarP(&to, "to", "t", "", "recipient: agent name, @leader, @idle, @all")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for a reply")
	return cmd
}

// newReplyCmd creates the "aqua reply" subcommand.
func newReplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reply <message-id> <text>",
		Short: "Answer a request",
		Long:  "Replies to a pending request by message id, unblocking the\nagent waiting in aqua ask.",
		Args:  cobra.MinimumNArgs(2),
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
			requestID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return protocol.Errf(protocol.ErrConfig, "bad message id %q", args[0])
			}
			msg, err := c.Reply(ctx, agent, requestID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replied to %d as message %d\n", requestID, msg.ID)
			return nil
		},
	}
}
