package coordinator

import (
	"context"
	"fmt"
	"time"

	"aqua/pkg/protocol"
)

const (
	askPollStart = 500 * time.Millisecond
	askPollMax   = 2 * time.Second
)

// Ask sends a request message and blocks until a response referencing
// it arrives or the timeout passes. Polling starts at half a second
// and doubles up to two seconds between checks; there is no daemon to
// push a notification. On timeout the request stays in the recipient's
// inbox and the error carries the message id so a later reply can
// still be picked up by hand.
func (c *Coordinator) Ask(ctx context.Context, agent *protocol.Agent, to, content string, timeout time.Duration) (*protocol.Message, error) {
	req := &protocol.Message{
		FromAgent: agent.ID,
		ToAgent:   to,
		Content:   content,
		Type:      protocol.MsgRequest,
	}
	id, err := c.Store.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	interval := askPollStart
	for {
		reply, err := c.Store.FindReply(ctx, id)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return reply, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &protocol.CoordError{Kind: protocol.ErrTimeout,
				Msg:     fmt.Sprintf("no reply to message %d within %s", id, timeout),
				AgentID: agent.ID}
		}
		if interval > remaining {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if interval < askPollMax {
			interval *= 2
			if interval > askPollMax {
				interval = askPollMax
			}
		}
	}
}

// Reply answers a pending request. The referenced message must exist
// and be a request; the response is addressed back to its sender with
// the reply_to thread reference set.
func (c *Coordinator) Reply(ctx context.Context, agent *protocol.Agent, requestID int64, content string) (*protocol.Message, error) {
	req, err := c.Store.GetMessage(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Type != protocol.MsgRequest {
		return nil, protocol.Errf(protocol.ErrNotFound,
			"message %d is a %s, not a request", requestID, req.Type)
	}
	resp := &protocol.Message{
		FromAgent: agent.ID,
		ToAgent:   req.FromAgent,
		Content:   content,
		Type:      protocol.MsgResponse,
		ReplyTo:   requestID,
	}
	if _, err := c.Store.SendMessage(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
