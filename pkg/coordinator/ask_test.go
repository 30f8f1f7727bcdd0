package coordinator_test

import (
	"testing"
	"time"

	"aqua/pkg/protocol"
)

func TestAsk(t *testing.T) {
	t.Run("reply unblocks a waiting ask", func(t *testing.T) {
		c, ctx := newCoord(t)
		asker := join(t, ctx, c, "asker", "")
		t.Setenv("AQUA_SESSION_ID", "other-session")
		helper := join(t, ctx, c, "helper", "")

		type result struct {
			reply *protocol.Message
			err   error
		}
		done := make(chan result, 1)
		go func() {
			reply, err := c.Ask(ctx, asker, helper.ID, "is the schema frozen?", 10*time.Second)
			done <- result{reply, err}
		}()

		time.Sleep(100 * time.Millisecond)
		inbox, err := c.Store.Inbox(ctx, helper.ID, false, false, true)
		if err != nil {
			t.Fatalf("inbox: %v", err)
		}
		if len(inbox) != 1 || inbox[0].Type != protocol.MsgRequest {
			t.Fatalf("inbox = %+v, want one request", inbox)
		}
		if _, err := c.Reply(ctx, helper, inbox[0].ID, "yes, since monday"); err != nil {
			t.Fatalf("reply: %v", err)
		}

		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("ask: %v", r.err)
			}
			if r.reply.Content != "yes, since monday" {
				t.Errorf("reply content = %q", r.reply.Content)
			}
			if r.reply.FromAgent != helper.ID || r.reply.ToAgent != asker.ID {
				t.Errorf("reply routed %s -> %s, want %s -> %s",
					r.reply.FromAgent, r.reply.ToAgent, helper.ID, asker.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("ask never returned")
		}
	})

	t.Run("unanswered ask times out", func(t *testing.T) {
		c, ctx := newCoord(t)
		asker := join(t, ctx, c, "asker", "")
		_, err := c.Ask(ctx, asker, "nobody", "anyone there?", 50*time.Millisecond)
		if protocol.KindOf(err) != protocol.ErrTimeout {
			t.Errorf("got %v, want timeout", err)
		}
	})

	t.Run("request survives its own timeout", func(t *testing.T) {
		c, ctx := newCoord(t)
		asker := join(t, ctx, c, "asker", "")
		t.Setenv("AQUA_SESSION_ID", "other-session")
		helper := join(t, ctx, c, "helper", "")

		if _, err := c.Ask(ctx, asker, helper.ID, "ping", 10*time.Millisecond); protocol.KindOf(err) != protocol.ErrTimeout {
			t.Fatalf("got %v, want timeout", err)
		}
		inbox, err := c.Store.Inbox(ctx, helper.ID, false, false, true)
		if err != nil {
			t.Fatalf("inbox: %v", err)
		}
		if len(inbox) != 1 {
			t.Errorf("inbox = %+v, want the expired request still delivered", inbox)
		}
	})
}

func TestReply(t *testing.T) {
	t.Run("replying to a chat message is rejected", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		t.Setenv("AQUA_SESSION_ID", "other-session")
		b := join(t, ctx, c, "beta", "")
		id, err := c.Store.SendMessage(ctx, &protocol.Message{
			FromAgent: a.ID, ToAgent: b.ID, Content: "hello",
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if _, err := c.Reply(ctx, b, id, "hi"); protocol.KindOf(err) != protocol.ErrNotFound {
			t.Errorf("got %v, want not_found", err)
		}
	})

	t.Run("replying to a missing message is not_found", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		if _, err := c.Reply(ctx, a, 999, "hi"); protocol.KindOf(err) != protocol.ErrNotFound {
			t.Errorf("got %v, want not_found", err)
		}
	})

	t.Run("response threads back through reply_to", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		t.Setenv("AQUA_SESSION_ID", "other-session")
		b := join(t, ctx, c, "beta", "")
		id, err := c.Store.SendMessage(ctx, &protocol.Message{
			FromAgent: a.ID, ToAgent: b.ID, Content: "status?",
			Type: protocol.MsgRequest,
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		resp, err := c.Reply(ctx, b, id, "green")
		if err != nil {
			t.Fatalf("reply: %v", err)
		}
		if resp.ReplyTo != id || resp.Type != protocol.MsgResponse {
			t.Errorf("reply = %+v, want response threading %d", resp, id)
		}
		found, err := c.Store.FindReply(ctx, id)
		if err != nil {
			t.Fatalf("find reply: %v", err)
		}
		if found == nil || found.Content != "green" {
			t.Errorf("find reply = %+v, want the green response", found)
		}
	})
}
