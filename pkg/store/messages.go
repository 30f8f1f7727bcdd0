package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aqua/pkg/protocol"
)

const messageCols = "id, from_agent, to_agent, content, message_type, created_at, read_at, reply_to"

func scanMessage(row interface{ Scan(...any) error }) (*protocol.Message, error) {
	var (
		m       protocol.Message
		to      sql.NullString
		readAt  sql.NullString
		replyTo sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.FromAgent, &to, &m.Content, &m.Type,
		&m.CreatedAt, &readAt, &replyTo)
	if err != nil {
		return nil, err
	}
	m.ToAgent = nullStr(to)
	m.ReadAt = nullStr(readAt)
	m.ReplyTo = replyTo.Int64
	return &m, nil
}

// SendMessage inserts one message and returns its id. An empty
// ToAgent stores NULL, meaning broadcast.
func (s *Store) SendMessage(ctx context.Context, m *protocol.Message) (int64, error) {
	if m.Type == "" {
		m.Type = protocol.MsgChat
	}
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (from_agent, to_agent, content, message_type, created_at, reply_to)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.FromAgent, toNull(m.ToAgent), m.Content, m.Type, protocol.Now(),
			toNullID(m.ReplyTo))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		return appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvMessageSent, AgentID: m.FromAgent,
			Detail: fmt.Sprintf(`{"message_id":%d,"to":%q}`, id, m.ToAgent),
		})
	})
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*protocol.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.CoordError{Kind: protocol.ErrNotFound,
			Msg: fmt.Sprintf("message %d not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// inboxWhere builds the recipient-resolution predicate: direct mail,
// broadcast, @leader when the reader leads, @idle when the reader has
// no current task. The sender check keeps an agent's own broadcasts
// out of its inbox.
func inboxWhere(agentID string, isLeader, isIdle bool) (string, []any) {
	where := "(to_agent = ? OR ((to_agent IS NULL OR to_agent = ?) AND from_agent != ?)"
	args := []any{agentID, protocol.ToAll, agentID}
	if isLeader {
		where += " OR to_agent = ?"
		args = append(args, protocol.ToLeader)
	}
	if isIdle {
		where += " OR to_agent = ?"
		args = append(args, protocol.ToIdle)
	}
	where += ")"
	return where, args
}

// Inbox returns messages addressed to the agent, oldest first, and
// stamps read_at exactly once on everything it returns. With
// unreadOnly set, already-read messages are skipped.
func (s *Store) Inbox(ctx context.Context, agentID string, isLeader, isIdle, unreadOnly bool) ([]protocol.Message, error) {
	where, args := inboxWhere(agentID, isLeader, isIdle)
	if unreadOnly {
		where += " AND read_at IS NULL"
	}
	var out []protocol.Message
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		out = nil
		rows, err := tx.QueryContext(ctx,
			"SELECT "+messageCols+" FROM messages WHERE "+where+" ORDER BY id", args...)
		if err != nil {
			return fmt.Errorf("query inbox: %w", err)
		}
		defer rows.Close()
		var unread []int64
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			if m.ReadAt == "" {
				unread = append(unread, m.ID)
				m.ReadAt = protocol.Now()
			}
			out = append(out, *m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		now := protocol.Now()
		for _, id := range unread {
			if _, err := tx.ExecContext(ctx,
				"UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL",
				now, id); err != nil {
				return fmt.Errorf("mark read: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount counts messages the agent has not yet read.
func (s *Store) UnreadCount(ctx context.Context, agentID string, isLeader, isIdle bool) (int, error) {
	where, args := inboxWhere(agentID, isLeader, isIdle)
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE "+where+" AND read_at IS NULL",
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// FindReply returns the first response whose reply_to references the
// given request, or nil when none has arrived.
func (s *Store) FindReply(ctx context.Context, requestID int64) (*protocol.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE reply_to = ? ORDER BY id LIMIT 1",
		requestID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find reply: %w", err)
	}
	return m, nil
}

func toNullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
