package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"aqua/pkg/protocol"
)

// appendEvent writes one audit record. It accepts a Querier so event
// emission can ride inside the transaction that caused the event.
func appendEvent(ctx context.Context, q Querier, ev protocol.Event) error {
	if ev.Detail == "" {
		ev.Detail = "{}"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO events (type, agent_id, task_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Type, toNull(ev.AgentID), toNull(ev.TaskID), ev.Detail, protocol.Now())
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	return nil
}

// AppendEvent writes one audit record outside any caller transaction.
func (s *Store) AppendEvent(ctx context.Context, ev protocol.Event) error {
	return appendEvent(ctx, s.db, ev)
}

// EventFilter narrows a tail query. Zero values mean "no filter".
type EventFilter struct {
	AgentID string
	TaskID  string
	Type    string
	Limit   int
}

// QueryEvents returns the newest events matching the filter, newest
// first. Limit defaults to 20.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]protocol.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	query := "SELECT id, type, agent_id, task_id, detail, created_at FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []protocol.Event
	for rows.Next() {
		var (
			ev      protocol.Event
			agentID sql.NullString
			taskID  sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &agentID, &taskID, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.AgentID = nullStr(agentID)
		ev.TaskID = nullStr(taskID)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastEventTime returns the timestamp of the newest event of the
// given type, or ok=false when none has been recorded.
func (s *Store) LastEventTime(ctx context.Context, eventType string) (time.Time, bool, error) {
	var created string
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at FROM events WHERE type = ? ORDER BY id DESC LIMIT 1",
		eventType).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last event time: %w", err)
	}
	t, err := protocol.ParseTime(created)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse event time %q: %w", created, err)
	}
	return t, true, nil
}
