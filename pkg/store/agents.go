package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"aqua/pkg/protocol"
)

const agentCols = `id, name, kind, pid, status, last_heartbeat, registered_at,
	current_task_id, capabilities, metadata, role, session_key, last_progress`

func scanAgent(row interface{ Scan(...any) error }) (*protocol.Agent, error) {
	var (
		a       protocol.Agent
		pid     sql.NullInt64
		current sql.NullString
		caps    string
	)
	err := row.Scan(&a.ID, &a.Name, &a.Kind, &pid, &a.Status, &a.LastHeartbeat,
		&a.RegisteredAt, &current, &caps, &a.Metadata, &a.Role, &a.SessionKey,
		&a.LastProgress)
	if err != nil {
		return nil, err
	}
	a.PID = int(pid.Int64)
	a.CurrentTaskID = nullStr(current)
	a.Capabilities = protocol.SplitTags(caps)
	return &a, nil
}

// CreateAgent registers a new agent row. Name collisions surface as
// an already_held error naming the taken name.
func (s *Store) CreateAgent(ctx context.Context, a *protocol.Agent) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, kind, pid, status, last_heartbeat,
				registered_at, capabilities, metadata, role, session_key, last_progress)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
			a.ID, a.Name, a.Kind, toNullInt(a.PID), a.Status, a.LastHeartbeat,
			a.RegisteredAt, protocol.JoinTags(a.Capabilities), a.Metadata,
			a.Role, a.SessionKey)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return &protocol.CoordError{
					Kind:    protocol.ErrAlreadyHeld,
					Msg:     fmt.Sprintf("agent name %q is already registered", a.Name),
					AgentID: a.ID,
				}
			}
			return fmt.Errorf("insert agent: %w", err)
		}
		return appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvAgentJoined, AgentID: a.ID,
			Detail: fmt.Sprintf(`{"name":%q}`, a.Name),
		})
	})
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	return getAgentBy(ctx, s.db, "id", id)
}

// GetAgentByName fetches one agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*protocol.Agent, error) {
	return getAgentBy(ctx, s.db, "name", name)
}

// GetAgentBySession fetches the most recently registered non-dead
// agent bound to the given session key.
func (s *Store) GetAgentBySession(ctx context.Context, sessionKey string) (*protocol.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentCols+` FROM agents
		WHERE session_key = ? AND status != 'dead'
		ORDER BY registered_at DESC LIMIT 1`, sessionKey)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.CoordError{Kind: protocol.ErrNotJoined,
			Msg: "no agent bound to this session"}
	}
	if err != nil {
		return nil, fmt.Errorf("agent by session: %w", err)
	}
	return a, nil
}

func getAgentBy(ctx context.Context, q Querier, col, val string) (*protocol.Agent, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+agentCols+" FROM agents WHERE "+col+" = ?", val)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.CoordError{Kind: protocol.ErrNotFound,
			Msg: fmt.Sprintf("agent %s %q not found", col, val)}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by %s: %w", col, err)
	}
	return a, nil
}

// ListAgents returns agents ordered by registration time. Dead agents
// are included only when includeDead is set.
func (s *Store) ListAgents(ctx context.Context, includeDead bool) ([]protocol.Agent, error) {
	query := "SELECT " + agentCols + " FROM agents"
	if !includeDead {
		query += " WHERE status != 'dead'"
	}
	query += " ORDER BY registered_at"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []protocol.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Heartbeat stamps last_heartbeat for the agent and flips an idle row
// back to active.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?,
			status = CASE WHEN status = 'idle' THEN 'active' ELSE status END
		WHERE id = ?`, protocol.Now(), id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return nil
}

// SetAgentStatus updates the lifecycle state of one agent.
func (s *Store) SetAgentStatus(ctx context.Context, id string, status protocol.AgentStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// SetAgentProgress records the agent's latest progress note for
// refresh output.
func (s *Store) SetAgentProgress(ctx context.Context, id, note string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET last_progress = ? WHERE id = ?", note, id)
	if err != nil {
		return fmt.Errorf("set agent progress: %w", err)
	}
	return nil
}

// StaleAgents returns active agents whose heartbeat is older than the
// cutoff timestamp.
func (s *Store) StaleAgents(ctx context.Context, cutoff string) ([]protocol.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentCols+` FROM agents
		WHERE status = 'active' AND last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale agents: %w", err)
	}
	defer rows.Close()
	var out []protocol.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RemoveAgent deletes the agent row inside an existing transaction.
// Historical messages and events referencing the id survive.
func RemoveAgent(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func toNullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
