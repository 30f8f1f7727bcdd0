package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aqua/pkg/protocol"
)

// GetLeader returns the current leadership record, or nil when no
// election has ever happened.
func (s *Store) GetLeader(ctx context.Context) (*protocol.Leader, error) {
	return getLeader(ctx, s.db)
}

func getLeader(ctx context.Context, q Querier) (*protocol.Leader, error) {
	var l protocol.Leader
	err := q.QueryRowContext(ctx, `
		SELECT agent_id, term, lease_expires_at, elected_at
		FROM leader WHERE id = 1`).
		Scan(&l.AgentID, &l.Term, &l.LeaseExpiresAt, &l.ElectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get leader: %w", err)
	}
	return &l, nil
}

// CurrentTerm returns the leader term, 0 when no leader row exists.
func (s *Store) CurrentTerm(ctx context.Context) (int64, error) {
	l, err := s.GetLeader(ctx)
	if err != nil {
		return 0, err
	}
	if l == nil {
		return 0, nil
	}
	return l.Term, nil
}

// TryBecomeLeader attempts to acquire or renew the leadership lease
// for agentID. It returns (true, term) on success and (false, 0) when
// another agent holds a live lease or the take-over race is lost.
//
// Take-over is guarded by WHERE term = ?; the term read before the
// update acts as a fencing token, so of two racing callers only one
// can advance the term.
func (s *Store) TryBecomeLeader(ctx context.Context, agentID string, lease time.Duration) (bool, int64, error) {
	var (
		won  bool
		term int64
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		cur, err := getLeader(ctx, tx)
		if err != nil {
			return err
		}

		if cur == nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO leader (id, agent_id, term, lease_expires_at, elected_at)
				VALUES (1, ?, 1, ?, ?)`,
				agentID, protocol.FormatTime(now.Add(lease)), protocol.FormatTime(now))
			if err != nil {
				return fmt.Errorf("insert leader: %w", err)
			}
			won, term = true, 1
			return appendEvent(ctx, tx, protocol.Event{
				Type: protocol.EvLeaderElected, AgentID: agentID,
				Detail: `{"term":1}`,
			})
		}

		if !cur.Expired(now) {
			if cur.AgentID != agentID {
				won, term = false, 0
				return nil
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE leader SET lease_expires_at = ? WHERE id = 1 AND agent_id = ?`,
				protocol.FormatTime(now.Add(lease)), agentID)
			if err != nil {
				return fmt.Errorf("renew lease: %w", err)
			}
			won, term = true, cur.Term
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE leader SET agent_id = ?, term = ?, lease_expires_at = ?, elected_at = ?
			WHERE id = 1 AND term = ?`,
			agentID, cur.Term+1, protocol.FormatTime(now.Add(lease)),
			protocol.FormatTime(now), cur.Term)
		if err != nil {
			return fmt.Errorf("take over leadership: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("take over leadership: %w", err)
		}
		if n != 1 {
			won, term = false, 0
			return nil
		}
		won, term = true, cur.Term+1
		return appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvLeaderElected, AgentID: agentID,
			Detail: fmt.Sprintf(`{"term":%d}`, cur.Term+1),
		})
	})
	if err != nil {
		return false, 0, err
	}
	return won, term, nil
}

// StepDown removes the leader row when held by agentID, letting the
// next caller win a fresh election. A no-op for non-leaders.
func (s *Store) StepDown(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM leader WHERE id = 1 AND agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("step down: %w", err)
	}
	return nil
}

// ConfirmTerm verifies inside tx that the leader row still carries
// the given term. A stale leader touches zero rows and learns it has
// been deposed.
func ConfirmTerm(ctx context.Context, tx *sql.Tx, term int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE leader SET lease_expires_at = lease_expires_at
		WHERE id = 1 AND term = ?`, term)
	if err != nil {
		return false, fmt.Errorf("confirm term: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm term: %w", err)
	}
	return n == 1, nil
}
