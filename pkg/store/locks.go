package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"aqua/pkg/protocol"
)

// AcquireLock inserts an exclusive lock on path for agentID. If the
// path is already locked the error carries the current owner.
func (s *Store) AcquireLock(ctx context.Context, path, agentID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_locks (path, agent_id, acquired_at) VALUES (?, ?, ?)`,
			path, agentID, protocol.Now())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				owner := ""
				_ = tx.QueryRowContext(ctx,
					"SELECT agent_id FROM file_locks WHERE path = ?", path).Scan(&owner)
				return &protocol.CoordError{
					Kind:    protocol.ErrAlreadyHeld,
					Msg:     fmt.Sprintf("path is locked by agent %s", owner),
					AgentID: owner,
					Path:    path,
				}
			}
			return fmt.Errorf("acquire lock: %w", err)
		}
		return appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvLockAcquired, AgentID: agentID,
			Detail: fmt.Sprintf(`{"path":%q}`, path),
		})
	})
}

// ReleaseLock deletes the lock on path, but only when agentID owns it.
func (s *Store) ReleaseLock(ctx context.Context, path, agentID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx,
			"SELECT agent_id FROM file_locks WHERE path = ?", path).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return &protocol.CoordError{Kind: protocol.ErrNotFound,
				Msg: "no lock on path", Path: path}
		}
		if err != nil {
			return fmt.Errorf("lookup lock: %w", err)
		}
		if owner != agentID {
			return &protocol.CoordError{
				Kind:    protocol.ErrPermissionDenied,
				Msg:     fmt.Sprintf("lock is owned by agent %s", owner),
				AgentID: owner,
				Path:    path,
			}
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM file_locks WHERE path = ? AND agent_id = ?", path, agentID); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvLockReleased, AgentID: agentID,
			Detail: fmt.Sprintf(`{"path":%q}`, path),
		})
	})
}

// ListLocks returns all held locks ordered by path.
func (s *Store) ListLocks(ctx context.Context) ([]protocol.FileLock, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, agent_id, acquired_at FROM file_locks ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var out []protocol.FileLock
	for rows.Next() {
		var l protocol.FileLock
		if err := rows.Scan(&l.Path, &l.AgentID, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReleaseAgentLocks drops every lock owned by agentID inside an
// existing transaction, returning the released paths.
func ReleaseAgentLocks(ctx context.Context, tx *sql.Tx, agentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT path FROM file_locks WHERE agent_id = ?", agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent locks: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lock path: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM file_locks WHERE agent_id = ?", agentID); err != nil {
		return nil, fmt.Errorf("release agent locks: %w", err)
	}
	return paths, nil
}
