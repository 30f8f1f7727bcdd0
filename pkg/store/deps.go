package store

import (
	"context"
	"database/sql"
	"fmt"

	"aqua/pkg/protocol"
)

// insertDependency records "taskID depends on parent" after checking
// that the new edge cannot close a cycle. The check walks the
// ancestor closure of parent with a recursive CTE; if taskID appears
// there the edge is rejected and nothing is written.
func insertDependency(ctx context.Context, tx *sql.Tx, taskID, parent string) error {
	if taskID == parent {
		return &protocol.CoordError{Kind: protocol.ErrCycleDetected,
			Msg: "task cannot depend on itself", TaskID: taskID}
	}
	var hit int
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE ancestors(id) AS (
			SELECT depends_on FROM task_dependencies WHERE task_id = ?
			UNION
			SELECT d.depends_on FROM task_dependencies d
			JOIN ancestors a ON d.task_id = a.id
		)
		SELECT COUNT(*) FROM ancestors WHERE id = ?`, parent, taskID).Scan(&hit)
	if err != nil {
		return fmt.Errorf("cycle check: %w", err)
	}
	if hit > 0 {
		return &protocol.CoordError{Kind: protocol.ErrCycleDetected,
			Msg:    fmt.Sprintf("dependency on %s would close a cycle", parent),
			TaskID: taskID}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`,
		taskID, parent); err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

// InsertDependency adds a dependency edge inside an existing
// transaction, with the same cycle protection as task creation.
func InsertDependency(ctx context.Context, tx *sql.Tx, taskID, parent string) error {
	return insertDependency(ctx, tx, taskID, parent)
}

// InsertTask writes a task row inside an existing transaction.
// Serialization uses this to thread checkpoint tasks into the queue.
func InsertTask(ctx context.Context, tx *sql.Tx, t *protocol.Task) error {
	return insertTask(ctx, tx, t)
}

func dependenciesOf(ctx context.Context, q Querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DependenciesOf returns the ids the given task depends on.
func (s *Store) DependenciesOf(ctx context.Context, taskID string) ([]string, error) {
	return dependenciesOf(ctx, s.db, taskID)
}

// DependentsOf returns the ids of tasks that depend on the given task.
func (s *Store) DependentsOf(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id FROM task_dependencies WHERE depends_on = ? ORDER BY task_id",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PendingGraph loads all pending tasks and the dependency edges among
// them inside tx. Serialization topologically orders this snapshot.
func PendingGraph(ctx context.Context, tx *sql.Tx) ([]protocol.Task, map[string][]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+taskCols+" FROM tasks WHERE status = 'pending' ORDER BY priority DESC, created_at")
	if err != nil {
		return nil, nil, fmt.Errorf("pending tasks: %w", err)
	}
	defer rows.Close()
	var tasks []protocol.Task
	ids := map[string]bool{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
		ids[t.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edges := map[string][]string{}
	erows, err := tx.QueryContext(ctx,
		"SELECT task_id, depends_on FROM task_dependencies ORDER BY task_id, depends_on")
	if err != nil {
		return nil, nil, fmt.Errorf("dependency edges: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var child, parent string
		if err := erows.Scan(&child, &parent); err != nil {
			return nil, nil, fmt.Errorf("scan edge: %w", err)
		}
		if ids[child] && ids[parent] {
			edges[child] = append(edges[child], parent)
		}
	}
	return tasks, edges, erows.Err()
}
