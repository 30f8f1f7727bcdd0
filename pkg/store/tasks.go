package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"aqua/pkg/protocol"
)

const taskCols = `id, title, description, status, priority, created_by, claimed_by,
	claim_term, created_at, updated_at, claimed_at, completed_at, result, error,
	retry_count, max_retries, tags, context, version, is_checkpoint`

func scanTask(row interface{ Scan(...any) error }) (*protocol.Task, error) {
	var (
		t                                   protocol.Task
		createdBy, claimedBy                sql.NullString
		claimedAt, completedAt, res, errMsg sql.NullString
		tags                                string
		checkpoint                          int
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&createdBy, &claimedBy, &t.ClaimTerm, &t.CreatedAt, &t.UpdatedAt,
		&claimedAt, &completedAt, &res, &errMsg, &t.RetryCount, &t.MaxRetries,
		&tags, &t.Context, &t.Version, &checkpoint)
	if err != nil {
		return nil, err
	}
	t.CreatedBy = nullStr(createdBy)
	t.ClaimedBy = nullStr(claimedBy)
	t.ClaimedAt = nullStr(claimedAt)
	t.CompletedAt = nullStr(completedAt)
	t.Result = nullStr(res)
	t.Error = nullStr(errMsg)
	t.Tags = protocol.SplitTags(tags)
	t.IsCheckpoint = checkpoint != 0
	return &t, nil
}

// CreateTask inserts a task and its dependency edges in one
// transaction. Any declared parent that would close a cycle rejects
// the whole insert; no rows are written.
func (s *Store) CreateTask(ctx context.Context, t *protocol.Task) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
		for _, parent := range t.DependsOn {
			if err := insertDependency(ctx, tx, t.ID, parent); err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvTaskAdded, AgentID: t.CreatedBy, TaskID: t.ID,
			Detail: fmt.Sprintf(`{"title":%q,"priority":%d}`, t.Title, t.Priority),
		})
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, t *protocol.Task) error {
	now := protocol.Now()
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, created_by,
			claim_term, created_at, updated_at, retry_count, max_retries, tags,
			context, version, is_checkpoint)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, toNull(t.CreatedBy),
		t.CreatedAt, t.UpdatedAt, t.MaxRetries, protocol.JoinTags(t.Tags),
		t.Context, t.Version, boolToInt(t.IsCheckpoint))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches one task by id, with its dependency list populated.
func (s *Store) GetTask(ctx context.Context, id string) (*protocol.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q Querier, id string) (*protocol.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskCols+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.CoordError{Kind: protocol.ErrNotFound,
			Msg: "task not found", TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.DependsOn, err = dependenciesOf(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ResolveTaskRef resolves a user-supplied task reference: an exact id
// first, then a fuzzy title match choosing the most recently created
// matching task.
func (s *Store) ResolveTaskRef(ctx context.Context, ref string) (*protocol.Task, error) {
	t, err := s.GetTask(ctx, ref)
	if err == nil {
		return t, nil
	}
	if protocol.KindOf(err) != protocol.ErrNotFound {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE title LIKE ?
		ORDER BY created_at DESC LIMIT 1`, "%"+ref+"%")
	t, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.CoordError{Kind: protocol.ErrNotFound,
			Msg: fmt.Sprintf("no task matches %q", ref)}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve task ref: %w", err)
	}
	t.DependsOn, err = dependenciesOf(ctx, s.db, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Status protocol.TaskStatus
	Tag    string
}

// ListTasks returns tasks ordered by priority then age.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]protocol.Task, error) {
	query := "SELECT " + taskCols + " FROM tasks"
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Tag != "" {
		conds = append(conds, "(',' || tags || ',') LIKE ?")
		args = append(args, "%,"+strings.ToLower(f.Tag)+",%")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, created_at"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CountsByStatus returns the number of tasks in each status.
func (s *Store) CountsByStatus(ctx context.Context) (map[protocol.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := map[protocol.TaskStatus]int{}
	for rows.Next() {
		var (
			st protocol.TaskStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// depSatisfied is the anti-join predicate selecting tasks whose every
// parent is done. A dependency edge pointing at a missing task row
// blocks the child.
const depSatisfied = `NOT EXISTS (
	SELECT 1 FROM task_dependencies d
	LEFT JOIN tasks p ON p.id = d.depends_on
	WHERE d.task_id = t.id AND (p.id IS NULL OR p.status != 'done'))`

// ClaimNext atomically claims the best available pending task for the
// agent: highest priority, then oldest, with all dependencies
// satisfied. When roleTags is non-empty, candidates carrying one of
// those tags are preferred; if none match, any claimable task is
// taken. The task update and the agent's current_task_id update
// commit together or not at all.
func (s *Store) ClaimNext(ctx context.Context, agentID string, roleTags []string) (*protocol.Task, error) {
	var claimed *protocol.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := nextCandidate(ctx, tx, roleTags)
		if err != nil {
			return err
		}
		if id == "" && len(roleTags) > 0 {
			id, err = nextCandidate(ctx, tx, nil)
			if err != nil {
				return err
			}
		}
		if id == "" {
			return &protocol.CoordError{Kind: protocol.ErrNoTask,
				Msg: "no claimable task", AgentID: agentID}
		}
		claimed, err = claimInTx(ctx, tx, agentID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func nextCandidate(ctx context.Context, tx *sql.Tx, roleTags []string) (string, error) {
	query := `SELECT t.id FROM tasks t WHERE t.status = 'pending' AND ` + depSatisfied
	var args []any
	if len(roleTags) > 0 {
		var ors []string
		for _, tag := range roleTags {
			ors = append(ors, "(',' || t.tags || ',') LIKE ?")
			args = append(args, "%,"+tag+",%")
		}
		query += " AND (" + strings.Join(ors, " OR ") + ")"
	}
	query += " ORDER BY t.priority DESC, t.created_at LIMIT 1"
	var id string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select candidate: %w", err)
	}
	return id, nil
}

// ClaimTask atomically claims one specific task for the agent. A race
// loss (someone claimed it first) surfaces as race_lost carrying the
// current owner.
func (s *Store) ClaimTask(ctx context.Context, agentID, taskID string) (*protocol.Task, error) {
	var claimed *protocol.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != protocol.TaskPending {
			return &protocol.CoordError{Kind: protocol.ErrRaceLost,
				Msg:    fmt.Sprintf("task is %s", t.Status),
				TaskID: taskID, AgentID: t.ClaimedBy}
		}
		claimed, err = claimInTx(ctx, tx, agentID, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimInTx performs the conditional claim update and the paired
// agent assignment. Both writes share the transaction; two separate
// commits would risk orphaning the assignment.
func claimInTx(ctx context.Context, tx *sql.Tx, agentID, taskID string) (*protocol.Task, error) {
	leader, err := getLeader(ctx, tx)
	if err != nil {
		return nil, err
	}
	var term int64
	if leader != nil {
		term = leader.Term
	}
	now := protocol.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'claimed', claimed_by = ?, claimed_at = ?,
			claim_term = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = 'pending'`,
		agentID, now, term, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n != 1 {
		return nil, &protocol.CoordError{Kind: protocol.ErrRaceLost,
			Msg: "task was claimed concurrently", TaskID: taskID}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE agents SET current_task_id = ? WHERE id = ?", taskID, agentID); err != nil {
		return nil, fmt.Errorf("assign task to agent: %w", err)
	}
	if err := appendEvent(ctx, tx, protocol.Event{
		Type: protocol.EvTaskClaimed, AgentID: agentID, TaskID: taskID,
		Detail: fmt.Sprintf(`{"term":%d}`, term),
	}); err != nil {
		return nil, err
	}
	return getTask(ctx, tx, taskID)
}

// CompleteTask marks the caller's claimed task done and clears the
// agent's current assignment.
func (s *Store) CompleteTask(ctx context.Context, agentID, taskID, result string) (*protocol.Task, error) {
	return s.finishTask(ctx, agentID, taskID, protocol.TaskDone, result, "")
}

// FailTask marks the caller's claimed task failed with a reason and
// bumps its retry count. The recovery sweep requeues it later if
// retries remain.
func (s *Store) FailTask(ctx context.Context, agentID, taskID, reason string) (*protocol.Task, error) {
	return s.finishTask(ctx, agentID, taskID, protocol.TaskFailed, "", reason)
}

func (s *Store) finishTask(ctx context.Context, agentID, taskID string, status protocol.TaskStatus, result, reason string) (*protocol.Task, error) {
	var out *protocol.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != protocol.TaskClaimed {
			return &protocol.CoordError{Kind: protocol.ErrNotFound,
				Msg: fmt.Sprintf("task is %s, not claimed", t.Status), TaskID: taskID}
		}
		if t.ClaimedBy != agentID {
			return &protocol.CoordError{Kind: protocol.ErrPermissionDenied,
				Msg: "task is claimed by another agent", TaskID: taskID, AgentID: t.ClaimedBy}
		}
		now := protocol.Now()
		retryBump := 0
		evType := protocol.EvTaskDone
		if status == protocol.TaskFailed {
			retryBump = 1
			evType = protocol.EvTaskFailed
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?,
				result = ?, error = ?, retry_count = retry_count + ?,
				version = version + 1
			WHERE id = ?`,
			status, now, now, toNull(result), toNull(reason), retryBump, taskID); err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE agents SET current_task_id = NULL WHERE id = ?", agentID); err != nil {
			return fmt.Errorf("clear agent assignment: %w", err)
		}
		if err := appendEvent(ctx, tx, protocol.Event{
			Type: evType, AgentID: agentID, TaskID: taskID,
		}); err != nil {
			return err
		}
		out, err = getTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProgressTask stores a progress note as the caller's claimed task's
// context, replacing the previous context, and bumps the
// optimistic-concurrency version. A non-zero
// expectedVersion must match the stored version or the update is
// rejected as stale.
func (s *Store) ProgressTask(ctx context.Context, agentID, taskID, note string, expectedVersion int64) (*protocol.Task, error) {
	var out *protocol.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.ClaimedBy != agentID || t.Status != protocol.TaskClaimed {
			return &protocol.CoordError{Kind: protocol.ErrPermissionDenied,
				Msg: "task is not claimed by this agent", TaskID: taskID, AgentID: agentID}
		}
		if expectedVersion == 0 {
			expectedVersion = t.Version
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET context = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			note, protocol.Now(), taskID, expectedVersion)
		if err != nil {
			return fmt.Errorf("progress task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("progress task: %w", err)
		}
		if n != 1 {
			return &protocol.CoordError{Kind: protocol.ErrStaleVersion,
				Msg:     fmt.Sprintf("version %d is stale (have %d)", expectedVersion, t.Version),
				TaskID:  taskID,
				Version: t.Version}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE agents SET last_progress = ? WHERE id = ?", note, agentID); err != nil {
			return fmt.Errorf("record agent progress: %w", err)
		}
		if err := appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvTaskProgress, AgentID: agentID, TaskID: taskID,
		}); err != nil {
			return err
		}
		out, err = getTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AbandonAgentTasks moves every task claimed by agentID to abandoned
// inside tx, recording the reason and bumping retry counts. Used when
// an agent dies. Returns the affected task ids.
func AbandonAgentTasks(ctx context.Context, tx *sql.Tx, agentID, reason string) ([]string, error) {
	ids, err := claimedTaskIDs(ctx, tx, agentID)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	now := protocol.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'abandoned', claimed_by = NULL, claimed_at = NULL,
			error = ?, retry_count = retry_count + 1, updated_at = ?,
			version = version + 1
		WHERE claimed_by = ? AND status = 'claimed'`,
		reason, now, agentID); err != nil {
		return nil, fmt.Errorf("abandon tasks: %w", err)
	}
	for _, id := range ids {
		if err := appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvTaskAbandoned, AgentID: agentID, TaskID: id,
			Detail: fmt.Sprintf(`{"reason":%q}`, reason),
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ReturnAgentTasks puts every task claimed by agentID straight back
// to pending inside tx, bumping retry counts. Used on voluntary leave.
func ReturnAgentTasks(ctx context.Context, tx *sql.Tx, agentID string) ([]string, error) {
	ids, err := claimedTaskIDs(ctx, tx, agentID)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	now := protocol.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
			retry_count = retry_count + 1, updated_at = ?, version = version + 1
		WHERE claimed_by = ? AND status = 'claimed'`,
		now, agentID); err != nil {
		return nil, fmt.Errorf("return tasks: %w", err)
	}
	for _, id := range ids {
		if err := appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvTaskRequeued, AgentID: agentID, TaskID: id,
			Detail: `{"reason":"agent left"}`,
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func claimedTaskIDs(ctx context.Context, tx *sql.Tx, agentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM tasks WHERE claimed_by = ? AND status = 'claimed'", agentID)
	if err != nil {
		return nil, fmt.Errorf("claimed tasks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequeueEligible moves abandoned and failed tasks that still have
// retries left back to pending inside tx, returning their ids.
func RequeueEligible(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status IN ('abandoned','failed') AND retry_count < max_retries`)
	if err != nil {
		return nil, fmt.Errorf("requeue candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	now := protocol.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
			completed_at = NULL, updated_at = ?, version = version + 1
		WHERE status IN ('abandoned','failed') AND retry_count < max_retries`,
		now); err != nil {
		return nil, fmt.Errorf("requeue tasks: %w", err)
	}
	for _, id := range ids {
		if err := appendEvent(ctx, tx, protocol.Event{
			Type: protocol.EvTaskRequeued, TaskID: id,
			Detail: `{"reason":"retry"}`,
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// StaleClaimed returns claimed tasks whose claim is older than the
// cutoff timestamp.
func (s *Store) StaleClaimed(ctx context.Context, cutoff string) ([]protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'claimed' AND claimed_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale claims: %w", err)
	}
	defer rows.Close()
	var out []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// AbandonTask forcibly abandons one claimed task inside tx without
// touching its owner's agent row. Used for stuck-claim reclaim.
func AbandonTask(ctx context.Context, tx *sql.Tx, taskID, reason string) error {
	now := protocol.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'abandoned', claimed_by = NULL, claimed_at = NULL,
			error = ?, retry_count = retry_count + 1, updated_at = ?,
			version = version + 1
		WHERE id = ? AND status = 'claimed'`,
		reason, now, taskID)
	if err != nil {
		return fmt.Errorf("abandon task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		if err != nil {
			return fmt.Errorf("abandon task: %w", err)
		}
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE agents SET current_task_id = NULL WHERE current_task_id = ?", taskID); err != nil {
		return fmt.Errorf("clear stale assignment: %w", err)
	}
	return appendEvent(ctx, tx, protocol.Event{
		Type: protocol.EvTaskAbandoned, TaskID: taskID,
		Detail: fmt.Sprintf(`{"reason":%q}`, reason),
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
