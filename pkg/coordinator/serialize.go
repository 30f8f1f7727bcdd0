package coordinator

import (
	"context"
	"database/sql"
	"fmt"

	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

// SerializeReport summarizes one serialization pass.
type SerializeReport struct {
	Order       []string `json:"order"`
	EdgesAdded  int      `json:"edges_added"`
	Checkpoints int      `json:"checkpoints"`
}

// Serialize collapses the pending queue into a single linear chain:
// tasks are ordered topologically (priority breaks ties), each task
// gains a dependency on its predecessor, and a checkpoint task is
// threaded in after every `every` real tasks. Running it twice is a
// no-op: existing edges are kept and existing checkpoints are not
// duplicated. With every <= 0 no checkpoints are inserted.
func (c *Coordinator) Serialize(ctx context.Context, agent *protocol.Agent, every int) (SerializeReport, error) {
	var report SerializeReport
	err := c.Store.WithTx(ctx, func(tx *sql.Tx) error {
		report = SerializeReport{}
		tasks, edges, err := store.PendingGraph(ctx, tx)
		if err != nil {
			return err
		}
		order, err := topoOrder(tasks, edges)
		if err != nil {
			return err
		}
		if len(order) < 2 {
			report.Order = taskIDs(order)
			return nil
		}

		chained, sinceCheckpoint, seq := make([]protocol.Task, 0, len(order)), 0, 0
		for _, t := range order {
			if len(chained) > 0 {
				prev := chained[len(chained)-1]
				if every > 0 && sinceCheckpoint >= every && !t.IsCheckpoint && !prev.IsCheckpoint {
					seq++
					cp, err := c.insertCheckpoint(ctx, tx, agent, prev, t, seq)
					if err != nil {
						return err
					}
					chained = append(chained, *cp)
					prev = *cp
					report.Checkpoints++
					sinceCheckpoint = 0
				}
				if !contains(edges[t.ID], prev.ID) {
					if err := store.InsertDependency(ctx, tx, t.ID, prev.ID); err != nil {
						return err
					}
					report.EdgesAdded++
				}
			}
			chained = append(chained, t)
			if t.IsCheckpoint {
				sinceCheckpoint = 0
			} else {
				sinceCheckpoint++
			}
		}
		report.Order = taskIDs(chained)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (type, agent_id, detail, created_at)
			VALUES (?, ?, ?, ?)`,
			protocol.EvSerialized, agent.ID,
			fmt.Sprintf(`{"tasks":%d,"edges":%d,"checkpoints":%d}`,
				len(chained), report.EdgesAdded, report.Checkpoints),
			protocol.Now())
		if err != nil {
			return fmt.Errorf("append serialize event: %w", err)
		}
		return nil
	})
	return report, err
}

// insertCheckpoint writes one checkpoint task between prev and next.
// It inherits next's priority so the chain keeps its claim order.
func (c *Coordinator) insertCheckpoint(ctx context.Context, tx *sql.Tx, agent *protocol.Agent, prev, next protocol.Task, seq int) (*protocol.Task, error) {
	cp := &protocol.Task{
		ID:           protocol.ShortID(),
		Title:        fmt.Sprintf("checkpoint %d", seq),
		Description:  fmt.Sprintf("verify work up to %q before starting %q", prev.Title, next.Title),
		Status:       protocol.TaskPending,
		Priority:     next.Priority,
		CreatedBy:    agent.ID,
		MaxRetries:   c.Cfg.MaxRetries,
		IsCheckpoint: true,
	}
	if err := store.InsertTask(ctx, tx, cp); err != nil {
		return nil, err
	}
	if err := store.InsertDependency(ctx, tx, cp.ID, prev.ID); err != nil {
		return nil, err
	}
	return cp, nil
}

// topoOrder runs Kahn's algorithm over the pending snapshot. Among
// ready tasks the input order (priority, then age) decides; edges only
// constrain, never reorder. A residual cycle means edges were written
// outside the guarded paths, which is reported rather than looped on.
func topoOrder(tasks []protocol.Task, edges map[string][]string) ([]protocol.Task, error) {
	indeg := make(map[string]int, len(tasks))
	for _, t := range tasks {
		indeg[t.ID] = len(edges[t.ID])
	}
	dependents := map[string][]string{}
	for child, parents := range edges {
		for _, p := range parents {
			dependents[p] = append(dependents[p], child)
		}
	}

	out := make([]protocol.Task, 0, len(tasks))
	emitted := make(map[string]bool, len(tasks))
	for len(out) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if emitted[t.ID] || indeg[t.ID] > 0 {
				continue
			}
			emitted[t.ID] = true
			out = append(out, t)
			for _, child := range dependents[t.ID] {
				indeg[child]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, &protocol.CoordError{Kind: protocol.ErrCycleDetected,
				Msg: "pending tasks contain a dependency cycle"}
		}
	}
	return out, nil
}

func taskIDs(tasks []protocol.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
