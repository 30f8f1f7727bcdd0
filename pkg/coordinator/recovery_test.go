package coordinator_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"aqua/pkg/coordinator"
	"aqua/pkg/protocol"
)

// crashedAgent registers an agent whose process cannot be probed and
// whose heartbeat is an hour old, the shape a crash leaves behind.
func crashedAgent(t *testing.T, ctx context.Context, c *coordinator.Coordinator, name string) *protocol.Agent {
	t.Helper()
	a := &protocol.Agent{
		ID:            protocol.ShortID(),
		Name:          name,
		Kind:          protocol.KindGeneric,
		Status:        protocol.AgentActive,
		LastHeartbeat: protocol.FormatTime(time.Now().Add(-time.Hour)),
		RegisteredAt:  protocol.FormatTime(time.Now().Add(-time.Hour)),
		Metadata:      "{}",
		SessionKey:    "crashed-" + name,
	}
	if err := c.Store.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func backdate(t *testing.T, ctx context.Context, c *coordinator.Coordinator, query string, args ...any) {
	t.Helper()
	err := c.Store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func hasEvent(t *testing.T, ctx context.Context, c *coordinator.Coordinator, eventType string) bool {
	t.Helper()
	_, ok, err := c.Store.LastEventTime(ctx, eventType)
	if err != nil {
		t.Fatalf("last event time: %v", err)
	}
	return ok
}

func TestRecover(t *testing.T) {
	t.Run("crashed agent is reaped and its work returned", func(t *testing.T) {
		c, ctx := newCoord(t)
		sweeper := join(t, ctx, c, "sweeper", "")
		dead := crashedAgent(t, ctx, c, "ghost")
		task := addTask(t, ctx, c, sweeper, "orphaned work", 5)
		if _, err := c.Store.ClaimTask(ctx, dead.ID, task.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := c.Store.AcquireLock(ctx, "src/db.go", dead.ID); err != nil {
			t.Fatalf("lock: %v", err)
		}

		report, err := c.Recover(ctx, sweeper.ID)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if len(report.DeadAgents) != 1 || report.DeadAgents[0] != dead.ID {
			t.Errorf("dead agents = %v, want [%s]", report.DeadAgents, dead.ID)
		}
		if len(report.ReleasedLocks) != 1 {
			t.Errorf("released locks = %v, want one", report.ReleasedLocks)
		}

		a, err := c.Store.GetAgent(ctx, dead.ID)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if a.Status != protocol.AgentDead || a.CurrentTaskID != "" {
			t.Errorf("agent = %s/%q, want dead with no assignment", a.Status, a.CurrentTaskID)
		}
		got, err := c.Store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status != protocol.TaskPending {
			t.Errorf("task status = %s, want pending after requeue", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", got.RetryCount)
		}
		locks, err := c.Store.ListLocks(ctx)
		if err != nil {
			t.Fatalf("list locks: %v", err)
		}
		if len(locks) != 0 {
			t.Errorf("locks survived reaping: %v", locks)
		}
		if !hasEvent(t, ctx, c, protocol.EvAgentDied) {
			t.Error("death was not audited")
		}
	})

	t.Run("live process with a stale heartbeat is only flagged", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "slowpoke", "")
		backdate(t, ctx, c,
			"UPDATE agents SET last_heartbeat = ? WHERE id = ?",
			protocol.FormatTime(time.Now().Add(-time.Hour)), a.ID)

		report, err := c.Recover(ctx, a.ID)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if len(report.UnresponsiveAgents) != 1 || report.UnresponsiveAgents[0] != a.ID {
			t.Errorf("unresponsive = %v, want [%s]", report.UnresponsiveAgents, a.ID)
		}
		if len(report.DeadAgents) != 0 {
			t.Errorf("live agent was reaped: %v", report.DeadAgents)
		}
		got, err := c.Store.GetAgent(ctx, a.ID)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if got.Status != protocol.AgentActive {
			t.Errorf("status = %s, want active", got.Status)
		}
		if !hasEvent(t, ctx, c, protocol.EvAgentUnresponsive) {
			t.Error("unresponsive flag was not audited")
		}
	})

	t.Run("claim stuck past the timeout is reclaimed", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "holder", "")
		task := addTask(t, ctx, c, a, "stuck work", 5)
		if _, err := c.Claim(ctx, a, task.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		backdate(t, ctx, c,
			"UPDATE tasks SET claimed_at = ? WHERE id = ?",
			protocol.FormatTime(time.Now().Add(-time.Hour)), task.ID)

		report, err := c.Recover(ctx, a.ID)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if len(report.ReclaimedTasks) != 1 || report.ReclaimedTasks[0] != task.ID {
			t.Errorf("reclaimed = %v, want [%s]", report.ReclaimedTasks, task.ID)
		}
		got, err := c.Store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status != protocol.TaskPending {
			t.Errorf("status = %s, want pending after requeue", got.Status)
		}
		holder, err := c.Store.GetAgent(ctx, a.ID)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if holder.CurrentTaskID != "" {
			t.Errorf("stale assignment survived: %q", holder.CurrentTaskID)
		}
	})

	t.Run("exhausted retries stay abandoned", func(t *testing.T) {
		c, ctx := newCoord(t)
		sweeper := join(t, ctx, c, "sweeper", "")
		dead := crashedAgent(t, ctx, c, "ghost")
		task := addTask(t, ctx, c, sweeper, "doomed work", 5)
		if _, err := c.Store.ClaimTask(ctx, dead.ID, task.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		backdate(t, ctx, c,
			"UPDATE tasks SET retry_count = max_retries - 1 WHERE id = ?", task.ID)

		if _, err := c.Recover(ctx, sweeper.ID); err != nil {
			t.Fatalf("recover: %v", err)
		}
		got, err := c.Store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status != protocol.TaskAbandoned {
			t.Errorf("status = %s, want abandoned to stay terminal", got.Status)
		}
	})

	t.Run("sweep is audited", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "sweeper", "")
		if _, err := c.Recover(ctx, a.ID); err != nil {
			t.Fatalf("recover: %v", err)
		}
		if !hasEvent(t, ctx, c, protocol.EvRecoverySweep) {
			t.Error("sweep left no event")
		}
	})
}

func TestMaybeRecover(t *testing.T) {
	t.Run("leader sweeps at most once per heartbeat interval", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		ran, err := c.MaybeRecover(ctx, a.ID, true)
		if err != nil {
			t.Fatalf("first sweep: %v", err)
		}
		if !ran {
			t.Error("first sweep did not run")
		}
		ran, err = c.MaybeRecover(ctx, a.ID, true)
		if err != nil {
			t.Fatalf("second sweep: %v", err)
		}
		if ran {
			t.Error("second sweep ran inside the interval")
		}
	})

	t.Run("follower sweeps only when sweeps are long overdue", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		if _, err := c.Recover(ctx, a.ID); err != nil {
			t.Fatalf("seed sweep: %v", err)
		}
		ran, err := c.MaybeRecover(ctx, a.ID, false)
		if err != nil {
			t.Fatalf("follower sweep: %v", err)
		}
		if ran {
			t.Error("follower swept with a recent sweep on record")
		}

		backdate(t, ctx, c,
			"UPDATE events SET created_at = ? WHERE type = ?",
			protocol.FormatTime(time.Now().Add(-time.Hour)), protocol.EvRecoverySweep)
		ran, err = c.MaybeRecover(ctx, a.ID, false)
		if err != nil {
			t.Fatalf("overdue sweep: %v", err)
		}
		if !ran {
			t.Error("follower did not sweep when long overdue")
		}
	})
}
