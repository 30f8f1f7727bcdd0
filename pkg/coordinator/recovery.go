package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

// RecoveryReport summarizes one recovery sweep.
type RecoveryReport struct {
	DeadAgents         []string `json:"dead_agents,omitempty"`
	UnresponsiveAgents []string `json:"unresponsive_agents,omitempty"`
	AbandonedTasks     []string `json:"abandoned_tasks,omitempty"`
	ReclaimedTasks     []string `json:"reclaimed_tasks,omitempty"`
	RequeuedTasks      []string `json:"requeued_tasks,omitempty"`
	ReleasedLocks      []string `json:"released_locks,omitempty"`
}

// Empty reports whether the sweep found nothing to fix.
func (r RecoveryReport) Empty() bool {
	return len(r.DeadAgents) == 0 && len(r.UnresponsiveAgents) == 0 &&
		len(r.AbandonedTasks) == 0 && len(r.ReclaimedTasks) == 0 &&
		len(r.RequeuedTasks) == 0 && len(r.ReleasedLocks) == 0
}

// MaybeRecover runs the recovery sweep when the wall-clock gate allows:
// the leader sweeps once per heartbeat interval, and any agent may
// sweep when no sweep has happened for twice the dead threshold. The
// second rule keeps a quorum whose leader died from stalling forever.
func (c *Coordinator) MaybeRecover(ctx context.Context, agentID string, isLeader bool) (bool, error) {
	gate := 2 * c.Cfg.DeadThreshold()
	if isLeader {
		gate = c.Cfg.HeartbeatInterval()
	}
	last, ok, err := c.Store.LastEventTime(ctx, protocol.EvRecoverySweep)
	if err != nil {
		return false, err
	}
	if ok && time.Since(last) < gate {
		return false, nil
	}
	_, err = c.Recover(ctx, agentID)
	return err == nil, err
}

// Recover performs the full sweep: reap agents whose heartbeat expired
// and whose process is gone, reclaim claims that sat past the claim
// timeout, and requeue abandoned or failed tasks with retries left.
// Agents whose heartbeat is stale but whose process still answers a
// probe are flagged unresponsive, not reaped.
func (c *Coordinator) Recover(ctx context.Context, byAgentID string) (RecoveryReport, error) {
	var report RecoveryReport
	now := time.Now()

	stale, err := c.Store.StaleAgents(ctx, protocol.FormatTime(now.Add(-c.Cfg.DeadThreshold())))
	if err != nil {
		return report, err
	}
	for _, a := range stale {
		if processAlive(a.PID) {
			report.UnresponsiveAgents = append(report.UnresponsiveAgents, a.ID)
			if err := c.Store.AppendEvent(ctx, protocol.Event{
				Type: protocol.EvAgentUnresponsive, AgentID: a.ID,
				Detail: fmt.Sprintf(`{"name":%q,"pid":%d}`, a.Name, a.PID),
			}); err != nil {
				return report, err
			}
			continue
		}
		if err := c.reapAgent(ctx, a, &report); err != nil {
			return report, err
		}
	}

	stuck, err := c.Store.StaleClaimed(ctx, protocol.FormatTime(now.Add(-c.Cfg.ClaimTimeout())))
	if err != nil {
		return report, err
	}
	if len(stuck) > 0 {
		err := c.Store.WithTx(ctx, func(tx *sql.Tx) error {
			for _, t := range stuck {
				if err := store.AbandonTask(ctx, tx, t.ID, "claim timed out"); err != nil {
					return err
				}
				report.ReclaimedTasks = append(report.ReclaimedTasks, t.ID)
			}
			return nil
		})
		if err != nil {
			return report, err
		}
	}

	err = c.Store.WithTx(ctx, func(tx *sql.Tx) error {
		ids, err := store.RequeueEligible(ctx, tx)
		if err != nil {
			return err
		}
		report.RequeuedTasks = ids
		return nil
	})
	if err != nil {
		return report, err
	}

	if err := c.Store.AppendEvent(ctx, protocol.Event{
		Type: protocol.EvRecoverySweep, AgentID: byAgentID,
		Detail: fmt.Sprintf(`{"dead":%d,"unresponsive":%d,"reclaimed":%d,"requeued":%d}`,
			len(report.DeadAgents), len(report.UnresponsiveAgents),
			len(report.ReclaimedTasks), len(report.RequeuedTasks)),
	}); err != nil {
		return report, err
	}
	return report, nil
}

// reapAgent marks one crashed agent dead and returns its resources:
// claimed tasks abandoned, file locks released, assignment cleared.
// Everything commits in one transaction so a concurrent sweep sees
// either the live agent or the fully reaped one.
func (c *Coordinator) reapAgent(ctx context.Context, a protocol.Agent, report *RecoveryReport) error {
	err := c.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE agents SET status = 'dead', current_task_id = NULL WHERE id = ?",
			a.ID); err != nil {
			return fmt.Errorf("mark agent dead: %w", err)
		}
		tasks, err := store.AbandonAgentTasks(ctx, tx, a.ID, "agent died")
		if err != nil {
			return err
		}
		report.AbandonedTasks = append(report.AbandonedTasks, tasks...)
		locks, err := store.ReleaseAgentLocks(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		report.ReleasedLocks = append(report.ReleasedLocks, locks...)
		return appendDeathEvent(ctx, tx, a)
	})
	if err != nil {
		return err
	}
	report.DeadAgents = append(report.DeadAgents, a.ID)
	if err := c.Store.StepDown(ctx, a.ID); err != nil {
		return err
	}
	return nil
}

func appendDeathEvent(ctx context.Context, tx *sql.Tx, a protocol.Agent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (type, agent_id, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		protocol.EvAgentDied, a.ID,
		fmt.Sprintf(`{"name":%q,"last_heartbeat":%q}`, a.Name, a.LastHeartbeat),
		protocol.Now())
	if err != nil {
		return fmt.Errorf("append death event: %w", err)
	}
	return nil
}

// processAlive probes a pid with signal 0. EPERM means the process
// exists but belongs to another user, which still counts as alive. A
// zero pid cannot be probed and counts as gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
