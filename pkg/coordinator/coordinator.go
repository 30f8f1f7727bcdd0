// Package coordinator implements the kernel's policy layer: identity
// resolution, join/leave bookkeeping, claim preference, opportunistic
// recovery, checkpoint serialization, and the blocking ask/reply
// exchange. Every operation is a short transaction against the store;
// nothing here holds state between invocations.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"aqua/pkg/config"
	"aqua/pkg/protocol"
	"aqua/pkg/session"
	"aqua/pkg/store"
)

// Coordinator wires the store, configuration, and the project's .aqua
// directory together for one client invocation.
type Coordinator struct {
	Store   *store.Store
	Cfg     config.Config
	AquaDir string
}

// New returns a coordinator over an open store.
func New(s *store.Store, cfg config.Config, aquaDir string) *Coordinator {
	return &Coordinator{Store: s, Cfg: cfg, AquaDir: aquaDir}
}

// ResolveAgent discovers "who am I?" for this invocation. The
// AQUA_AGENT_ID environment variable wins when it names a live agent;
// otherwise the session key is derived and its on-disk binding (or,
// failing that, the store's session column) is consulted.
func (c *Coordinator) ResolveAgent(ctx context.Context) (*protocol.Agent, error) {
	if id := os.Getenv("AQUA_AGENT_ID"); id != "" {
		a, err := c.Store.GetAgent(ctx, id)
		if err == nil && a.Status != protocol.AgentDead {
			return a, nil
		}
		if err != nil && protocol.KindOf(err) != protocol.ErrNotFound {
			return nil, err
		}
	}

	key := session.Key()
	if id, err := session.Load(c.AquaDir, key); err == nil && id != "" {
		a, err := c.Store.GetAgent(ctx, id)
		if err == nil && a.Status != protocol.AgentDead {
			return a, nil
		}
	}
	a, err := c.Store.GetAgentBySession(ctx, key)
	if err != nil {
		return nil, &protocol.CoordError{Kind: protocol.ErrNotJoined,
			Msg: "not joined; run join first"}
	}
	return a, nil
}

// JoinOptions configures a new agent registration.
type JoinOptions struct {
	Name         string
	Kind         protocol.AgentKind
	Capabilities []string
	Role         string
}

// Join registers a new agent bound to the current session, writes the
// session file, and opportunistically stands for leader. The returned
// term is non-zero when the new agent won the election.
func (c *Coordinator) Join(ctx context.Context, opts JoinOptions) (*protocol.Agent, int64, error) {
	if opts.Kind == "" {
		opts.Kind = protocol.KindGeneric
	}
	if !protocol.ValidAgentKind(opts.Kind) {
		return nil, 0, protocol.Errf(protocol.ErrConfig, "unknown agent kind %q", opts.Kind)
	}

	key := session.Key()
	a := &protocol.Agent{
		ID:            protocol.ShortID(),
		Name:          opts.Name,
		Kind:          opts.Kind,
		PID:           os.Getpid(),
		Status:        protocol.AgentActive,
		LastHeartbeat: protocol.Now(),
		RegisteredAt:  protocol.Now(),
		Capabilities:  opts.Capabilities,
		Role:          opts.Role,
		Metadata:      "{}",
		SessionKey:    key,
	}

	if a.Name == "" {
		// Generated names can collide; retry a few times before giving up.
		var err error
		for attempt := 0; attempt < 5; attempt++ {
			a.Name = protocol.RandomAgentName()
			err = c.Store.CreateAgent(ctx, a)
			if protocol.KindOf(err) != protocol.ErrAlreadyHeld {
				break
			}
		}
		if err != nil {
			return nil, 0, err
		}
	} else if err := c.Store.CreateAgent(ctx, a); err != nil {
		return nil, 0, err
	}

	if err := session.Save(c.AquaDir, key, a.ID); err != nil {
		return nil, 0, err
	}

	won, term, err := c.Store.TryBecomeLeader(ctx, a.ID, c.Cfg.LeaderLease())
	if err != nil {
		return nil, 0, err
	}
	if !won {
		term = 0
	}
	return a, term, nil
}

// Leave removes the agent from the quorum: locks released, claimed
// tasks returned to pending with their retry count bumped, leadership
// surrendered, session file deleted. The agent row itself is removed;
// its history in events and messages survives.
func (c *Coordinator) Leave(ctx context.Context, agent *protocol.Agent) error {
	err := c.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := store.ReleaseAgentLocks(ctx, tx, agent.ID); err != nil {
			return err
		}
		if _, err := store.ReturnAgentTasks(ctx, tx, agent.ID); err != nil {
			return err
		}
		if err := store.RemoveAgent(ctx, tx, agent.ID); err != nil {
			return err
		}
		return appendLeaveEvent(ctx, tx, agent)
	})
	if err != nil {
		return err
	}
	if err := c.Store.StepDown(ctx, agent.ID); err != nil {
		return err
	}
	return session.Remove(c.AquaDir, agent.SessionKey)
}

func appendLeaveEvent(ctx context.Context, tx *sql.Tx, agent *protocol.Agent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (type, agent_id, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		protocol.EvAgentLeft, agent.ID,
		fmt.Sprintf(`{"name":%q}`, agent.Name), protocol.Now())
	if err != nil {
		return fmt.Errorf("append leave event: %w", err)
	}
	return nil
}

// Touch is the per-invocation entry duty: stamp the heartbeat, stand
// for (or renew) leadership, and run the recovery sweep when the
// wall-clock gate allows.
func (c *Coordinator) Touch(ctx context.Context, agent *protocol.Agent) (leaderTerm int64, err error) {
	if err := c.Store.Heartbeat(ctx, agent.ID); err != nil {
		return 0, err
	}
	won, term, err := c.Store.TryBecomeLeader(ctx, agent.ID, c.Cfg.LeaderLease())
	if err != nil {
		return 0, err
	}
	if !won {
		term = 0
	}
	if _, err := c.MaybeRecover(ctx, agent.ID, won); err != nil {
		return term, err
	}
	return term, nil
}

// IsLeader reports whether the agent currently holds a live lease.
func (c *Coordinator) IsLeader(ctx context.Context, agentID string) (bool, int64, error) {
	l, err := c.Store.GetLeader(ctx)
	if err != nil {
		return false, 0, err
	}
	if l == nil || l.AgentID != agentID || l.Expired(time.Now()) {
		return false, 0, nil
	}
	return true, l.Term, nil
}

// Claim acquires work for the agent. With a specific reference the
// task is resolved (exact id or fuzzy title) and claimed; otherwise
// the best available task is taken, preferring the agent's role tags.
// When nothing is claimable the returned no_task error distinguishes
// an exhausted queue ("all done") from one that is merely blocked.
func (c *Coordinator) Claim(ctx context.Context, agent *protocol.Agent, ref string) (*protocol.Task, error) {
	if ref != "" {
		t, err := c.Store.ResolveTaskRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		return c.Store.ClaimTask(ctx, agent.ID, t.ID)
	}

	t, err := c.Store.ClaimNext(ctx, agent.ID, protocol.RoleTags(agent.Role))
	if protocol.KindOf(err) == protocol.ErrNoTask {
		counts, cerr := c.Store.CountsByStatus(ctx)
		if cerr != nil {
			return nil, cerr
		}
		if counts[protocol.TaskPending] == 0 && counts[protocol.TaskClaimed] == 0 {
			return nil, &protocol.CoordError{Kind: protocol.ErrNoTask,
				Msg: "all tasks done", AgentID: agent.ID}
		}
		return nil, &protocol.CoordError{Kind: protocol.ErrNoTask,
			Msg: "no task available", AgentID: agent.ID}
	}
	return t, err
}

// currentTaskID resolves an optional task reference against the
// agent's current assignment.
func (c *Coordinator) currentTaskID(agent *protocol.Agent, ref string) (string, error) {
	if ref != "" {
		return ref, nil
	}
	if agent.CurrentTaskID == "" {
		return "", &protocol.CoordError{Kind: protocol.ErrNotFound,
			Msg: "no current task; pass a task id", AgentID: agent.ID}
	}
	return agent.CurrentTaskID, nil
}

// Done completes the agent's current (or the named) task.
func (c *Coordinator) Done(ctx context.Context, agent *protocol.Agent, ref, summary string) (*protocol.Task, error) {
	id, err := c.currentTaskID(agent, ref)
	if err != nil {
		return nil, err
	}
	return c.Store.CompleteTask(ctx, agent.ID, id, summary)
}

// Fail marks the agent's current (or the named) task failed.
func (c *Coordinator) Fail(ctx context.Context, agent *protocol.Agent, ref, reason string) (*protocol.Task, error) {
	id, err := c.currentTaskID(agent, ref)
	if err != nil {
		return nil, err
	}
	return c.Store.FailTask(ctx, agent.ID, id, reason)
}

// Progress records a progress note against the agent's current task.
func (c *Coordinator) Progress(ctx context.Context, agent *protocol.Agent, note string) (*protocol.Task, error) {
	id, err := c.currentTaskID(agent, "")
	if err != nil {
		return nil, err
	}
	return c.Store.ProgressTask(ctx, agent.ID, id, note, 0)
}

// AddTaskOptions configures AddTask. After holds --after parent
// references (exact id or fuzzy title match), resolved before the insert.
type AddTaskOptions struct {
	Title       string
	Description string
	Priority    int
	Tags        []string
	Context     string
	After       []string
}

// AddTask inserts a task with the configured defaults applied.
func (c *Coordinator) AddTask(ctx context.Context, agent *protocol.Agent, opts AddTaskOptions) (*protocol.Task, error) {
	if opts.Title == "" {
		return nil, protocol.Errf(protocol.ErrConfig, "task title is required")
	}
	priority := opts.Priority
	if priority == 0 {
		priority = c.Cfg.DefaultPriority
	}
	var parents []string
	for _, ref := range opts.After {
		parent, err := c.Store.ResolveTaskRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		parents = append(parents, parent.ID)
	}
	t := &protocol.Task{
		ID:          protocol.ShortID(),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      protocol.TaskPending,
		Priority:    protocol.ClampPriority(priority),
		CreatedBy:   agent.ID,
		MaxRetries:  c.Cfg.MaxRetries,
		Tags:        opts.Tags,
		Context:     opts.Context,
		DependsOn:   parents,
	}
	if err := c.Store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return c.Store.GetTask(ctx, t.ID)
}
