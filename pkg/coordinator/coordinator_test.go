package coordinator_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"aqua/pkg/config"
	"aqua/pkg/coordinator"
	"aqua/pkg/protocol"
	"aqua/pkg/session"
	"aqua/pkg/store"
)

func newCoord(t *testing.T) (*coordinator.Coordinator, context.Context) {
	t.Helper()
	t.Setenv("AQUA_SESSION_ID", "test-session")
	t.Setenv("AQUA_AGENT_ID", "")
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "aqua.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return coordinator.New(s, config.Default(), dir), context.Background()
}

func join(t *testing.T, ctx context.Context, c *coordinator.Coordinator, name, role string) *protocol.Agent {
	t.Helper()
	a, _, err := c.Join(ctx, coordinator.JoinOptions{Name: name, Role: role})
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return a
}

func addTask(t *testing.T, ctx context.Context, c *coordinator.Coordinator, agent *protocol.Agent, title string, priority int) *protocol.Task {
	t.Helper()
	task, err := c.AddTask(ctx, agent, coordinator.AddTaskOptions{Title: title, Priority: priority})
	if err != nil {
		t.Fatalf("add task %s: %v", title, err)
	}
	return task
}

func TestJoin(t *testing.T) {
	t.Run("first join wins leadership with term 1", func(t *testing.T) {
		c, ctx := newCoord(t)
		_, term, err := c.Join(ctx, coordinator.JoinOptions{Name: "alpha"})
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if term != 1 {
			t.Errorf("term = %d, want 1", term)
		}
	})

	t.Run("second join does not win while the lease is live", func(t *testing.T) {
		c, ctx := newCoord(t)
		join(t, ctx, c, "alpha", "")
		_, term, err := c.Join(ctx, coordinator.JoinOptions{Name: "beta"})
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if term != 0 {
			t.Errorf("term = %d, want 0 for follower", term)
		}
	})

	t.Run("unknown agent kind is a config error", func(t *testing.T) {
		c, ctx := newCoord(t)
		_, _, err := c.Join(ctx, coordinator.JoinOptions{Name: "x", Kind: "mainframe"})
		if protocol.KindOf(err) != protocol.ErrConfig {
			t.Errorf("got %v, want config error", err)
		}
	})

	t.Run("empty name gets a generated one", func(t *testing.T) {
		c, ctx := newCoord(t)
		a, _, err := c.Join(ctx, coordinator.JoinOptions{})
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if a.Name == "" {
			t.Error("name was not generated")
		}
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		c, ctx := newCoord(t)
		join(t, ctx, c, "alpha", "")
		_, _, err := c.Join(ctx, coordinator.JoinOptions{Name: "alpha"})
		if protocol.KindOf(err) != protocol.ErrAlreadyHeld {
			t.Errorf("got %v, want already_held", err)
		}
	})
}

func TestResolveAgent(t *testing.T) {
	t.Run("session binding resolves the joined agent", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		got, err := c.ResolveAgent(ctx)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got.ID != a.ID {
			t.Errorf("resolved %s, want %s", got.ID, a.ID)
		}
	})

	t.Run("explicit agent id wins over the session", func(t *testing.T) {
		c, ctx := newCoord(t)
		join(t, ctx, c, "alpha", "")
		t.Setenv("AQUA_SESSION_ID", "other-session")
		b := join(t, ctx, c, "beta", "")
		t.Setenv("AQUA_SESSION_ID", "test-session")
		t.Setenv("AQUA_AGENT_ID", b.ID)
		got, err := c.ResolveAgent(ctx)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got.ID != b.ID {
			t.Errorf("resolved %s, want %s", got.ID, b.ID)
		}
	})

	t.Run("explicit id naming a dead agent is rejected", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		if err := c.Store.SetAgentStatus(ctx, a.ID, protocol.AgentDead); err != nil {
			t.Fatalf("set status: %v", err)
		}
		t.Setenv("AQUA_AGENT_ID", a.ID)
		_, err := c.ResolveAgent(ctx)
		if protocol.KindOf(err) != protocol.ErrNotJoined {
			t.Errorf("got %v, want not_joined", err)
		}
	})

	t.Run("unjoined session is not_joined", func(t *testing.T) {
		c, ctx := newCoord(t)
		_, err := c.ResolveAgent(ctx)
		if protocol.KindOf(err) != protocol.ErrNotJoined {
			t.Errorf("got %v, want not_joined", err)
		}
	})
}

func TestLeave(t *testing.T) {
	t.Run("leave returns everything the agent held", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		task := addTask(t, ctx, c, a, "build", 5)
		if _, err := c.Claim(ctx, a, task.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := c.Store.AcquireLock(ctx, "src/main.go", a.ID); err != nil {
			t.Fatalf("lock: %v", err)
		}

		if err := c.Leave(ctx, a); err != nil {
			t.Fatalf("leave: %v", err)
		}

		got, err := c.Store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status != protocol.TaskPending {
			t.Errorf("task status = %s, want pending", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", got.RetryCount)
		}
		locks, err := c.Store.ListLocks(ctx)
		if err != nil {
			t.Fatalf("list locks: %v", err)
		}
		if len(locks) != 0 {
			t.Errorf("locks survived leave: %v", locks)
		}
		if _, err := c.Store.GetAgent(ctx, a.ID); protocol.KindOf(err) != protocol.ErrNotFound {
			t.Errorf("agent row survived leave: %v", err)
		}
		leader, err := c.Store.GetLeader(ctx)
		if err != nil {
			t.Fatalf("get leader: %v", err)
		}
		if leader != nil {
			t.Errorf("leadership survived leave: %+v", leader)
		}
		bound, err := session.Load(c.AquaDir, session.Key())
		if err != nil || bound != "" {
			t.Errorf("session binding survived leave: %q, %v", bound, err)
		}
	})
}

func TestTouch(t *testing.T) {
	t.Run("leader renews, follower does not win", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		t.Setenv("AQUA_SESSION_ID", "other-session")
		b := join(t, ctx, c, "beta", "")

		term, err := c.Touch(ctx, a)
		if err != nil {
			t.Fatalf("touch leader: %v", err)
		}
		if term != 1 {
			t.Errorf("leader touch term = %d, want 1", term)
		}
		term, err = c.Touch(ctx, b)
		if err != nil {
			t.Fatalf("touch follower: %v", err)
		}
		if term != 0 {
			t.Errorf("follower touch term = %d, want 0", term)
		}
	})

	t.Run("IsLeader agrees with the lease", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		ok, term, err := c.IsLeader(ctx, a.ID)
		if err != nil {
			t.Fatalf("is leader: %v", err)
		}
		if !ok || term != 1 {
			t.Errorf("got (%v, %d), want (true, 1)", ok, term)
		}
		ok, _, err = c.IsLeader(ctx, "someone-else")
		if err != nil {
			t.Fatalf("is leader: %v", err)
		}
		if ok {
			t.Error("non-holder reported as leader")
		}
	})
}

func TestClaim(t *testing.T) {
	t.Run("empty queue reports all done", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		_, err := c.Claim(ctx, a, "")
		if protocol.KindOf(err) != protocol.ErrNoTask {
			t.Fatalf("got %v, want no_task", err)
		}
		if !strings.Contains(err.Error(), "all tasks done") {
			t.Errorf("error %q should say all tasks done", err)
		}
	})

	t.Run("blocked queue reports no task available", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		t.Setenv("AQUA_SESSION_ID", "other-session")
		b := join(t, ctx, c, "beta", "")
		parent := addTask(t, ctx, c, a, "groundwork", 5)
		if _, err := c.AddTask(ctx, a, coordinator.AddTaskOptions{
			Title: "followup", After: []string{parent.ID},
		}); err != nil {
			t.Fatalf("add child: %v", err)
		}
		if _, err := c.Claim(ctx, a, parent.ID); err != nil {
			t.Fatalf("claim parent: %v", err)
		}

		_, err := c.Claim(ctx, b, "")
		if protocol.KindOf(err) != protocol.ErrNoTask {
			t.Fatalf("got %v, want no_task", err)
		}
		if !strings.Contains(err.Error(), "no task available") {
			t.Errorf("error %q should say no task available", err)
		}
	})

	t.Run("fuzzy reference claims by title", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		task := addTask(t, ctx, c, a, "refactor parser", 5)
		got, err := c.Claim(ctx, a, "parser")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got.ID != task.ID {
			t.Errorf("claimed %s, want %s", got.ID, task.ID)
		}
	})
}

func TestAddTask(t *testing.T) {
	t.Run("title is required", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		_, err := c.AddTask(ctx, a, coordinator.AddTaskOptions{})
		if protocol.KindOf(err) != protocol.ErrConfig {
			t.Errorf("got %v, want config error", err)
		}
	})

	t.Run("configured defaults are applied", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		task := addTask(t, ctx, c, a, "build", 0)
		if task.Priority != c.Cfg.DefaultPriority {
			t.Errorf("priority = %d, want default %d", task.Priority, c.Cfg.DefaultPriority)
		}
		if task.MaxRetries != c.Cfg.MaxRetries {
			t.Errorf("max retries = %d, want %d", task.MaxRetries, c.Cfg.MaxRetries)
		}
	})

	t.Run("after references resolve fuzzily", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		parent := addTask(t, ctx, c, a, "design the schema", 5)
		child, err := c.AddTask(ctx, a, coordinator.AddTaskOptions{
			Title: "implement", After: []string{"schema"},
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if len(child.DependsOn) != 1 || child.DependsOn[0] != parent.ID {
			t.Errorf("depends on %v, want [%s]", child.DependsOn, parent.ID)
		}
	})
}

func TestDone(t *testing.T) {
	t.Run("done without a reference completes the current task", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		task := addTask(t, ctx, c, a, "build", 5)
		claimed, err := c.Claim(ctx, a, "")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed.ID != task.ID {
			t.Fatalf("claimed %s, want %s", claimed.ID, task.ID)
		}
		a, err = c.Store.GetAgent(ctx, a.ID)
		if err != nil {
			t.Fatalf("reload agent: %v", err)
		}
		got, err := c.Done(ctx, a, "", "shipped")
		if err != nil {
			t.Fatalf("done: %v", err)
		}
		if got.Status != protocol.TaskDone || got.Result != "shipped" {
			t.Errorf("got %s/%q, want done/shipped", got.Status, got.Result)
		}
	})

	t.Run("done with no current task needs a reference", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		_, err := c.Done(ctx, a, "", "")
		if protocol.KindOf(err) != protocol.ErrNotFound {
			t.Errorf("got %v, want not_found", err)
		}
	})
}
