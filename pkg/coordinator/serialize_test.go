package coordinator_test

import (
	"testing"

	"aqua/pkg/coordinator"
	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

func TestSerialize(t *testing.T) {
	t.Run("chains pending tasks in priority order", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		low := addTask(t, ctx, c, a, "cleanup", 1)
		high := addTask(t, ctx, c, a, "hotfix", 9)
		mid := addTask(t, ctx, c, a, "feature", 5)

		report, err := c.Serialize(ctx, a, 0)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		want := []string{high.ID, mid.ID, low.ID}
		if len(report.Order) != 3 {
			t.Fatalf("order = %v, want 3 tasks", report.Order)
		}
		for i, id := range want {
			if report.Order[i] != id {
				t.Errorf("order[%d] = %s, want %s", i, report.Order[i], id)
			}
		}
		if report.EdgesAdded != 2 {
			t.Errorf("edges added = %d, want 2", report.EdgesAdded)
		}
		deps, err := c.Store.DependenciesOf(ctx, low.ID)
		if err != nil {
			t.Fatalf("dependencies: %v", err)
		}
		if len(deps) != 1 || deps[0] != mid.ID {
			t.Errorf("low depends on %v, want [%s]", deps, mid.ID)
		}
	})

	t.Run("existing dependencies outrank priority", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		first := addTask(t, ctx, c, a, "groundwork", 1)
		second, err := c.AddTask(ctx, a, coordinator.AddTaskOptions{
			Title: "payoff", Priority: 9, After: []string{first.ID},
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}

		report, err := c.Serialize(ctx, a, 0)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		if report.Order[0] != first.ID || report.Order[1] != second.ID {
			t.Errorf("order = %v, want groundwork before payoff", report.Order)
		}
	})

	t.Run("checkpoints are threaded into the chain", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		for _, title := range []string{"one", "two", "three", "four"} {
			addTask(t, ctx, c, a, title, 5)
		}

		report, err := c.Serialize(ctx, a, 2)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		if report.Checkpoints != 1 {
			t.Errorf("checkpoints = %d, want 1", report.Checkpoints)
		}
		tasks, err := c.Store.ListTasks(ctx, store.TaskFilter{Status: protocol.TaskPending})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var checkpoints int
		for _, task := range tasks {
			if task.IsCheckpoint {
				checkpoints++
			}
		}
		if checkpoints != 1 {
			t.Errorf("checkpoint tasks in store = %d, want 1", checkpoints)
		}
		if len(report.Order) != 5 {
			t.Errorf("order = %v, want 4 tasks plus 1 checkpoint", report.Order)
		}
	})

	t.Run("running twice changes nothing", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		for _, title := range []string{"one", "two", "three", "four"} {
			addTask(t, ctx, c, a, title, 5)
		}
		if _, err := c.Serialize(ctx, a, 2); err != nil {
			t.Fatalf("first serialize: %v", err)
		}
		report, err := c.Serialize(ctx, a, 2)
		if err != nil {
			t.Fatalf("second serialize: %v", err)
		}
		if report.EdgesAdded != 0 || report.Checkpoints != 0 {
			t.Errorf("second run added %d edges, %d checkpoints, want none",
				report.EdgesAdded, report.Checkpoints)
		}
	})

	t.Run("claiming follows the chain head", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		addTask(t, ctx, c, a, "cleanup", 1)
		addTask(t, ctx, c, a, "hotfix", 9)
		report, err := c.Serialize(ctx, a, 0)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}

		got, err := c.Claim(ctx, a, "")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got.ID != report.Order[0] {
			t.Errorf("claimed %s, want chain head %s", got.ID, report.Order[0])
		}
		if _, err := c.Done(ctx, &protocol.Agent{ID: a.ID, CurrentTaskID: got.ID}, "", ""); err != nil {
			t.Fatalf("done: %v", err)
		}
		next, err := c.Claim(ctx, a, "")
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if next.ID != report.Order[1] {
			t.Errorf("claimed %s, want next in chain %s", next.ID, report.Order[1])
		}
	})

	t.Run("single task is left alone", func(t *testing.T) {
		c, ctx := newCoord(t)
		a := join(t, ctx, c, "alpha", "")
		addTask(t, ctx, c, a, "only", 5)
		report, err := c.Serialize(ctx, a, 2)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		if len(report.Order) != 1 || report.EdgesAdded != 0 || report.Checkpoints != 0 {
			t.Errorf("unexpected report %+v", report)
		}
	})
}
