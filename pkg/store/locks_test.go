package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

func TestLocks(t *testing.T) {
	ctx := context.Background()

	t.Run("second acquire names the owner", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		b := mustJoin(t, s, "beta")
		if err := s.AcquireLock(ctx, "src/main.go", a.ID); err != nil {
			t.Fatal(err)
		}
		err := s.AcquireLock(ctx, "src/main.go", b.ID)
		var ce *protocol.CoordError
		if !errors.As(err, &ce) || ce.Kind != protocol.ErrAlreadyHeld {
			t.Fatalf("got %v, want already_held", err)
		}
		if ce.AgentID != a.ID {
			t.Errorf("error names owner %q, want %q", ce.AgentID, a.ID)
		}
	})

	t.Run("only the owner may release", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		b := mustJoin(t, s, "beta")
		if err := s.AcquireLock(ctx, "src/main.go", a.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.ReleaseLock(ctx, "src/main.go", b.ID); protocol.KindOf(err) != protocol.ErrPermissionDenied {
			t.Errorf("got %v, want permission_denied", err)
		}
		if err := s.ReleaseLock(ctx, "src/main.go", a.ID); err != nil {
			t.Errorf("owner release failed: %v", err)
		}
	})

	t.Run("releasing a missing lock is not_found", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		err := s.ReleaseLock(ctx, "nope.go", a.ID)
		if protocol.KindOf(err) != protocol.ErrNotFound {
			t.Errorf("got %v, want not_found", err)
		}
	})

	t.Run("lock then unlock leaves no locks but both events", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		if err := s.AcquireLock(ctx, "a.go", a.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.ReleaseLock(ctx, "a.go", a.ID); err != nil {
			t.Fatal(err)
		}
		locks, err := s.ListLocks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(locks) != 0 {
			t.Errorf("expected no locks, got %v", locks)
		}
		for _, typ := range []string{protocol.EvLockAcquired, protocol.EvLockReleased} {
			evs, err := s.QueryEvents(ctx, store.EventFilter{Type: typ})
			if err != nil {
				t.Fatal(err)
			}
			if len(evs) != 1 {
				t.Errorf("expected one %s event, got %d", typ, len(evs))
			}
		}
	})

	t.Run("agent locks release in bulk", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		b := mustJoin(t, s, "beta")
		for _, p := range []string{"a.go", "b.go"} {
			if err := s.AcquireLock(ctx, p, a.ID); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.AcquireLock(ctx, "c.go", b.ID); err != nil {
			t.Fatal(err)
		}
		var released []string
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			var e error
			released, e = store.ReleaseAgentLocks(ctx, tx, a.ID)
			return e
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(released) != 2 {
			t.Errorf("released %v, want two paths", released)
		}
		locks, err := s.ListLocks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(locks) != 1 || locks[0].AgentID != b.ID {
			t.Errorf("surviving locks = %v, want only beta's", locks)
		}
	})
}
