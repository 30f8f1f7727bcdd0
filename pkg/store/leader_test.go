package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

func TestTryBecomeLeader(t *testing.T) {
	ctx := context.Background()
	lease := 30 * time.Second

	t.Run("first caller wins term 1", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		ok, term, err := s.TryBecomeLeader(ctx, a.ID, lease)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || term != 1 {
			t.Errorf("got (%v, %d), want (true, 1)", ok, term)
		}
	})

	t.Run("second caller is rejected while lease is live", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		b := mustJoin(t, s, "beta")
		if _, _, err := s.TryBecomeLeader(ctx, a.ID, lease); err != nil {
			t.Fatal(err)
		}
		ok, term, err := s.TryBecomeLeader(ctx, b.ID, lease)
		if err != nil {
			t.Fatal(err)
		}
		if ok || term != 0 {
			t.Errorf("got (%v, %d), want (false, 0)", ok, term)
		}
		l, err := s.GetLeader(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if l.AgentID != a.ID {
			t.Errorf("leader = %s, want %s", l.AgentID, a.ID)
		}
	})

	t.Run("holder renews at the same term", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		if _, _, err := s.TryBecomeLeader(ctx, a.ID, lease); err != nil {
			t.Fatal(err)
		}
		ok, term, err := s.TryBecomeLeader(ctx, a.ID, lease)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || term != 1 {
			t.Errorf("renewal got (%v, %d), want (true, 1)", ok, term)
		}
	})

	t.Run("expired lease is taken over at term+1", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		b := mustJoin(t, s, "beta")
		if _, _, err := s.TryBecomeLeader(ctx, a.ID, lease); err != nil {
			t.Fatal(err)
		}
		expireLease(t, s)
		ok, term, err := s.TryBecomeLeader(ctx, b.ID, lease)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || term != 2 {
			t.Errorf("takeover got (%v, %d), want (true, 2)", ok, term)
		}
	})

	t.Run("deposed leader fails the term guard", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		b := mustJoin(t, s, "beta")
		if _, _, err := s.TryBecomeLeader(ctx, a.ID, lease); err != nil {
			t.Fatal(err)
		}
		expireLease(t, s)
		if _, _, err := s.TryBecomeLeader(ctx, b.ID, lease); err != nil {
			t.Fatal(err)
		}
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			ok, err := store.ConfirmTerm(ctx, tx, 1)
			if err != nil {
				return err
			}
			if ok {
				t.Error("stale term 1 passed the guard after takeover")
			}
			ok, err = store.ConfirmTerm(ctx, tx, 2)
			if err != nil {
				return err
			}
			if !ok {
				t.Error("current term 2 failed the guard")
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("step down lets a fresh election happen", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		b := mustJoin(t, s, "beta")
		if _, _, err := s.TryBecomeLeader(ctx, a.ID, lease); err != nil {
			t.Fatal(err)
		}
		if err := s.StepDown(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
		ok, term, err := s.TryBecomeLeader(ctx, b.ID, lease)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || term != 1 {
			t.Errorf("post-stepdown election got (%v, %d), want (true, 1)", ok, term)
		}
	})

	t.Run("elections are audited", func(t *testing.T) {
		s := newStore(t)
		a := mustJoin(t, s, "alpha")
		if _, _, err := s.TryBecomeLeader(ctx, a.ID, lease); err != nil {
			t.Fatal(err)
		}
		evs, err := s.QueryEvents(ctx, store.EventFilter{Type: protocol.EvLeaderElected})
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 1 || evs[0].AgentID != a.ID {
			t.Errorf("unexpected election events: %+v", evs)
		}
	})
}

// expireLease rewinds the lease so the next caller sees it lapsed.
func expireLease(t *testing.T, s *store.Store) {
	t.Helper()
	past := protocol.FormatTime(time.Now().Add(-time.Minute))
	if _, err := s.DB().Exec(
		"UPDATE leader SET lease_expires_at = ? WHERE id = 1", past); err != nil {
		t.Fatalf("rewind lease: %v", err)
	}
}
