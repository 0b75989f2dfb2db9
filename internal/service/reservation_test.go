package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"artifactvault/internal/domain"
)

func TestDecide(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()

	held := meta("p1", 10)
	r, err := f.manager.Begin(ctx, "p1", held.ID, AppliedQuantities(held))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	free := meta("p1", 10)
	public := func(m domain.ArtifactMeta) domain.ArtifactMeta { m.Public = true; return m }
	ownerless := meta("", 10)

	tests := []struct {
		name string
		from domain.ArtifactStatus
		to   domain.ArtifactStatus
		meta domain.ArtifactMeta
		want QuotaAction
	}{
		{"queued to active", domain.StatusQueued, domain.StatusActive, free, ActionActivate},
		{"uploading to saving", domain.StatusUploading, domain.StatusSaving, free, ActionActivate},
		{"queued to saving", domain.StatusQueued, domain.StatusSaving, free, ActionActivate},
		{"activation of public artifact", domain.StatusQueued, domain.StatusActive, public(free), ActionNoop},
		{"activation already held", domain.StatusQueued, domain.StatusActive, held, ActionNoop},
		{"update private", domain.StatusActive, domain.StatusActive, free, ActionUpdate},
		{"update private already held", domain.StatusActive, domain.StatusActive, held, ActionNoop},
		{"update public held", domain.StatusActive, domain.StatusActive, public(held), ActionRelease},
		{"update public not held", domain.StatusActive, domain.StatusActive, public(free), ActionNoop},
		{"delete held", domain.StatusActive, domain.StatusDeleted, held, ActionRelease},
		{"delete not held", domain.StatusActive, domain.StatusDeleted, free, ActionNoop},
		{"delete ownerless held", domain.StatusActive, domain.StatusDeleted, func() domain.ArtifactMeta { m := held; m.Owner = ""; return m }(), ActionRelease},
		{"unknown owner", domain.StatusQueued, domain.StatusActive, ownerless, ActionNoop},
		{"deactivate", domain.StatusActive, domain.StatusDeactivated, held, ActionNoop},
		{"update deactivated private", domain.StatusDeactivated, domain.StatusDeactivated, free, ActionUpdate},
		{"update deactivated public held", domain.StatusDeactivated, domain.StatusDeactivated, public(held), ActionRelease},
		{"queued to queued", domain.StatusQueued, domain.StatusQueued, free, ActionNoop},
		{"kill", domain.StatusSaving, domain.StatusKilled, free, ActionNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.manager.Decide(ctx, tt.from, tt.to, tt.meta)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Decide(%s -> %s) = %s, want %s", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestDecideStoreFailure(t *testing.T) {
	f := newQuotaFixture(t)
	boom := errors.New("db down")
	f.store.FailOn("HasReservations", boom)

	_, err := f.manager.Decide(t.Context(), domain.StatusQueued, domain.StatusActive, meta("p1", 1))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestAppliedQuantities(t *testing.T) {
	external := meta("p1", 10)
	external.Location = domain.Location{URL: "https://mirror.example.com/a.img"}
	noLocation := meta("p1", 10)
	noLocation.Location = domain.Location{}
	derived := meta("p1", 7)
	derived.Kind = domain.KindDerived

	tests := []struct {
		name string
		meta domain.ArtifactMeta
		want domain.Amounts
	}{
		{"stored primary", meta("p1", 10), domain.Amounts{domain.ClassArtifactsNumber: 1, domain.ClassArtifactsSize: 10}},
		{"unknown size", meta("p1", 0), domain.Amounts{domain.ClassArtifactsNumber: 1}},
		{"external location", external, domain.Amounts{domain.ClassArtifactsNumber: 1}},
		{"no location", noLocation, domain.Amounts{domain.ClassArtifactsNumber: 1}},
		{"derived", derived, domain.Amounts{
			domain.ClassArtifactsNumber: 1,
			domain.ClassArtifactsSize:   7,
			domain.ClassSnapshotsNumber: 1,
			domain.ClassSnapshotsSize:   7,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppliedQuantities(tt.meta)
			if len(got) != len(tt.want) {
				t.Fatalf("AppliedQuantities = %v, want %v", got, tt.want)
			}
			for c, v := range tt.want {
				if got[c] != v {
					t.Fatalf("AppliedQuantities[%s] = %d, want %d", c, got[c], v)
				}
			}
		})
	}
}

func TestReservationLifecycle(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()
	if _, err := f.store.SetLimits(ctx, "p1", limits(domain.Unlimited, 10), nil, nil); err != nil {
		t.Fatal(err)
	}

	first := meta("p1", 6)
	r1, err := f.manager.Begin(ctx, "p1", first.ID, AppliedQuantities(first))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Pending reservations count against the limit.
	second := meta("p1", 6)
	_, err = f.manager.Begin(ctx, "p1", second.ID, AppliedQuantities(second))
	var exceeded *domain.QuotaExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if exceeded.Class != domain.ClassArtifactsSize || exceeded.Limit != 10 || exceeded.Usage != 6 || exceeded.Requested != 6 {
		t.Fatalf("exceeded = %+v", exceeded)
	}

	if err := r1.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := r1.Rollback(ctx); err != nil {
		t.Fatalf("second Rollback: %v", err)
	}
	if err := r1.Commit(ctx); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Commit after rollback = %v, want ErrConflict", err)
	}

	r2, err := f.manager.Begin(ctx, "p1", second.ID, AppliedQuantities(second))
	if err != nil {
		t.Fatalf("Begin after rollback: %v", err)
	}
	if err := r2.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := r2.Commit(ctx); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if err := r2.Rollback(ctx); err != nil {
		t.Fatalf("Rollback after commit: %v", err)
	}

	used := usage(t, f, "p1")
	if used[domain.ClassArtifactsSize] != 6 || used[domain.ClassArtifactsNumber] != 1 {
		t.Fatalf("usage = %v, want size 6 number 1", used)
	}
}

func TestBeginUnknownScope(t *testing.T) {
	f := newQuotaFixture(t)
	m := meta("nowhere", 1)
	_, err := f.manager.Begin(t.Context(), "nowhere", m.ID, AppliedQuantities(m))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestProjectDefaultsMaterialized(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()
	if _, err := f.store.SetClassDefaults(ctx, limits(5, domain.Unlimited)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.SetLimits(ctx, "d1", limits(3, 100), nil, nil); err != nil {
		t.Fatal(err)
	}

	m := meta("p1", 1)
	if _, err := f.manager.Begin(ctx, "p1", m.ID, AppliedQuantities(m)); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	stored, err := f.store.GetLimits(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if stored[domain.ClassArtifactsNumber] != 3 || stored[domain.ClassArtifactsSize] != 100 {
		t.Fatalf("materialized = %v, want number 3 size 100", stored)
	}

	// Later domain edits do not move what the project already holds.
	if _, err := f.store.SetLimits(ctx, "d1", limits(1, 50), nil, nil); err != nil {
		t.Fatal(err)
	}
	m2 := meta("p1", 1)
	if _, err := f.manager.Begin(ctx, "p1", m2.ID, AppliedQuantities(m2)); err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	stored, _ = f.store.GetLimits(ctx, "p1")
	if stored[domain.ClassArtifactsNumber] != 3 {
		t.Fatalf("materialized number = %d, want 3", stored[domain.ClassArtifactsNumber])
	}
}

func TestDomainScopeNotMaterialized(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()

	m := meta("d1", 1)
	r, err := f.manager.Begin(ctx, "d1", m.ID, AppliedQuantities(m))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.store.GetLimits(ctx, "d1")
	if len(stored) != 0 {
		t.Fatalf("domain limits = %v, want none stored", stored)
	}
}

func TestExpiredReservationsIgnored(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()
	if _, err := f.store.SetLimits(ctx, "p1", limits(domain.Unlimited, 10), nil, nil); err != nil {
		t.Fatal(err)
	}

	orphaned := NewReservationManager(f.store, f.scopes, f.quotas, -time.Minute)
	stale := meta("p1", 8)
	if _, err := orphaned.Begin(ctx, "p1", stale.ID, AppliedQuantities(stale)); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	held, err := f.store.HasReservations(ctx, stale.ID)
	if err != nil || held {
		t.Fatalf("HasReservations = %v, %v; want false", held, err)
	}

	fresh := meta("p1", 8)
	if _, err := f.manager.Begin(ctx, "p1", fresh.ID, AppliedQuantities(fresh)); err != nil {
		t.Fatalf("Begin beside expired reservation: %v", err)
	}

	n, err := NewReaper(f.store).Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 2 {
		t.Fatalf("reaped %d, want 2", n)
	}
	if f.store.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", f.store.Pending())
	}
}

func TestWithin(t *testing.T) {
	boom := errors.New("boom")

	t.Run("success commits", func(t *testing.T) {
		f := newQuotaFixture(t)
		m := meta("p1", 4)
		if err := f.manager.Within(t.Context(), ActionActivate, m, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Within: %v", err)
		}
		if used := usage(t, f, "p1"); used[domain.ClassArtifactsSize] != 4 {
			t.Fatalf("usage = %v, want size 4", used)
		}
	})

	t.Run("error rolls back and passes through", func(t *testing.T) {
		f := newQuotaFixture(t)
		m := meta("p1", 4)
		err := f.manager.Within(t.Context(), ActionActivate, m, func(context.Context) error { return boom })
		if err != boom {
			t.Fatalf("err = %v, want the original error", err)
		}
		if len(f.store.Reservations(m.ID)) != 0 {
			t.Fatal("reservation left behind")
		}
	})

	t.Run("panic rolls back and repanics", func(t *testing.T) {
		f := newQuotaFixture(t)
		m := meta("p1", 4)
		func() {
			defer func() {
				if p := recover(); p != "kaboom" {
					t.Fatalf("recovered %v, want kaboom", p)
				}
			}()
			f.manager.Within(t.Context(), ActionActivate, m, func(context.Context) error { panic("kaboom") })
		}()
		if len(f.store.Reservations(m.ID)) != 0 {
			t.Fatal("reservation left behind")
		}
	})

	t.Run("commit failure rolls back", func(t *testing.T) {
		f := newQuotaFixture(t)
		f.store.FailOn("CommitReservations", boom)
		m := meta("p1", 4)
		err := f.manager.Within(t.Context(), ActionActivate, m, func(context.Context) error { return nil })
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
		if len(f.store.Reservations(m.ID)) != 0 {
			t.Fatal("reservation left behind")
		}
	})

	t.Run("cancelled context still rolls back", func(t *testing.T) {
		f := newQuotaFixture(t)
		ctx, cancel := context.WithCancel(t.Context())
		m := meta("p1", 4)
		err := f.manager.Within(ctx, ActionActivate, m, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if len(f.store.Reservations(m.ID)) != 0 {
			t.Fatal("reservation left behind")
		}
	})

	t.Run("quota exceeded skips fn", func(t *testing.T) {
		f := newQuotaFixture(t)
		if _, err := f.store.SetLimits(t.Context(), "p1", limits(domain.Unlimited, 3), nil, nil); err != nil {
			t.Fatal(err)
		}
		called := false
		err := f.manager.Within(t.Context(), ActionActivate, meta("p1", 4), func(context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, domain.ErrQuotaExceeded) || called {
			t.Fatalf("err = %v, called = %v", err, called)
		}
	})

	t.Run("release clears on success only", func(t *testing.T) {
		f := newQuotaFixture(t)
		m := meta("p1", 4)
		if err := f.manager.Within(t.Context(), ActionActivate, m, func(context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
		if err := f.manager.Within(t.Context(), ActionRelease, m, func(context.Context) error { return boom }); err != boom {
			t.Fatalf("err = %v", err)
		}
		if len(f.store.Reservations(m.ID)) == 0 {
			t.Fatal("failed release dropped reservations")
		}
		if err := f.manager.Within(t.Context(), ActionRelease, m, func(context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
		if len(f.store.Reservations(m.ID)) != 0 {
			t.Fatal("release kept reservations")
		}
	})
}
