package service

import (
	"errors"
	"strings"
	"testing"

	"artifactvault/internal/domain"
)

func commitUsage(t *testing.T, f *quotaFixture, scope string, size int64) {
	t.Helper()
	m := meta(scope, size)
	r, err := f.manager.Begin(t.Context(), scope, m.ID, AppliedQuantities(m))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Commit(t.Context()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestSetLimitsBounds(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, f *quotaFixture)
		scope     string
		requested domain.Limits
		class     domain.QuotaClass
		min, max  int64
		reason    string
	}{
		{
			name: "project above parent domain",
			setup: func(t *testing.T, f *quotaFixture) {
				if _, err := f.quotas.SetLimits(t.Context(), "d1", limits(domain.Unlimited, 100)); err != nil {
					t.Fatal(err)
				}
			},
			scope:     "p1",
			requested: limits(domain.Unlimited, 200),
			class:     domain.ClassArtifactsSize,
			min:       0,
			max:       100,
			reason:    "parent domain d1",
		},
		{
			name:      "project below usage",
			setup:     func(t *testing.T, f *quotaFixture) { commitUsage(t, f, "p1", 50) },
			scope:     "p1",
			requested: limits(domain.Unlimited, 40),
			class:     domain.ClassArtifactsSize,
			min:       50,
			max:       domain.Unlimited,
			reason:    "resource usage for project p1",
		},
		{
			name: "domain below child quota",
			setup: func(t *testing.T, f *quotaFixture) {
				if _, err := f.quotas.SetLimits(t.Context(), "p2", limits(domain.Unlimited, 80)); err != nil {
					t.Fatal(err)
				}
			},
			scope:     "d1",
			requested: limits(domain.Unlimited, 50),
			class:     domain.ClassArtifactsSize,
			min:       80,
			max:       domain.Unlimited,
			reason:    "quota value from project p2",
		},
		{
			name:      "domain below child usage",
			setup:     func(t *testing.T, f *quotaFixture) { commitUsage(t, f, "p1", 30) },
			scope:     "d1",
			requested: limits(domain.Unlimited, 20),
			class:     domain.ClassArtifactsSize,
			min:       30,
			max:       domain.Unlimited,
			reason:    "resource usage in project p1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newQuotaFixture(t)
			tt.setup(t, f)
			before, _ := f.store.GetLimits(t.Context(), tt.scope)

			_, err := f.quotas.SetLimits(t.Context(), tt.scope, tt.requested)
			var violation *domain.LimitViolationError
			if !errors.As(err, &violation) {
				t.Fatalf("err = %v, want LimitViolationError", err)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if len(violation.Violations) != 1 {
				t.Fatalf("violations = %+v, want one", violation.Violations)
			}
			v := violation.Violations[0]
			if v.Class != tt.class || v.Min != tt.min || v.Max != tt.max {
				t.Fatalf("violation = %+v", v)
			}
			if v.MinReason != tt.reason && v.MaxReason != tt.reason {
				t.Fatalf("violation reasons = %q / %q, want %q", v.MinReason, v.MaxReason, tt.reason)
			}
			if !strings.Contains(err.Error(), string(tt.class)) {
				t.Fatalf("message %q does not name %s", err.Error(), tt.class)
			}

			after, _ := f.store.GetLimits(t.Context(), tt.scope)
			if len(after) != len(before) || after[tt.class] != before[tt.class] {
				t.Fatalf("limits changed from %v to %v", before, after)
			}
		})
	}
}

func TestSetLimitsReadsOneSnapshot(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()
	commitUsage(t, f, "p1", 30)
	if _, err := f.quotas.SetLimits(ctx, "p2", limits(domain.Unlimited, 25)); err != nil {
		t.Fatal(err)
	}

	// Bounds must come from the write's own snapshot, not from separate reads.
	boom := errors.New("read outside snapshot")
	f.store.FailOn("GetUsage", boom)
	f.store.FailOn("GetLimits", boom)
	writes := f.store.Calls("SetLimits")

	_, err := f.quotas.SetLimits(ctx, "d1", limits(domain.Unlimited, 20))
	var violation *domain.LimitViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want LimitViolationError", err)
	}
	if v := violation.Violations[0]; v.Min != 30 || v.MinReason != "resource usage in project p1" {
		t.Fatalf("violation = %+v", v)
	}

	if _, err := f.quotas.SetLimits(ctx, "d1", limits(domain.Unlimited, 40)); err != nil {
		t.Fatalf("SetLimits domain: %v", err)
	}
	if _, err := f.quotas.SetLimits(ctx, "p1", limits(domain.Unlimited, 50)); err == nil {
		t.Fatal("project above parent domain was applied")
	}
	if got := f.store.Calls("SetLimits") - writes; got != 3 {
		t.Fatalf("store writes = %d, want 3", got)
	}
}

func TestSetLimitsApplies(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()

	if _, err := f.quotas.SetLimits(ctx, "d1", limits(10, 100)); err != nil {
		t.Fatalf("SetLimits domain: %v", err)
	}
	applied, err := f.quotas.SetLimits(ctx, "p1", limits(10, 100))
	if err != nil {
		t.Fatalf("SetLimits project at domain limit: %v", err)
	}
	if applied[domain.ClassArtifactsSize] != 100 {
		t.Fatalf("applied = %v", applied)
	}

	subjects := f.events.Subjects()
	if len(subjects) != 2 || subjects[0] != SubjectLimitsUpdated {
		t.Fatalf("published = %v", subjects)
	}

	if err := f.quotas.DeleteLimits(ctx, "p1"); err != nil {
		t.Fatalf("DeleteLimits: %v", err)
	}
	effective, err := f.quotas.EffectiveLimits(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if effective[domain.ClassArtifactsNumber] != 10 {
		t.Fatalf("effective after reset = %v, want domain limits", effective)
	}
}

func TestSetLimitsRejectsMalformed(t *testing.T) {
	f := newQuotaFixture(t)

	partial := domain.Limits{domain.ClassArtifactsSize: 10}
	unknown := limits(1, 1)
	unknown["total_widgets"] = 3
	negative := limits(-2, 1)

	for name, requested := range map[string]domain.Limits{
		"missing classes": partial,
		"unknown class":   unknown,
		"below -1":        negative,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := f.quotas.SetLimits(t.Context(), "p1", requested); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	if _, err := f.quotas.SetLimits(t.Context(), "ghost", limits(1, 1)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown scope err = %v, want ErrValidation", err)
	}
}

func TestEffectiveLimitsDefaults(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()

	if _, err := f.quotas.SetQuotaClasses(ctx, limits(20, 500)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.quotas.SetLimits(ctx, "d1", limits(5, domain.Unlimited)); err != nil {
		t.Fatal(err)
	}

	project, err := f.quotas.EffectiveLimits(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if project[domain.ClassArtifactsNumber] != 5 || project[domain.ClassArtifactsSize] != 500 {
		t.Fatalf("project defaults = %v, want number 5 size 500", project)
	}

	f.scopes.AddDomain("d2")
	other, err := f.quotas.EffectiveLimits(ctx, "d2")
	if err != nil {
		t.Fatal(err)
	}
	for c, v := range other {
		if v != domain.Unlimited {
			t.Fatalf("domain default %s = %d, want unlimited", c, v)
		}
	}
}

func TestQuotaClassesFillsMissing(t *testing.T) {
	f := newQuotaFixture(t)
	if _, err := f.store.SetClassDefaults(t.Context(), domain.Limits{domain.ClassArtifactsSize: 7}); err != nil {
		t.Fatal(err)
	}
	classes, err := f.quotas.QuotaClasses(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(classes) != len(domain.QuotaClasses) || classes[domain.ClassArtifactsSize] != 7 {
		t.Fatalf("classes = %v", classes)
	}
	if _, err := f.quotas.SetQuotaClasses(t.Context(), domain.Limits{domain.ClassArtifactsSize: 7}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("partial defaults err = %v, want ErrValidation", err)
	}
}

func TestUsage(t *testing.T) {
	f := newQuotaFixture(t)
	ctx := t.Context()
	commitUsage(t, f, "p1", 12)
	if _, err := f.quotas.SetLimits(ctx, "p1", limits(3, 100)); err != nil {
		t.Fatal(err)
	}

	got, err := f.quotas.Usage(ctx, "p1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	size := got[domain.ClassArtifactsSize]
	if size.Usage != 12 || size.Limit != 100 {
		t.Fatalf("size usage = %+v", size)
	}
	if got[domain.ClassSnapshotsNumber].Limit != domain.Unlimited {
		t.Fatalf("snapshot usage = %+v", got[domain.ClassSnapshotsNumber])
	}

	if _, err := f.quotas.Usage(ctx, "d1"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("domain usage err = %v, want ErrPermissionDenied", err)
	}
}
