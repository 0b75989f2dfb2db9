package service

import (
	"testing"

	"github.com/google/uuid"

	"artifactvault/internal/domain"
	"artifactvault/internal/storetest"
)

var (
	member = domain.Caller{UserID: "u-1", ProjectID: "p1"}
	other  = domain.Caller{UserID: "u-2", ProjectID: "p2"}
	admin  = domain.Caller{UserID: "root", ProjectID: "ops", Roles: []string{"admin"}}
)

type quotaFixture struct {
	store   *storetest.QuotaStore
	scopes  *storetest.Scopes
	events  *storetest.Events
	quotas  *QuotaService
	manager *ReservationManager
}

func newQuotaFixture(t *testing.T) *quotaFixture {
	t.Helper()
	f := &quotaFixture{
		store:  storetest.NewQuotaStore(),
		scopes: storetest.NewScopes().AddDomain("d1").AddProject("p1", "d1").AddProject("p2", "d1"),
		events: &storetest.Events{},
	}
	f.quotas = NewQuotaService(f.store, f.scopes, f.events)
	f.manager = NewReservationManager(f.store, f.scopes, f.quotas, 0)
	return f
}

// limits builds a full limit set for the artifact classes; snapshot
// classes stay unlimited.
func limits(number, size int64) domain.Limits {
	return domain.Limits{
		domain.ClassArtifactsNumber: number,
		domain.ClassArtifactsSize:   size,
		domain.ClassSnapshotsNumber: domain.Unlimited,
		domain.ClassSnapshotsSize:   domain.Unlimited,
	}
}

func meta(owner string, size int64) domain.ArtifactMeta {
	return domain.ArtifactMeta{
		ID:       uuid.New(),
		Status:   domain.StatusQueued,
		Owner:    owner,
		Size:     size,
		Kind:     domain.KindPrimary,
		Location: domain.Location{URL: "mem://blob", Backend: BackendStore},
	}
}

func usage(t *testing.T, f *quotaFixture, scope string) domain.Amounts {
	t.Helper()
	used, err := f.store.GetUsage(t.Context(), scope)
	if err != nil {
		t.Fatalf("GetUsage(%s): %v", scope, err)
	}
	return used
}
