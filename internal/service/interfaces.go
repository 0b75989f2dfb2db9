package service

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"artifactvault/internal/domain"
)

// QuotaStore persists quota class defaults, per-scope limits and reservations.
type QuotaStore interface {
	GetClassDefaults(ctx context.Context) (domain.Limits, error)
	SetClassDefaults(ctx context.Context, defaults domain.Limits) (domain.Limits, error)

	// GetLimits returns the explicit limits of scope, empty when none are stored.
	GetLimits(ctx context.Context, scope string) (domain.Limits, error)
	// SetLimits replaces every limit of scope in one transaction. check, when
	// set, sees a snapshot of the related scopes read by that transaction and
	// vetoes the write by returning an error, which is passed through as is.
	SetLimits(ctx context.Context, scope string, limits domain.Limits, related []string, check func(domain.LimitSnapshot) error) (domain.Limits, error)
	// MaterializeLimits stores limits only for classes scope has no row for
	// and returns what is stored afterwards.
	MaterializeLimits(ctx context.Context, scope string, limits domain.Limits) (domain.Limits, error)
	DeleteLimits(ctx context.Context, scope string) error

	// GetUsage sums committed reservations of scope per class.
	GetUsage(ctx context.Context, scope string) (domain.Amounts, error)

	// CreateReservations atomically checks amounts against limits (counting
	// committed and unexpired pending reservations) and inserts one pending
	// reservation per class. Returns *domain.QuotaExceededError on overflow.
	CreateReservations(ctx context.Context, scope string, artifactID uuid.UUID, amounts domain.Amounts, limits domain.Limits, expireAt time.Time) ([]uuid.UUID, error)
	CommitReservations(ctx context.Context, ids []uuid.UUID) error
	DeleteReservations(ctx context.Context, ids []uuid.UUID) error

	// HasReservations reports whether the artifact holds committed or live pending reservations.
	HasReservations(ctx context.Context, artifactID uuid.UUID) (bool, error)
	ClearReservations(ctx context.Context, artifactID uuid.UUID) error
	DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error)
}

// ScopeResolver tells domains and projects apart.
type ScopeResolver interface {
	Resolve(ctx context.Context, scopeID string) (domain.Scope, error)
	ChildrenOf(ctx context.Context, domainID string) ([]domain.Scope, error)
}

// ByteStore streams artifact bytes in and out of a backend.
type ByteStore interface {
	Write(ctx context.Context, artifactID uuid.UUID, r io.Reader, declaredSize int64) (string, error)
	// Read returns length bytes starting at offset; length < 0 reads to the end.
	Read(ctx context.Context, location string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// ArtifactStore persists artifact metadata.
type ArtifactStore interface {
	Create(ctx context.Context, artifact *domain.Artifact) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Artifact, error)
	// Save fails with domain.ErrConflict when the stored status differs from expectedPrior.
	// Stores that authenticate each request with the caller's token return
	// domain.ErrNotAuthenticated once it expires; a transfer's final save is
	// then retried once through TokenRefresher.
	Save(ctx context.Context, artifact *domain.Artifact, expectedPrior domain.ArtifactStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// TokenRefresher obtains fresh credentials for a long-running operation.
type TokenRefresher interface {
	Refresh(ctx context.Context) (context.Context, error)
}

// Notifier publishes lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, subject string, event any) error
}

// ProgressTracker records transfer progress for polling clients.
type ProgressTracker interface {
	Update(ctx context.Context, progress domain.Progress) error
	Get(ctx context.Context, artifactID uuid.UUID) (*domain.Progress, error)
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, string, any) error { return nil }

type noopProgress struct{}

func (noopProgress) Update(context.Context, domain.Progress) error { return nil }

func (noopProgress) Get(context.Context, uuid.UUID) (*domain.Progress, error) {
	return nil, domain.ErrNotFound
}
