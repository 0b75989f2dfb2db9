package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"artifactvault/internal/domain"
	"artifactvault/internal/metrics"
)

var tracer = otel.Tracer("artifactvault/internal/service")

// QuotaAction is what a status transition means for quota accounting.
type QuotaAction int

const (
	ActionNoop QuotaAction = iota
	ActionActivate
	ActionRelease
	ActionUpdate
)

func (a QuotaAction) String() string {
	switch a {
	case ActionActivate:
		return "activate"
	case ActionRelease:
		return "release"
	case ActionUpdate:
		return "update"
	default:
		return "noop"
	}
}

// ReservationManager reserves, commits and releases quota around artifact
// operations.
type ReservationManager struct {
	store  QuotaStore
	scopes ScopeResolver
	quotas *QuotaService
	lease  time.Duration
	now    func() time.Time
}

// NewReservationManager returns a manager whose pending reservations expire
// after lease. Zero selects domain.DefaultReservationLease.
func NewReservationManager(store QuotaStore, scopes ScopeResolver, quotas *QuotaService, lease time.Duration) *ReservationManager {
	if lease == 0 {
		lease = domain.DefaultReservationLease
	}
	return &ReservationManager{
		store:  store,
		scopes: scopes,
		quotas: quotas,
		lease:  lease,
		now:    time.Now,
	}
}

// Decide maps a status transition of the artifact described by meta onto a
// quota action. A transition from a data-holding status to itself is an
// update and reconciles the reservation with the artifact's visibility.
func (m *ReservationManager) Decide(ctx context.Context, from, to domain.ArtifactStatus, meta domain.ArtifactMeta) (QuotaAction, error) {
	if to == domain.StatusDeleted {
		held, err := m.store.HasReservations(ctx, meta.ID)
		if err != nil {
			return ActionNoop, fmt.Errorf("failed to check reservations of %s: %w", meta.ID, err)
		}
		if held {
			return ActionRelease, nil
		}
		return ActionNoop, nil
	}

	if meta.Owner == "" {
		return ActionNoop, nil
	}

	activating := (from == domain.StatusQueued || from == domain.StatusUploading) &&
		(to == domain.StatusSaving || to == domain.StatusActive)
	updating := from == to && (from == domain.StatusActive || from == domain.StatusDeactivated)
	if !activating && !updating {
		return ActionNoop, nil
	}

	held, err := m.store.HasReservations(ctx, meta.ID)
	if err != nil {
		return ActionNoop, fmt.Errorf("failed to check reservations of %s: %w", meta.ID, err)
	}

	switch {
	case activating && !meta.Public && !held:
		return ActionActivate, nil
	case updating && !meta.Public && !held:
		return ActionUpdate, nil
	case updating && meta.Public && held:
		return ActionRelease, nil
	}
	return ActionNoop, nil
}

// AppliedQuantities returns what an artifact consumes per class. Size is only
// charged for bytes stored by this system.
func AppliedQuantities(meta domain.ArtifactMeta) domain.Amounts {
	amounts := domain.Amounts{domain.ClassArtifactsNumber: 1}
	chargeSize := meta.Size > 0 && meta.Location.URL != "" && !meta.Location.IsExternal()
	if chargeSize {
		amounts[domain.ClassArtifactsSize] = meta.Size
	}
	if meta.Kind == domain.KindDerived {
		amounts[domain.ClassSnapshotsNumber] = 1
		if chargeSize {
			amounts[domain.ClassSnapshotsSize] = meta.Size
		}
	}
	return amounts
}

func (m *ReservationManager) limitsFor(ctx context.Context, scope domain.Scope) (domain.Limits, error) {
	limits, err := m.store.GetLimits(ctx, scope.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get limits for %s: %w", scope.ID, err)
	}
	if len(limits) == len(domain.QuotaClasses) {
		return limits, nil
	}

	if scope.IsDomain() {
		defaults := domain.UnlimitedLimits()
		for c, v := range limits {
			defaults[c] = v
		}
		return defaults, nil
	}

	defaults, err := m.quotas.ProjectDefaults(ctx, scope.Parent())
	if err != nil {
		return nil, err
	}
	stored, err := m.store.MaterializeLimits(ctx, scope.ID, defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize limits for %s: %w", scope.ID, err)
	}
	log.WithFields(log.Fields{"scope": scope.ID, "limits": stored}).Debug("project default limits materialized")
	return stored, nil
}

// Begin reserves amounts for artifactID under scopeID. The returned handle
// must be committed or rolled back.
func (m *ReservationManager) Begin(ctx context.Context, scopeID string, artifactID uuid.UUID, amounts domain.Amounts) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "quota.begin")
	defer span.End()
	span.SetAttributes(attribute.String("scope", scopeID), attribute.String("artifact_id", artifactID.String()))

	scope, err := m.scopes.Resolve(ctx, scopeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("%w: can't find domain or project for scope %s", domain.ErrValidation, scopeID)
		}
		span.RecordError(err)
		return nil, err
	}

	limits, err := m.limitsFor(ctx, scope)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ids, err := m.store.CreateReservations(ctx, scope.ID, artifactID, amounts, limits, m.now().Add(m.lease))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reservation rejected")
		var exceeded *domain.QuotaExceededError
		if errors.As(err, &exceeded) {
			metrics.Reservations.WithLabelValues("rejected").Inc()
			log.WithFields(log.Fields{
				"scope":       scope.ID,
				"class":       exceeded.Class,
				"artifact_id": artifactID,
			}).Info("quota reservation rejected")
			return nil, err
		}
		return nil, fmt.Errorf("failed to reserve quota for %s: %w", artifactID, err)
	}

	metrics.Reservations.WithLabelValues("begun").Inc()
	log.WithFields(log.Fields{"scope": scope.ID, "artifact_id": artifactID, "amounts": amounts}).Debug("quota reserved")

	return &Reservation{
		manager:    m,
		scope:      scope.ID,
		artifactID: artifactID,
		amounts:    amounts,
		ids:        ids,
	}, nil
}

type reservationState int

const (
	reservationPending reservationState = iota
	reservationCommitted
	reservationRolledBack
)

// Reservation is a pending hold on quota for one artifact.
type Reservation struct {
	manager    *ReservationManager
	scope      string
	artifactID uuid.UUID
	amounts    domain.Amounts
	ids        []uuid.UUID

	mu    sync.Mutex
	state reservationState
}

func (r *Reservation) Scope() string           { return r.scope }
func (r *Reservation) Amounts() domain.Amounts { return r.amounts }

// Commit turns the reservation into usage. When the store fails the
// reservation is rolled back and the commit error returned.
func (r *Reservation) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case reservationCommitted:
		return nil
	case reservationRolledBack:
		return fmt.Errorf("%w: reservation for %s already rolled back", domain.ErrConflict, r.artifactID)
	}

	if err := r.manager.store.CommitReservations(ctx, r.ids); err != nil {
		if rbErr := r.rollbackLocked(ctx); rbErr != nil {
			log.WithError(rbErr).WithField("artifact_id", r.artifactID).Error("failed to roll back reservation after commit failure")
		}
		return fmt.Errorf("failed to commit reservation for %s: %w", r.artifactID, err)
	}
	r.state = reservationCommitted
	metrics.Reservations.WithLabelValues("committed").Inc()
	return nil
}

// Rollback releases the held capacity. It is a no-op once committed or
// rolled back.
func (r *Reservation) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbackLocked(ctx)
}

func (r *Reservation) rollbackLocked(ctx context.Context) error {
	if r.state != reservationPending {
		return nil
	}
	if err := r.manager.store.DeleteReservations(ctx, r.ids); err != nil {
		return fmt.Errorf("failed to roll back reservation for %s: %w", r.artifactID, err)
	}
	r.state = reservationRolledBack
	metrics.Reservations.WithLabelValues("rolled_back").Inc()
	return nil
}

// Guard settles a quota action once the guarded operation finishes.
type Guard interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type releaseGuard struct {
	store      QuotaStore
	artifactID uuid.UUID
}

// Commit clears the artifact's reservations; nothing is released when the
// guarded operation fails.
func (g *releaseGuard) Commit(ctx context.Context) error {
	if err := g.store.ClearReservations(ctx, g.artifactID); err != nil {
		return fmt.Errorf("failed to release reservations of %s: %w", g.artifactID, err)
	}
	metrics.Reservations.WithLabelValues("released").Inc()
	return nil
}

func (g *releaseGuard) Rollback(context.Context) error { return nil }

type noopGuard struct{}

func (noopGuard) Commit(context.Context) error   { return nil }
func (noopGuard) Rollback(context.Context) error { return nil }

// Open starts the guard for action on the artifact described by meta.
func (m *ReservationManager) Open(ctx context.Context, action QuotaAction, meta domain.ArtifactMeta) (Guard, error) {
	switch action {
	case ActionActivate, ActionUpdate:
		reservation, err := m.Begin(ctx, meta.Owner, meta.ID, AppliedQuantities(meta))
		if err != nil {
			return nil, err
		}
		return reservation, nil
	case ActionRelease:
		return &releaseGuard{store: m.store, artifactID: meta.ID}, nil
	default:
		return noopGuard{}, nil
	}
}

// Within runs fn inside the quota action. An error or panic from fn rolls the
// guard back and is passed through unchanged; otherwise the guard is
// committed. Settlement ignores cancellation of ctx.
func (m *ReservationManager) Within(ctx context.Context, action QuotaAction, meta domain.ArtifactMeta, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracer.Start(ctx, "quota.within")
	defer span.End()
	span.SetAttributes(attribute.String("action", action.String()), attribute.String("artifact_id", meta.ID.String()))

	guard, err := m.Open(ctx, action, meta)
	if err != nil {
		span.RecordError(err)
		return err
	}

	settle := context.WithoutCancel(ctx)
	rollback := func() {
		if rbErr := guard.Rollback(settle); rbErr != nil {
			metrics.CompensationFailures.WithLabelValues("quota_rollback").Inc()
			log.WithError(rbErr).WithField("artifact_id", meta.ID).Error("failed to roll back quota")
		}
	}

	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		rollback()
		return err
	}

	if err := guard.Commit(settle); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quota commit failed")
		rollback()
		return err
	}
	return nil
}
