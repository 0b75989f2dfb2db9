package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"artifactvault/internal/domain"
)

// QuotaStore keeps quota state in memory with the same accounting rules as
// the Postgres repository.
type QuotaStore struct {
	Faults

	mu           sync.Mutex
	defaults     domain.Limits
	limits       map[string]domain.Limits
	reservations map[uuid.UUID]domain.Reservation
	// Now drives lease expiry; defaults to time.Now.
	Now func() time.Time
}

func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		defaults:     domain.UnlimitedLimits(),
		limits:       make(map[string]domain.Limits),
		reservations: make(map[uuid.UUID]domain.Reservation),
		Now:          time.Now,
	}
}

func (s *QuotaStore) held(r domain.Reservation, now time.Time) bool {
	return r.ExpireAt == nil || r.ExpireAt.After(now)
}

func (s *QuotaStore) GetClassDefaults(context.Context) (domain.Limits, error) {
	if err := s.fault("GetClassDefaults"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaults.Clone(), nil
}

func (s *QuotaStore) SetClassDefaults(_ context.Context, defaults domain.Limits) (domain.Limits, error) {
	if err := s.fault("SetClassDefaults"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, v := range defaults {
		s.defaults[c] = v
	}
	return s.defaults.Clone(), nil
}

func (s *QuotaStore) GetLimits(_ context.Context, scope string) (domain.Limits, error) {
	if err := s.fault("GetLimits"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limits[scope]; ok {
		return l.Clone(), nil
	}
	return domain.Limits{}, nil
}

// SetLimits runs check and the write under one lock, like the repository's
// single transaction.
func (s *QuotaStore) SetLimits(_ context.Context, scope string, limits domain.Limits, related []string, check func(domain.LimitSnapshot) error) (domain.Limits, error) {
	if err := s.fault("SetLimits"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if check != nil {
		snapshot := domain.LimitSnapshot{
			Limits: make(map[string]domain.Limits, len(related)),
			Usage:  make(map[string]domain.Amounts, len(related)),
		}
		for _, r := range related {
			snapshot.Limits[r] = s.limits[r].Clone()
			snapshot.Usage[r] = s.usageLocked(r)
		}
		if err := check(snapshot); err != nil {
			return nil, err
		}
	}
	s.limits[scope] = limits.Clone()
	return limits.Clone(), nil
}

func (s *QuotaStore) MaterializeLimits(_ context.Context, scope string, limits domain.Limits) (domain.Limits, error) {
	if err := s.fault("MaterializeLimits"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.limits[scope]
	if !ok {
		stored = domain.Limits{}
		s.limits[scope] = stored
	}
	for c, v := range limits {
		if _, exists := stored[c]; !exists {
			stored[c] = v
		}
	}
	return stored.Clone(), nil
}

func (s *QuotaStore) DeleteLimits(_ context.Context, scope string) error {
	if err := s.fault("DeleteLimits"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limits, scope)
	return nil
}

func (s *QuotaStore) GetUsage(_ context.Context, scope string) (domain.Amounts, error) {
	if err := s.fault("GetUsage"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageLocked(scope), nil
}

func (s *QuotaStore) usageLocked(scope string) domain.Amounts {
	usage := domain.Amounts{}
	for _, r := range s.reservations {
		if r.Scope == scope && r.ExpireAt == nil {
			usage[r.QuotaClass] += r.Reserved
		}
	}
	return usage
}

func (s *QuotaStore) CreateReservations(_ context.Context, scope string, artifactID uuid.UUID, amounts domain.Amounts, limits domain.Limits, expireAt time.Time) ([]uuid.UUID, error) {
	if err := s.fault("CreateReservations"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	held := domain.Amounts{}
	for _, r := range s.reservations {
		if r.Scope == scope && s.held(r, now) {
			held[r.QuotaClass] += r.Reserved
		}
	}
	for _, c := range domain.QuotaClasses {
		requested, ok := amounts[c]
		if !ok {
			continue
		}
		limit, ok := limits[c]
		if !ok {
			limit = domain.Unlimited
		}
		if domain.Exceeds(held[c]+requested, limit) {
			return nil, &domain.QuotaExceededError{
				Scope:     scope,
				Class:     c,
				Limit:     limit,
				Usage:     held[c],
				Requested: requested,
			}
		}
	}

	ids := make([]uuid.UUID, 0, len(amounts))
	for _, c := range domain.QuotaClasses {
		requested, ok := amounts[c]
		if !ok {
			continue
		}
		expire := expireAt
		r := domain.Reservation{
			ID:         uuid.New(),
			Scope:      scope,
			QuotaClass: c,
			Reserved:   requested,
			ArtifactID: artifactID,
			ExpireAt:   &expire,
			CreatedAt:  now,
		}
		s.reservations[r.ID] = r
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *QuotaStore) CommitReservations(_ context.Context, ids []uuid.UUID) error {
	if err := s.fault("CommitReservations"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		r, ok := s.reservations[id]
		if !ok || r.ExpireAt == nil {
			return fmt.Errorf("%w: reservation %s is not pending", domain.ErrConflict, id)
		}
	}
	now := s.Now()
	for _, id := range ids {
		r := s.reservations[id]
		r.ExpireAt = nil
		r.CommittedAt = &now
		s.reservations[id] = r
	}
	return nil
}

func (s *QuotaStore) DeleteReservations(_ context.Context, ids []uuid.UUID) error {
	if err := s.fault("DeleteReservations"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.reservations, id)
	}
	return nil
}

func (s *QuotaStore) HasReservations(_ context.Context, artifactID uuid.UUID) (bool, error) {
	if err := s.fault("HasReservations"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for _, r := range s.reservations {
		if r.ArtifactID == artifactID && s.held(r, now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *QuotaStore) ClearReservations(_ context.Context, artifactID uuid.UUID) error {
	if err := s.fault("ClearReservations"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.reservations {
		if r.ArtifactID == artifactID {
			delete(s.reservations, id)
		}
	}
	return nil
}

func (s *QuotaStore) DeleteExpiredReservations(_ context.Context, now time.Time) (int64, error) {
	if err := s.fault("DeleteExpiredReservations"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.reservations {
		if r.ExpireAt != nil && r.ExpireAt.Before(now) {
			delete(s.reservations, id)
			n++
		}
	}
	return n, nil
}

// Reservations returns a snapshot of every stored reservation of artifactID.
func (s *QuotaStore) Reservations(artifactID uuid.UUID) []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.ArtifactID == artifactID {
			out = append(out, r)
		}
	}
	return out
}

// Pending counts uncommitted reservations across all artifacts.
func (s *QuotaStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reservations {
		if r.ExpireAt != nil {
			n++
		}
	}
	return n
}
