package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"artifactvault/internal/domain"
)

// Artifacts is an in-memory ArtifactStore with the repository's
// compare-and-set save semantics.
type Artifacts struct {
	Faults

	mu        sync.Mutex
	artifacts map[uuid.UUID]domain.Artifact
	// BeforeSave runs inside Save before the status check, letting tests
	// race a concurrent change.
	BeforeSave func(a *domain.Artifact)
}

func NewArtifacts() *Artifacts {
	return &Artifacts{artifacts: make(map[uuid.UUID]domain.Artifact)}
}

func clone(a domain.Artifact) *domain.Artifact {
	out := a
	out.Locations = append(domain.Locations(nil), a.Locations...)
	return &out
}

func (s *Artifacts) Create(_ context.Context, a *domain.Artifact) error {
	if err := s.fault("Create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.ID]; ok {
		return fmt.Errorf("%w: artifact %s exists", domain.ErrConflict, a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.artifacts[a.ID] = *clone(*a)
	return nil
}

func (s *Artifacts) Get(_ context.Context, id uuid.UUID) (*domain.Artifact, error) {
	if err := s.fault("Get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", domain.ErrNotFound, id)
	}
	return clone(a), nil
}

func (s *Artifacts) Save(ctx context.Context, a *domain.Artifact, expectedPrior domain.ArtifactStatus) error {
	if err := s.fault("Save"); err != nil {
		return err
	}
	if s.BeforeSave != nil {
		s.BeforeSave(a)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.artifacts[a.ID]
	if !ok {
		return fmt.Errorf("%w: artifact %s", domain.ErrNotFound, a.ID)
	}
	if stored.Status != expectedPrior || stored.DeletedAt != nil {
		return fmt.Errorf("%w: artifact %s is %s, expected %s", domain.ErrConflict, a.ID, stored.Status, expectedPrior)
	}
	a.UpdatedAt = time.Now().UTC()
	s.artifacts[a.ID] = *clone(*a)
	return nil
}

func (s *Artifacts) Delete(_ context.Context, id uuid.UUID) error {
	if err := s.fault("Delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok || a.DeletedAt != nil {
		return fmt.Errorf("%w: artifact %s", domain.ErrNotFound, id)
	}
	now := time.Now().UTC()
	a.Status = domain.StatusDeleted
	a.DeletedAt = &now
	s.artifacts[id] = a
	return nil
}

// Remove drops the record entirely, as a concurrent hard delete would.
func (s *Artifacts) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
}

// Status returns the stored status of id, or "" when absent.
func (s *Artifacts) Status(id uuid.UUID) domain.ArtifactStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts[id].Status
}
