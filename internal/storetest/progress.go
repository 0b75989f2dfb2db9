package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"artifactvault/internal/domain"
)

// Progress is an in-memory ProgressTracker.
type Progress struct {
	Faults

	mu      sync.Mutex
	entries map[uuid.UUID]domain.Progress
}

func NewProgress() *Progress {
	return &Progress{entries: make(map[uuid.UUID]domain.Progress)}
}

func (p *Progress) Update(_ context.Context, progress domain.Progress) error {
	if err := p.fault("Update"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[progress.ArtifactID] = progress
	return nil
}

func (p *Progress) Get(_ context.Context, id uuid.UUID) (*domain.Progress, error) {
	if err := p.fault("Get"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: no progress for artifact %s", domain.ErrNotFound, id)
	}
	return &entry, nil
}
