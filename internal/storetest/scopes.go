package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"artifactvault/internal/domain"
)

// Scopes is an in-memory ScopeResolver.
type Scopes struct {
	Faults

	mu     sync.Mutex
	scopes map[string]domain.Scope
}

func NewScopes() *Scopes {
	return &Scopes{scopes: make(map[string]domain.Scope)}
}

func (s *Scopes) AddDomain(id string) *Scopes {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[id] = domain.Scope{ID: id, Kind: domain.ScopeDomain}
	return s
}

func (s *Scopes) AddProject(id, parent string) *Scopes {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := parent
	s.scopes[id] = domain.Scope{ID: id, Kind: domain.ScopeProject, ParentID: &p}
	return s
}

func (s *Scopes) Resolve(_ context.Context, scopeID string) (domain.Scope, error) {
	if err := s.fault("Resolve"); err != nil {
		return domain.Scope{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.scopes[scopeID]
	if !ok {
		return domain.Scope{}, fmt.Errorf("%w: scope %s", domain.ErrNotFound, scopeID)
	}
	return scope, nil
}

func (s *Scopes) ChildrenOf(_ context.Context, domainID string) ([]domain.Scope, error) {
	if err := s.fault("ChildrenOf"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var children []domain.Scope
	for _, scope := range s.scopes {
		if scope.Kind == domain.ScopeProject && scope.Parent() == domainID {
			children = append(children, scope)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}
