package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"artifactvault/internal/domain"
)

// ScopeRepository stores the domain/project tree quotas are enforced against.
type ScopeRepository struct {
	db *sqlx.DB
}

func NewScopeRepository(db *sqlx.DB) *ScopeRepository {
	return &ScopeRepository{db: db}
}

func (r *ScopeRepository) Resolve(ctx context.Context, scopeID string) (domain.Scope, error) {
	var scope domain.Scope
	err := r.db.GetContext(ctx, &scope, `SELECT id, kind, parent_id FROM scopes WHERE id = $1`, scopeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Scope{}, fmt.Errorf("%w: scope %s", domain.ErrNotFound, scopeID)
		}
		return domain.Scope{}, fmt.Errorf("failed to resolve scope: %w", err)
	}
	return scope, nil
}

func (r *ScopeRepository) ChildrenOf(ctx context.Context, domainID string) ([]domain.Scope, error) {
	var children []domain.Scope
	err := r.db.SelectContext(ctx, &children, `
        SELECT id, kind, parent_id
        FROM scopes
        WHERE parent_id = $1 AND kind = $2
        ORDER BY id`, domainID, domain.ScopeProject)
	if err != nil {
		return nil, fmt.Errorf("failed to list child scopes: %w", err)
	}
	return children, nil
}

// Register creates or updates a scope. Projects must name an existing domain.
func (r *ScopeRepository) Register(ctx context.Context, scope domain.Scope) error {
	switch scope.Kind {
	case domain.ScopeDomain:
		scope.ParentID = nil
	case domain.ScopeProject:
		if scope.Parent() == "" {
			return fmt.Errorf("%w: project %s needs a parent domain", domain.ErrValidation, scope.ID)
		}
		parent, err := r.Resolve(ctx, scope.Parent())
		if err != nil {
			return err
		}
		if !parent.IsDomain() {
			return fmt.Errorf("%w: parent %s is not a domain", domain.ErrValidation, parent.ID)
		}
	default:
		return fmt.Errorf("%w: unknown scope kind %q", domain.ErrValidation, scope.Kind)
	}

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO scopes (id, kind, parent_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE
        SET kind = EXCLUDED.kind,
            parent_id = EXCLUDED.parent_id`, scope.ID, scope.Kind, scope.ParentID)
	if err != nil {
		return mapError(fmt.Errorf("failed to register scope: %w", err))
	}
	return nil
}
