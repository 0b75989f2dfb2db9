package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"artifactvault/internal/domain"
)

type ArtifactRepository struct {
	db *sqlx.DB
}

func NewArtifactRepository(db *sqlx.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

func (r *ArtifactRepository) Create(ctx context.Context, a *domain.Artifact) error {
	query := `
        INSERT INTO artifacts (id, name, status, owner_id, size_bytes, visibility, kind, checksum, locations)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		a.ID,
		a.Name,
		a.Status,
		a.OwnerID,
		a.SizeBytes,
		a.Visibility,
		a.Kind,
		a.Checksum,
		a.Locations,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to create artifact: %w", err))
	}
	return nil
}

func (r *ArtifactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Artifact, error) {
	var a domain.Artifact
	err := r.db.GetContext(ctx, &a, `
        SELECT id, name, status, owner_id, size_bytes, visibility, kind, checksum, locations,
               created_at, updated_at, deleted_at
        FROM artifacts
        WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: artifact %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return &a, nil
}

// Save writes a only when the stored status still equals expectedPrior.
func (r *ArtifactRepository) Save(ctx context.Context, a *domain.Artifact, expectedPrior domain.ArtifactStatus) error {
	query := `
        UPDATE artifacts
        SET name = $3,
            status = $4,
            owner_id = $5,
            size_bytes = $6,
            visibility = $7,
            kind = $8,
            checksum = $9,
            locations = $10,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $1 AND status = $2 AND deleted_at IS NULL
        RETURNING updated_at`

	err := r.db.QueryRowContext(ctx, query,
		a.ID,
		expectedPrior,
		a.Name,
		a.Status,
		a.OwnerID,
		a.SizeBytes,
		a.Visibility,
		a.Kind,
		a.Checksum,
		a.Locations,
	).Scan(&a.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return mapError(fmt.Errorf("failed to save artifact: %w", err))
	}

	var current domain.ArtifactStatus
	err = r.db.GetContext(ctx, &current, `SELECT status FROM artifacts WHERE id = $1 AND deleted_at IS NULL`, a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: artifact %s", domain.ErrNotFound, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to get artifact status: %w", err)
	}
	return fmt.Errorf("%w: artifact %s is %s, expected %s", domain.ErrConflict, a.ID, current, expectedPrior)
}

// Delete marks the artifact deleted; the row is kept.
func (r *ArtifactRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE artifacts
        SET status = $2,
            deleted_at = CURRENT_TIMESTAMP,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $1 AND deleted_at IS NULL`, id, domain.StatusDeleted)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: artifact %s", domain.ErrNotFound, id)
	}
	return nil
}
