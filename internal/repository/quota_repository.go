package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"artifactvault/internal/domain"
)

type QuotaRepository struct {
	db *sqlx.DB
}

func NewQuotaRepository(db *sqlx.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

type classAmount struct {
	QuotaClass domain.QuotaClass `db:"quota_class"`
	Total      int64             `db:"total"`
}

func (r *QuotaRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return r.withTxOptions(ctx, nil, fn)
}

func (r *QuotaRepository) withTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockScope serializes writers of one scope until the transaction ends.
func lockScope(ctx context.Context, tx *sqlx.Tx, scope string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
		return fmt.Errorf("failed to lock scope %s: %w", scope, err)
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func classStrings(amounts domain.Amounts) []string {
	out := make([]string, 0, len(amounts))
	for c := range amounts {
		out = append(out, string(c))
	}
	return out
}

func (r *QuotaRepository) GetClassDefaults(ctx context.Context) (domain.Limits, error) {
	var rows []domain.QuotaClassDefault
	err := r.db.SelectContext(ctx, &rows,
		`SELECT name, default_limit, created_at, updated_at FROM quota_classes`)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota classes: %w", err)
	}

	defaults := make(domain.Limits, len(rows))
	for _, row := range rows {
		defaults[row.Name] = row.DefaultLimit
	}
	return defaults, nil
}

func (r *QuotaRepository) SetClassDefaults(ctx context.Context, defaults domain.Limits) (domain.Limits, error) {
	query := `
        INSERT INTO quota_classes (name, default_limit)
        VALUES ($1, $2)
        ON CONFLICT (name) DO UPDATE
        SET default_limit = EXCLUDED.default_limit,
            updated_at = CURRENT_TIMESTAMP`

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range domain.QuotaClasses {
			v, ok := defaults[c]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, query, c, v); err != nil {
				return mapError(fmt.Errorf("failed to set default for %s: %w", c, err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetClassDefaults(ctx)
}

func (r *QuotaRepository) GetLimits(ctx context.Context, scope string) (domain.Limits, error) {
	return getLimits(ctx, r.db, scope)
}

func getLimits(ctx context.Context, q sqlx.QueryerContext, scope string) (domain.Limits, error) {
	var rows []domain.QuotaLimit
	err := sqlx.SelectContext(ctx, q, &rows, `
        SELECT id, scope, quota_class, hard_limit, created_at, updated_at
        FROM quotas
        WHERE scope = $1`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to get limits: %w", err)
	}

	limits := make(domain.Limits, len(rows))
	for _, row := range rows {
		limits[row.QuotaClass] = row.HardLimit
	}
	return limits, nil
}

// SetLimits upserts every class of limits in a single REPEATABLE READ
// transaction holding the scope lock. check reads every related scope from
// that transaction's snapshot, so bounds never mix limits and usage taken at
// different moments.
func (r *QuotaRepository) SetLimits(
	ctx context.Context,
	scope string,
	limits domain.Limits,
	related []string,
	check func(domain.LimitSnapshot) error,
) (domain.Limits, error) {
	query := `
        INSERT INTO quotas (id, scope, quota_class, hard_limit)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (scope, quota_class) DO UPDATE
        SET hard_limit = EXCLUDED.hard_limit,
            updated_at = CURRENT_TIMESTAMP`

	var applied domain.Limits
	err := r.withTxOptions(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead}, func(tx *sqlx.Tx) error {
		if err := lockScope(ctx, tx, scope); err != nil {
			return err
		}
		if check != nil {
			snapshot, err := limitSnapshot(ctx, tx, related)
			if err != nil {
				return err
			}
			if err := check(snapshot); err != nil {
				return err
			}
		}
		for _, c := range domain.QuotaClasses {
			v, ok := limits[c]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, query, uuid.New(), scope, c, v); err != nil {
				return mapError(fmt.Errorf("failed to set limit %s for %s: %w", c, scope, err))
			}
		}
		var err error
		applied, err = getLimits(ctx, tx, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func limitSnapshot(ctx context.Context, q sqlx.QueryerContext, scopes []string) (domain.LimitSnapshot, error) {
	snapshot := domain.LimitSnapshot{
		Limits: make(map[string]domain.Limits, len(scopes)),
		Usage:  make(map[string]domain.Amounts, len(scopes)),
	}
	for _, scope := range scopes {
		limits, err := getLimits(ctx, q, scope)
		if err != nil {
			return snapshot, fmt.Errorf("failed to read limits of %s: %w", scope, err)
		}
		usage, err := getUsage(ctx, q, scope)
		if err != nil {
			return snapshot, fmt.Errorf("failed to read usage of %s: %w", scope, err)
		}
		snapshot.Limits[scope] = limits
		snapshot.Usage[scope] = usage
	}
	return snapshot, nil
}

// MaterializeLimits inserts limits for classes the scope has no row for.
// Concurrent callers agree on whichever rows land first.
func (r *QuotaRepository) MaterializeLimits(ctx context.Context, scope string, limits domain.Limits) (domain.Limits, error) {
	query := `
        INSERT INTO quotas (id, scope, quota_class, hard_limit)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (scope, quota_class) DO NOTHING`

	var stored domain.Limits
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range domain.QuotaClasses {
			v, ok := limits[c]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, query, uuid.New(), scope, c, v); err != nil {
				return mapError(fmt.Errorf("failed to materialize limit %s for %s: %w", c, scope, err))
			}
		}
		var err error
		stored, err = getLimits(ctx, tx, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *QuotaRepository) DeleteLimits(ctx context.Context, scope string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM quotas WHERE scope = $1`, scope); err != nil {
		return fmt.Errorf("failed to delete limits: %w", err)
	}
	return nil
}

// GetUsage sums committed reservations of scope per class.
func (r *QuotaRepository) GetUsage(ctx context.Context, scope string) (domain.Amounts, error) {
	return getUsage(ctx, r.db, scope)
}

func getUsage(ctx context.Context, q sqlx.QueryerContext, scope string) (domain.Amounts, error) {
	var rows []classAmount
	err := sqlx.SelectContext(ctx, q, &rows, `
        SELECT quota_class, COALESCE(SUM(reserved), 0) AS total
        FROM reservations
        WHERE scope = $1 AND expire_at IS NULL
        GROUP BY quota_class`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	usage := make(domain.Amounts, len(rows))
	for _, row := range rows {
		usage[row.QuotaClass] = row.Total
	}
	return usage, nil
}

// CreateReservations checks and inserts under the scope's advisory lock, so
// concurrent reservations for one scope are serialized.
func (r *QuotaRepository) CreateReservations(
	ctx context.Context,
	scope string,
	artifactID uuid.UUID,
	amounts domain.Amounts,
	limits domain.Limits,
	expireAt time.Time,
) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockScope(ctx, tx, scope); err != nil {
			return err
		}

		var rows []classAmount
		err := tx.SelectContext(ctx, &rows, `
            SELECT quota_class, COALESCE(SUM(reserved), 0) AS total
            FROM reservations
            WHERE scope = $1
              AND quota_class = ANY($2)
              AND (expire_at IS NULL OR expire_at > CURRENT_TIMESTAMP)
            GROUP BY quota_class`, scope, pq.Array(classStrings(amounts)))
		if err != nil {
			return fmt.Errorf("failed to get held quota: %w", err)
		}
		held := make(domain.Amounts, len(rows))
		for _, row := range rows {
			held[row.QuotaClass] = row.Total
		}

		for _, c := range domain.QuotaClasses {
			amount, ok := amounts[c]
			if !ok {
				continue
			}
			limit, ok := limits[c]
			if !ok {
				limit = domain.Unlimited
			}
			if domain.Exceeds(held[c]+amount, limit) {
				return &domain.QuotaExceededError{
					Scope:     scope,
					Class:     c,
					Limit:     limit,
					Usage:     held[c],
					Requested: amount,
				}
			}
		}

		insert := `
            INSERT INTO reservations (id, scope, quota_class, reserved, artifact_id, expire_at)
            VALUES ($1, $2, $3, $4, $5, $6)`
		for _, c := range domain.QuotaClasses {
			amount, ok := amounts[c]
			if !ok {
				continue
			}
			id := uuid.New()
			if _, err := tx.ExecContext(ctx, insert, id, scope, c, amount, artifactID, expireAt); err != nil {
				return mapError(fmt.Errorf("failed to create reservation %s: %w", c, err))
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"scope": scope, "artifact_id": artifactID, "count": len(ids)}).Debug("[QuotaRepository] reservations created")
	return ids, nil
}

// CommitReservations turns pending reservations into usage. It fails when any
// of them is gone, e.g. reaped after its lease expired.
func (r *QuotaRepository) CommitReservations(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
            UPDATE reservations
            SET expire_at = NULL,
                committed_at = CURRENT_TIMESTAMP
            WHERE id = ANY($1) AND expire_at IS NOT NULL`, pq.Array(uuidStrings(ids)))
		if err != nil {
			return mapError(fmt.Errorf("failed to commit reservations: %w", err))
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if rows != int64(len(ids)) {
			return fmt.Errorf("%w: %d of %d reservations are no longer held", domain.ErrConflict, int64(len(ids))-rows, len(ids))
		}
		return nil
	})
}

func (r *QuotaRepository) DeleteReservations(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = ANY($1)`, pq.Array(uuidStrings(ids)))
	if err != nil {
		return fmt.Errorf("failed to delete reservations: %w", err)
	}
	return nil
}

func (r *QuotaRepository) HasReservations(ctx context.Context, artifactID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
        SELECT EXISTS(
            SELECT 1 FROM reservations
            WHERE artifact_id = $1
              AND (expire_at IS NULL OR expire_at > CURRENT_TIMESTAMP)
        )`, artifactID)
	if err != nil {
		return false, fmt.Errorf("failed to check reservations: %w", err)
	}
	return exists, nil
}

func (r *QuotaRepository) ClearReservations(ctx context.Context, artifactID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reservations WHERE artifact_id = $1`, artifactID); err != nil {
		return fmt.Errorf("failed to clear reservations: %w", err)
	}
	return nil
}

func (r *QuotaRepository) DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM reservations WHERE expire_at IS NOT NULL AND expire_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired reservations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows, nil
}
