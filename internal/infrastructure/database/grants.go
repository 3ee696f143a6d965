package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

// GrantRepository implements fraud.GrantStore. Revocation stamps the row.
type GrantRepository struct {
	db *DB
}

func NewGrantRepository(db *DB) *GrantRepository {
	return &GrantRepository{db: db}
}

func (r *GrantRepository) SaveGrant(ctx context.Context, g fraud.Grant) (err error) {
	ctx, sp := startSpan(ctx, "insert", "bypass_grants")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		_, qerr := r.db.pool.Exec(ctx, `
			INSERT INTO bypass_grants (subject_id, scope, granted_by, granted_at)
			VALUES ($1, $2, $3, $4)`,
			g.SubjectID, string(g.Scope), g.GrantedBy, g.GrantedAt.UTC())
		return qerr
	})
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errors.NewConflictError("bypass grant already active").WithCause(err)
	}
	return mapError(err, "bypass grant")
}

func (r *GrantRepository) RevokeGrant(ctx context.Context, subject uuid.UUID, scope fraud.Scope, revokedBy uuid.UUID, at time.Time) (err error) {
	ctx, sp := startSpan(ctx, "update", "bypass_grants")
	defer func() { sp.end(err) }()

	var affected int64
	err = r.db.run(func() error {
		tag, qerr := r.db.pool.Exec(ctx, `
			UPDATE bypass_grants SET revoked_at = $3, revoked_by = $4
			WHERE subject_id = $1 AND scope = $2 AND revoked_at IS NULL`,
			subject, string(scope), at.UTC(), revokedBy)
		affected = tag.RowsAffected()
		return qerr
	})
	if err != nil {
		return mapError(err, "bypass grant")
	}
	if affected == 0 {
		return errors.NewNotFoundError("bypass grant")
	}
	return nil
}

func (r *GrantRepository) ActiveGrants(ctx context.Context, subject uuid.UUID) (out fraud.Grants, err error) {
	ctx, sp := startSpan(ctx, "select", "bypass_grants")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, `
			SELECT subject_id, scope, granted_by, granted_at
			FROM bypass_grants
			WHERE subject_id = $1 AND revoked_at IS NULL
			ORDER BY granted_at`, subject)
		if qerr != nil {
			return qerr
		}
		out, qerr = pgx.CollectRows(rows, func(row pgx.CollectableRow) (fraud.Grant, error) {
			var g fraud.Grant
			var scope string
			serr := row.Scan(&g.SubjectID, &scope, &g.GrantedBy, &g.GrantedAt)
			g.Scope = fraud.Scope(scope)
			g.GrantedAt = g.GrantedAt.UTC()
			return g, serr
		})
		return qerr
	})
	if err != nil {
		return nil, mapError(err, "bypass grant")
	}
	return out, nil
}
