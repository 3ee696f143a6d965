package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

const enforcementColumns = `id, subject_id, auction_id, tier, reason, violation_count, held_bid,
	challenge_expires_at, cooldown_expires_at, created_at, last_violation_at, resolved_at, resolution, resolved_by`

// EnforcementRepository implements enforcement.Store. The partial unique
// index on unresolved rows holds the one-active-record-per-key rule.
type EnforcementRepository struct {
	db *DB
}

func NewEnforcementRepository(db *DB) *EnforcementRepository {
	return &EnforcementRepository{db: db}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanState(row pgx.Row) (*enforcement.State, error) {
	var s enforcement.State
	var tier, resolution string
	var held []byte
	if err := row.Scan(&s.ID, &s.SubjectID, &s.AuctionID, &tier, &s.Reason, &s.ViolationCount, &held,
		&s.ChallengeExpiresAt, &s.CooldownExpiresAt, &s.CreatedAt, &s.LastViolationAt,
		&s.ResolvedAt, &resolution, &s.ResolvedBy); err != nil {
		return nil, err
	}
	if len(held) > 0 {
		s.HeldBid = &enforcement.HeldBid{}
		if err := json.Unmarshal(held, s.HeldBid); err != nil {
			return nil, err
		}
		s.HeldBid.AttemptedAt = s.HeldBid.AttemptedAt.UTC()
	}
	s.Tier = enforcement.Tier(tier)
	s.Resolution = enforcement.Resolution(resolution)
	s.CreatedAt = s.CreatedAt.UTC()
	s.ChallengeExpiresAt = utcPtr(s.ChallengeExpiresAt)
	s.CooldownExpiresAt = utcPtr(s.CooldownExpiresAt)
	s.LastViolationAt = utcPtr(s.LastViolationAt)
	s.ResolvedAt = utcPtr(s.ResolvedAt)
	return &s, nil
}

func enforcementError(err error) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NewNotFoundError("enforcement record")
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errors.NewConflictError("subject already has an active enforcement record for this scope").WithCause(err)
	}
	return mapError(err, "enforcement record")
}

func (r *EnforcementRepository) queryStates(ctx context.Context, sql string, args ...interface{}) ([]*enforcement.State, error) {
	var out []*enforcement.State
	err := r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, sql, args...)
		if qerr != nil {
			return qerr
		}
		out, qerr = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*enforcement.State, error) {
			return scanState(row)
		})
		return qerr
	})
	return out, err
}

func (r *EnforcementRepository) Active(ctx context.Context, key enforcement.Key) (st *enforcement.State, err error) {
	ctx, sp := startSpan(ctx, "select", "enforcement_records")
	defer func() { sp.end(err) }()

	var auctionID *uuid.UUID
	if key.AuctionID != uuid.Nil {
		auctionID = &key.AuctionID
	}
	states, err := r.queryStates(ctx, `
		SELECT `+enforcementColumns+` FROM enforcement_records
		WHERE subject_id = $1 AND auction_id IS NOT DISTINCT FROM $2::uuid AND resolved_at IS NULL
		LIMIT 1`, key.SubjectID, auctionID)
	if err != nil {
		return nil, enforcementError(err)
	}
	if len(states) == 0 {
		return nil, nil
	}
	return states[0], nil
}

func (r *EnforcementRepository) ActiveForSubject(ctx context.Context, subject uuid.UUID) (out []*enforcement.State, err error) {
	ctx, sp := startSpan(ctx, "select", "enforcement_records")
	defer func() { sp.end(err) }()

	out, err = r.queryStates(ctx, `
		SELECT `+enforcementColumns+` FROM enforcement_records
		WHERE subject_id = $1 AND resolved_at IS NULL
		ORDER BY created_at`, subject)
	if err != nil {
		return nil, enforcementError(err)
	}
	return out, nil
}

func (r *EnforcementRepository) Get(ctx context.Context, id uuid.UUID) (st *enforcement.State, err error) {
	ctx, sp := startSpan(ctx, "select", "enforcement_records")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		var qerr error
		st, qerr = scanState(r.db.pool.QueryRow(ctx, `SELECT `+enforcementColumns+` FROM enforcement_records WHERE id = $1`, id))
		return qerr
	})
	if err != nil {
		return nil, enforcementError(err)
	}
	return st, nil
}

func (r *EnforcementRepository) Create(ctx context.Context, st *enforcement.State) (err error) {
	ctx, sp := startSpan(ctx, "insert", "enforcement_records")
	defer func() { sp.end(err) }()

	var held interface{}
	if st.HeldBid != nil {
		data, merr := json.Marshal(st.HeldBid)
		if merr != nil {
			return errors.NewInternalError("held bid cannot be serialized").WithCause(merr)
		}
		held = string(data)
	}
	err = r.db.run(func() error {
		_, qerr := r.db.pool.Exec(ctx, `
			INSERT INTO enforcement_records (`+enforcementColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13, $14)`,
			st.ID, st.SubjectID, st.AuctionID, string(st.Tier), st.Reason, st.ViolationCount, held,
			utcPtr(st.ChallengeExpiresAt), utcPtr(st.CooldownExpiresAt), st.CreatedAt.UTC(), utcPtr(st.LastViolationAt),
			utcPtr(st.ResolvedAt), string(st.Resolution), st.ResolvedBy)
		return qerr
	})
	return enforcementError(err)
}

func (r *EnforcementRepository) Resolve(ctx context.Context, id uuid.UUID, res enforcement.Resolution, by *uuid.UUID, at time.Time) (st *enforcement.State, err error) {
	ctx, sp := startSpan(ctx, "update", "enforcement_records")
	defer func() { sp.end(err) }()

	err = r.db.tx(ctx, func(tx pgx.Tx) error {
		var qerr error
		st, qerr = scanState(tx.QueryRow(ctx, `SELECT `+enforcementColumns+` FROM enforcement_records WHERE id = $1 FOR UPDATE`, id))
		if qerr != nil {
			return qerr
		}
		if qerr = st.Resolve(res, by, at); qerr != nil {
			return qerr
		}
		_, qerr = tx.Exec(ctx, `UPDATE enforcement_records SET resolved_at = $2, resolution = $3, resolved_by = $4 WHERE id = $1`,
			id, st.ResolvedAt, string(st.Resolution), st.ResolvedBy)
		return qerr
	})
	if err != nil {
		return nil, enforcementError(err)
	}
	return st, nil
}

func (r *EnforcementRepository) CountCreatedSince(ctx context.Context, subject uuid.UUID, tier enforcement.Tier, since time.Time) (n int, err error) {
	ctx, sp := startSpan(ctx, "count", "enforcement_records")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		return r.db.pool.QueryRow(ctx, `
			SELECT count(*) FROM enforcement_records
			WHERE subject_id = $1 AND tier = $2 AND created_at >= $3`,
			subject, string(tier), since.UTC()).Scan(&n)
	})
	return n, enforcementError(err)
}

func (r *EnforcementRepository) IncrementViolations(ctx context.Context, subject uuid.UUID, at time.Time) (n int, err error) {
	ctx, sp := startSpan(ctx, "upsert", "subject_violations")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		return r.db.pool.QueryRow(ctx, `
			INSERT INTO subject_violations (subject_id, violations, last_violation_at)
			VALUES ($1, 1, $2)
			ON CONFLICT (subject_id) DO UPDATE SET
				violations = subject_violations.violations + 1,
				last_violation_at = EXCLUDED.last_violation_at
			RETURNING violations`, subject, at.UTC()).Scan(&n)
	})
	return n, mapError(err, "violation counter")
}

func (r *EnforcementRepository) Violations(ctx context.Context, subject uuid.UUID) (n int, err error) {
	ctx, sp := startSpan(ctx, "select", "subject_violations")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		return r.db.pool.QueryRow(ctx, `SELECT violations FROM subject_violations WHERE subject_id = $1`, subject).Scan(&n)
	})
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, mapError(err, "violation counter")
}
