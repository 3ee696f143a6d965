package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
)

const paymentColumns = `id, subject_id, auction_id, amount::text, method, reference, status, created_at, updated_at`

// PaymentRepository implements financial.PaymentRepository.
type PaymentRepository struct {
	db *DB
}

func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func scanPayment(row pgx.CollectableRow) (*financial.Payment, error) {
	var p financial.Payment
	var amount, method, status string
	if err := row.Scan(&p.ID, &p.SubjectID, &p.AuctionID, &amount, &method, &p.Reference, &status,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	p.Method = financial.PaymentMethod(method)
	p.Status = financial.PaymentStatus(status)
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

func (r *PaymentRepository) SavePayment(ctx context.Context, p *financial.Payment) (err error) {
	ctx, sp := startSpan(ctx, "insert", "payments")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		_, qerr := r.db.pool.Exec(ctx, `
			INSERT INTO payments (id, subject_id, auction_id, amount, method, reference, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
			p.ID, p.SubjectID, p.AuctionID, p.Amount.String(), string(p.Method), p.Reference, string(p.Status),
			p.CreatedAt.UTC(), p.UpdatedAt.UTC())
		return qerr
	})
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errors.NewConflictError("payment already recorded").WithCause(err)
	}
	return mapError(err, "payment")
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status financial.PaymentStatus, at time.Time) (err error) {
	ctx, sp := startSpan(ctx, "update", "payments")
	defer func() { sp.end(err) }()

	var affected int64
	err = r.db.run(func() error {
		tag, qerr := r.db.pool.Exec(ctx, `UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(status), at.UTC())
		affected = tag.RowsAffected()
		return qerr
	})
	if err != nil {
		return mapError(err, "payment")
	}
	if affected == 0 {
		return errors.NewNotFoundError("payment")
	}
	return nil
}

func (r *PaymentRepository) queryPayments(ctx context.Context, sql string, args ...interface{}) ([]*financial.Payment, error) {
	var out []*financial.Payment
	err := r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, sql, args...)
		if qerr != nil {
			return qerr
		}
		out, qerr = pgx.CollectRows(rows, scanPayment)
		return qerr
	})
	if err != nil {
		return nil, mapError(err, "payment")
	}
	if out == nil {
		out = []*financial.Payment{}
	}
	return out, nil
}

func (r *PaymentRepository) SubjectPayments(ctx context.Context, subject uuid.UUID, since time.Time) (out []*financial.Payment, err error) {
	ctx, sp := startSpan(ctx, "select", "payments")
	defer func() { sp.end(err) }()
	return r.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE subject_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`, subject, since.UTC())
}

func (r *PaymentRepository) StalePending(ctx context.Context, cutoff time.Time) (out []*financial.Payment, err error) {
	ctx, sp := startSpan(ctx, "select", "payments")
	defer func() { sp.end(err) }()
	return r.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at`, string(financial.PaymentStatusPending), cutoff.UTC())
}
