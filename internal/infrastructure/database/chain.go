package database

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
)

// chainLockKey serialises appends across API replicas.
const chainLockKey int64 = 0x6169625f636861

const chainColumns = `sequence, id, event_type, subject_id, amount::text, payload::text,
	recorded_at, previous_hash, record_hash`

// ChainRepository implements ledger.Store. Rows are never updated; a
// trigger rejects UPDATE and DELETE on the table.
type ChainRepository struct {
	db *DB
}

func NewChainRepository(db *DB) *ChainRepository {
	return &ChainRepository{db: db}
}

func scanRecord(row pgx.Row) (*ledger.Record, error) {
	var (
		r               ledger.Record
		eventType       string
		amount, payload string
	)
	if err := row.Scan(&r.Sequence, &r.ID, &eventType, &r.SubjectID, &amount, &payload,
		&r.Timestamp, &r.PreviousHash, &r.RecordHash); err != nil {
		return nil, err
	}
	var err error
	if r.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if r.Payload, err = ledger.DecodePayload([]byte(payload)); err != nil {
		return nil, err
	}
	r.EventType = ledger.EventType(eventType)
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

func (r *ChainRepository) Tail(ctx context.Context) (rec *ledger.Record, err error) {
	ctx, sp := startSpan(ctx, "select", "chain_records")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		var qerr error
		rec, qerr = scanRecord(r.db.pool.QueryRow(ctx,
			`SELECT `+chainColumns+` FROM chain_records ORDER BY sequence DESC LIMIT 1`))
		return qerr
	})
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "chain record")
	}
	return rec, nil
}

// Append inserts rec if it extends the tail. The advisory lock makes the
// tail check and the insert atomic; the unique previous_hash index rejects
// a fork even if the lock were bypassed.
func (r *ChainRepository) Append(ctx context.Context, rec *ledger.Record) (err error) {
	ctx, sp := startSpan(ctx, "insert", "chain_records")
	defer func() { sp.end(err) }()

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return errors.NewValidationError("UNSERIALIZABLE_PAYLOAD", "chain payload cannot be serialized").WithCause(err)
	}

	err = r.db.tx(ctx, func(tx pgx.Tx) error {
		if _, qerr := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); qerr != nil {
			return qerr
		}
		wantSeq, wantPrev := int64(1), ledger.GenesisHash
		var (
			tailSeq  int64
			tailHash string
		)
		qerr := tx.QueryRow(ctx, `SELECT sequence, record_hash FROM chain_records ORDER BY sequence DESC LIMIT 1`).
			Scan(&tailSeq, &tailHash)
		switch {
		case qerr == nil:
			wantSeq, wantPrev = tailSeq+1, tailHash
		case !stderrors.Is(qerr, pgx.ErrNoRows):
			return qerr
		}
		if rec.Sequence != wantSeq || rec.PreviousHash != wantPrev {
			return errors.NewConflictError("record does not extend the chain tail").WithDetails(map[string]interface{}{
				"expected_sequence": wantSeq,
				"sequence":          rec.Sequence,
			})
		}
		_, qerr = tx.Exec(ctx, `
			INSERT INTO chain_records (sequence, id, event_type, subject_id, amount, payload,
				recorded_at, previous_hash, record_hash)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::json, $7, $8, $9)`,
			rec.Sequence, rec.ID, string(rec.EventType), rec.SubjectID, rec.Amount.String(), string(payload),
			rec.Timestamp.UTC(), rec.PreviousHash, rec.RecordHash)
		return qerr
	})
	return mapError(err, "chain record")
}

func (r *ChainRepository) Range(ctx context.Context, from int64, limit int) (out []*ledger.Record, err error) {
	ctx, sp := startSpan(ctx, "select", "chain_records")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, `
			SELECT `+chainColumns+` FROM chain_records
			WHERE sequence >= $1
			ORDER BY sequence
			LIMIT $2`, from, limitArg(limit))
		if qerr != nil {
			return qerr
		}
		out, qerr = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ledger.Record, error) {
			return scanRecord(row)
		})
		return qerr
	})
	if err != nil {
		return nil, mapError(err, "chain record")
	}
	if out == nil {
		out = []*ledger.Record{}
	}
	return out, nil
}
