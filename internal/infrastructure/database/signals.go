package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

const signalColumns = `id, kind, severity, action, category, subject_id, auction_id, global,
	evidence, description, enforced, suppressed_by, status, created_at, reviewed_by, reviewed_at`

var allSeverities = []fraud.Severity{fraud.SeverityLow, fraud.SeverityMedium, fraud.SeverityHigh, fraud.SeverityCritical}

// SignalRepository implements fraud.SignalStore.
type SignalRepository struct {
	db *DB
}

func NewSignalRepository(db *DB) *SignalRepository {
	return &SignalRepository{db: db}
}

func parseAction(s string) fraud.Action {
	switch s {
	case fraud.ActionChallenge.String():
		return fraud.ActionChallenge
	case fraud.ActionCooldown.String():
		return fraud.ActionCooldown
	case fraud.ActionBlock.String():
		return fraud.ActionBlock
	default:
		return fraud.ActionLog
	}
}

func scanSignal(row pgx.Row) (*fraud.Signal, error) {
	var s fraud.Signal
	var kind, severity, action, category, status string
	var evidence []byte
	if err := row.Scan(&s.ID, &kind, &severity, &action, &category, &s.SubjectID, &s.AuctionID, &s.Global,
		&evidence, &s.Description, &s.Enforced, &s.SuppressedBy, &status, &s.CreatedAt, &s.ReviewedBy, &s.ReviewedAt); err != nil {
		return nil, err
	}
	s.Evidence = map[string]interface{}{}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &s.Evidence); err != nil {
			return nil, err
		}
	}
	s.Kind = fraud.Kind(kind)
	s.Severity = fraud.Severity(severity)
	s.Action = parseAction(action)
	s.Category = fraud.Category(category)
	s.Status = fraud.Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	if s.ReviewedAt != nil {
		t := s.ReviewedAt.UTC()
		s.ReviewedAt = &t
	}
	return &s, nil
}

// SaveSignals writes the batch in one transaction; a duplicate id rejects
// the whole batch.
func (r *SignalRepository) SaveSignals(ctx context.Context, signals []*fraud.Signal) (err error) {
	if len(signals) == 0 {
		return nil
	}
	ctx, sp := startSpan(ctx, "insert", "fraud_signals")
	defer func() { sp.end(err) }()

	err = r.db.tx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, s := range signals {
			evidence, merr := json.Marshal(s.Evidence)
			if merr != nil {
				return errors.NewValidationError("UNSERIALIZABLE_EVIDENCE", "signal evidence cannot be serialized").WithCause(merr)
			}
			batch.Queue(`
				INSERT INTO fraud_signals (`+signalColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16)`,
				s.ID, string(s.Kind), string(s.Severity), s.Action.String(), string(s.Category), s.SubjectID,
				s.AuctionID, s.Global, string(evidence), s.Description, s.Enforced, s.SuppressedBy,
				string(s.Status), s.CreatedAt.UTC(), s.ReviewedBy, s.ReviewedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return mapError(err, "signal")
	}
	return nil
}

func (r *SignalRepository) GetSignal(ctx context.Context, id uuid.UUID) (s *fraud.Signal, err error) {
	ctx, sp := startSpan(ctx, "select", "fraud_signals")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		var qerr error
		s, qerr = scanSignal(r.db.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM fraud_signals WHERE id = $1`, id))
		return qerr
	})
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrSignalNotFound
	}
	if err != nil {
		return nil, mapError(err, "signal")
	}
	return s, nil
}

// ListSignals applies the filter in SQL, newest first with id as the tie break.
func (r *SignalRepository) ListSignals(ctx context.Context, f fraud.Filter) (out []*fraud.Signal, err error) {
	ctx, sp := startSpan(ctx, "select", "fraud_signals")
	defer func() { sp.end(err) }()

	status := f.Status
	if status == "" {
		status = fraud.StatusOpen
	}
	var kinds []string
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	var severities []string
	if f.MinSeverity != "" {
		severities = []string{}
		for _, sev := range allSeverities {
			if sev.Rank() >= f.MinSeverity.Rank() {
				severities = append(severities, string(sev))
			}
		}
	}
	var since *time.Time
	if !f.Since.IsZero() {
		t := f.Since.UTC()
		since = &t
	}

	err = r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, `
			SELECT `+signalColumns+` FROM fraud_signals
			WHERE status = $1
			  AND ($2::uuid IS NULL OR subject_id = $2)
			  AND ($3::uuid IS NULL OR auction_id = $3)
			  AND ($4::text[] IS NULL OR kind = ANY($4))
			  AND ($5::text[] IS NULL OR severity = ANY($5))
			  AND ($6::timestamptz IS NULL OR created_at >= $6)
			ORDER BY created_at DESC, id DESC
			LIMIT $7`,
			string(status), f.SubjectID, f.AuctionID, kinds, severities, since, limitArg(f.Limit))
		if qerr != nil {
			return qerr
		}
		out, qerr = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*fraud.Signal, error) {
			return scanSignal(row)
		})
		return qerr
	})
	if err != nil {
		return nil, mapError(err, "signal")
	}
	if out == nil {
		out = []*fraud.Signal{}
	}
	return out, nil
}

func (r *SignalRepository) MarkReviewed(ctx context.Context, id, reviewer uuid.UUID, at time.Time) (s *fraud.Signal, err error) {
	ctx, sp := startSpan(ctx, "update", "fraud_signals")
	defer func() { sp.end(err) }()

	err = r.db.tx(ctx, func(tx pgx.Tx) error {
		var qerr error
		s, qerr = scanSignal(tx.QueryRow(ctx, `SELECT `+signalColumns+` FROM fraud_signals WHERE id = $1 FOR UPDATE`, id))
		if qerr != nil {
			return qerr
		}
		if qerr = s.Review(reviewer, at); qerr != nil {
			return qerr
		}
		_, qerr = tx.Exec(ctx, `UPDATE fraud_signals SET status = $2, reviewed_by = $3, reviewed_at = $4 WHERE id = $1`,
			id, string(s.Status), s.ReviewedBy, s.ReviewedAt)
		return qerr
	})
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrSignalNotFound
	}
	if err != nil {
		return nil, mapError(err, "signal")
	}
	return s, nil
}
