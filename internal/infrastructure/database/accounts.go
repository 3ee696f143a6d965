package database

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// AccountRepository implements account.Directory over the accounts table.
type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) SaveAccount(ctx context.Context, a *account.Account) (err error) {
	if a == nil || a.ID == uuid.Nil {
		return errors.NewValidationError("INVALID_ACCOUNT", "account id is required")
	}
	ctx, sp := startSpan(ctx, "upsert", "accounts")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		_, qerr := r.db.pool.Exec(ctx, `
			INSERT INTO accounts (id, display_name, account_type, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				account_type = EXCLUDED.account_type,
				status = EXCLUDED.status`,
			a.ID, a.DisplayName, a.Type.String(), a.Status.String(), a.CreatedAt.UTC())
		return qerr
	})
	return mapError(err, "account")
}

func (r *AccountRepository) GetAccount(ctx context.Context, id uuid.UUID) (a *account.Account, err error) {
	ctx, sp := startSpan(ctx, "select", "accounts")
	defer func() { sp.end(err) }()

	var (
		acc          account.Account
		kind, status string
	)
	err = r.db.run(func() error {
		return r.db.pool.QueryRow(ctx, `
			SELECT id, display_name, account_type, status, created_at
			FROM accounts WHERE id = $1`, id).
			Scan(&acc.ID, &acc.DisplayName, &kind, &status, &acc.CreatedAt)
	})
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapError(err, "account")
	}
	acc.Type = account.ParseAccountType(kind)
	if status == account.StatusClosed.String() {
		acc.Status = account.StatusClosed
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	return &acc, nil
}
