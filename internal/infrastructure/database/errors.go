package database

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// mapError converts driver errors into the application taxonomy.
func mapError(err error, resource string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NewNotFoundError(resource)
	}
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.NewTransientError("database", "database circuit is open").WithCause(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewTransientError("database", "database call timed out").WithCause(err)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return errors.NewConflictError(resource + " already exists").WithCause(err).
				WithDetails(map[string]interface{}{"constraint": pgErr.ConstraintName})
		case pgForeignKeyViolation:
			return errors.NewValidationError("UNKNOWN_REFERENCE", resource+" references a missing row").WithCause(err)
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return errors.NewTransientError("database", "database contention").WithCause(err)
		}
	}
	return errors.NewInternalError("database operation failed").WithCause(err)
}
