package apperrors

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation anywhere in its chain.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// FromPG classifies a database error: unique violations become CONFLICT
// carrying the constraint name, everything else is INTERNAL_ERROR.
func FromPG(err error, message string) *Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return Wrap(CodeConflict, err, message).
			WithDetails(map[string]string{"constraint": pgErr.ConstraintName})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeDeadline, err, message)
	}
	return Wrap(CodeInternal, err, message)
}
