package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

// SQLSTATE codes the engine reacts to.
const (
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
	CodeAdminShutdown        = "57P01"
	CodeExclusionViolation   = "23P01"
	CodeUniqueViolation      = "23505"
)

// Classify maps transient store failures to apperr.KindStorageUnavailable.
// Engine errors (already *apperr.Error) and non-transient database errors
// pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if IsTransient(err) {
		return apperr.StorageUnavailable(op, err)
	}
	return err
}

// IsTransient reports whether retrying the whole unit of work could succeed.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable,
			CodeQueryCanceled, CodeAdminShutdown:
			return true
		}
		// Class 08: connection exception.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// IsConstraintViolation reports whether err is the given SQLSTATE raised by
// the named constraint. An empty constraint matches any.
func IsConstraintViolation(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != code {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
