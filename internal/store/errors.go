package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	apperrors "geoattend/internal/errors"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique-constraint failure from
// either supported driver.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Translate maps driver and context errors onto the storage error kinds so
// raw driver text never reaches callers as a distinct kind. Errors that
// already carry a domain kind pass through untouched.
func Translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrStorageTimeout),
		errors.Is(err, apperrors.ErrStorageUnavailable),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrCodeTaken),
		errors.Is(err, apperrors.ErrDuplicateAttendance),
		errors.Is(err, apperrors.ErrAlreadyEnded):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", apperrors.ErrStorageTimeout, err)
	case errors.Is(err, sql.ErrNoRows):
		return apperrors.ErrNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", apperrors.ErrStorageTimeout, err)
	}
	// Connection loss, refused dials and anything else the driver reports.
	return fmt.Errorf("%w: %v", apperrors.ErrStorageUnavailable, err)
}
