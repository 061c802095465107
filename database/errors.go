package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/akinalp/parley/pkg"
)

// Wrap classifies a driver error into the pkg taxonomy:
//
//	sql.ErrNoRows          -> pkg.ErrNotFound
//	constraint violation   -> pkg.ErrConflict
//	timeout / lost conn    -> pkg.ErrUnavailable
//
// anything else is wrapped as-is.
func Wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, pkg.ErrNotFound)
	case IsConstraintViolation(err):
		return fmt.Errorf("%s: %w: %w", op, pkg.ErrConflict, err)
	case isTransient(err):
		return pkg.Unavailable(op, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

// IsConstraintViolation reports unique, primary-key, foreign-key and check
// violations on either driver.
func IsConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 40: transaction rollback, 57: operator intervention
		switch pqErr.Code.Class() {
		case "08", "40", "57":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
