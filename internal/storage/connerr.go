package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"onlineretail/internal/apperrors"
)

// IsConnectionError reports whether err means the database/sql session is
// gone (as opposed to a statement that the server rejected).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// database/sql does not export its "closed" sentinel.
	if strings.Contains(err.Error(), "sql: database is closed") {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// WrapConnErr returns a *apperrors.ConnectionLostError when isConn(err) holds,
// otherwise err unchanged.
func WrapConnErr(op string, err error, isConn func(error) bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrConnectionLost) {
		return err
	}
	if isConn(err) {
		return &apperrors.ConnectionLostError{Op: op, Err: err}
	}
	return err
}
