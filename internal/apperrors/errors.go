// Package apperrors defines the error taxonomy shared by the loader, the
// storage backends and the query API.
//
// Callers classify failures with errors.Is against the sentinels below; the
// typed errors carry the context (path, line, group) needed for the run summary.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrSourceOpen     = errors.New("source open failed")
	ErrSourceParse    = errors.New("source parse failed")
	ErrGroupCommit    = errors.New("group commit failed")
	ErrConnectionLost = errors.New("store connection lost")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrNotFound       = errors.New("not found")
)

// SourceOpenError reports that the input file could not be opened. It is fatal:
// nothing is loaded.
type SourceOpenError struct {
	Path string
	Err  error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("open source %q: %v", e.Path, e.Err)
}

func (e *SourceOpenError) Unwrap() error { return e.Err }

func (e *SourceOpenError) Is(target error) bool { return target == ErrSourceOpen }

// SourceParseError reports a structurally invalid row (or header) at a 1-based
// physical line of the source.
type SourceParseError struct {
	Line int
	Err  error
}

func (e *SourceParseError) Error() string {
	return fmt.Sprintf("parse line %d: %v", e.Line, e.Err)
}

func (e *SourceParseError) Unwrap() error { return e.Err }

func (e *SourceParseError) Is(target error) bool { return target == ErrSourceParse }

// GroupCommitError reports a group whose transaction was rolled back. None of
// the group's rows are persisted; the run continues unless configured to abort.
type GroupCommitError struct {
	Group     int
	FirstLine int
	LastLine  int
	Rows      int
	Step      string
	Err       error
}

func (e *GroupCommitError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("group %d (lines %d-%d, rows=%d) step=%s: %v",
			e.Group, e.FirstLine, e.LastLine, e.Rows, e.Step, e.Err)
	}
	return fmt.Sprintf("group %d (lines %d-%d, rows=%d): %v",
		e.Group, e.FirstLine, e.LastLine, e.Rows, e.Err)
}

func (e *GroupCommitError) Unwrap() error { return e.Err }

func (e *GroupCommitError) Is(target error) bool { return target == ErrGroupCommit }

// ConnectionLostError reports that the store session is gone. It is fatal;
// groups committed before the loss stay committed.
type ConnectionLostError struct {
	Op  string
	Err error
}

func (e *ConnectionLostError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("connection lost: %v", e.Err)
	}
	return fmt.Sprintf("connection lost during %s: %v", e.Op, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }

// IsFatal reports whether err must stop the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSourceOpen) || errors.Is(err, ErrConnectionLost)
}
