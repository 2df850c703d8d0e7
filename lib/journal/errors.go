package journal

import (
	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/cockroachdb/errors"
)

var (
	// ErrCorruptLogEntry marks an entry that could not be deserialized. Such an entry must not be skipped.
	ErrCorruptLogEntry = errors.New("corrupt log entry")
	// ErrNotSupported is returned for unknown operation types.
	ErrNotSupported = errors.New("operation not supported")
	// ErrDuplicateOperation is returned if an operation id is registered twice.
	ErrDuplicateOperation = errors.New("duplicate in-flight operation")
	// ErrWriteConflict is returned if another in-flight operation writes the same key
	// or the engine detected a conflicting commit. The caller may retry.
	ErrWriteConflict = errors.New("write conflict")
	// ErrClosed is returned by every operation on a closed journal and passed to the
	// callbacks of operations rolled back by Close.
	ErrClosed = errors.New("journal closed")
	// ErrRolledBack is passed to the callback of an operation whose speculative write was undone.
	ErrRolledBack = errors.New("operation rolled back")
)

// IsRetryable reports whether err is a conflict that may succeed if retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWriteConflict) || errors.Is(err, db.ErrConflict)
}

// conflict marks an engine conflict as ErrWriteConflict so that callers only need to check one sentinel.
func conflict(err error) error {
	if err != nil && errors.Is(err, db.ErrConflict) && !errors.Is(err, ErrWriteConflict) {
		return errors.Mark(err, ErrWriteConflict)
	}
	return err
}
