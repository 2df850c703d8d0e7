package store

import (
	"fmt"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// KeyValue is one row of a range query.
type KeyValue struct {
	Key   string
	Value []byte
}

// IStore is the client facing interface of a replicated table.
// All methods return a *Error on failure.
type IStore interface {
	// Insert inserts or replaces the value of a key.
	Insert(key string, value []byte) (err error)
	// Get returns the committed value of a key. The boolean indicates whether the key was found.
	Get(key string) (value []byte, loaded bool, err error)
	// Delete removes a key. The boolean indicates whether the key existed.
	Delete(key string) (deleted bool, err error)
	// Has returns whether a key exists.
	Has(key string) (loaded bool, err error)
	// GetRange returns up to max rows with from <= key <= to in ascending key order.
	// An empty from or to is unbounded, max <= 0 means no limit.
	GetRange(from, to string, max int) (rows []KeyValue, err error)
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// ErrorCode and ErrorMessage expose the fields to the rpc layer.
func (e *Error) ErrorCode() uint64    { return uint64(e.Code) }
func (e *Error) ErrorMessage() string { return e.Msg }

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// FromError converts an error of the library into a *Error. Errors that already are a *Error are returned as is.
func FromError(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case journal.IsRetryable(err):
		return NewError(RetCConflict, err.Error())
	case errors.Is(err, journal.ErrNotSupported):
		return NewError(RetCUnsupportedOperation, err.Error())
	case errors.Is(err, journal.ErrCorruptLogEntry):
		return NewError(RetCInvalidOperation, err.Error())
	default:
		return NewError(RetCInternalError, err.Error())
	}
}

// IsConflict reports whether err is a store error with RetCConflict.
func IsConflict(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == RetCConflict
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCConflict                            // 4: Another transaction writes the same key, the client may retry.
	RetCNotFound                            // 5: The key does not exist.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCConflict:
		return "Conflict"
	case RetCNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}
