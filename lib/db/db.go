package db

import (
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplPebble Implementation = "pebble"
	ImplMemory Implementation = "memory"
)

// Feature represents engine features as bit flags
type Feature uint64

const (
	FeatureTransactions      Feature = 1 << iota // Begin/Commit/Rollback on a session
	FeatureRangeScan                             // Ordered iteration over a key range
	FeatureCheckpoint                            // Online backup into a directory
	FeatureRestore                               // Restore from a checkpoint directory
	FeatureDurable                               // Committed data survives a process restart
	FeatureConflictDetection                     // Commit fails with ErrConflict on write-write conflicts
)

func (f Feature) String() string {
	switch f {
	case FeatureTransactions:
		return "Transactions"
	case FeatureRangeScan:
		return "RangeScan"
	case FeatureCheckpoint:
		return "Checkpoint"
	case FeatureRestore:
		return "Restore"
	case FeatureDurable:
		return "Durable"
	case FeatureConflictDetection:
		return "ConflictDetection"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrConflict is returned by Commit if another session committed a write to one of
	// the keys written by this transaction after it began.
	ErrConflict = errors.New("write conflict")
	// ErrClosed is returned by every operation on a closed engine or session.
	ErrClosed = errors.New("engine closed")
	// ErrNoTransaction is returned by Commit and Rollback without a preceding Begin.
	ErrNoTransaction = errors.New("no transaction in progress")
	// ErrTransactionInProgress is returned by Begin if the session already has an open transaction.
	ErrTransactionInProgress = errors.New("transaction already in progress")
)

// --------------------------------------------------------------------------
// Backup Status Protocol
// --------------------------------------------------------------------------

// Status is reported by long-running engine operations (checkpoint, restore) through a StatusFunc.
// Every operation reports StatusBegin first and exactly one terminal status (StatusComplete or StatusFail) last.
type Status uint8

const (
	StatusBegin        Status = iota // The operation has started
	StatusRecoveryStep               // Informational progress (one file copied, one table restored ...)
	StatusComplete                   // Terminal: the operation succeeded
	StatusFail                       // Terminal: the operation failed, msg contains the reason
)

func (s Status) String() string {
	switch s {
	case StatusBegin:
		return "Begin"
	case StatusRecoveryStep:
		return "RecoveryStep"
	case StatusComplete:
		return "Complete"
	case StatusFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further status follows s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFail
}

// StatusFunc receives the status notifications of a long-running engine operation.
type StatusFunc func(status Status, msg string)

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// Engine is an opened storage engine instance. It is a black-box ordered key/value store
// with transactional sessions. Keys are compared bytewise.
type Engine interface {
	// NewSession creates a new session. A session is not safe for concurrent use.
	NewSession() (Session, error)

	// Checkpoint writes a consistent copy of all committed data into destDir, which must not exist.
	// Progress is reported through status, the returned error equals the terminal status.
	Checkpoint(destDir string, status StatusFunc) error

	// Flush makes all committed data durable.
	Flush() error

	// SupportsFeature checks if the engine supports the specified feature(s).
	SupportsFeature(feature Feature) bool

	// GetInfo returns information about the engine.
	GetInfo() DatabaseInfo

	// Close closes the engine. All sessions must be closed before.
	Close() error
}

// Session is one exclusive connection to an Engine.
//
// Outside a transaction every write is committed immediately. Inside a transaction
// reads observe the transaction's own writes and the state committed before Begin.
type Session interface {
	Begin() error
	Commit() error
	Rollback() error
	InTransaction() bool

	// Get returns a copy of the value stored for key.
	Get(key []byte) (value []byte, found bool, err error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Iterate returns a forward iterator over all keys in [lower, upper).
	// A nil bound is unbounded. The iterator must be closed before the transaction ends.
	Iterate(lower, upper []byte) (Iterator, error)

	Close() error
}

// Iterator is a forward-only cursor. Key and Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// --------------------------------------------------------------------------
// Drivers
// --------------------------------------------------------------------------

// Driver bundles the functions needed to manage one engine implementation on disk.
type Driver struct {
	Impl Implementation

	// Open opens (and creates if needed) the engine stored in dir.
	Open func(dir string) (Engine, error)

	// Restore replaces the engine data in dst with the checkpoint stored in src.
	// The engine in dst must be closed. Progress is reported through status.
	Restore func(src, dst string, status StatusFunc) error
}

// UpperBoundExclusive converts an inclusive upper bound into the smallest key greater than it.
func UpperBoundExclusive(upper []byte) []byte {
	if upper == nil {
		return nil
	}
	out := make([]byte, len(upper)+1)
	copy(out, upper)
	return out
}

// PrefixEnd returns the smallest key that is greater than all keys with the given prefix,
// or nil if no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
