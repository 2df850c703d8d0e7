package table

import (
	"fmt"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyNotFound is returned by the Must* wrappers of a Handle if the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrPoolDisposed is returned by Take after the pool was disposed.
	ErrPoolDisposed = errors.New("pool disposed")
	// ErrNotInitialized is returned by pool operations that need an opened engine.
	ErrNotInitialized = errors.New("pool not initialized")
)

// BackupError is the result of a backup or restore that ended with db.StatusFail.
type BackupError struct {
	Status db.Status
	Msg    string
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup/restore failed (%s): %s", e.Status, e.Msg)
}
