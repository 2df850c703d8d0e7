package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// TableName is the name of the table the stores keep their data in.
const TableName = "kv"

// PartitionID derives the partition id of a shard. The id is stable across restarts.
func PartitionID(shardID uint64) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("rtable://shard/%d", shardID)))
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

// Tx is the replication transaction of the store hosts. It collects the undo and redo
// operations registered by the journal until the host replicates them.
type Tx struct {
	id   int64
	mu   sync.Mutex
	undo [][]byte
	redo [][]byte
}

func NewTx(id int64) *Tx { return &Tx{id: id} }

func (t *Tx) ID() int64 { return t.id }

func (t *Tx) AddOperation(_ context.Context, _ string, undo, redo []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, undo)
	t.redo = append(t.redo, redo)
	return nil
}

// Redo returns the redo operations in registration order.
func (t *Tx) Redo() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.redo
}

// Undo returns the undo operations in reverse registration order, the order they must be applied in.
func (t *Tx) Undo() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.undo))
	for i, u := range t.undo {
		out[len(t.undo)-1-i] = u
	}
	return out
}

// --------------------------------------------------------------------------
// Retry
// --------------------------------------------------------------------------

// Retry calls fn until it succeeds, fails with an error that is not a conflict,
// or retries is exhausted. The wait between attempts grows linearly with backoff.
func Retry(retries int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i <= retries; i++ {
		if err = fn(); err == nil || !(journal.IsRetryable(err) || IsConflict(err)) {
			return err
		}
		if i < retries {
			log.Infof("write conflict, retrying (%d/%d)...", i+1, retries)
			time.Sleep(backoff * time.Duration(i+1))
		}
	}
	return err
}
