package journal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/table"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("journal")

// Transaction is the replication transaction a write is proposed in.
// AddOperation registers the serialized undo and redo operation of one write under the name of the journal.
type Transaction interface {
	ID() int64
	AddOperation(ctx context.Context, stateProvider string, undo, redo []byte) error
}

// KeyValue is one row returned by the range queries of a journal.
type KeyValue[K, V any] struct {
	Key   K
	Value V
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type config struct {
	firstID      int64
	metricsLabel string
}

// Option configures a Journal.
type Option func(*config)

// WithFirstOperationID sets the value the operation id counter starts after.
// Hosts that deliver operations of earlier process lifetimes use it to keep ids unique.
func WithFirstOperationID(id int64) Option {
	return func(c *config) { c.firstID = id }
}

// WithMetricsLabel sets the journal label of the exported metrics (default: the journal name).
func WithMetricsLabel(label string) Option {
	return func(c *config) { c.metricsLabel = label }
}

type opConfig struct {
	callback func(error)
}

// OpOption configures a single write.
type OpOption func(*opConfig)

// WithCallback registers fn to be called exactly once when the write is committed (nil)
// or rolled back (non-nil error).
func WithCallback(fn func(error)) OpOption {
	return func(c *opConfig) { c.callback = fn }
}

// --------------------------------------------------------------------------
// Journal
// --------------------------------------------------------------------------

// opContext is the state of one speculatively applied operation until it is finalized.
type opContext struct {
	id       int64
	tx       Transaction
	handle   *table.Handle
	key      string
	locked   bool
	redo     *Operation
	callback func(error)
}

// Journal is a transactional table whose writes are replicated as undo/redo operation pairs.
//
// A write takes a handle from the pool, opens a storage transaction, computes the undo operation
// from the current value and applies the redo operation speculatively. The transaction stays open
// until the host delivers the operation back through Finalize.
type Journal[K, V any] struct {
	name   string
	pool   *table.Pool
	keys   Codec[K]
	values Codec[V]

	opID     atomic.Int64
	inFlight *xsync.MapOf[int64, *opContext]
	locks    *xsync.MapOf[string, int64] // encoded key -> id of the operation holding the lock
	closed   atomic.Bool
	metrics  *journalMetrics

	copyMu     sync.Mutex
	copyHandle *table.Handle
	streamID   atomic.Int64
	streams    *xsync.MapOf[int64, *CopyStream] // open copy streams, each holding a handle
}

// New creates a journal on an initialized pool. The journal owns the pool and disposes it on Close.
func New[K, V any](name string, pool *table.Pool, keys Codec[K], values Codec[V], opts ...Option) *Journal[K, V] {
	cfg := config{metricsLabel: name}
	for _, opt := range opts {
		opt(&cfg)
	}

	j := &Journal[K, V]{
		name:     name,
		pool:     pool,
		keys:     keys,
		values:   values,
		inFlight: xsync.NewMapOf[int64, *opContext](),
		locks:    xsync.NewMapOf[string, int64](),
		streams:  xsync.NewMapOf[int64, *CopyStream](),
	}
	j.opID.Store(cfg.firstID)
	j.metrics = newJournalMetrics(cfg.metricsLabel, func() float64 {
		return float64(j.inFlight.Size())
	})
	return j
}

func (j *Journal[K, V]) Name() string { return j.name }

// Pool returns the handle pool of the journal.
func (j *Journal[K, V]) Pool() *table.Pool { return j.pool }

// InFlight returns the number of speculatively applied, not yet finalized operations.
func (j *Journal[K, V]) InFlight() int { return j.inFlight.Size() }

// Close rolls back every in-flight operation (their callbacks receive ErrClosed) and disposes the pool.
func (j *Journal[K, V]) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	n := j.RollbackAll(ErrClosed)
	log.Infof("journal %s closed, %d in-flight operation(s) rolled back", j.name, n)

	j.closeStreams(ErrClosed)

	j.discardCopy()

	j.metrics.unregister()
	return j.pool.Dispose()
}

// --------------------------------------------------------------------------
// Write Path
// --------------------------------------------------------------------------

// SetValue proposes to set key to value in tx.
// The undo operation restores the prior value, or removes the key if it did not exist.
func (j *Journal[K, V]) SetValue(ctx context.Context, tx Transaction, key K, value V, opts ...OpOption) error {
	k, err := j.keys.Encode(key)
	if err != nil {
		return errors.Wrap(err, "encode key")
	}
	v, err := j.values.Encode(value)
	if err != nil {
		return errors.Wrap(err, "encode value")
	}

	_, err = j.propose(ctx, tx, k, true, func(h *table.Handle, id int64) (*Operation, *Operation, error) {
		prior, found, err := h.Get(k)
		if err != nil {
			return nil, nil, err
		}
		undo := RemoveOp(id, k)
		if found {
			undo = SetOp(id, k, prior)
		}
		return undo, SetOp(id, k, v), nil
	}, opts)
	return err
}

// TryRemove proposes to remove key in tx and returns the removed value.
// The undo operation re-inserts the prior value, or is a Nop if the key did not exist.
func (j *Journal[K, V]) TryRemove(ctx context.Context, tx Transaction, key K, opts ...OpOption) (V, bool, error) {
	var zero V
	k, err := j.keys.Encode(key)
	if err != nil {
		return zero, false, errors.Wrap(err, "encode key")
	}

	res, err := j.propose(ctx, tx, k, true, func(h *table.Handle, id int64) (*Operation, *Operation, error) {
		prior, found, err := h.Get(k)
		if err != nil {
			return nil, nil, err
		}
		undo := NopOp(id)
		if found {
			undo = SetOp(id, k, prior)
		}
		return undo, RemoveOp(id, k), nil
	}, opts)
	if err != nil || !res.Found {
		return zero, false, err
	}
	v, err := j.values.Decode(res.Removed)
	return v, err == nil, err
}

// GetValue reads key as part of tx. The read is replicated as a Get operation with a Nop undo.
// No key lock is taken.
func (j *Journal[K, V]) GetValue(ctx context.Context, tx Transaction, key K) (V, bool, error) {
	var zero V
	k, err := j.keys.Encode(key)
	if err != nil {
		return zero, false, errors.Wrap(err, "encode key")
	}

	res, err := j.propose(ctx, tx, k, false, func(_ *table.Handle, id int64) (*Operation, *Operation, error) {
		return NopOp(id), GetOp(id, k), nil
	}, nil)
	if err != nil || !res.Found {
		return zero, false, err
	}
	v, err := j.values.Decode(res.Value)
	return v, err == nil, err
}

// propose runs the proposal of one operation: lock the key, take a handle, begin a storage
// transaction, compute undo and redo, apply the redo, register the in-flight context and
// hand both operations to tx. On failure everything acquired so far is released.
func (j *Journal[K, V]) propose(
	ctx context.Context,
	tx Transaction,
	key []byte,
	lock bool,
	prepare func(h *table.Handle, id int64) (undo, redo *Operation, err error),
	opts []OpOption,
) (Result, error) {
	if j.closed.Load() {
		return Result{}, ErrClosed
	}
	var cfg opConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	id := j.opID.Add(1)
	c := &opContext{id: id, tx: tx, key: string(key), callback: cfg.callback}

	if lock {
		if holder, loaded := j.locks.LoadOrStore(c.key, id); loaded {
			j.metrics.conflicts.Inc()
			return Result{}, errors.Wrapf(ErrWriteConflict, "key %q is locked by operation %d", key, holder)
		}
		c.locked = true
	}

	h, err := j.pool.Take()
	if err != nil {
		j.unlock(c)
		return Result{}, err
	}
	c.handle = h

	fail := func(err error) (Result, error) {
		j.release(c)
		return Result{}, conflict(err)
	}

	if err := h.Begin(); err != nil {
		return fail(errors.Wrap(err, "begin storage transaction"))
	}
	undo, redo, err := prepare(h, id)
	if err != nil {
		return fail(errors.Wrap(err, "compute undo"))
	}
	undo.Version, redo.Version = tx.ID(), tx.ID()
	c.redo = redo

	res, err := redo.Apply(h)
	if err != nil {
		return fail(errors.Wrapf(err, "apply %s", redo))
	}
	if _, loaded := j.inFlight.LoadOrStore(id, c); loaded {
		return fail(errors.Wrapf(ErrDuplicateOperation, "operation %d", id))
	}
	if j.closed.Load() {
		// Close may have rolled back the in-flight map before c was added
		if _, ok := j.inFlight.LoadAndDelete(id); ok {
			return fail(ErrClosed)
		}
		return Result{}, ErrClosed
	}
	if err := tx.AddOperation(ctx, j.name, undo.Serialize(), redo.Serialize()); err != nil {
		if _, ok := j.inFlight.LoadAndDelete(id); ok {
			return fail(errors.Wrap(err, "register operation"))
		}
		return Result{}, errors.Wrap(err, "register operation")
	}

	j.metrics.proposed.Inc()
	log.Debugf("journal %s: proposed %s (undo %s) in tx %d", j.name, redo, undo, tx.ID())
	return res, nil
}

// release rolls back the storage transaction of c, returns its handle and unlocks its key.
func (j *Journal[K, V]) release(c *opContext) {
	if c.handle != nil {
		if c.handle.InTransaction() {
			if err := c.handle.Rollback(); err != nil {
				log.Errorf("journal %s: rollback of operation %d failed: %v", j.name, c.id, err)
			}
		}
		j.pool.Return(c.handle)
		c.handle = nil
	}
	j.unlock(c)
}

func (j *Journal[K, V]) unlock(c *opContext) {
	if !c.locked {
		return
	}
	c.locked = false
	j.locks.Compute(c.key, func(holder int64, loaded bool) (int64, bool) {
		// only delete the lock if it is still ours
		return holder, loaded && holder == c.id
	})
}

// --------------------------------------------------------------------------
// Finalization
// --------------------------------------------------------------------------

// Finalize ends the in-flight operation id of transaction txID. If commit is true the storage
// transaction is committed, otherwise it is rolled back. The handle is returned, the key lock released
// and the callback invoked. found is false if no such operation is in flight.
func (j *Journal[K, V]) Finalize(id, txID int64, commit bool) (found bool, err error) {
	c, ok := j.inFlight.Load(id)
	if !ok || c.tx.ID() != txID {
		return false, nil
	}
	if _, ok := j.inFlight.LoadAndDelete(id); !ok {
		// finalized concurrently
		return false, nil
	}
	if commit {
		return true, j.commit(c)
	}
	j.rollback(c, ErrRolledBack)
	return true, nil
}

func (j *Journal[K, V]) commit(c *opContext) error {
	err := c.handle.Commit()
	conflicted := err != nil && errors.Is(err, db.ErrConflict)
	if conflicted {
		// a fresh apply committed the key after the speculative transaction began,
		// the redo is applied again on top of it
		log.Warningf("journal %s: commit of operation %d conflicted, re-applying %s", j.name, c.id, c.redo)
		err = j.reapply(c)
	}
	if err != nil {
		err = conflict(errors.Wrapf(err, "commit operation %d", c.id))
		conflicted = conflicted || IsRetryable(err)
		j.metrics.rolledBack.Inc()
		log.Warningf("journal %s: %v", j.name, err)
	} else {
		j.metrics.committed.Inc()
	}
	if conflicted {
		j.metrics.conflicts.Inc()
	}
	j.release(c)
	if c.callback != nil {
		c.callback(err)
	}
	return err
}

func (j *Journal[K, V]) reapply(c *opContext) error {
	if err := c.handle.Begin(); err != nil {
		return err
	}
	if _, err := c.redo.Apply(c.handle); err != nil {
		_ = c.handle.Rollback()
		return err
	}
	return c.handle.Commit()
}

func (j *Journal[K, V]) rollback(c *opContext, reason error) {
	j.metrics.rolledBack.Inc()
	j.release(c)
	if c.callback != nil {
		c.callback(reason)
	}
}

// Abort rolls back every in-flight operation of tx and returns their number.
func (j *Journal[K, V]) Abort(tx Transaction) int {
	n := 0
	j.inFlight.Range(func(id int64, c *opContext) bool {
		if c.tx.ID() != tx.ID() {
			return true
		}
		if _, ok := j.inFlight.LoadAndDelete(id); ok {
			j.rollback(c, ErrRolledBack)
			n++
		}
		return true
	})
	return n
}

// RollbackAll rolls back every in-flight operation, passing reason to the callbacks.
func (j *Journal[K, V]) RollbackAll(reason error) int {
	n := 0
	j.inFlight.Range(func(id int64, c *opContext) bool {
		if _, ok := j.inFlight.LoadAndDelete(id); ok {
			j.rollback(c, reason)
			n++
		}
		return true
	})
	return n
}

// ApplyFresh applies op on a new handle in its own storage transaction and commits it.
// This is the path of operations that were not proposed by this journal (secondaries, replay).
func (j *Journal[K, V]) ApplyFresh(op *Operation) (Result, error) {
	if j.closed.Load() {
		return Result{}, ErrClosed
	}
	var res Result
	err := j.pool.With(func(h *table.Handle) error {
		if err := h.Begin(); err != nil {
			return err
		}
		var err error
		if res, err = op.Apply(h); err != nil {
			_ = h.Rollback()
			return errors.Wrapf(err, "apply %s", op)
		}
		return h.Commit()
	})
	if err != nil {
		return Result{}, conflict(err)
	}
	j.metrics.fresh.Inc()
	return res, nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get reads the committed value of key directly from the table.
func (j *Journal[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if j.closed.Load() {
		return zero, false, ErrClosed
	}
	k, err := j.keys.Encode(key)
	if err != nil {
		return zero, false, errors.Wrap(err, "encode key")
	}

	var raw []byte
	var found bool
	err = j.pool.With(func(h *table.Handle) error {
		raw, found, err = h.Get(k)
		return err
	})
	if err != nil || !found {
		return zero, false, err
	}
	v, err := j.values.Decode(raw)
	return v, err == nil, err
}

// GetRange returns up to max rows with lo <= key <= hi in ascending key order.
// A nil bound is unbounded, max <= 0 means no limit.
func (j *Journal[K, V]) GetRange(lo, hi *K, max int) ([]KeyValue[K, V], error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	var lower, upper []byte
	var err error
	if lo != nil {
		if lower, err = j.keys.Encode(*lo); err != nil {
			return nil, errors.Wrap(err, "encode lower bound")
		}
	}
	if hi != nil {
		if upper, err = j.keys.Encode(*hi); err != nil {
			return nil, errors.Wrap(err, "encode upper bound")
		}
	}

	var out []KeyValue[K, V]
	err = j.pool.With(func(h *table.Handle) error {
		if err := h.Begin(); err != nil {
			return err
		}
		defer func() {
			if h.InTransaction() {
				_ = h.Rollback()
			}
		}()

		c, err := h.Range(lower, upper, max)
		if err != nil {
			return err
		}
		for c.Next() {
			k, err := j.keys.Decode(c.Key())
			if err != nil {
				_ = c.Close()
				return errors.Wrap(err, "decode key")
			}
			v, err := j.values.Decode(c.Value())
			if err != nil {
				_ = c.Close()
				return errors.Wrap(err, "decode value")
			}
			out = append(out, KeyValue[K, V]{Key: k, Value: v})
		}
		if err := c.Err(); err != nil {
			_ = c.Close()
			return err
		}
		if err := c.Close(); err != nil {
			return err
		}
		return h.Commit()
	})
	return out, err
}

// GetGreaterThan returns up to max rows with key >= lo.
func (j *Journal[K, V]) GetGreaterThan(lo K, max int) ([]KeyValue[K, V], error) {
	return j.GetRange(&lo, nil, max)
}

// GetLessThan returns up to max rows with key <= hi.
func (j *Journal[K, V]) GetLessThan(hi K, max int) ([]KeyValue[K, V], error) {
	return j.GetRange(nil, &hi, max)
}

// --------------------------------------------------------------------------
// Backup & Restore
// --------------------------------------------------------------------------

// Backup writes a copy of the committed table state into dir.
func (j *Journal[K, V]) Backup(ctx context.Context, dir string) error {
	return j.pool.Backup(ctx, dir)
}

// Restore replaces the state of the journal with the backup in src.
// Open copy streams and an unfinished received copy are aborted, then Restore waits
// until all in-flight operations are finalized.
func (j *Journal[K, V]) Restore(ctx context.Context, src string) error {
	if j.closed.Load() {
		return ErrClosed
	}
	j.closeStreams(errRestored)
	if j.discardCopy() {
		log.Warningf("journal %s: unfinished copy discarded by restore", j.name)
	}
	return j.pool.Restore(ctx, src, j.pool.Path())
}

// RestoreTo restores the backup in src into dst without touching the journal.
func (j *Journal[K, V]) RestoreTo(ctx context.Context, src, dst string) error {
	return j.pool.Restore(ctx, src, dst)
}
