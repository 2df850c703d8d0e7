package lstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/ValentinKolb/rTable/lib/provider"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

const (
	defaultRetries = 5
	conflictDelay  = 2 * time.Millisecond
)

// Options configure a local store.
type Options struct {
	WorkDir  string           // base directory of the partition
	ShardID  uint64           // used to derive the partition id
	Provider provider.Options // journal configuration
	Retries  int              // retries of conflicting writes (default 5)
	Timeout  time.Duration    // timeout of a single write (0 = none)
}

// replicator describes the single local replica.
type replicator struct {
	partition uuid.UUID
	workDir   string
}

func (r replicator) PartitionID() uuid.UUID { return r.partition }
func (r replicator) WorkDirectory() string  { return r.workDir }

// Store hosts the journal on a single node. It implements store.IStore.
type Store struct {
	p       *provider.Provider[string, []byte]
	txID    atomic.Int64
	lsn     atomic.Int64
	retries int
	timeout time.Duration
}

var _ store.IStore = (*Store)(nil)

// NewLocalStore creates a store that hosts the journal on a single node.
// Every write is proposed, "replicated" by handing it straight back to the provider and committed.
// The returned store must be closed with Close.
func NewLocalStore(opts Options) (*Store, error) {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	p := provider.New[string, []byte](journal.StringCodec{}, journal.BytesCodec{}, opts.Provider)
	r := replicator{partition: store.PartitionID(opts.ShardID), workDir: opts.WorkDir}
	ctx := context.Background()

	if err := p.Initialize(r, store.TableName, nil, uuid.New()); err != nil {
		return nil, err
	}
	if err := p.Open(ctx); err != nil {
		return nil, err
	}
	if err := p.ChangeRole(ctx, provider.RolePrimary); err != nil {
		p.Abort()
		return nil, err
	}
	log.Infof("local store for shard %d opened in %s", opts.ShardID, p.Directory())
	return &Store{p: p, retries: opts.Retries, timeout: opts.Timeout}, nil
}

// Provider returns the state provider hosted by the store.
func (s *Store) Provider() *provider.Provider[string, []byte] { return s.p }

// Close closes the journal of the store.
func (s *Store) Close() error {
	return s.p.Close(context.Background())
}

// --------------------------------------------------------------------------
// Write Path
// --------------------------------------------------------------------------

func (s *Store) newContext() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}

// write proposes the operations issued by propose in one transaction and commits them.
// Conflicting writes are retried.
func (s *Store) write(propose func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error) error {
	err := store.Retry(s.retries, conflictDelay, func() error {
		j, err := s.p.Journal()
		if err != nil {
			return err
		}
		ctx, cancel := s.newContext()
		defer cancel()

		tx := store.NewTx(s.txID.Add(1))
		if err := s.p.Run(ctx, func() error { return propose(ctx, j, tx) }); err != nil {
			s.rollback(ctx, tx)
			return err
		}
		for _, redo := range tx.Redo() {
			if _, err := s.p.Apply(ctx, s.lsn.Add(1), tx, redo, provider.ApplyPrimary|provider.ApplyRedo); err != nil {
				s.rollback(ctx, tx)
				return err
			}
		}
		return nil
	})
	return store.FromError(err)
}

// rollback undoes every operation of tx that is still in flight.
func (s *Store) rollback(ctx context.Context, tx *store.Tx) {
	for _, undo := range tx.Undo() {
		if _, err := s.p.Apply(ctx, 0, tx, undo, provider.ApplyPrimary|provider.ApplyUndo); err != nil {
			log.Errorf("rollback of tx %d failed: %v", tx.ID(), err)
		}
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Insert(key string, value []byte) error {
	return s.write(func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error {
		return j.SetValue(ctx, tx, key, value)
	})
}

func (s *Store) Delete(key string) (bool, error) {
	var found bool
	err := s.write(func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error {
		var err error
		_, found, err = j.TryRemove(ctx, tx, key)
		return err
	})
	return found && err == nil, err
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	j, err := s.p.Journal()
	if err != nil {
		return nil, false, store.FromError(err)
	}
	v, ok, err := j.Get(key)
	return v, ok, store.FromError(err)
}

func (s *Store) Has(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

func (s *Store) GetRange(from, to string, max int) ([]store.KeyValue, error) {
	j, err := s.p.Journal()
	if err != nil {
		return nil, store.FromError(err)
	}
	var lo, hi *string
	if from != "" {
		lo = &from
	}
	if to != "" {
		hi = &to
	}
	rows, err := j.GetRange(lo, hi, max)
	if err != nil {
		return nil, store.FromError(err)
	}
	out := make([]store.KeyValue, len(rows))
	for i, r := range rows {
		out[i] = store.KeyValue{Key: r.Key, Value: r.Value}
	}
	return out, nil
}

func (s *Store) GetDBInfo() (db.DatabaseInfo, error) {
	j, err := s.p.Journal()
	if err != nil {
		return db.DatabaseInfo{}, store.FromError(err)
	}
	info, err := j.Pool().Info()
	if err != nil {
		return db.DatabaseInfo{}, store.FromError(errors.Wrap(err, "database info"))
	}
	return info, nil
}
