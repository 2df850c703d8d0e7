package dstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/lib/store/dstore/internal"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("store")
)

const conflictDelay = 2 * time.Millisecond

// ErrNoReplica is returned if the node host does not run the replica the store was created for.
var ErrNoReplica = errors.New("no local replica")

// Store is the raft backed implementation of store.IStore.
// It encapsulates a Dragonboat NodeHost which is used to replicate the commands of the local state machine.
type Store struct {
	nh        *dragonboat.NodeHost
	shardID   uint64
	replicaID uint64
	cs        *client.Session
	timeout   time.Duration
}

var _ store.IStore = (*Store)(nil)

// NewDistributedStore creates a new distributed store instance which uses raft consensus to replicate the journal
// across multiple nodes. Writes are speculatively applied to the replica replicaID of this node host, which must
// have been started with a state machine from CreateStateMachineFactory.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID, replicaID uint64, timeout time.Duration) *Store {
	cs := nh.GetNoOPSession(shardID)
	return &Store{
		nh:        nh,
		shardID:   shardID,
		replicaID: replicaID,
		cs:        cs,
		timeout:   timeout,
	}
}

// Close stops the shard on the node host. The state machine closes its journal.
func (s *Store) Close() error {
	return s.nh.StopShard(s.shardID)
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

func (s *Store) replica() (*StateMachine, error) {
	fsm, ok := replicas.Load(replicaKey{s.shardID, s.replicaID})
	if !ok {
		return nil, errors.Wrapf(ErrNoReplica, "shard %d replica %d", s.shardID, s.replicaID)
	}
	return fsm, nil
}

// write speculatively applies the operations issued by propose to the local replica and sends them via SyncPropose.
// If the proposal fails the operations are rolled back. Conflicting writes are retried.
// It returns a *store.Error if an error occurs, or nil on success.
func (s *Store) write(propose func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error) error {
	fsm, err := s.replica()
	if err != nil {
		return store.FromError(err)
	}
	err = store.Retry(retries, conflictDelay, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		tx, cmd, err := fsm.speculate(ctx, propose)
		if err != nil {
			return err
		}
		defer fsm.done()

		if err := s.propose(cmd); err != nil {
			fsm.rollback(ctx, tx)
			return err
		}
		return nil
	})
	return store.FromError(err)
}

// propose sends the command via SyncPropose and retries while the system is busy.
func (s *Store) propose(cmd internal.Command) error {
	data := cmd.Serialize()
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)

		res, err := s.nh.SyncPropose(ctx, s.cs, data)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}

		if err != nil {
			return store.NewError(store.RetCInternalError, err.Error())
		}
		if res.Value != uint64(store.RetCSuccess) {
			return store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return nil
	}
	return store.NewError(store.RetCInternalError, "timeout")
}

// read is a generic helper function queries the statemachine
// and attempts to convert the response into the expected type R.
//
// This function uses the SyncRead function (dragenboat) by default to Query the state machine.
// If linearizability is not required, the stale parameter can be set to true to use the faster StaleRead function.
//
// Is the read operation fails due to a system busy error, the function retries up to 5 times.
//
// It returns the response of type R and a error (nil on success).
func read[R any](r *Store, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {

		var res interface{}
		var err error

		// Query the standmaschine, use StaleRead if stale is set otherwise use SyncRead (default)
		if stale {
			res, err = r.nh.StaleRead(r.shardID, q)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			res, err = r.nh.SyncRead(ctx, r.shardID, q)
			cancel()
		}

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(r.timeout / 10)
			continue
		}

		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, store.NewError(store.RetCInternalError, err.Error())
		}

		// The state machine is expected to return the response in the expected type R.
		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCInternalError, "timeout")
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
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
	res, err := read[internal.QueryResult](s, internal.Query{
		Type: internal.QueryTGet,
		Key:  key,
	}, false)
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Ok, nil
}

func (s *Store) Has(key string) (bool, error) {
	return read[bool](s, internal.Query{
		Type: internal.QueryTHas,
		Key:  key,
	}, false)
}

func (s *Store) GetRange(from, to string, max int) ([]store.KeyValue, error) {
	return read[[]store.KeyValue](s, internal.Query{
		Type: internal.QueryTRange,
		Key:  from,
		To:   to,
		Max:  max,
	}, false)
}

func (s *Store) GetDBInfo() (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](
		s,
		internal.Query{
			Type: internal.QueryTGetDBInfo,
		},
		true, // Note: allow for stale reads
	)
}
