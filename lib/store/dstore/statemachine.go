package dstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/ValentinKolb/rTable/lib/provider"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/lib/store/dstore/internal"
	"github.com/ValentinKolb/rTable/lib/table"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// Config configures the state machines created by CreateStateMachineFactory.
type Config struct {
	WorkDir  string           // base directory, every replica gets its own sub directory
	Provider provider.Options // journal configuration
}

type replicaKey struct {
	shardID   uint64
	replicaID uint64
}

// replicas holds the state machines of this process, the stores propose through them.
var replicas = xsync.NewMapOf[replicaKey, *StateMachine]()

// replicator describes the replica of a state machine to its provider.
type replicator struct {
	partition uuid.UUID
	workDir   string
}

func (r replicator) PartitionID() uuid.UUID { return r.partition }
func (r replicator) WorkDirectory() string  { return r.workDir }

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine is a state machine implementation for Dragonboat RAFT that hosts a journal.
//
// Writes are applied speculatively on the replica that receives them and proposed as a Command
// carrying the redo operations. When the entry is committed, the origin replica finalizes its
// in-flight operations and every other replica applies them fresh.
type StateMachine struct {
	replicaID uint64
	shardID   uint64
	session   uint64 // identifies this instance in the Origin of commands
	provider  *provider.Provider[string, []byte]
	txID      atomic.Int64
	slots     chan struct{} // bounds the proposals waiting for commit
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host.
func CreateStateMachineFactory(cfg Config) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		fsm, err := NewStateMachine(cfg, shardID, replicaID)
		if err != nil {
			log.Panicf("failed to create state machine for shard %d replica %d: %v", shardID, replicaID, err)
		}
		return fsm
	}
}

// NewStateMachine opens the journal of a replica and registers the state machine for the local stores.
func NewStateMachine(cfg Config, shardID, replicaID uint64) (*StateMachine, error) {
	p := provider.New[string, []byte](journal.StringCodec{}, journal.BytesCodec{}, cfg.Provider)
	r := replicator{
		partition: store.PartitionID(shardID),
		workDir:   filepath.Join(cfg.WorkDir, fmt.Sprintf("replica-%d", replicaID)),
	}
	ctx := context.Background()
	if err := p.Initialize(r, store.TableName, nil, uuid.New()); err != nil {
		return nil, err
	}
	if err := p.Open(ctx); err != nil {
		return nil, err
	}
	// every replica finalizes the operations it proposed itself
	if err := p.ChangeRole(ctx, provider.RolePrimary); err != nil {
		p.Abort()
		return nil, err
	}

	// keep one handle free for applying committed entries of other replicas
	poolSize := cfg.Provider.PoolSize
	if poolSize <= 0 {
		poolSize = table.DefaultMaxHandles
	}
	fsm := &StateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		session:   newSession(),
		provider:  p,
		slots:     make(chan struct{}, max(1, poolSize-1)),
	}
	replicas.Store(replicaKey{shardID, replicaID}, fsm)
	log.Infof("state machine for shard %d replica %d opened (session %x)", shardID, replicaID, fsm.session)
	return fsm, nil
}

func newSession() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// Provider returns the state provider of the replica.
func (fsm *StateMachine) Provider() *provider.Provider[string, []byte] { return fsm.provider }

// Lookup handles read-only queries by mapping each Query operation to the corresponding journal method.
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {

	// try to parse Query into Query struct
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}
	j, err := fsm.provider.Journal()
	if err != nil {
		return nil, store.FromError(err)
	}

	switch q.Type {
	case internal.QueryTGet, internal.QueryTHas:
		val, ok, err := j.Get(q.Key)
		if err != nil {
			return nil, store.FromError(err)
		}
		if q.Type == internal.QueryTHas {
			return ok, nil
		}
		return internal.QueryResult{Value: val, Ok: ok}, nil
	case internal.QueryTRange:
		var lo, hi *string
		if q.Key != "" {
			lo = &q.Key
		}
		if q.To != "" {
			hi = &q.To
		}
		rows, err := j.GetRange(lo, hi, q.Max)
		if err != nil {
			return nil, store.FromError(err)
		}
		out := make([]store.KeyValue, len(rows))
		for i, r := range rows {
			out[i] = store.KeyValue{Key: r.Key, Value: r.Value}
		}
		return out, nil
	case internal.QueryTGetDBInfo:
		info, err := j.Pool().Info()
		if err != nil {
			return nil, store.FromError(err)
		}
		return info, nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies committed commands. A command that cannot be decoded halts the replica:
// skipping it would let the replicas diverge.
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {

	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	// Stats
	start := time.Now()
	ctx := context.Background()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			err = errors.Mark(errors.Wrapf(err, "entry %d", e.Index), journal.ErrCorruptLogEntry)
			log.Errorf("shard %d replica %d: %v", fsm.shardID, fsm.replicaID, err)
			return nil, err
		}
		if cmd.Type != internal.CommandTApply {
			entries[idx].Result = sm.Result{
				Value: uint64(store.RetCInvalidOperation),
				Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
			}
			continue
		}

		ac := provider.ApplySecondary | provider.ApplyRedo
		if cmd.Origin == fsm.session {
			ac = provider.ApplyPrimary | provider.ApplyRedo
		}
		tx := store.NewTx(cmd.TxID)

		entries[idx].Result = sm.Result{Value: uint64(store.RetCSuccess), Data: []byte(fmt.Sprintf("applied %d operation(s)", len(cmd.Ops)))}
		for _, op := range cmd.Ops {
			if _, err := fsm.provider.Apply(ctx, int64(e.Index), tx, op, ac); err != nil {
				if errors.Is(err, journal.ErrCorruptLogEntry) {
					return nil, err
				}
				se := store.FromError(err).(*store.Error)
				entries[idx].Result = sm.Result{Value: uint64(se.Code), Data: []byte(se.Msg)}
				log.Errorf("shard %d replica %d: entry %d: %v", fsm.shardID, fsm.replicaID, e.Index, err)
			}
		}
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms:", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot is not used. We don't need to prepare anything since we use fuzzy snapshotting
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot writes the copy stream of the journal to the writer. Every chunk is prefixed with its length.
func (fsm *StateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, done <-chan struct{}) error {
	stream, err := fsm.provider.GetCurrentState()
	if err != nil {
		return err
	}
	defer stream.Close()

	var prefix [4]byte
	for {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		chunk, err := stream.Next()
		if err == io.EOF {
			// a zero length marks the end
			binary.BigEndian.PutUint32(prefix[:], 0)
			_, err = writer.Write(prefix[:])
			return err
		}
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(prefix[:], uint32(len(chunk)))
		if _, err := writer.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := writer.Write(chunk); err != nil {
			return err
		}
	}
}

// RecoverFromSnapshot replaces the state of the journal with the snapshot.
func (fsm *StateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, done <-chan struct{}) error {
	if err := fsm.provider.BeginSettingCurrentState(); err != nil {
		return err
	}
	var prefix [4]byte
	for seq := int64(1); ; seq++ {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return errors.Wrap(err, "read snapshot")
		}
		n := binary.BigEndian.Uint32(prefix[:])
		if n == 0 {
			break
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return errors.Wrap(err, "read snapshot")
		}
		if err := fsm.provider.SetCurrentState(seq, chunk); err != nil {
			return err
		}
	}
	log.Infof("shard %d replica %d recovered from snapshot", fsm.shardID, fsm.replicaID)
	return fsm.provider.EndSettingCurrentState()
}

// Close unregisters the state machine and closes its journal.
func (fsm *StateMachine) Close() error {
	replicas.Compute(replicaKey{fsm.shardID, fsm.replicaID}, func(old *StateMachine, loaded bool) (*StateMachine, bool) {
		return old, loaded && old == fsm
	})
	return fsm.provider.Close(context.Background())
}

// --------------------------------------------------------------------------
// Proposals
// --------------------------------------------------------------------------

// speculate runs propose against the local journal and returns the command to replicate.
// The caller must release the slot with done and roll back the transaction if the proposal fails.
func (fsm *StateMachine) speculate(ctx context.Context, propose func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error) (*store.Tx, internal.Command, error) {
	select {
	case fsm.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, internal.Command{}, ctx.Err()
	}

	j, err := fsm.provider.Journal()
	if err != nil {
		fsm.done()
		return nil, internal.Command{}, err
	}
	tx := store.NewTx(fsm.txID.Add(1))
	if err := fsm.provider.Run(ctx, func() error { return propose(ctx, j, tx) }); err != nil {
		fsm.rollback(ctx, tx)
		fsm.done()
		return nil, internal.Command{}, err
	}
	return tx, internal.Command{Type: internal.CommandTApply, Origin: fsm.session, TxID: tx.ID(), Ops: tx.Redo()}, nil
}

func (fsm *StateMachine) done() { <-fsm.slots }

// rollback undoes every operation of tx that is still in flight.
func (fsm *StateMachine) rollback(ctx context.Context, tx *store.Tx) {
	for _, undo := range tx.Undo() {
		if _, err := fsm.provider.Apply(ctx, 0, tx, undo, provider.ApplyPrimary|provider.ApplyUndo); err != nil {
			log.Errorf("rollback of tx %d failed: %v", tx.ID(), err)
		}
	}
}
