package dstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/ValentinKolb/rTable/lib/db/engines/memdb"
	"github.com/ValentinKolb/rTable/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/ValentinKolb/rTable/lib/provider"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/lib/store/dstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

func newTestStateMachine(t *testing.T, shardID, replicaID uint64, opts provider.Options) *StateMachine {
	t.Helper()
	fsm, err := NewStateMachine(Config{WorkDir: t.TempDir(), Provider: opts}, shardID, replicaID)
	if err != nil {
		t.Fatalf("NewStateMachine failed: %v", err)
	}
	t.Cleanup(func() { _ = fsm.Close() })
	return fsm
}

func insert(key, value string) func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error {
	return func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error {
		return j.SetValue(ctx, tx, key, []byte(value))
	}
}

// propose speculates on fsm and returns the log entry the command would be committed as.
func propose(t *testing.T, fsm *StateMachine, index uint64, fn func(ctx context.Context, j *journal.Journal[string, []byte], tx journal.Transaction) error) sm.Entry {
	t.Helper()
	_, cmd, err := fsm.speculate(context.Background(), fn)
	if err != nil {
		t.Fatalf("speculate failed: %v", err)
	}
	fsm.done()
	return sm.Entry{Index: index, Cmd: cmd.Serialize()}
}

func update(t *testing.T, fsm *StateMachine, entries ...sm.Entry) []sm.Entry {
	t.Helper()
	res, err := fsm.Update(entries)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return res
}

func lookup(t *testing.T, fsm *StateMachine, key string) (string, bool) {
	t.Helper()
	res, err := fsm.Lookup(internal.Query{Type: internal.QueryTGet, Key: key})
	if err != nil {
		t.Fatalf("Lookup(%s) failed: %v", key, err)
	}
	r := res.(internal.QueryResult)
	return string(r.Value), r.Ok
}

func TestUpdate(t *testing.T) {
	for name, opts := range map[string]provider.Options{
		"Memory":       {Engine: memdb.Driver(), PoolSize: 4},
		"Pebble":       {Engine: pebbledb.Driver(), PoolSize: 4},
		"SingleWriter": {Engine: pebbledb.Driver(), PoolSize: 4, SingleWriter: true},
	} {
		t.Run(name, func(t *testing.T) {
			origin := newTestStateMachine(t, 1, 1, opts)
			other := newTestStateMachine(t, 1, 2, opts)

			entry := propose(t, origin, 1, insert("key", "value"))
			if _, ok := lookup(t, origin, "key"); ok {
				t.Errorf("speculative write must not be visible before commit")
			}

			// the origin finalizes, the other replica applies fresh
			for _, fsm := range []*StateMachine{origin, other} {
				res := update(t, fsm, entry)
				if res[0].Result.Value != uint64(store.RetCSuccess) {
					t.Errorf("replica %d: result = %d (%s)", fsm.replicaID, res[0].Result.Value, res[0].Result.Data)
				}
				if v, ok := lookup(t, fsm, "key"); !ok || v != "value" {
					t.Errorf("replica %d: Get = (%q, %t)", fsm.replicaID, v, ok)
				}
			}
			j, _ := origin.provider.Journal()
			if j.InFlight() != 0 {
				t.Errorf("InFlight = %d after commit", j.InFlight())
			}
		})
	}
}

func TestUpdateConcurrentProposals(t *testing.T) {
	a := newTestStateMachine(t, 2, 1, provider.Options{Engine: memdb.Driver(), PoolSize: 4})
	b := newTestStateMachine(t, 2, 2, provider.Options{Engine: memdb.Driver(), PoolSize: 4})

	// both replicas speculate on the same key, the log orders a before b
	ea := propose(t, a, 1, insert("key", "a"))
	eb := propose(t, b, 2, insert("key", "b"))

	for _, fsm := range []*StateMachine{a, b} {
		update(t, fsm, ea, eb)
		if v, ok := lookup(t, fsm, "key"); !ok || v != "b" {
			t.Errorf("replica %d: Get = (%q, %t), want b", fsm.replicaID, v, ok)
		}
	}
}

func TestUpdateInvalidEntries(t *testing.T) {
	fsm := newTestStateMachine(t, 3, 1, provider.Options{Engine: memdb.Driver()})

	res := update(t, fsm, sm.Entry{Index: 1})
	if res[0].Result.Value != uint64(store.RetCInvalidOperation) {
		t.Errorf("empty command: result = %d", res[0].Result.Value)
	}

	unknown := internal.Command{Type: internal.CommandType(9)}
	res = update(t, fsm, sm.Entry{Index: 2, Cmd: unknown.Serialize()})
	if res[0].Result.Value != uint64(store.RetCInvalidOperation) {
		t.Errorf("unknown command: result = %d", res[0].Result.Value)
	}

	tests := []struct {
		name string
		cmd  []byte
	}{
		{"TruncatedCommand", []byte{0, 1, 2}},
		{"CorruptOperation", (&internal.Command{Type: internal.CommandTApply, Ops: [][]byte{{0xff, 0x01}}}).Serialize()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fsm.Update([]sm.Entry{{Index: 3, Cmd: tt.cmd}}); err == nil {
				t.Errorf("Update of a corrupt entry must fail")
			}
		})
	}
}

func TestLookup(t *testing.T) {
	fsm := newTestStateMachine(t, 4, 1, provider.Options{Engine: pebbledb.Driver()})
	for i, k := range []string{"c", "a", "b"} {
		update(t, fsm, propose(t, fsm, uint64(i+1), insert(k, k+k)))
	}

	ok, err := fsm.Lookup(internal.Query{Type: internal.QueryTHas, Key: "a"})
	if err != nil || ok != true {
		t.Errorf("Has(a) = (%v, %v)", ok, err)
	}

	res, err := fsm.Lookup(internal.Query{Type: internal.QueryTRange, Key: "b", Max: 10})
	if err != nil {
		t.Fatal(err)
	}
	rows := res.([]store.KeyValue)
	if len(rows) != 2 || rows[0].Key != "b" || string(rows[1].Value) != "cc" {
		t.Errorf("Range(b..) = %v", rows)
	}

	_, err = fsm.Lookup(internal.Query{Type: internal.QueryType(42)})
	if se, ok := err.(*store.Error); !ok || se.Code != store.RetCInvalidOperation {
		t.Errorf("unknown query: err = %v", err)
	}
	if _, err := fsm.Lookup("no query"); err == nil {
		t.Errorf("Lookup of a wrong type must fail")
	}
}

func TestSnapshot(t *testing.T) {
	src := newTestStateMachine(t, 5, 1, provider.Options{Engine: pebbledb.Driver()})
	dst := newTestStateMachine(t, 5, 2, provider.Options{Engine: memdb.Driver()})

	for i, k := range []string{"k1", "k2", "k3"} {
		update(t, src, propose(t, src, uint64(i+1), insert(k, "v"+k)))
	}
	update(t, dst, propose(t, dst, 1, insert("stale", "x")))

	var buf bytes.Buffer
	if err := src.SaveSnapshot(nil, &buf, nil, make(chan struct{})); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := dst.RecoverFromSnapshot(bytes.NewReader(buf.Bytes()), nil, make(chan struct{})); err != nil {
		t.Fatalf("RecoverFromSnapshot failed: %v", err)
	}

	for _, k := range []string{"k1", "k2", "k3"} {
		if v, ok := lookup(t, dst, k); !ok || v != "v"+k {
			t.Errorf("Get(%s) = (%q, %t)", k, v, ok)
		}
	}
	if _, ok := lookup(t, dst, "stale"); ok {
		t.Errorf("recovery must replace the previous state")
	}

	stopped := make(chan struct{})
	close(stopped)
	if err := src.SaveSnapshot(nil, &bytes.Buffer{}, nil, stopped); err != sm.ErrSnapshotStopped {
		t.Errorf("SaveSnapshot with closed done = %v", err)
	}
	if err := dst.RecoverFromSnapshot(bytes.NewReader(buf.Bytes()[:3]), nil, make(chan struct{})); err == nil {
		t.Errorf("RecoverFromSnapshot of a truncated snapshot must fail")
	}
}

func TestRegistry(t *testing.T) {
	fsm := newTestStateMachine(t, 6, 1, provider.Options{Engine: memdb.Driver()})
	if got, ok := replicas.Load(replicaKey{6, 1}); !ok || got != fsm {
		t.Fatalf("state machine not registered")
	}
	if err := fsm.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := replicas.Load(replicaKey{6, 1}); ok {
		t.Errorf("state machine still registered after Close")
	}

	s := &Store{shardID: 6, replicaID: 1}
	if err := s.Insert("key", nil); err == nil {
		t.Errorf("Insert without local replica must fail")
	}
}
