package dstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rTable/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/rTable/lib/provider"
	"github.com/ValentinKolb/rTable/lib/store"
	storetesting "github.com/ValentinKolb/rTable/lib/store/testing"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
)

var nextPort atomic.Int32

func init() {
	nextPort.Store(47100)
}

// newSingleNodeStore starts a one replica shard on a fresh node host and waits for its leader.
func newSingleNodeStore(t *testing.T, opts provider.Options) (*Store, *dragonboat.NodeHost) {
	t.Helper()
	const shardID, replicaID = 100, 1
	dir := t.TempDir()
	addr := fmt.Sprintf("localhost:%d", nextPort.Add(1))

	nh, err := dragonboat.NewNodeHost(config.NodeHostConfig{
		WALDir:         filepath.Join(dir, "raft"),
		NodeHostDir:    filepath.Join(dir, "raft"),
		RTTMillisecond: 5,
		RaftAddress:    addr,
	})
	if err != nil {
		t.Fatalf("NewNodeHost failed: %v", err)
	}
	t.Cleanup(nh.Close)

	factory := CreateStateMachineFactory(Config{WorkDir: dir, Provider: opts})
	err = nh.StartConcurrentReplica(map[uint64]string{replicaID: addr}, false, factory, config.Config{
		ReplicaID:       replicaID,
		ShardID:         shardID,
		ElectionRTT:     10,
		HeartbeatRTT:    1,
		CheckQuorum:     true,
		SnapshotEntries: 50,
	})
	if err != nil {
		t.Fatalf("StartConcurrentReplica failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, _, ok, err := nh.GetLeaderID(shardID); err == nil && ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no leader elected for shard %d", shardID)
		}
		time.Sleep(10 * time.Millisecond)
	}

	s := NewDistributedStore(nh, shardID, replicaID, 5*time.Second)
	t.Cleanup(func() { _ = s.Close() })
	return s, nh
}

func TestDistributedStore(t *testing.T) {
	if testing.Short() {
		t.Skip("starts raft node hosts")
	}
	storetesting.RunStoreTests(t, "SingleNode", func(t *testing.T) store.IStore {
		s, _ := newSingleNodeStore(t, provider.Options{Engine: pebbledb.Driver()})
		return s
	})
	storetesting.RunStoreTests(t, "SingleWriter", func(t *testing.T) store.IStore {
		s, _ := newSingleNodeStore(t, provider.Options{Engine: pebbledb.Driver(), SingleWriter: true})
		return s
	})
}

func TestDistributedStoreSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("starts raft node hosts")
	}
	s, nh := newSingleNodeStore(t, provider.Options{Engine: pebbledb.Driver()})

	// more entries than SnapshotEntries
	for i := 0; i < 120; i++ {
		if err := s.Insert(fmt.Sprintf("key-%03d", i), []byte{byte(i)}); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	rows, err := s.GetRange("key-100", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 20 || rows[0].Value[0] != 100 {
		t.Errorf("GetRange returned %d rows", len(rows))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// rejected if the last automatic snapshot is already up to date
	if _, err := nh.SyncRequestSnapshot(ctx, s.shardID, dragonboat.SnapshotOption{}); err != nil && !errors.Is(err, dragonboat.ErrRejected) {
		t.Fatalf("SyncRequestSnapshot failed: %v", err)
	}
	if v, ok, err := s.Get("key-042"); err != nil || !ok || v[0] != 42 {
		t.Errorf("Get after snapshot = (%v, %t, %v)", v, ok, err)
	}
}
