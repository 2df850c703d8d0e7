package server

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/db/engines/memdb"
	"github.com/ValentinKolb/rTable/lib/provider"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/lib/store/lstore"
	storetesting "github.com/ValentinKolb/rTable/lib/store/testing"
	"github.com/ValentinKolb/rTable/rpc/client"
	"github.com/ValentinKolb/rTable/rpc/common"
	"github.com/ValentinKolb/rTable/rpc/serializer"
	"github.com/ValentinKolb/rTable/rpc/transport"
	"github.com/ValentinKolb/rTable/rpc/transport/http"
	"github.com/ValentinKolb/rTable/rpc/transport/tcp"
	"github.com/ValentinKolb/rTable/rpc/transport/unix"
)

// shardsPerServer is the number of empty local shards every test server hosts
const shardsPerServer = 8

// testSetup describes one transport / serializer combination
type testSetup struct {
	name       string
	network    string
	server     func() transport.IRPCServerTransport
	client     func() transport.IRPCClientTransport
	serializer func() serializer.IRPCSerializer
}

var setups = []testSetup{
	{"TCP", "tcp", tcp.NewTCPServerTransport, tcp.NewTCPClientTransport, serializer.NewBinarySerializer},
	{"Unix", "unix", unix.NewUnixDefaultServerTransport, unix.NewUnixClientTransport, serializer.NewGOBSerializer},
	{"HTTP", "http", http.NewHttpServerTransport, http.NewHttpClientTransport, serializer.NewJSONSerializer},
}

// freeAddr returns a tcp address that was free a moment ago
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// startServer starts a server with local shards 1..shardsPerServer and returns the client config
func startServer(t *testing.T, setup testSetup) common.ClientConfig {
	t.Helper()
	dir := t.TempDir()

	var endpoint, clientEndpoint, dialNetwork string
	switch setup.network {
	case "unix":
		endpoint = filepath.Join(dir, "rtable.sock")
		clientEndpoint, dialNetwork = endpoint, "unix"
	case "http":
		endpoint = freeAddr(t)
		clientEndpoint, dialNetwork = "http://"+endpoint, "tcp"
	default:
		endpoint = freeAddr(t)
		clientEndpoint, dialNetwork = endpoint, "tcp"
	}

	shards := make([]common.ServerShard, shardsPerServer)
	for i := range shards {
		shards[i] = common.ServerShard{ShardID: uint64(i + 1), Type: common.ShardTypeLocalIStore}
	}

	s := NewRPCServer(common.ServerConfig{
		Shards:        shards,
		Engine:        string(db.ImplMemory),
		WorkDir:       dir,
		PoolSize:      8,
		TimeoutSecond: 5,
		LogLevel:      "error",
		Transport: common.ServerTransportConfig{
			Endpoint:       endpoint,
			WorkersPerConn: 8,
			TCPConf:        common.TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		},
	}, setup.server(), setup.serializer())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()
	t.Cleanup(s.Close)

	// wait until the transport accepts connections
	deadline := time.Now().Add(10 * time.Second)
	dialAddr := strings.TrimPrefix(clientEndpoint, "http://")
	for {
		select {
		case err := <-errCh:
			t.Fatalf("Serve failed: %v", err)
		default:
		}
		if conn, err := net.Dial(dialNetwork, dialAddr); err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start listening on %s", endpoint)
		}
		time.Sleep(10 * time.Millisecond)
	}

	return common.ClientConfig{
		TimeoutSecond:   5,
		ConflictRetries: 5,
		Transport: common.ClientTransportConfig{
			Endpoints:              []string{clientEndpoint},
			RetryCount:             3,
			ConnectionsPerEndpoint: 2,
			TCPConf:                common.TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		},
	}
}

func newClient(t *testing.T, setup testSetup, config common.ClientConfig, shardID uint64) store.IStore {
	t.Helper()
	tr := setup.client()
	s, err := client.NewRPCStore(shardID, config, tr, setup.serializer())
	if err != nil {
		t.Fatalf("NewRPCStore failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return s
}

// TestRPCStore runs the store conformance tests through every transport
func TestRPCStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rpc tests in short mode")
	}
	for _, setup := range setups {
		t.Run(setup.name, func(t *testing.T) {
			config := startServer(t, setup)
			var shard atomic.Uint64
			storetesting.RunStoreTests(t, setup.name, func(t *testing.T) store.IStore {
				id := shard.Add(1)
				if id > shardsPerServer {
					t.Fatalf("test server has only %d shards", shardsPerServer)
				}
				return newClient(t, setup, config, id)
			})
		})
	}
}

func TestUnknownShard(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rpc tests in short mode")
	}
	setup := setups[0]
	config := startServer(t, setup)
	s := newClient(t, setup, config, 999)

	_, _, err := s.Get("key")
	if err == nil || !strings.Contains(err.Error(), "shard not found") {
		t.Errorf("Expected shard not found error, got %v", err)
	}
}

func TestAdapterNilStore(t *testing.T) {
	adapter := NewIStoreServerAdapter()

	resp := adapter.Handle(&common.Message{MsgType: common.MsgTSuccess}, nil)
	if resp.MsgType != common.MsgTError {
		t.Errorf("Expected error response for nil store, got %s", resp.MsgType)
	}
}

func TestEngineDriver(t *testing.T) {
	tests := []struct {
		name     string
		expected db.Implementation
		wantErr  bool
	}{
		{"pebble", db.ImplPebble, false},
		{"", db.ImplPebble, false},
		{"memory", db.ImplMemory, false},
		{"rocksdb", "", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("engine=%q", tt.name), func(t *testing.T) {
			driver, err := EngineDriver(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EngineDriver(%q) error = %v, wantErr %t", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && driver.Impl != tt.expected {
				t.Errorf("EngineDriver(%q) = %s, want %s", tt.name, driver.Impl, tt.expected)
			}
		})
	}
}

func TestWriteMetrics(t *testing.T) {
	s, err := lstore.NewLocalStore(lstore.Options{
		WorkDir:  t.TempDir(),
		ShardID:  4711,
		Provider: provider.Options{Engine: memdb.Driver()},
	})
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if err := s.Insert("key", []byte("value")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	label := fmt.Sprintf("journal=%q", store.TableName+"@"+store.PartitionID(4711).String())
	var buf bytes.Buffer
	writeMetrics(&buf)
	out := buf.String()
	for _, want := range []string{
		"rtable_journal_committed_total{" + label + "} 1",
		"rtable_journal_proposed_total{" + label + "} 1",
		"rtable_journal_in_flight{" + label + "} 0",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}

	// closed journals are no longer exported
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	writeMetrics(&buf)
	if strings.Contains(buf.String(), label) {
		t.Errorf("metrics of a closed journal are still exported")
	}
}
