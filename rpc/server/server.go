package server

import (
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/db/engines/memdb"
	"github.com/ValentinKolb/rTable/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/rTable/lib/journal"
	"github.com/ValentinKolb/rTable/lib/provider"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/lib/store/dstore"
	"github.com/ValentinKolb/rTable/lib/store/lstore"
	"github.com/ValentinKolb/rTable/rpc/common"
	"github.com/ValentinKolb/rTable/rpc/serializer"
	"github.com/ValentinKolb/rTable/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// serverShard is a struct that represents a shard in the RPC server
// It contains the store it encapsulates and the adapter that handles requests for the store
type serverShard struct {
	Store   store.IStore
	Adapter IRPCServerAdapter
	close   func() error
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := rpc.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	// Create shards map
	shardMap := xsync.NewMapOf[uint64, serverShard]()

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	// Create the RPC server
	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     shardMap,
	}
}

// RPCServer serves the stores of all configured shards over one transport.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, serverShard]
	nodeHost   *dragonboat.NodeHost
}

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(shardId uint64, req []byte) []byte {
		var msg common.Message
		var respMsg common.Message

		// Get appropriate shard
		shard, ok := s.shards.Load(shardId)

		// Case shard does not exist -> error
		if !ok {
			respMsg = common.Message{
				MsgType: common.MsgTError,
				Err:     "shard not found",
			}
		} else {
			// Decode the request
			err := s.serializer.Deserialize(req, &msg)

			if err != nil {
				respMsg = common.Message{
					MsgType: common.MsgTError,
					Err:     fmt.Sprintf("failed to deserialize request: %s", err),
				}
			} else {
				// Let the adapter handle the request
				respMsg = *shard.Adapter.Handle(&msg, shard.Store)
			}
		}

		// Return result
		val, err := s.serializer.Serialize(respMsg)
		if err != nil {
			Logger.Errorf("failed to serialize response: %v", err)
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
		}
		return val
	})
}

// EngineDriver returns the storage engine with the given name.
func EngineDriver(name string) (db.Driver, error) {
	switch db.Implementation(name) {
	case db.ImplPebble, "":
		return pebbledb.Driver(), nil
	case db.ImplMemory:
		return memdb.Driver(), nil
	default:
		return db.Driver{}, fmt.Errorf("invalid engine %q (must be %s or %s)", name, db.ImplPebble, db.ImplMemory)
	}
}

// providerOptions builds the journal configuration of every shard.
func (s *RPCServer) providerOptions() (provider.Options, error) {
	driver, err := EngineDriver(s.config.Engine)
	if err != nil {
		return provider.Options{}, err
	}
	return provider.Options{
		Engine:       driver,
		PoolSize:     s.config.PoolSize,
		SingleWriter: s.config.SingleWriter,
		BackupDir:    s.config.BackupDir,
	}, nil
}

func (s *RPCServer) init() error {

	// Init logger
	common.InitLoggers(s.config)

	opts, err := s.providerOptions()
	if err != nil {
		return err
	}

	// Expose the journal metrics
	if s.config.MetricsEndpoint != "" {
		go s.serveMetrics()
	}

	// Create the Dragonboat NodeHost
	if s.config.HasRemoteShard() {
		// Only create the NodeHost if we have remote shards
		s.nodeHost, err = dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
	}

	// Configure the timeout for the stores
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second

	// CREATE SHARDS

	/*
		Note: A single RPC Server can have any number of remote and or local shards.
		Every shard hosts its own journal in a sub directory of the work dir.
	*/

	for _, shardConfig := range s.config.Shards {
		switch shardConfig.Type {

		// Case local store
		case common.ShardTypeLocalIStore:
			ls, err := lstore.NewLocalStore(lstore.Options{
				WorkDir:  filepath.Join(s.config.WorkDir, "local"),
				ShardID:  shardConfig.ShardID,
				Provider: opts,
				Timeout:  timeout,
			})
			if err != nil {
				return fmt.Errorf("failed to create local store for shard %d: %w", shardConfig.ShardID, err)
			}
			s.shards.Store(shardConfig.ShardID, serverShard{
				Store:   ls,
				Adapter: NewIStoreServerAdapter(),
				close:   ls.Close,
			})
			Logger.Infof("created local store for shard %d", shardConfig.ShardID)

		// Case remote store
		case common.ShardTypeRemoteIStore:
			if s.nodeHost == nil {
				return fmt.Errorf("node host is nil, cannot create remote store")
			}

			// Start Raft for the shard
			factory := dstore.CreateStateMachineFactory(dstore.Config{WorkDir: s.config.WorkDir, Provider: opts})
			if err := s.nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false, factory, s.config.ToDragonboatConfig(shardConfig.ShardID)); err != nil {
				return fmt.Errorf("failed to start shard %d: %w", shardConfig.ShardID, err)
			}

			ds := dstore.NewDistributedStore(s.nodeHost, shardConfig.ShardID, s.config.ReplicaID, timeout)
			s.shards.Store(shardConfig.ShardID, serverShard{
				Store:   ds,
				Adapter: NewIStoreServerAdapter(),
				close:   ds.Close,
			})
			Logger.Infof("created distributed store for shard %d", shardConfig.ShardID)

		default:
			return fmt.Errorf("invalid shard type: %s", shardConfig.Type)
		}
	}

	Logger.Infof("rTable setup completed successfully")

	// Configure the transport layer
	s.registerTransportHandler()

	return nil
}

// writeMetrics writes the process metrics and the metrics of every open journal.
func writeMetrics(w io.Writer) {
	metrics.WritePrometheus(w, true)
	journal.WritePrometheus(w)
}

// serveMetrics serves all metrics in the prometheus text format.
func (s *RPCServer) serveMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeMetrics(w)
	})
	Logger.Infof("Starting metrics endpoint on %s/metrics", s.config.MetricsEndpoint)
	if err := http.ListenAndServe(s.config.MetricsEndpoint, mux); err != nil {
		Logger.Errorf("metrics endpoint stopped: %v", err)
	}
}

// Serve starts the RPC server
// This function will also initialize the server plus the shards and start the transport layer
func (s *RPCServer) Serve() error {
	err := s.init()
	if err != nil {
		s.Close()
		return err
	}
	return s.transport.Listen(s.config)
}

// Close closes the stores of all shards and stops the node host.
func (s *RPCServer) Close() {
	s.shards.Range(func(id uint64, shard serverShard) bool {
		if err := shard.close(); err != nil {
			Logger.Errorf("failed to close shard %d: %v", id, err)
		}
		s.shards.Delete(id)
		return true
	})
	if s.nodeHost != nil {
		s.nodeHost.Close()
		s.nodeHost = nil
	}
}
