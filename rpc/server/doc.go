// Package server implements the rpc server of a node.
//
// A server hosts any number of shards. Every shard is a store.IStore backed by
// its own journal and is one of two types:
//
//   - ShardTypeLocalIStore: the journal lives on this node only (lstore).
//
//   - ShardTypeRemoteIStore: the journal is replicated with raft (dstore).
//     The raft settings of the ServerConfig (RTTMillisecond, SnapshotEntries,
//     CompactionOverhead, RaftDir, ReplicaID and ClusterMembers) must be set.
//
// Incoming requests are decoded with the configured serializer and passed to
// the IRPCServerAdapter of the shard. If MetricsEndpoint is set, the journal
// metrics are served in the prometheus text format on /metrics.
//
// Usage Example:
//
//	config := common.ServerConfig{
//		Shards:        []common.ServerShard{{ShardID: 1, Type: common.ShardTypeLocalIStore}},
//		Engine:        "pebble",
//		WorkDir:       "/var/lib/rtable",
//		PoolSize:      4,
//		TimeoutSecond: 5,
//		LogLevel:      "info",
//		Transport:     common.ServerTransportConfig{Endpoint: "0.0.0.0:8080", WorkersPerConn: 16},
//	}
//
//	s := server.NewRPCServer(config, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer())
//	defer s.Close()
//	if err := s.Serve(); err != nil {
//		log.Fatalf("Server error: %v", err)
//	}
package server
