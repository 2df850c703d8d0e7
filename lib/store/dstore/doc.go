// Package dstore implements a replicated table on top of the Dragonboat RAFT consensus library.
// It provides a strongly consistent implementation of the store.IStore interface whose state is
// a journal (see package journal) hosted by a provider on every replica.
//
// Architecture:
//
//   - Store Client: Implements the store.IStore interface. Writes are issued against the journal
//     of the local replica, the resulting redo operations are proposed to the shard and the
//     response of the state machine is returned to the caller.
//
//   - State Machine: A Dragonboat IConcurrentStateMachine that hosts a provider.Provider.
//     Every state machine registers itself for the stores of the same process.
//
//   - Communication Protocol: Defined in the internal package, a Command carries the redo
//     operations of one transaction together with the session of the proposing replica.
//
// Write Operations:
//
//	1. The store takes a proposal slot of the local replica
//	2. The operations are applied speculatively to the local journal (keys stay locked)
//	3. The Command is proposed to the RAFT cluster via SyncPropose
//	4. Once committed, the replica that proposed the command finalizes its in-flight
//	   operations, all other replicas apply them fresh
//	5. If the proposal fails, the store rolls the operations back
//
//	A write that conflicts with another transaction is retried a few times before
//	store.RetCConflict is returned.
//
// Read Operations:
//
//   - Linearizable Reads: Get, Has and GetRange use SyncRead and only see committed state.
//   - Stale Reads: GetDBInfo uses StaleRead.
//
// Snapshotting and Recovery:
//
//	Snapshots are the copy stream of the journal, every chunk prefixed with its length.
//	Recovering from a snapshot replaces the content of the journal.
//
// Example:
//
//	nh, err := dragonboat.NewNodeHost(nodeHostConfig)
//	if err != nil { ... }
//
//	factory := dstore.CreateStateMachineFactory(dstore.Config{WorkDir: "data"})
//	err = nh.StartConcurrentReplica(members, false, factory, shardConfig)
//	if err != nil { ... }
//
//	s := dstore.NewDistributedStore(nh, shardID, replicaID, 5*time.Second)
//
// For scenarios where distributed consensus is not required, consider using the lstore
// package, which hosts the same journal on a single node.
package dstore
