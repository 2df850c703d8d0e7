// Package store provides the client facing interface of a replicated table together with
// the pieces shared by its implementations.
//
// Key Components:
//
//   - IStore Interface: key-value operations on one table. All methods return a *Error with a
//     RetCode on failure.
//
//   - Tx: the replication transaction. It collects the serialized undo and redo operations
//     issued by the journal so that they can be committed or rolled back as a whole.
//
//   - Retry: retries writes that failed with a retryable error (write conflicts, lock timeouts).
//
// Implementations:
//
//	- Local Store (lstore): hosts the journal on a single node.
//	- Distributed Store (dstore): replicates the journal with the Dragonboat RAFT library.
package store
