// Package internal provides the wire format used between the dstore client and the
// replicated state machine.
//
//   - Command: written to the RAFT log. Carries the redo operations of one transaction.
//   - Query: executed locally by Lookup and therefore never serialized.
//
// Command Format:
//
//	- 1 byte: Command type
//	- 8 bytes: Origin, the session of the proposing state machine (uint64, big endian)
//	- 8 bytes: Transaction id (int64, big endian)
//	- 4 bytes: Number of operations (uint32, big endian)
//	- for every operation: 4 bytes length (uint32, big endian) followed by the serialized operation
package internal
