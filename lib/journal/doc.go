/*
Package journal implements a transactional key-value table whose writes are replicated as
pairs of undo and redo operations.

# Write Path

A write (SetValue, TryRemove, GetValue) is applied speculatively inside a storage transaction
that stays open until the host finalizes the operation:

	tx := ...                                 // host replication transaction
	err := j.SetValue(ctx, tx, "key", "value") // undo/redo pair registered in tx
	...
	found, err := j.Finalize(opID, tx.ID(), true)

While an operation is in flight its key is locked. A second write to the same key fails with
ErrWriteConflict, which IsRetryable reports as retryable.

# Operations

Operations are serialized with a fixed little-endian header (type, version, id) followed by
length-prefixed key and value fields. Deserialize marks every malformed input with
ErrCorruptLogEntry. Operations that were not proposed locally (secondary replicas, replay)
are applied with ApplyFresh.

# Copy

NewCopyStream emits the whole table as serialized Set operations. The receiving journal
consumes them with BeginCopy, ApplyCopy and EndCopy.

# Codecs

Keys are stored through order-preserving codecs (StringCodec, Int64Codec, Uint64Codec,
UUIDCodec, BytesCodec), so range queries follow the logical key order. Values may use any
codec, including JSONCodec and GobCodec.
*/
package journal
