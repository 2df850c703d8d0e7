// Package db defines the storage engine contract the journal and the table pool are built on.
//
// An Engine is an opened, ordered key/value store. All access goes through a Session,
// which is one exclusive connection with at most one open transaction:
//
//   - Outside a transaction Set and Delete are committed immediately.
//   - Inside a transaction reads observe the transaction's own writes. Commit applies
//     all writes atomically, Rollback discards them.
//   - Iterate returns a forward cursor over the half-open key range [lower, upper).
//     Callers with inclusive bounds convert them with UpperBoundExclusive or PrefixEnd.
//
// Engines advertise optional behaviour through Feature flags (conflict detection,
// durability, checkpoints). Long-running operations (Checkpoint and Driver.Restore)
// report progress through a StatusFunc: StatusBegin first, any number of
// StatusRecoveryStep notifications and exactly one terminal StatusComplete or StatusFail.
//
// Two engines are provided:
//
//   - engines/pebbledb: durable LSM engine on top of cockroachdb/pebble.
//   - engines/memdb: copy-on-write B-tree with optimistic conflict detection,
//     persisted as a single snapshot file on Flush and Close.
package db
