// Package cmd implements the command-line interface of rTable.
//
// The package is organized into several subpackages:
//
//   - serve: starts a server hosting local and replicated shards
//   - kv: key-value operations against a running server (insert, get, del, has, range, info, perf)
//   - journal: offline tools on the journal of a shard (dump, info, backup, restore, demo)
//   - util: shared utilities for command-line processing and configuration (internal use)
//
// The binary is built from cmd/rtable. See rtable -help for a list of all commands.
package cmd
