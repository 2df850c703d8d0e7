// Package rpc exposes the journal backed stores of a node over the network.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, the client and server configuration and
//     the logger factory.
//
//   - transport: network communication with pluggable implementations
//     (TCP, Unix sockets, HTTP).
//
//   - serializer: Message serialization (Binary, JSON, GOB).
//
//   - client: an implementation of store.IStore that forwards every operation
//     to a remote shard.
//
//   - server: the server that hosts local and replicated shards and the
//     adapter that translates requests into store.IStore calls.
package rpc
