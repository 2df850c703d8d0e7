// Package transport defines the interfaces of the rpc transport layer.
//
// A transport only moves opaque byte slices between client and server and
// routes them by shard id. Implementations live in the sub packages: http,
// tcp and unix (the latter two built on base).
//
//   - IRPCClientTransport: connects to a set of endpoints and sends requests.
//
//   - IRPCServerTransport: listens on one endpoint and passes every request to
//     the registered ServerHandleFunc.
package transport
