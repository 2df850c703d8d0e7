// Package base implements the stream transports shared by the tcp and unix packages.
// The protocol specific parts (dialing, listening and socket tuning) are supplied
// through IClientConnector and IServerConnector.
//
// Every request and response travels as one frame:
//
//	[8 byte shard id][8 byte request id][4 byte length][payload]
//
// (big endian). The request id lets the client keep many requests in flight on one
// connection and match responses as they arrive, in any order.
//
// Client side, NewBaseClientTransport opens ConnectionsPerEndpoint connections to every
// endpoint and picks one round-robin per request. A failed send is retried RetryCount
// times with a growing backoff, reconnecting the broken connection in between.
//
// Server side, NewBaseServerTransport accepts connections, calls UpgradeConnection to
// apply the socket options of the config and starts WorkersPerConn workers per
// connection. Read buffers come from a sync.Pool sized by the buffer size passed to
// the constructor. Header and payload are written with net.Buffers in one call.
//
// All exported methods are safe for concurrent use.
package base
