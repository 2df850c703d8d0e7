// Package tcp implements the TCP socket transport of the rpc layer on top of
// the base package.
//
// Both connectors apply the TCPConf and SocketConf settings of the transport
// config (no delay, keep alive, linger, socket buffers) to every connection.
// The default server buffer size is 512 KB.
package tcp
