// Package common holds the types shared by the rpc client and server.
//
// The package contains:
//   - Message and MessageType, the protocol of all requests and responses.
//     A response of a failed store operation carries the return code of the
//     store next to the error message, so clients can tell a conflict apart
//     from a timeout.
//   - ServerConfig and ClientConfig, including the transport settings and the
//     helpers that convert the server config into Dragonboat configs.
//   - A logger factory for Dragonboat's logger package, used by every
//     package of the module (db, table, journal, provider, store, rpc).
package common
