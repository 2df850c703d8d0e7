// Package unix implements the unix domain socket transport of the rpc layer
// on top of the base package. It is meant for clients on the same machine as
// the server. The default server buffer size is 64 KB.
package unix
