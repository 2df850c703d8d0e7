// Package http implements the rpc transports on top of net/http.
//
// The server registers one route, POST /{shardId}, and hands the request body to the
// handler of the rpc server. The response body is the serialized reply. With log level
// debug every request is logged together with its status code and duration.
//
// The client posts to http://<endpoint>/<shardId>, picking the endpoint round-robin
// (atomic counter) and retrying failed requests up to RetryCount times. Each attempt
// sends a fresh body. The request timeout is TimeoutSecond of the client config.
//
// The http transport is the simplest to put behind existing proxies and load balancers,
// but pays the http overhead per request. Use tcp or unix when latency matters.
package http
