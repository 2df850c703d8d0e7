// Package client implements store.IStore on top of the rpc layer.
//
// NewRPCStore connects the given transport and returns a store whose
// operations are executed by the shard with the given id on a remote server.
// Errors of the remote store keep their return code, so store.IsConflict and
// the other helpers of the store package work on the client side too. Writes
// that fail with a conflict are retried ConflictRetries times.
//
// Usage Example:
//
//	config := common.ClientConfig{
//		TimeoutSecond:   5,
//		ConflictRetries: 3,
//		Transport: common.ClientTransportConfig{
//			Endpoints:  []string{"localhost:8080"},
//			RetryCount: 3,
//		},
//	}
//
//	s, err := client.NewRPCStore(1, config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//		return err
//	}
//
//	if err := s.Insert("mykey", []byte("myvalue")); err != nil {
//		return err
//	}
//	value, found, err := s.Get("mykey")
//
// All stores returned by this package are safe for concurrent use.
package client
