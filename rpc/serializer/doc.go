// Package serializer converts common.Message values to bytes and back. The server and
// the client must use the same implementation.
//
// Implementations:
//
//   - NewBinarySerializer: a hand written format. A flag word records which optional
//     fields are present, followed by the fields themselves (length-prefixed where
//     needed). Range responses encode their rows inline. Smallest and fastest, use it in
//     production.
//
//   - NewJSONSerializer: encoding/json. Readable on the wire (message types are written
//     by name), handy together with the http transport and curl.
//
//   - NewGOBSerializer: encoding/gob. Noticeably slower and larger than the binary
//     format, mostly kept for comparison in the benchmarks.
//
// All serializers are stateless and safe for concurrent use.
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(*common.NewGetRequest("key"))
//	...
//	var resp common.Message
//	err = s.Deserialize(data, &resp)
package serializer
