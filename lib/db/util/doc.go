// Package util provides helpers shared by the storage engines and the hosts.
//
// The package contains:
//   - functions: string hashing (used to derive replica ids from node names) and file system helpers
//     used by checkpoint and restore
//   - statistics: a SizeHistogram for reporting the value size distribution of an engine
package util
