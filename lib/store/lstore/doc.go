// Package lstore hosts the journal of a table on a single node. It implements store.IStore
// without replication: every write is proposed to the journal, handed straight back to the
// provider as if it had been replicated and committed.
//
// The journal is persistent if the provider is configured with the pebble engine.
//
// Usage Example:
//
//	s, err := lstore.NewLocalStore(lstore.Options{WorkDir: "data"})
//	if err != nil { ... }
//	defer s.Close()
//
//	err = s.Insert("session:123", sessionData)
//	value, exists, err := s.Get("session:123")
//
// For distributed scenarios use the dstore package instead.
package lstore
