// Package testing contains the conformance tests shared by all store.IStore implementations.
//
// Usage:
//
//	func TestLocalStore(t *testing.T) {
//		storetesting.RunStoreTests(t, "LocalStore", func(t *testing.T) store.IStore { ... })
//	}
package testing
