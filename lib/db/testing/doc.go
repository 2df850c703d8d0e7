// Package testing provides standardised tests and benchmarks for
// storage engines that satisfy the db.Engine interface.
//
// The package contains:
//   - testing: A conformance suite for the session, transaction, iteration and checkpoint contract
//   - benchmark: Performance tests for measuring throughput of common engine operations
//
// Features an engine does not advertise through SupportsFeature are skipped.
//
// Example usage:
//
//	// Running the standard test suite
//	dbtesting.RunEngineTests(t, "MyEngine", myengine.Driver())
//
//	// Running performance benchmarks
//	dbtesting.RunEngineBenchmarks(b, "MyEngine", myengine.Driver())
package testing
