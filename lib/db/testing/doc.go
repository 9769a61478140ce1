// Package testing provides standardised tests and benchmarks for
// engine implementations that satisfy the db.IEngine interface.
//
// The package contains:
//   - testing: A test suite for validating conformance to the IEngine interface contract
//   - benchmark: Performance tests for writes, reads, batches and scans
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(t testing.TB) db.IEngine {
//		e, err := NewMyEngine(t.TempDir())
//		if err != nil {
//			t.Fatal(err)
//		}
//		return e
//	}
//
//	// Running the standard test suite
//	dbtesting.RunEngineTests(t, "MyEngine", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunEngineBenchmarks(b, "MyEngine", factory)
package testing
