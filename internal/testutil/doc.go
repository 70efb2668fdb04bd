// Package testutil provides shared test helpers for memwatch.
//
// # Environment Helpers
//
//   - SetupTestDir(t) - creates a temp directory with a .memwatch/ structure
//   - WriteConfig(t, base, yaml), WriteEnvFile(t, base, content)
//   - WriteTestFile(t, base, path, content) - writes a file in the test dir
//   - LookupFrom(env) - a config.LookupFunc backed by a map
//
// # Timeouts
//
//   - ContextWithTestDeadline(t, fallback) - respects the go test deadline
//   - ContextWithTimeout(t, d) - plain timeout, logged for debugging
//   - ShortOperationContext(t) - for tests that run a sampler briefly
//
// # Fixtures and Assertions
//
//   - SampleProcStatus, SampleMemoryCSV - /proc status and monitor output
//   - QuietLogger() - a logger that discards output
//   - AssertValidationError(t, err, field) - config validation failures
//   - AssertCSVRows(t, path, n) - monitor output row count
package testutil
