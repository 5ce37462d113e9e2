// Package testutil provides test helpers for lttrs tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertStrings, etc.)
//   - store_helpers.go: database test setup (NewTestStore, NewTestEngine)
//   - storetest: a Fixture for tests that seed and read query results
package testutil
