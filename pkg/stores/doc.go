// Package stores provides persistence for patchwork.
//
// SQLiteStore keeps the package history in SQLite (pure Go driver, WAL mode
// for file databases) with schema migrations embedded in the binary.
// MemoryStore implements the same Store interface in process memory for
// simulations and tests.
//
// Both implement engine.PackageStore: packages are upserted by
// (component, package type, version), so the initial "unfinished" row and
// the final result of a patch share one row. Runs and events record what
// the CLI did and what the engine logged.
//
// Shared behaviour is checked by the storetest contract suite.
package stores
