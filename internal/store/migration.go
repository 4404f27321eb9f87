package store

import "fmt"

// CurrentSchemaVersion is the schema version this binary knows how to read
// and write. Schema-aware backends record it in a schema_migrations table
// at open time and refuse to open a store whose recorded version differs,
// per the fail-closed gate described in spec.md §9's open questions.
const CurrentSchemaVersion = 1

// checkSchemaVersion enforces the version gate shared by every schema-aware
// backend: a found version of 0 means an uninitialized store (the caller
// should stamp CurrentSchemaVersion); anything newer than the binary, or
// older and non-zero, fails closed.
func checkSchemaVersion(found int) error {
	if found > CurrentSchemaVersion {
		return Storage(fmt.Errorf("schema version %d is newer than this binary's version %d", found, CurrentSchemaVersion))
	}
	if found != 0 && found < CurrentSchemaVersion {
		return Storage(fmt.Errorf("schema version %d is older than this binary's version %d; migration is unsupported", found, CurrentSchemaVersion))
	}
	return nil
}
