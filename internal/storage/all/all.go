// Package all registers every storage backend with the factory. Importing it
// for side effects gives a binary support for all backends at once.
package all

import (
	_ "ingest/internal/storage/mssql"
	_ "ingest/internal/storage/postgres"
	_ "ingest/internal/storage/sqlite"
)
