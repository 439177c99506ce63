// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "github.com/beliu/sparkify-postgres/internal/storage/mssql"
	_ "github.com/beliu/sparkify-postgres/internal/storage/postgres"
	_ "github.com/beliu/sparkify-postgres/internal/storage/sqlite"
)
