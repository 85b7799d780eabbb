// Package all registers every storage backend.
package all

import (
	_ "onlineretail/internal/storage/mssql"
	_ "onlineretail/internal/storage/postgres"
	_ "onlineretail/internal/storage/sqlite"
)
