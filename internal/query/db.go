package query

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mssqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// NewDB opens a bun database for one of the storage kinds the loader writes
// to ("postgres", "sqlite", "mssql"). With debug set every query is printed.
func NewDB(kind, dsn string, debug bool) (*bun.DB, error) {
	var (
		db  *bun.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "sqlite":
		db, err = openSQLite(dsn)
	case "postgres":
		db, err = open("pgx", dsn, func(s *sql.DB) *bun.DB { return bun.NewDB(s, pgdialect.New()) })
	case "mssql":
		db, err = open("sqlserver", dsn, func(s *sql.DB) *bun.DB { return bun.NewDB(s, mssqldialect.New()) })
	default:
		return nil, fmt.Errorf("query: unsupported storage kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db, nil
}

func open(driverName, dsn string, wrap func(*sql.DB) *bun.DB) (*bun.DB, error) {
	sqldb, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	return wrap(sqldb), nil
}

func openSQLite(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	return db, nil
}
