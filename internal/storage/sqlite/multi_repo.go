package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"onlineretail/internal/storage"
)

// maxParams keeps a single INSERT under SQLITE_MAX_VARIABLE_NUMBER (32766).
const maxParams = 32000

// timeLayout is the text form timestamps are stored in. SQLite date functions
// (strftime, date) and the driver's TIMESTAMP column scanning both read it.
const timeLayout = "2006-01-02 15:04:05.999999999-07:00"

// Store implements storage.Store for SQLite.
//
// Notes:
//   - The pool is pinned to one connection so ":memory:" databases survive
//     for the whole run and only one transaction is ever open.
//   - Foreign keys are off by default in SQLite; the DSN always gets
//     _pragma=foreign_keys(1).
type Store struct {
	db *sql.DB
}

// NewStore opens the database at cfg.DSN (e.g. "file:retail.db" or ":memory:").
func NewStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", withForeignKeys(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// withForeignKeys appends the foreign_keys pragma unless the DSN sets it.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func (s *Store) Close() { _ = s.db.Close() }

// EnsureTables creates missing tables (AutoCreateTable only).
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return storage.WrapConnErr("create table", fmt.Errorf("create table %s: %w", t.Name, err), storage.IsConnectionError)
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.WrapConnErr("begin", err, storage.IsConnectionError)
	}
	return &Tx{tx: tx}, nil
}

// Tx is one SQLite transaction.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// EnsureDimensionRows inserts rows with ON CONFLICT (<conflictColumns>) DO NOTHING.
func (t *Tx) EnsureDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(conflictColumns) == 0 {
		return 0, fmt.Errorf("EnsureDimensionRows: %s: conflict columns are required", table)
	}
	return t.insertChunked(ctx, table, columns, rows, conflictColumns)
}

func (t *Tx) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return t.insertChunked(ctx, table, columns, rows, dedupeColumns)
}

func (t *Tx) insertChunked(ctx context.Context, table string, columns []string, rows [][]any, conflict []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("insert %s: no columns", table)
	}

	per := maxParams / len(columns)
	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildInsertSQL(table, columns, rows[start:end], conflict)
		res, err := t.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, storage.WrapConnErr("insert "+table, err, storage.IsConnectionError)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return storage.WrapConnErr("commit", err, storage.IsConnectionError)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return storage.WrapConnErr("rollback", err, storage.IsConnectionError)
	}
	return nil
}

// sqlIdent quotes an identifier for SQLite.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(id), `"`, `""`) + `"`
}

// buildInsertSQL renders a multi-row INSERT with "?" placeholders. Timestamps
// are bound as text in timeLayout.
func buildInsertSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	ph := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		for j := range columns {
			args = append(args, bindValue(row[j]))
		}
	}

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(conflictColumns))
		b.WriteString(") DO NOTHING")
	}
	return b.String(), args
}

func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	default:
		return v
	}
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = sqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

// buildCreateTableSQL renders CREATE TABLE IF NOT EXISTS for SQLite.
//
// Postgres-style serial/identity keys become INTEGER PRIMARY KEY AUTOINCREMENT;
// every other type is passed through (SQLite maps it to an affinity).
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		if storage.IsGeneratedKeyType(t.PrimaryKey.Type) {
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		} else {
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
		}
	}

	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		nullable := true
		if c.Nullable != nil {
			nullable = *c.Nullable
		}
		if !nullable {
			col += " NOT NULL"
		}
		if c.Default != "" {
			col += " DEFAULT " + c.Default
		}
		// Enforced only with PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(con.Columns)))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
