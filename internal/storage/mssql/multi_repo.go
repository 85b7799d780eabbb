package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"onlineretail/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameter limit.
const maxParams = 2000

// Store implements storage.Store for Microsoft SQL Server.
//
// Notes:
//   - SQL Server has no ON CONFLICT. Dimension rows and deduped fact rows go
//     through INSERT ... SELECT ... WHERE NOT EXISTS.
//   - NOT EXISTS does not collapse duplicates inside one VALUES source, so
//     rows are deduped in memory first (first occurrence wins).
//   - Column types are written in the Postgres dialect and translated here.
type Store struct {
	db dbConn
}

// NewStore opens a single-connection database/sql handle on the "sqlserver"
// driver and pings it.
func NewStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("connect mssql: %w", err)
	}
	return &Store{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureTables creates tables guarded by OBJECT_ID checks.
//
// This method is idempotent and safe to run on every invocation.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return storage.WrapConnErr("create table", fmt.Errorf("create table %s: %w", t.Name, err), isConnError)
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.WrapConnErr("begin", err, isConnError)
	}
	return &Tx{tx: tx}, nil
}

// Tx is one SQL Server transaction.
type Tx struct {
	tx   txConn
	done bool
}

// EnsureDimensionRows inserts rows whose conflictColumns key is not present yet.
func (t *Tx) EnsureDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(conflictColumns) == 0 {
		return 0, fmt.Errorf("EnsureDimensionRows: %s: conflict columns are required", table)
	}
	return t.insertNotExists(ctx, table, columns, rows, conflictColumns)
}

// InsertFactRows bulk-inserts rows, or inserts only unseen natural keys when
// dedupeColumns is set.
func (t *Tx) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(dedupeColumns) > 0 {
		return t.insertNotExists(ctx, table, columns, rows, dedupeColumns)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var total int64
	for _, part := range chunkRows(rows, len(columns)) {
		q, args := buildBulkInsertSQL(table, columns, part)
		n, err := t.exec(ctx, "insert "+table, q, args)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *Tx) insertNotExists(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := dedupeRowsByColumns(rows, columns, keyColumns)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, part := range chunkRows(rows, len(columns)) {
		q, args := buildInsertNotExistsSQL(table, columns, part, keyColumns)
		n, err := t.exec(ctx, "insert "+table, q, args)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *Tx) exec(ctx context.Context, op, q string, args []any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storage.WrapConnErr(op, err, isConnError)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return storage.WrapConnErr("commit", err, isConnError)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return storage.WrapConnErr("rollback", err, isConnError)
	}
	return nil
}

// isConnError treats server-reported errors (constraint violations and the
// like) as statement failures; everything else defers to the shared check.
func isConnError(err error) bool {
	var srvErr mssqldb.Error
	if errors.As(err, &srvErr) {
		return false
	}
	return storage.IsConnectionError(err)
}

// dedupeRowsByColumns keeps the first row per key. See storage.DedupeRowsByColumns.
func dedupeRowsByColumns(rows [][]any, columns []string, dedupeColumns []string) ([][]any, error) {
	return storage.DedupeRowsByColumns(rows, columns, dedupeColumns)
}

// chunkRows splits rows so no statement exceeds maxParams.
func chunkRows(rows [][]any, width int) [][][]any {
	per := maxParams / max(1, width)
	if per < 1 {
		per = 1
	}
	out := make([][][]any, 0, len(rows)/per+1)
	for start := 0; start < len(rows); start += per {
		out = append(out, rows[start:min(start+per, len(rows))])
	}
	return out
}

// buildCreateSQL renders an OBJECT_ID-guarded CREATE TABLE.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		pkDef, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, pkDef)
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", t.Name)
	}
	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlPrimaryKeyDef returns a column definition for the primary key.
//
// Supported types (case-insensitive):
//   - "serial", "identity" variants -> INT IDENTITY(1,1) PRIMARY KEY
//   - "bigserial" -> BIGINT IDENTITY(1,1) PRIMARY KEY
//   - otherwise the translated type with PRIMARY KEY.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial", "int identity", "integer identity", "identity":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), mssqlType(pk.Type)), nil
	}
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(mssqlType(c.Type))

	nullable := true
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if d := strings.TrimSpace(c.Default); d != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(mssqlDefault(d))
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}

	return b.String(), nil
}

var varcharPattern = regexp.MustCompile(`^varchar\((\d+)\)$`)

// mssqlType maps Postgres-style column types onto SQL Server types.
func mssqlType(typ string) string {
	t := strings.ToLower(strings.TrimSpace(typ))
	switch {
	case t == "boolean" || t == "bool":
		return "BIT"
	case t == "timestamp" || t == "timestamptz" || t == "timestamp with time zone":
		return "DATETIME2"
	case t == "text":
		return "NVARCHAR(MAX)"
	case t == "integer":
		return "INT"
	case varcharPattern.MatchString(t):
		return "NVARCHAR(" + varcharPattern.FindStringSubmatch(t)[1] + ")"
	case strings.HasPrefix(t, "numeric"):
		return "DECIMAL" + strings.TrimPrefix(t, "numeric")
	default:
		return typ
	}
}

func mssqlDefault(d string) string {
	switch strings.ToLower(d) {
	case "true":
		return "1"
	case "false":
		return "0"
	default:
		return d
	}
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(identList("", columns))
	b.WriteString(") VALUES ")

	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// Incoming rows are materialized as a derived table v via VALUES, then only
// rows that do not match existing rows on keyColumns are inserted.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, keyColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(identList("", columns))
	b.WriteString(") SELECT ")
	b.WriteString(identList("v.", columns))
	b.WriteString(" FROM (VALUES ")

	args := writeValues(&b, columns, rows)

	b.WriteString(") AS v(")
	b.WriteString(identList("", columns))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")

	for i, dc := range keyColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

func identList(prefix string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.invoices" -> [dbo].[invoices]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
