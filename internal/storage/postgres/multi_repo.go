package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"onlineretail/internal/storage"
)

// maxParams keeps a single INSERT under the Postgres bind-parameter limit
// (65535).
const maxParams = 65000

/*
Store implements storage.Store for Postgres on a single pgx connection.

It provides:
  - Idempotent DDL (CREATE TABLE IF NOT EXISTS with PK/FK/UNIQUE)
  - Dimension inserts via INSERT ... ON CONFLICT DO NOTHING
  - Fact inserts, optionally deduped on a natural key

A pool is deliberately not used: the loader runs one transaction at a time.
*/
type Store struct {
	conn *pgx.Conn
}

// NewStore connects to Postgres using cfg.DSN.
func NewStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the connection.
func (s *Store) Close() {
	_ = s.conn.Close(context.Background())
}

// EnsureTables creates missing tables when AutoCreateTable is enabled.
//
// This method is idempotent.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := s.conn.Exec(ctx, schemaSQL); err != nil {
				return s.wrap("create schema", fmt.Errorf("create schema for %s: %w", t.Name, err))
			}
		}
		if _, err := s.conn.Exec(ctx, baseSQL); err != nil {
			return s.wrap("create table", fmt.Errorf("create table %s: %w", t.Name, err))
		}
	}
	return nil
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, s.wrap("begin", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

func (s *Store) wrap(op string, err error) error {
	return storage.WrapConnErr(op, err, func(e error) bool { return isConnError(s.conn, e) })
}

// Tx is one Postgres transaction.
type Tx struct {
	s    *Store
	tx   pgx.Tx
	done bool
}

// EnsureDimensionRows inserts rows with ON CONFLICT (<conflictColumns>) DO NOTHING.
func (t *Tx) EnsureDimensionRows(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	conflictColumns []string,
) (int64, error) {
	if len(conflictColumns) == 0 {
		return 0, fmt.Errorf("EnsureDimensionRows: %s: conflict columns are required", table)
	}
	return t.insertChunked(ctx, "insert "+table, table, columns, rows, conflictColumns)
}

// InsertFactRows appends rows; when dedupeColumns is set the insert becomes
// idempotent on those columns.
func (t *Tx) InsertFactRows(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	dedupeColumns []string,
) (int64, error) {
	return t.insertChunked(ctx, "insert "+table, table, columns, rows, dedupeColumns)
}

func (t *Tx) insertChunked(ctx context.Context, op, table string, columns []string, rows [][]any, conflict []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("%s: no columns", op)
	}

	per := maxParams / len(columns)
	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		sql, args := buildInsertSQL(table, columns, rows[start:end], conflict)
		cmd, err := t.tx.Exec(ctx, sql, args...)
		if err != nil {
			return total, t.s.wrap(op, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return t.s.wrap("commit", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return t.s.wrap("rollback", err)
}

// isConnError classifies pgx errors that mean the session is gone.
//
// SQLSTATE class 08 is "connection exception"; 57P01..57P03 are admin/crash
// shutdowns. Anything else reported by the server is a statement failure.
func isConnError(conn *pgx.Conn, err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03"
	}
	if conn != nil && conn.IsClosed() {
		return true
	}
	return storage.IsConnectionError(err)
}

// buildInsertSQL constructs a single INSERT statement and its args for Postgres.
//
// It is pure and deterministic so placeholder numbering and ON CONFLICT
// rendering can be unit tested without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range conflictColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

// pgIdent quotes a single identifier.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(s), `"`, `""`) + `"`
}

// pgTableIdent quotes a possibly schema-qualified table name.
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

// buildCreateSQL generates DDL for a table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA statement when t.Name is schema-qualified.
//   - baseSQL:   CREATE TABLE IF NOT EXISTS with inline PK/FK and UNIQUE constraints.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols, err := buildColumnDefs(t)
	if err != nil {
		return "", "", err
	}
	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	cols = append(cols, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`,
		pgTableIdent(t.Name), strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}

func buildColumnDefs(t storage.TableSpec) ([]string, error) {
	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(t.PrimaryKey.Type)
		if pk == "" || pkType == "" {
			return nil, fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pkType))
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}
	return cols, nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil  => NOT NULL
//   - nullable == true => NULL (no NOT NULL clause).
//   - nullable == false=> NOT NULL.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	nullable := false
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if !nullable {
		b.WriteString(" NOT NULL")
	}
	if d := strings.TrimSpace(c.Default); d != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(d)
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}

	return b.String(), nil
}

// buildConstraints generates table-level constraints. Only UNIQUE is supported.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	if len(t.Constraints) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		switch strings.ToLower(strings.TrimSpace(c.Kind)) {
		case "unique":
			if len(c.Columns) == 0 {
				return nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
			}
			var b strings.Builder
			b.WriteString("UNIQUE (")
			for i, col := range c.Columns {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(pgIdent(col))
			}
			b.WriteString(")")
			out = append(out, b.String())
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.customers" => ("public", "customers")
//   - "customers"        => ("", "customers")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
