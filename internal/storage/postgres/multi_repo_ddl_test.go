package postgres

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onlineretail/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func TestBuildCreateSQL_QualifiedName_CreatesSchemaAndTable(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:            "retail.countries",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "country_id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "name", Type: "varchar(100)", Nullable: boolPtr(false)},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
	}

	schemaSQL, baseSQL, err := buildCreateSQL(spec)
	require.NoError(t, err)
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "retail";`, schemaSQL)
	assert.Contains(t, baseSQL, `CREATE TABLE IF NOT EXISTS "retail"."countries"`)
	assert.Contains(t, baseSQL, `"country_id" serial PRIMARY KEY`)
	assert.Contains(t, baseSQL, `"name" varchar(100) NOT NULL`)
	assert.Contains(t, baseSQL, `UNIQUE ("name")`)
}

func TestBuildCreateSQL_RetailTables(t *testing.T) {
	t.Parallel()

	tables := storage.RetailTables(storage.SchemaOptions{AutoCreate: true, DedupeInvoiceItems: true})
	require.Len(t, tables, 4)

	byName := map[string]string{}
	for _, tbl := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(tbl)
		require.NoError(t, err, tbl.Name)
		assert.Empty(t, schemaSQL)
		byName[tbl.Name] = baseSQL
	}

	assert.Contains(t, byName["products"], `"popularity_score" integer NOT NULL DEFAULT 0`)
	assert.Contains(t, byName["invoices"], `"customer_id" varchar(20) REFERENCES customers(customer_id)`)
	assert.Contains(t, byName["invoices"], `"is_cancelled" boolean NOT NULL DEFAULT false`)
	assert.Contains(t, byName["invoice_items"], `"id" serial PRIMARY KEY`)
	assert.Contains(t, byName["invoice_items"], `UNIQUE ("invoice_id", "stock_code", "source_line")`)
}

func TestBuildCreateSQL_EmptyName(t *testing.T) {
	t.Parallel()

	_, _, err := buildCreateSQL(storage.TableSpec{})
	require.Error(t, err)
}

func TestBuildCreateSQL_UnsupportedConstraint(t *testing.T) {
	t.Parallel()

	_, _, err := buildCreateSQL(storage.TableSpec{
		Name:        "x",
		Columns:     []storage.ColumnSpec{{Name: "a", Type: "int"}},
		Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}},
	})
	require.ErrorContains(t, err, `unsupported constraint kind "check"`)
}

func TestBuildInsertSQL_NoConflict(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL(
		"invoice_items",
		[]string{"invoice_id", "stock_code", "quantity"},
		[][]any{
			{"536365", "85123A", int64(6)},
			{"536365", "71053", int64(6)},
		},
		nil,
	)

	assert.NotContains(t, sql, "ON CONFLICT")
	assert.Len(t, args, 6)
	assert.Contains(t, sql, "VALUES ($1, $2, $3), ($4, $5, $6)")
}

func TestBuildInsertSQL_WithConflict_AddsOnConflictDoNothing(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL(
		"customers",
		[]string{"customer_id", "country"},
		[][]any{{"17850", "United Kingdom"}},
		[]string{"customer_id"},
	)

	assert.Equal(t,
		`INSERT INTO "customers" ("customer_id", "country") VALUES ($1, $2) ON CONFLICT ("customer_id") DO NOTHING;`,
		sql)
	assert.Equal(t, []any{"17850", "United Kingdom"}, args)
}

func TestPgIdent_EscapesQuotes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"a""b"`, pgIdent(`a"b`))
}

func TestIsConnError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "08006"}), true},
		{"fk violation", &pgconn.PgError{Code: "23503"}, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isConnError(nil, tc.err))
		})
	}
}

func TestSplitQualifiedName(t *testing.T) {
	t.Parallel()

	s, n := splitQualifiedName("public.customers")
	assert.Equal(t, "public", s)
	assert.Equal(t, "customers", n)

	s, n = splitQualifiedName(" customers ")
	assert.Empty(t, s)
	assert.Equal(t, "customers", n)

	_, n = splitQualifiedName("a.b.c")
	assert.True(t, strings.Contains(n, "a.b.c"))
}
