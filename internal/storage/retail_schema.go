package storage

import "strings"

// Table names of the retail store.
const (
	TableCustomers    = "customers"
	TableProducts     = "products"
	TableInvoices     = "invoices"
	TableInvoiceItems = "invoice_items"
)

// SchemaOptions tunes the generated retail schema.
type SchemaOptions struct {
	// AutoCreate marks every table for creation by EnsureTables.
	AutoCreate bool

	// DedupeInvoiceItems adds UNIQUE (invoice_id, stock_code, source_line) to
	// invoice_items so that reloading the same file does not append duplicate
	// line items.
	DedupeInvoiceItems bool
}

// InvoiceItemNaturalKey is the natural key used when invoice item dedupe is on.
var InvoiceItemNaturalKey = []string{"invoice_id", "stock_code", "source_line"}

// RetailTables returns the four retail tables in dependency order: customers
// and products first, then invoices (FK to customers), then invoice_items
// (FK to invoices and products).
//
// Types are written in the Postgres dialect; the sqlite and mssql backends
// translate them when rendering DDL.
func RetailTables(opt SchemaOptions) []TableSpec {
	customers := TableSpec{
		Name:            TableCustomers,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &PrimaryKeySpec{Name: "customer_id", Type: "varchar(20)"},
		Columns: []ColumnSpec{
			{Name: "country", Type: "varchar(100)", Nullable: boolPtr(true)},
		},
		Load: LoadSpec{
			Kind:     "dimension",
			Conflict: &ConflictSpec{TargetColumns: []string{"customer_id"}, Action: "do_nothing"},
		},
	}

	products := TableSpec{
		Name:            TableProducts,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &PrimaryKeySpec{Name: "stock_code", Type: "varchar(20)"},
		Columns: []ColumnSpec{
			{Name: "description", Type: "varchar(255)", Nullable: boolPtr(true)},
			{Name: "popularity_score", Type: "integer", Nullable: boolPtr(false), Default: "0"},
		},
		Load: LoadSpec{
			Kind:     "dimension",
			Conflict: &ConflictSpec{TargetColumns: []string{"stock_code"}, Action: "do_nothing"},
		},
	}

	invoices := TableSpec{
		Name:            TableInvoices,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &PrimaryKeySpec{Name: "invoice_id", Type: "varchar(20)"},
		Columns: []ColumnSpec{
			{Name: "customer_id", Type: "varchar(20)", Nullable: boolPtr(true), References: "customers(customer_id)"},
			{Name: "invoice_date", Type: "timestamp", Nullable: boolPtr(true)},
			{Name: "country", Type: "varchar(100)", Nullable: boolPtr(true)},
			{Name: "is_cancelled", Type: "boolean", Nullable: boolPtr(false), Default: "false"},
		},
		Load: LoadSpec{
			Kind:     "dimension",
			Conflict: &ConflictSpec{TargetColumns: []string{"invoice_id"}, Action: "do_nothing"},
		},
	}

	items := TableSpec{
		Name:            TableInvoiceItems,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &PrimaryKeySpec{Name: "id", Type: "serial"},
		Columns: []ColumnSpec{
			{Name: "invoice_id", Type: "varchar(20)", Nullable: boolPtr(false), References: "invoices(invoice_id)"},
			{Name: "stock_code", Type: "varchar(20)", Nullable: boolPtr(false), References: "products(stock_code)"},
			{Name: "quantity", Type: "integer", Nullable: boolPtr(false)},
			{Name: "unit_price", Type: "numeric(10,2)", Nullable: boolPtr(false)},
			{Name: "source_line", Type: "integer", Nullable: boolPtr(true)},
		},
		Load: LoadSpec{Kind: "fact"},
	}
	if opt.DedupeInvoiceItems {
		items.Constraints = []ConstraintSpec{{Kind: "unique", Columns: InvoiceItemNaturalKey}}
		items.Load.Dedupe = &DedupeSpec{ConflictColumns: InvoiceItemNaturalKey, Action: "do_nothing"}
	}

	return []TableSpec{customers, products, invoices, items}
}

func normalizeType(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}
