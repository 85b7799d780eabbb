package multitable

import (
	"onlineretail/internal/storage"
	"onlineretail/internal/transformer"
)

// Step kinds.
const (
	KindDimension = "dimension"
	KindFact      = "fact"
)

// Step names, in load order.
const (
	StepCustomers    = "customers"
	StepProducts     = "products"
	StepInvoices     = "invoices"
	StepInvoiceItems = "invoice_items"
)

// RowFunc extracts one table row from a record. ok=false means the record
// does not contribute a row to this step (a presence rule failed). A non-nil
// error means the record carries a malformed value and fails the group.
type RowFunc func(rec transformer.Record) (row []any, ok bool, err error)

// LoadStep is one table write inside a group transaction.
type LoadStep struct {
	Name  string
	Table string
	Kind  string

	// Columns are bound in this order by Row.
	Columns []string

	// ConflictColumns is the key for dimension steps (first write wins) and
	// the optional dedupe key for fact steps. Empty on a fact step means
	// unconditional append.
	ConflictColumns []string

	Row RowFunc
}

// LoadSteps returns the retail load plan in dependency order:
// customers and products have no dependencies, invoices reference customers,
// invoice_items reference invoices and products. The store rejects rows whose
// references do not resolve, so this order is load-bearing.
//
// dedupeInvoiceItems keys invoice_items on storage.InvoiceItemNaturalKey so a
// rerun over the same file does not append duplicates.
func LoadSteps(dedupeInvoiceItems bool) []LoadStep {
	items := LoadStep{
		Name:    StepInvoiceItems,
		Table:   storage.TableInvoiceItems,
		Kind:    KindFact,
		Columns: []string{"invoice_id", "stock_code", "quantity", "unit_price", "source_line"},
		Row:     invoiceItemRow,
	}
	if dedupeInvoiceItems {
		items.ConflictColumns = storage.InvoiceItemNaturalKey
	}

	return []LoadStep{
		{
			Name:            StepCustomers,
			Table:           storage.TableCustomers,
			Kind:            KindDimension,
			Columns:         []string{"customer_id", "country"},
			ConflictColumns: []string{"customer_id"},
			Row:             customerRow,
		},
		{
			Name:            StepProducts,
			Table:           storage.TableProducts,
			Kind:            KindDimension,
			Columns:         []string{"stock_code", "description"},
			ConflictColumns: []string{"stock_code"},
			Row:             productRow,
		},
		{
			Name:            StepInvoices,
			Table:           storage.TableInvoices,
			Kind:            KindDimension,
			Columns:         []string{"invoice_id", "customer_id", "invoice_date", "country", "is_cancelled"},
			ConflictColumns: []string{"invoice_id"},
			Row:             invoiceRow,
		},
		items,
	}
}

func customerRow(rec transformer.Record) ([]any, bool, error) {
	if !rec.Has(transformer.FieldCustomerID) {
		return nil, false, nil
	}
	return []any{
		rec.Get(transformer.FieldCustomerID),
		nullIfEmpty(rec.Get(transformer.FieldCountry)),
	}, true, nil
}

func productRow(rec transformer.Record) ([]any, bool, error) {
	if !rec.Has(transformer.FieldStockCode) || !rec.Has(transformer.FieldDescription) {
		return nil, false, nil
	}
	return []any{
		rec.Get(transformer.FieldStockCode),
		rec.Get(transformer.FieldDescription),
	}, true, nil
}

func invoiceRow(rec transformer.Record) ([]any, bool, error) {
	invoiceNo := rec.Get(transformer.FieldInvoiceNo)
	if invoiceNo == "" {
		return nil, false, nil
	}
	ts, ok, err := transformer.ParseInvoiceDate(rec.Get(transformer.FieldInvoiceDate))
	if err != nil {
		return nil, false, err
	}
	var date any
	if ok {
		date = ts
	}
	return []any{
		invoiceNo,
		// Guest checkouts carry no customer.
		nullIfEmpty(rec.Get(transformer.FieldCustomerID)),
		date,
		nullIfEmpty(rec.Get(transformer.FieldCountry)),
		transformer.IsCancelled(invoiceNo),
	}, true, nil
}

func invoiceItemRow(rec transformer.Record) ([]any, bool, error) {
	if !rec.Has(transformer.FieldInvoiceNo) || !rec.Has(transformer.FieldStockCode) {
		return nil, false, nil
	}
	qty, err := transformer.ParseQuantity(rec.Get(transformer.FieldQuantity))
	if err != nil {
		return nil, false, err
	}
	price, err := transformer.ParseUnitPrice(rec.Get(transformer.FieldUnitPrice))
	if err != nil {
		return nil, false, err
	}
	return []any{
		rec.Get(transformer.FieldInvoiceNo),
		rec.Get(transformer.FieldStockCode),
		qty,
		price,
		int64(rec.Line),
	}, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
