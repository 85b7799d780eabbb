// Package transformer holds the record type that flows from the row source to
// the loader, the canonical retail field names, and the minimal value
// coercions applied before rows are bound to SQL.
package transformer

import "strings"

// Canonical field names after header mapping.
const (
	FieldInvoiceNo   = "invoice_no"
	FieldStockCode   = "stock_code"
	FieldDescription = "description"
	FieldQuantity    = "quantity"
	FieldInvoiceDate = "invoice_date"
	FieldUnitPrice   = "unit_price"
	FieldCustomerID  = "customer_id"
	FieldCountry     = "country"
)

// RequiredFields lists the canonical fields every input header must provide.
var RequiredFields = []string{
	FieldInvoiceNo,
	FieldStockCode,
	FieldDescription,
	FieldQuantity,
	FieldInvoiceDate,
	FieldUnitPrice,
	FieldCustomerID,
	FieldCountry,
}

// DefaultHeaderMap maps the Online Retail dataset headers to canonical names.
func DefaultHeaderMap() map[string]string {
	return map[string]string{
		"InvoiceNo":   FieldInvoiceNo,
		"StockCode":   FieldStockCode,
		"Description": FieldDescription,
		"Quantity":    FieldQuantity,
		"InvoiceDate": FieldInvoiceDate,
		"UnitPrice":   FieldUnitPrice,
		"CustomerID":  FieldCustomerID,
		"Country":     FieldCountry,
	}
}

// Record is one source row: canonical field name -> raw string value.
//
// Ownership:
//   - A Record is owned by exactly one stage at a time; it is handed downstream
//     by channel send and never mutated after the send.
type Record struct {
	// Line is the 1-based physical line of the row in the source (header is line 1).
	Line   int
	Fields map[string]string
}

// Get returns the trimmed value of field, or "" when absent.
func (r Record) Get(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

// Has reports whether field is present and non-blank.
func (r Record) Has(field string) bool {
	return r.Get(field) != ""
}
