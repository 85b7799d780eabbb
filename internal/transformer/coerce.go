package transformer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CancellationPrefix marks cancelled invoices in the source invoice number.
const CancellationPrefix = "C"

// UnitPricePlaces is the fixed-point scale of invoice_items.unit_price.
const UnitPricePlaces = 2

// Quantity bounds match the 32-bit integer column of invoice_items.quantity.
var (
	minQuantity = decimal.NewFromInt(math.MinInt32)
	maxQuantity = decimal.NewFromInt(math.MaxInt32)
)

// invoiceDateLayouts are tried in order. The dataset ships ISO timestamps;
// spreadsheet exports use month/day/year with minutes.
var invoiceDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 15:04:05",
}

// IsCancelled reports whether invoiceNo carries the cancellation marker.
func IsCancelled(invoiceNo string) bool {
	return strings.HasPrefix(strings.TrimSpace(invoiceNo), CancellationPrefix)
}

// ParseQuantity parses an item quantity. Negative values (returns) are valid.
//
// Edge cases:
//   - Integral decimals such as "6.0" are accepted (spreadsheet exports).
//   - Fractional values ("2.5") and blanks are errors.
//   - Values outside the 32-bit integer range are errors.
func ParseQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("quantity: empty value")
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("quantity %q: not a number", s)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("quantity %q: not an integer", s)
	}
	if d.LessThan(minQuantity) || d.GreaterThan(maxQuantity) {
		return 0, fmt.Errorf("quantity %q: out of range [%d, %d]", s, math.MinInt32, math.MaxInt32)
	}
	return d.IntPart(), nil
}

// ParseUnitPrice parses an item unit price as a fixed-point decimal rounded
// half away from zero to two fraction digits.
func ParseUnitPrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("unit_price: empty value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unit_price %q: not a number", s)
	}
	return d.Round(UnitPricePlaces), nil
}

// ParseInvoiceDate parses an invoice timestamp. The second return is false
// when s is blank; the column is then stored as NULL.
//
// Timestamps carry no zone in the source and are interpreted as UTC.
func ParseInvoiceDate(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range invoiceDateLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("invoice_date %q: unsupported format", s)
}
