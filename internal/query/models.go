package query

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type Customer struct {
	bun.BaseModel `bun:"table:customers,alias:c"`

	CustomerID string  `bun:"customer_id,pk" json:"customer_id"`
	Country    *string `bun:"country" json:"country,omitempty"`
}

type Product struct {
	bun.BaseModel `bun:"table:products,alias:p"`

	StockCode       string  `bun:"stock_code,pk" json:"stock_code"`
	Description     *string `bun:"description" json:"description,omitempty"`
	PopularityScore int     `bun:"popularity_score,notnull" json:"popularity_score"`
}

// Invoice is one invoice header. CustomerID is nil for guest checkouts and
// InvoiceDate is nil when the source row carried no date.
type Invoice struct {
	bun.BaseModel `bun:"table:invoices,alias:i"`

	InvoiceID   string     `bun:"invoice_id,pk" json:"invoice_id"`
	CustomerID  *string    `bun:"customer_id" json:"customer_id,omitempty"`
	InvoiceDate *time.Time `bun:"invoice_date" json:"invoice_date,omitempty"`
	Country     *string    `bun:"country" json:"country,omitempty"`
	IsCancelled bool       `bun:"is_cancelled,notnull" json:"is_cancelled"`

	Items []*InvoiceItem `bun:"rel:has-many,join:invoice_id=invoice_id" json:"items,omitempty"`
}

type InvoiceItem struct {
	bun.BaseModel `bun:"table:invoice_items,alias:ii"`

	ID         int64           `bun:"id,pk,autoincrement" json:"id"`
	InvoiceID  string          `bun:"invoice_id,notnull" json:"invoice_id"`
	StockCode  string          `bun:"stock_code,notnull" json:"stock_code"`
	Quantity   int64           `bun:"quantity,notnull" json:"quantity"`
	UnitPrice  decimal.Decimal `bun:"unit_price,type:numeric(10,2),notnull" json:"unit_price"`
	SourceLine *int64          `bun:"source_line" json:"source_line,omitempty"`
}

// MonthRevenue is one row of the monthly revenue report. Month is "YYYY-MM".
type MonthRevenue struct {
	Month    string          `bun:"month" json:"month"`
	Revenue  decimal.Decimal `bun:"revenue" json:"revenue"`
	Items    int64           `bun:"items" json:"items"`
	Invoices int64           `bun:"invoices" json:"invoices"`
}
