// Package query is the read side of the retail store: entity lookups by key
// and a monthly revenue report, built on bun over the same tables the loader
// fills.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"onlineretail/internal/apperrors"
	"onlineretail/internal/storage"
)

type Repository struct {
	db *bun.DB
}

func New(db *bun.DB) *Repository { return &Repository{db: db} }

// Open is NewDB followed by New.
func Open(kind, dsn string, debug bool) (*Repository, error) {
	db, err := NewDB(kind, dsn, debug)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (r *Repository) DB() *bun.DB { return r.db }

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) GetProduct(ctx context.Context, stockCode string) (*Product, error) {
	p := new(Product)
	err := r.db.NewSelect().Model(p).Where("stock_code = ?", stockCode).Scan(ctx)
	if err != nil {
		return nil, lookupErr("product", stockCode, err)
	}
	return p, nil
}

func (r *Repository) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	c := new(Customer)
	err := r.db.NewSelect().Model(c).Where("customer_id = ?", customerID).Scan(ctx)
	if err != nil {
		return nil, lookupErr("customer", customerID, err)
	}
	return c, nil
}

// GetInvoice fetches an invoice header together with its line items in
// insertion order.
func (r *Repository) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	inv := new(Invoice)
	err := r.db.NewSelect().
		Model(inv).
		Where("i.invoice_id = ?", invoiceID).
		Relation("Items", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("ii.id ASC")
		}).
		Scan(ctx)
	if err != nil {
		return nil, lookupErr("invoice", invoiceID, err)
	}
	return inv, nil
}

func (r *Repository) GetInvoiceItem(ctx context.Context, id int64) (*InvoiceItem, error) {
	it := new(InvoiceItem)
	err := r.db.NewSelect().Model(it).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, lookupErr("invoice item", id, err)
	}
	return it, nil
}

// ListInvoiceItems returns the items of one invoice ordered by id. An unknown
// invoice yields an empty list, not ErrNotFound.
func (r *Repository) ListInvoiceItems(ctx context.Context, invoiceID string) ([]*InvoiceItem, error) {
	var items []*InvoiceItem
	err := r.db.NewSelect().
		Model(&items).
		Where("invoice_id = ?", invoiceID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, queryErr("list invoice items", err)
	}
	return items, nil
}

// SetProductPopularity overwrites the popularity score of one product.
func (r *Repository) SetProductPopularity(ctx context.Context, stockCode string, score int) error {
	if score < 0 {
		return fmt.Errorf("popularity score must be >= 0, got %d", score)
	}
	res, err := r.db.NewUpdate().
		Model((*Product)(nil)).
		Set("popularity_score = ?", score).
		Where("stock_code = ?", stockCode).
		Exec(ctx)
	if err != nil {
		return queryErr("update product popularity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queryErr("update product popularity", err)
	}
	if n == 0 {
		return fmt.Errorf("product %q: %w", stockCode, apperrors.ErrNotFound)
	}
	return nil
}

// MonthlyRevenue sums quantity * unit_price over non-cancelled invoices per
// calendar month, oldest month first. Invoices without a date are left out.
func (r *Repository) MonthlyRevenue(ctx context.Context) ([]MonthRevenue, error) {
	month, err := monthExpr(r.db.Dialect().Name(), "i.invoice_date")
	if err != nil {
		return nil, err
	}

	var rows []MonthRevenue
	err = r.db.NewSelect().
		Model((*InvoiceItem)(nil)).
		Join("JOIN invoices AS i ON i.invoice_id = ii.invoice_id").
		ColumnExpr(month+" AS month").
		ColumnExpr("SUM(ii.quantity * ii.unit_price) AS revenue").
		ColumnExpr("COUNT(*) AS items").
		ColumnExpr("COUNT(DISTINCT ii.invoice_id) AS invoices").
		Where("i.is_cancelled = ?", false).
		Where("i.invoice_date IS NOT NULL").
		GroupExpr(month).
		OrderExpr(month+" ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, queryErr("monthly revenue", err)
	}

	// SQLite sums in floating point.
	for i := range rows {
		rows[i].Revenue = rows[i].Revenue.Round(2)
	}
	return rows, nil
}

func monthExpr(d dialect.Name, col string) (string, error) {
	switch d {
	case dialect.SQLite:
		return "strftime('%Y-%m', " + col + ")", nil
	case dialect.PG:
		return "to_char(" + col + ", 'YYYY-MM')", nil
	case dialect.MSSQL:
		return "FORMAT(" + col + ", 'yyyy-MM')", nil
	default:
		return "", fmt.Errorf("monthly revenue: unsupported dialect %s", d)
	}
}

func lookupErr(what string, key any, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, key, apperrors.ErrNotFound)
	}
	return queryErr("get "+what, err)
}

func queryErr(op string, err error) error {
	if storage.IsConnectionError(err) {
		return storage.WrapConnErr(op, err, storage.IsConnectionError)
	}
	return fmt.Errorf("%s: %w", op, err)
}
