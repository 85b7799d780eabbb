// Command report reads back what etl loaded: entity lookups by key and the
// monthly revenue report, one JSON object per line.
//
//	report -config configs/retail.yaml -invoice 536365 -revenue
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"onlineretail/internal/apperrors"
	"onlineretail/internal/config"
	"onlineretail/internal/query"
)

// reader is the slice of *query.Repository the CLI uses.
type reader interface {
	GetProduct(ctx context.Context, stockCode string) (*query.Product, error)
	GetCustomer(ctx context.Context, customerID string) (*query.Customer, error)
	GetInvoice(ctx context.Context, invoiceID string) (*query.Invoice, error)
	GetInvoiceItem(ctx context.Context, id int64) (*query.InvoiceItem, error)
	SetProductPopularity(ctx context.Context, stockCode string, score int) error
	MonthlyRevenue(ctx context.Context) ([]query.MonthRevenue, error)
	Close() error
}

type appDeps struct {
	loadConfig func(path string) (*config.Config, error)
	open       func(kind, dsn string, debug bool) (reader, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		open: func(kind, dsn string, debug bool) (reader, error) {
			return query.Open(kind, dsn, debug)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// line is one output record.
type line struct {
	Kind  string `json:"kind"`
	Key   string `json:"key,omitempty"`
	Found bool   `json:"found"`
	Data  any    `json:"data,omitempty"`
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath    string
		product    string
		customer   string
		invoice    string
		item       int64
		revenue    bool
		popularity int
		debug      bool
	)
	fs.StringVar(&cfgPath, "config", "", "loader config path; only storage.kind and storage.dsn are used (empty reads env)")
	fs.StringVar(&product, "product", "", "look up a product by stock code")
	fs.StringVar(&customer, "customer", "", "look up a customer by id")
	fs.StringVar(&invoice, "invoice", "", "look up an invoice and its items")
	fs.Int64Var(&item, "item", 0, "look up an invoice item by id")
	fs.BoolVar(&revenue, "revenue", false, "print revenue per calendar month")
	fs.IntVar(&popularity, "set-popularity", -1, "with -product, set its popularity score first")
	fs.BoolVar(&debug, "debug", false, "print every SQL query")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if product == "" && customer == "" && invoice == "" && item == 0 && !revenue {
		fmt.Fprintln(stderr, "usage: report [-config path] -product CODE | -customer ID | -invoice ID | -item N | -revenue")
		return 2
	}
	if popularity >= 0 && product == "" {
		fmt.Fprintln(stderr, "usage: -set-popularity needs -product")
		return 2
	}

	cfg, err := deps.loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		fmt.Fprintln(stderr, "load config: storage.dsn: required")
		return 1
	}

	repo, err := deps.open(cfg.Storage.Kind, cfg.Storage.DSN, debug)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = repo.Close() }()

	enc := json.NewEncoder(stdout)
	emit := func(kind, key string, v any, err error) error {
		if errors.Is(err, apperrors.ErrNotFound) {
			return enc.Encode(line{Kind: kind, Key: key})
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", kind, key, err)
		}
		return enc.Encode(line{Kind: kind, Key: key, Found: true, Data: v})
	}

	var steps []func() error
	if product != "" {
		steps = append(steps, func() error {
			if popularity >= 0 {
				if err := repo.SetProductPopularity(ctx, product, popularity); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
					return fmt.Errorf("set popularity: %w", err)
				}
			}
			p, err := repo.GetProduct(ctx, product)
			return emit("product", product, p, err)
		})
	}
	if customer != "" {
		steps = append(steps, func() error {
			c, err := repo.GetCustomer(ctx, customer)
			return emit("customer", customer, c, err)
		})
	}
	if invoice != "" {
		steps = append(steps, func() error {
			inv, err := repo.GetInvoice(ctx, invoice)
			return emit("invoice", invoice, inv, err)
		})
	}
	if item != 0 {
		steps = append(steps, func() error {
			it, err := repo.GetInvoiceItem(ctx, item)
			return emit("invoice_item", fmt.Sprint(item), it, err)
		})
	}
	if revenue {
		steps = append(steps, func() error {
			rows, err := repo.MonthlyRevenue(ctx)
			if err != nil {
				return fmt.Errorf("monthly revenue: %w", err)
			}
			for _, r := range rows {
				if err := enc.Encode(line{Kind: "monthly_revenue", Key: r.Month, Found: true, Data: r}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	for _, step := range steps {
		if err := step(); err != nil {
			fmt.Fprintf(stderr, "report: %v\n", err)
			return 1
		}
	}
	return 0
}
