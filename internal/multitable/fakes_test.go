package multitable

import (
	"context"
	"strings"
	"sync"

	"onlineretail/internal/storage"
	"onlineretail/internal/transformer"
)

type writeCall struct {
	table    string
	kind     string
	columns  []string
	rows     [][]any
	conflict []string
}

// fakeStore records every write. failOn makes the named table's write fail.
type fakeStore struct {
	mu sync.Mutex

	ensureTables [][]storage.TableSpec
	begins       int
	commits      int
	rollbacks    int
	closed       int
	calls        []writeCall

	beginErr  error
	commitErr error
	failOn    map[string]error
}

func newFakeStore() *fakeStore { return &fakeStore{failOn: map[string]error{}} }

func (s *fakeStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeStore) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTables = append(s.ensureTables, tables)
	return nil
}

func (s *fakeStore) Begin(ctx context.Context) (storage.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	s.begins++
	return &fakeTx{s: s}, nil
}

func (s *fakeStore) tableCalls(table string) []writeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []writeCall
	for _, c := range s.calls {
		if c.table == table {
			out = append(out, c)
		}
	}
	return out
}

type fakeTx struct {
	s    *fakeStore
	done bool
}

func (t *fakeTx) write(kind, table string, columns []string, rows [][]any, conflict []string) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.calls = append(t.s.calls, writeCall{table: table, kind: kind, columns: columns, rows: rows, conflict: conflict})
	if err := t.s.failOn[table]; err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (t *fakeTx) EnsureDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	return t.write(KindDimension, table, columns, rows, conflictColumns)
}

func (t *fakeTx) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return t.write(KindFact, table, columns, rows, dedupeColumns)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.commitErr != nil {
		return t.s.commitErr
	}
	t.done = true
	t.s.commits++
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.s.rollbacks++
	return nil
}

const retailHeader = "InvoiceNo,StockCode,Description,Quantity,InvoiceDate,UnitPrice,CustomerID,Country\n"

// exampleCSV: two invoices for one customer (the second cancelled) and a
// guest invoice whose row carries no stock code.
const exampleCSV = retailHeader +
	"536365,85123A,WHITE HANGING HEART T-LIGHT HOLDER,6,2010-12-01 08:26:00,2.55,17850,United Kingdom\n" +
	"C536366,85123A,,-1,2010-12-01 08:28:00,2.55,17850,United Kingdom\n" +
	"536367,,,3,2010-12-01 08:34:00,1.69,,United Kingdom\n"

// rec builds a record from the canonical fields in order:
// invoice, stock code, description, quantity, date, price, customer, country.
func rec(line int, vals ...string) transformer.Record {
	fields := []string{
		transformer.FieldInvoiceNo,
		transformer.FieldStockCode,
		transformer.FieldDescription,
		transformer.FieldQuantity,
		transformer.FieldInvoiceDate,
		transformer.FieldUnitPrice,
		transformer.FieldCustomerID,
		transformer.FieldCountry,
	}
	m := make(map[string]string, len(fields))
	for i, f := range fields {
		if i < len(vals) {
			m[f] = vals[i]
		}
	}
	return transformer.Record{Line: line, Fields: m}
}

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }

func stringSource(s string) nopCloser { return nopCloser{strings.NewReader(s)} }
