package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Store.
//
// When to use:
//   - Use Config when constructing a Store via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Store is a backend-agnostic handle on ONE database session.
//
// IMPORTANT: a Store never pools. The loader runs at most one transaction at a
// time, so every backend holds exactly one connection for the whole run.
type Store interface {
	// Close releases the session.
	//
	// Edge cases:
	//   - Treat Close as "call once".
	Close()

	// EnsureTables creates tables (and their PK/FK/UNIQUE constraints) that do
	// not exist yet. Tables are created in slice order, so dependencies must
	// come first.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// Begin opens a transaction on the session.
	//
	// Errors:
	//   - A dead session is reported as *apperrors.ConnectionLostError.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one all-or-nothing unit of work.
//
// Every method reports a dead session as *apperrors.ConnectionLostError so the
// caller can tell fatal loss apart from constraint violations.
type Tx interface {
	// EnsureDimensionRows inserts rows keyed by conflictColumns. Rows whose key
	// already exists are left untouched (first write wins). Returns the number
	// of rows actually inserted.
	EnsureDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error)

	// InsertFactRows appends rows. When dedupeColumns is non-empty, rows that
	// match an existing row on those columns are skipped.
	InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)

	Commit(ctx context.Context) error

	// Rollback is safe to call after Commit; it is then a no-op.
	Rollback(ctx context.Context) error
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New opens a Store using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
