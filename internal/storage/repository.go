package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the relational store as seen by the star-schema loader.
//
// Each backend implements these semantics in its own dialect (Postgres
// ON CONFLICT + COPY staging, SQLite upsert clauses, SQL Server NOT EXISTS).
type Repository interface {
	// Close releases backend resources. Call it once.
	Close()

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// EnsureTables creates tables that have AutoCreateTable set and do not exist.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// AppendIgnoreConflicts stages rows and appends them to spec's table in a
	// single transaction. Rows whose key already exists in the table are
	// skipped. Either every non-conflicting row is committed or none is.
	//
	// Returns the number of rows inserted.
	AppendIgnoreConflicts(ctx context.Context, spec TableSpec, rows [][]any) (int64, error)

	// UpsertRow inserts row, or overwrites the non-key columns of the existing
	// row with the same key, in its own transaction.
	UpsertRow(ctx context.Context, spec TableSpec, row []any) error
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package.
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

// Kinds returns the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}

// New opens a Repository with the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Failures of the factory itself (bad DSN, unreachable server) are wrapped
//     in *ConnectionError.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	repo, err := f(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Kind: cfg.Kind, Err: err}
	}
	return repo, nil
}
