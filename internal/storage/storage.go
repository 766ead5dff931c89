// Package storage defines the backend-agnostic Store interface and the
// backend registry. Concrete backends (postgres, sqlite, mssql) register
// themselves from init() in their own packages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ingest/internal/record"
	"ingest/internal/schema"
)

// ErrStaleID reports that an update referenced a surrogate id that no longer
// exists. This indicates a lookup/partition inconsistency or a concurrent
// mutation, not a recoverable condition: the whole batch fails.
var ErrStaleID = errors.New("storage: update references missing surrogate id")

// Config selects and configures a backend.
//
// Kind must match a registered backend kind. DSN is passed through to the
// backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// WithDatabase returns a Config pointing at a named database on the same
// server. How the name attaches to the DSN is dialect-specific; for
// file-backed sqlite the DSN already is the database and passes through
// unchanged.
func (c Config) WithDatabase(name string) Config {
	out := c
	switch c.Kind {
	case "postgres":
		// The database is the URL path; query parameters stay behind it.
		base, query, hasQuery := strings.Cut(c.DSN, "?")
		out.DSN = strings.TrimRight(base, "/") + "/" + name
		if hasQuery {
			out.DSN += "?" + query
		}
	case "mssql":
		sep := "?"
		if strings.Contains(c.DSN, "?") {
			sep = "&"
		}
		out.DSN = c.DSN + sep + "database=" + name
	}
	return out
}

// Store is the minimal surface the sync and ingestion orchestrators need.
// Each backend implements these semantics in its own dialect.
type Store interface {
	// Close releases backend resources. Call once at the end of a run.
	Close()

	// DatabaseExists reports whether the named database exists on the
	// server this store is connected to. Idempotent; safe to retry.
	DatabaseExists(ctx context.Context, name string) (bool, error)

	// CreateDatabase creates the named database, first terminating other
	// active connections to that name where the dialect requires it.
	// Not retried: a second attempt after a partial failure is not safe.
	CreateDatabase(ctx context.Context, name string) error

	// LiveColumns introspects the current column set of a table. An empty
	// map (and nil error) means the table does not exist.
	LiveColumns(ctx context.Context, table string) (map[string]schema.LiveColumn, error)

	// CreateTable creates the table from its declared definition, including
	// the autoincrementing surrogate key.
	CreateTable(ctx context.Context, t schema.Table) error

	// MigrateTable applies add/drop column DDL inside one unit of work.
	// The first failing statement aborts the rest and propagates.
	MigrateTable(ctx context.Context, t schema.Table, add []schema.Column, drop []string) error

	// SelectExisting issues exactly one query returning every row whose
	// natural key is in keys, mapped by canonical key (record.JoinKey over
	// normalized parts). Each element of keys holds the normalized parts
	// aligned to t.NaturalKey. Keys not found are simply absent.
	SelectExisting(ctx context.Context, t schema.Table, keys [][]string) (map[string]record.Existing, error)

	// ApplyBatch applies updates (fetch by surrogate id, overwrite the
	// fields present in the payload) and inserts (single bulk insert, no
	// id supplied) inside one transaction. Any failure rolls back the
	// entire batch; a missing update id fails with ErrStaleID.
	ApplyBatch(ctx context.Context, t schema.Table, updates []record.Update, inserts []record.Row) error
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres"). It is meant
// to be called from an init() function in a backend package; registering the
// same kind twice panics to fail fast on ambiguous backend selection.
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

// New constructs a Store using the registered backend factory for cfg.Kind.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
