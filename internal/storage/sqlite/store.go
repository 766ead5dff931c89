// Package sqlite implements storage.Store over modernc.org/sqlite.
//
// It exists for two reasons: it lets the orchestrators run against a local
// file with zero infrastructure, and it gives the package tests a real
// transactional store without a server.
//
// Dialect notes vs Postgres:
//   - SQLite has no separate database catalog; the DSN is the database.
//     DatabaseExists always reports true for an open handle and
//     CreateDatabase is a no-op (the file appears on first open).
//   - There is no TIMESTAMPTZ type. Timestamps are stored as RFC3339Nano
//     strings for reliable round-trip behavior and easy debugging.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"ingest/internal/record"
	"ingest/internal/schema"
	"ingest/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	return nil
}

// LiveColumns reads pragma_table_info. SQLite reports no rows for a missing
// table, which maps directly onto the "table does not exist" contract.
func (s *Store) LiveColumns(ctx context.Context, table string) (map[string]schema.LiveColumn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, "notnull", pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]schema.LiveColumn{}
	for rows.Next() {
		var (
			lc      schema.LiveColumn
			notNull int
			pk      int
		)
		if err := rows.Scan(&lc.Name, &lc.Type, &notNull, &pk); err != nil {
			return nil, fmt.Errorf("introspect %s: scan: %w", table, err)
		}
		lc.Nullable = notNull == 0
		lc.PrimaryKey = pk > 0
		out[lc.Name] = lc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	return out, nil
}

func (s *Store) CreateTable(ctx context.Context, t schema.Table) error {
	ddl, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (s *Store) MigrateTable(ctx context.Context, t schema.Table, add []schema.Column, drop []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate %s: begin: %w", t.Name, err)
	}
	defer tx.Rollback()

	for _, c := range add {
		ddl, err := buildAddColumnSQL(t.Name, c)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", t.Name, err)
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate %s: add column %s: %w", t.Name, c.Name, err)
		}
		log.Printf("sqlite: added column %s to %s", c.Name, t.Name)
	}
	for _, name := range drop {
		if _, err := tx.ExecContext(ctx, buildDropColumnSQL(t.Name, name)); err != nil {
			return fmt.Errorf("migrate %s: drop column %s: %w", t.Name, name, err)
		}
		log.Printf("sqlite: removed column %s from %s", name, t.Name)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate %s: commit: %w", t.Name, err)
	}
	return nil
}

func (s *Store) SelectExisting(ctx context.Context, t schema.Table, keys [][]string) (map[string]record.Existing, error) {
	out := map[string]record.Existing{}
	if len(keys) == 0 {
		return out, nil
	}

	q, args, err := buildSelectExistingSQL(t, keys)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select existing %s: %w", t.Name, err)
	}
	defer rows.Close()

	keyIdx := keyColumnIndices(t)
	for rows.Next() {
		var id int64
		vals := make([]any, len(t.Columns))
		dests := make([]any, 0, len(vals)+1)
		dests = append(dests, &id)
		for i := range vals {
			dests = append(dests, &vals[i])
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("select existing %s: scan: %w", t.Name, err)
		}

		fields := make(record.Row, len(t.Columns))
		for i, c := range t.Columns {
			fields[c.Name] = vals[i]
		}
		parts := make([]string, len(keyIdx))
		for i, idx := range keyIdx {
			parts[i] = record.NormalizeKey(vals[idx])
		}
		out[record.JoinKey(parts)] = record.Existing{ID: id, Fields: fields}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select existing %s: %w", t.Name, err)
	}
	return out, nil
}

func (s *Store) ApplyBatch(ctx context.Context, t schema.Table, updates []record.Update, inserts []record.Row) error {
	if len(updates) == 0 && len(inserts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply %s: begin: %w", t.Name, err)
	}
	defer tx.Rollback()

	fetch := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", sqlIdent(t.Name), sqlIdent(t.PrimaryKey))

	for _, u := range updates {
		var one int
		err := tx.QueryRowContext(ctx, fetch, u.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("apply %s: id %d: %w", t.Name, u.ID, storage.ErrStaleID)
		}
		if err != nil {
			return fmt.Errorf("apply %s: fetch id %d: %w", t.Name, u.ID, err)
		}

		q, args, ok := buildUpdateSQL(t, u)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("apply %s: update id %d: %w", t.Name, u.ID, err)
		}
	}

	if len(inserts) > 0 {
		q, args := buildInsertSQL(t, inserts)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("apply %s: insert: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply %s: commit: %w", t.Name, err)
	}
	return nil
}

func keyColumnIndices(t schema.Table) []int {
	idx := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		idx[c.Name] = i
	}
	out := make([]int, len(t.NaturalKey))
	for i, k := range t.NaturalKey {
		out[i] = idx[k]
	}
	return out
}

// bindValue converts Go values into forms SQLite round-trips cleanly.
// time.Time becomes an RFC3339Nano string; everything else passes through.
func bindValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}
