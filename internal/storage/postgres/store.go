// Package postgres implements storage.Store on top of pgx. It is the
// primary production backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest/internal/record"
	"ingest/internal/schema"
	"ingest/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// DatabaseExists checks pg_database with a parameterized name.
func (s *Store) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM pg_database WHERE datname = $1`, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", name, err)
	}
	return true, nil
}

// CreateDatabase terminates other active connections to the target name and
// creates it. CREATE DATABASE cannot take a bind parameter, so the
// identifier goes through pgIdent; this is the single audited construction
// point for data-derived DDL identifiers.
func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
	if err != nil {
		return fmt.Errorf("terminate connections to %s: %w", name, err)
	}

	if _, err := s.pool.Exec(ctx, "CREATE DATABASE "+pgIdent(name)); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	log.Printf("postgres: created database %s", name)
	return nil
}

// LiveColumns introspects information_schema for the table's column set in
// the current schema. No rows means the table does not exist.
func (s *Store) LiveColumns(ctx context.Context, table string) (map[string]schema.LiveColumn, error) {
	const q = `
		SELECT c.column_name,
		       c.data_type,
		       c.is_nullable = 'YES',
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON kcu.constraint_name = tc.constraint_name
		            AND kcu.table_schema = tc.table_schema
		            AND kcu.table_name = tc.table_name
		           WHERE tc.constraint_type = 'PRIMARY KEY'
		             AND tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name
		             AND kcu.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`

	rows, err := s.pool.Query(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]schema.LiveColumn{}
	for rows.Next() {
		var lc schema.LiveColumn
		if err := rows.Scan(&lc.Name, &lc.Type, &lc.Nullable, &lc.PrimaryKey); err != nil {
			return nil, fmt.Errorf("introspect %s: scan: %w", table, err)
		}
		out[lc.Name] = lc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	return out, nil
}

func (s *Store) CreateTable(ctx context.Context, t schema.Table) error {
	sql, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// MigrateTable runs all add/drop statements for one table inside a single
// transaction. The first failure aborts the remaining statements.
func (s *Store) MigrateTable(ctx context.Context, t schema.Table, add []schema.Column, drop []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("migrate %s: begin: %w", t.Name, err)
	}
	defer tx.Rollback(ctx)

	for _, c := range add {
		sql, err := buildAddColumnSQL(t.Name, c)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", t.Name, err)
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("migrate %s: add column %s: %w", t.Name, c.Name, err)
		}
		log.Printf("postgres: added column %s to %s", c.Name, t.Name)
	}
	for _, name := range drop {
		if _, err := tx.Exec(ctx, buildDropColumnSQL(t.Name, name)); err != nil {
			return fmt.Errorf("migrate %s: drop column %s: %w", t.Name, name, err)
		}
		log.Printf("postgres: removed column %s from %s", name, t.Name)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("migrate %s: commit: %w", t.Name, err)
	}
	return nil
}

// SelectExisting fetches full snapshots of the rows whose natural key is in
// keys, in one query, keyed by canonical key.
func (s *Store) SelectExisting(ctx context.Context, t schema.Table, keys [][]string) (map[string]record.Existing, error) {
	out := map[string]record.Existing{}
	if len(keys) == 0 {
		return out, nil
	}

	sql, args, err := buildSelectExistingSQL(t, keys)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select existing %s: %w", t.Name, err)
	}
	defer rows.Close()

	keyIdx := keyColumnIndices(t)
	for rows.Next() {
		// Scan destinations must be pointers; allocate a values slice and
		// scan into &out[i]. This is the standard pgx pattern for a dynamic
		// column list.
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

// ApplyBatch applies the update and insert groups inside one transaction.
// Updates are row-at-a-time: fetch by surrogate id (locking the row), then
// overwrite the payload fields. A missing id fails the whole batch with
// storage.ErrStaleID; any failure rolls everything back.
func (s *Store) ApplyBatch(ctx context.Context, t schema.Table, updates []record.Update, inserts []record.Row) error {
	if len(updates) == 0 && len(inserts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply %s: begin: %w", t.Name, err)
	}
	defer tx.Rollback(ctx)

	fetch := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1 FOR UPDATE",
		pgIdent(t.Name), pgIdent(t.PrimaryKey))

	for _, u := range updates {
		var one int
		err := tx.QueryRow(ctx, fetch, u.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("apply %s: id %d: %w", t.Name, u.ID, storage.ErrStaleID)
		}
		if err != nil {
			return fmt.Errorf("apply %s: fetch id %d: %w", t.Name, u.ID, err)
		}

		sql, args, ok := buildUpdateSQL(t, u)
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("apply %s: update id %d: %w", t.Name, u.ID, err)
		}
	}

	if len(inserts) > 0 {
		sql, args := buildInsertSQL(t, inserts)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("apply %s: insert: %w", t.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
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
