// Package mssql implements storage.Store for Microsoft SQL Server via
// database/sql and the go-mssqldb driver.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "github.com/microsoft/go-mssqldb"

	"ingest/internal/record"
	"ingest/internal/schema"
	"ingest/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
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
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sys.databases WHERE name = @p1`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", name, err)
	}
	return true, nil
}

// CreateDatabase creates the named database. CREATE DATABASE cannot take a
// bind parameter; the identifier goes through msIdent, the single audited
// construction point.
func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "CREATE DATABASE "+msIdent(name)); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	log.Printf("mssql: created database %s", name)
	return nil
}

func (s *Store) LiveColumns(ctx context.Context, table string) (map[string]schema.LiveColumn, error) {
	const q = `
		SELECT c.COLUMN_NAME,
		       c.DATA_TYPE,
		       CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
		       CASE WHEN EXISTS (
		           SELECT 1
		           FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		           JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		             ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		            AND kcu.TABLE_NAME = tc.TABLE_NAME
		           WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		             AND tc.TABLE_NAME = c.TABLE_NAME
		             AND kcu.COLUMN_NAME = c.COLUMN_NAME
		       ) THEN 1 ELSE 0 END
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_NAME = @p1
		ORDER BY c.ORDINAL_POSITION`

	rows, err := s.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]schema.LiveColumn{}
	for rows.Next() {
		var (
			lc       schema.LiveColumn
			nullable int
			pk       int
		)
		if err := rows.Scan(&lc.Name, &lc.Type, &nullable, &pk); err != nil {
			return nil, fmt.Errorf("introspect %s: scan: %w", table, err)
		}
		lc.Nullable = nullable == 1
		lc.PrimaryKey = pk == 1
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
		log.Printf("mssql: added column %s to %s", c.Name, t.Name)
	}
	for _, name := range drop {
		if _, err := tx.ExecContext(ctx, buildDropColumnSQL(t.Name, name)); err != nil {
			return fmt.Errorf("migrate %s: drop column %s: %w", t.Name, name, err)
		}
		log.Printf("mssql: removed column %s from %s", name, t.Name)
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

	// UPDLOCK+ROWLOCK serializes concurrent writers on the same row without
	// a table-wide lock.
	fetch := fmt.Sprintf("SELECT 1 FROM %s WITH (UPDLOCK, ROWLOCK) WHERE %s = @p1",
		msIdent(t.Name), msIdent(t.PrimaryKey))

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
