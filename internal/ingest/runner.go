// Package ingest orchestrates the per-table CSV-to-store reconciliation:
// read the source file, look up existing rows by natural key, partition the
// batch into updates and inserts, and apply it in one transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ingest/internal/metrics"
	"ingest/internal/parser/csv"
	"ingest/internal/record"
	"ingest/internal/schema"
	"ingest/internal/storage"
	"ingest/internal/task"
)

// Entity binds one declared table to its source file.
type Entity struct {
	Table schema.Table
	Path  string
	CSV   csv.Options
}

// DefaultEntities binds the declared tables to their conventional source
// files.
func DefaultEntities(ordersPath, inventoriesPath string) []Entity {
	tables := schema.Declared()
	return []Entity{
		{Table: tables[0], Path: ordersPath},
		{Table: tables[1], Path: inventoriesPath},
	}
}

// Runner ingests a set of entities into one store.
type Runner struct {
	// NewStore is a storage-agnostic factory seam.
	NewStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)

	// ReadRetry bounds the source file read, the only retried step here.
	// Batch application never retries: a replayed partial write is worse
	// than a failed run.
	ReadRetry task.Options
}

func NewDefaultRunner() *Runner {
	return &Runner{
		NewStore:  storage.New,
		ReadRetry: task.Options{Attempts: 2, Delay: 5 * time.Second},
	}
}

// Run ingests every entity against the store selected by cfg. Entities are
// independent: one failing does not stop the others, but any failure fails
// the run.
func (r *Runner) Run(ctx context.Context, cfg storage.Config, entities []Entity) error {
	st, err := r.NewStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ingest: open store: %w", err)
	}
	defer st.Close()

	var errs []error
	for _, e := range entities {
		if err := r.runEntity(ctx, st, e); err != nil {
			log.Printf("ingest: table %s: %v", e.Table.Name, err)
			errs = append(errs, fmt.Errorf("table %s: %w", e.Table.Name, err))
			continue
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ingest: %w", errors.Join(errs...))
	}
	return nil
}

// runEntity ingests one entity and records exactly one ingest_runs_total
// increment, whichever path the run exits through.
func (r *Runner) runEntity(ctx context.Context, st storage.Store, e Entity) error {
	err := r.ingestEntity(ctx, st, e)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IncCounter("ingest_runs_total", 1, metrics.Labels{"table": e.Table.Name, "status": status})
	return err
}

func (r *Runner) ingestEntity(ctx context.Context, st storage.Store, e Entity) error {
	start := time.Now()
	tableLabels := metrics.Labels{"table": e.Table.Name}

	rows, err := task.RunValue(ctx, "read "+e.Path, r.ReadRetry, func(context.Context) ([]record.Row, error) {
		return csv.ReadTableRows(e.Path, e.Table, e.CSV)
	})
	if err != nil {
		return err
	}
	metrics.IncCounter("ingest_rows_total", float64(len(rows)), metrics.Labels{"table": e.Table.Name, "kind": "read"})

	if dups := record.CountDuplicateKeys(rows, e.Table.NaturalKey); dups > 0 {
		log.Printf("ingest: table %s: %d rows repeat an earlier natural key in this batch", e.Table.Name, dups)
		metrics.IncCounter("ingest_rows_total", float64(dups), metrics.Labels{"table": e.Table.Name, "kind": "duplicate"})
	}

	keys, err := batchKeys(rows, e.Table.NaturalKey)
	if err != nil {
		return err
	}

	existing, err := st.SelectExisting(ctx, e.Table, keys)
	if err != nil {
		return err
	}

	updates, inserts, err := record.Partition(rows, e.Table.NaturalKey, existing)
	if err != nil {
		return err
	}

	log.Printf("ingest: table %s: read %d rows, %d updates, %d inserts",
		e.Table.Name, len(rows), len(updates), len(inserts))

	if err := st.ApplyBatch(ctx, e.Table, updates, inserts); err != nil {
		return err
	}

	metrics.IncCounter("ingest_rows_total", float64(len(updates)), metrics.Labels{"table": e.Table.Name, "kind": "updated"})
	metrics.IncCounter("ingest_rows_total", float64(len(inserts)), metrics.Labels{"table": e.Table.Name, "kind": "inserted"})
	metrics.ObserveHistogram("ingest_batch_duration_seconds", time.Since(start).Seconds(), tableLabels)
	return nil
}

// batchKeys extracts normalized natural-key parts for every row, deduplicated
// in first-seen order so the lookup query carries each key once.
func batchKeys(rows []record.Row, keyCols []string) ([][]string, error) {
	seen := make(map[string]bool, len(rows))
	keys := make([][]string, 0, len(rows))
	for _, row := range rows {
		parts, err := record.KeyParts(row, keyCols)
		if err != nil {
			return nil, err
		}
		joined := record.JoinKey(parts)
		if seen[joined] {
			continue
		}
		seen[joined] = true
		keys = append(keys, parts)
	}
	return keys, nil
}
