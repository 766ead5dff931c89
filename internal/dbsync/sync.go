// Package dbsync reconciles the live database with the declared schema
// before ingestion runs: make sure the database exists, then create or
// migrate each declared table.
//
// The run walks a small state machine (db_check, db_create, table_sync,
// done) so every step lands in logs and metrics under a stable name. Only
// idempotent steps retry; CREATE DATABASE and migration DDL get exactly one
// attempt.
package dbsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ingest/internal/metrics"
	"ingest/internal/schema"
	"ingest/internal/storage"
	"ingest/internal/task"
)

type state int

const (
	stateDBCheck state = iota
	stateDBCreate
	stateTableSync
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateDBCheck:
		return "db_check"
	case stateDBCreate:
		return "db_create"
	case stateTableSync:
		return "table_sync"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Syncer drives schema reconciliation for one target database.
type Syncer struct {
	// NewStore is a storage-agnostic factory seam.
	NewStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)

	// ConnectRetry bounds store construction, CheckRetry the database
	// existence probe. Both steps are idempotent.
	ConnectRetry task.Options
	CheckRetry   task.Options

	// DropExtraColumns controls whether live columns absent from the
	// declared schema are removed. When false they are logged and kept.
	DropExtraColumns bool

	// Tables is the declared schema to reconcile against.
	Tables []schema.Table
}

func NewDefaultSyncer() *Syncer {
	return &Syncer{
		NewStore:         storage.New,
		ConnectRetry:     task.Options{Attempts: 3, Delay: 5 * time.Second},
		CheckRetry:       task.Options{Attempts: 2},
		DropExtraColumns: true,
		Tables:           schema.Declared(),
	}
}

// Run reconciles the named database on the server cfg points at. Tables sync
// independently: a failing table does not stop the others, but any failure
// fails the run.
func (s *Syncer) Run(ctx context.Context, cfg storage.Config, dbName string) error {
	st := stateDBCheck
	for {
		log.Printf("dbsync: state %s", st)
		// The switch advances st on success; keep the entered state's name
		// for step accounting.
		step := st.String()
		var err error
		switch st {
		case stateDBCheck:
			var exists bool
			exists, err = s.checkDatabase(ctx, cfg, dbName)
			if err == nil {
				if exists {
					st = stateTableSync
				} else {
					st = stateDBCreate
				}
			}
		case stateDBCreate:
			err = s.createDatabase(ctx, cfg, dbName)
			if err == nil {
				st = stateTableSync
			}
		case stateTableSync:
			err = s.syncTables(ctx, cfg.WithDatabase(dbName))
			if err == nil {
				st = stateDone
			}
		case stateDone:
			metrics.IncCounter("sync_runs_total", 1, metrics.Labels{"status": "ok"})
			return nil
		}
		if err != nil {
			log.Printf("dbsync: state %s: %v", step, err)
			metrics.IncCounter("sync_step_total", 1, metrics.Labels{"step": step, "status": "error"})
			metrics.IncCounter("sync_runs_total", 1, metrics.Labels{"status": "failed"})
			return fmt.Errorf("dbsync: %s: %w", step, err)
		}
		metrics.IncCounter("sync_step_total", 1, metrics.Labels{"step": step, "status": "ok"})
	}
}

// checkDatabase opens an administrative connection to the server and probes
// for the named database.
func (s *Syncer) checkDatabase(ctx context.Context, cfg storage.Config, dbName string) (bool, error) {
	admin, err := s.openStore(ctx, cfg)
	if err != nil {
		return false, err
	}
	defer admin.Close()

	return task.RunValue(ctx, "check database "+dbName, s.CheckRetry, func(ctx context.Context) (bool, error) {
		return admin.DatabaseExists(ctx, dbName)
	})
}

// createDatabase creates the named database. Exactly one attempt: retrying
// after a partial failure risks racing a create that actually went through.
func (s *Syncer) createDatabase(ctx context.Context, cfg storage.Config, dbName string) error {
	admin, err := s.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer admin.Close()

	return admin.CreateDatabase(ctx, dbName)
}

func (s *Syncer) syncTables(ctx context.Context, cfg storage.Config) error {
	st, err := s.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var errs []error
	for _, t := range s.Tables {
		if err := s.syncTable(ctx, st, t); err != nil {
			log.Printf("dbsync: table %s: %v", t.Name, err)
			errs = append(errs, fmt.Errorf("table %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) syncTable(ctx context.Context, st storage.Store, t schema.Table) error {
	live, err := st.LiveColumns(ctx, t.Name)
	if err != nil {
		return err
	}

	diff := schema.Diff(t, live)
	switch {
	case diff.TableMissing:
		log.Printf("dbsync: creating table %s", t.Name)
		if err := st.CreateTable(ctx, t); err != nil {
			return err
		}
		metrics.IncCounter("sync_tables_total", 1, metrics.Labels{"table": t.Name, "action": "created"})

	case diff.Empty():
		log.Printf("dbsync: table %s is in sync", t.Name)
		metrics.IncCounter("sync_tables_total", 1, metrics.Labels{"table": t.Name, "action": "unchanged"})

	default:
		drop := diff.Drop
		if !s.DropExtraColumns && len(drop) > 0 {
			log.Printf("dbsync: table %s: keeping %d undeclared columns %v", t.Name, len(drop), drop)
			drop = nil
		}
		if len(diff.Add) == 0 && len(drop) == 0 {
			metrics.IncCounter("sync_tables_total", 1, metrics.Labels{"table": t.Name, "action": "unchanged"})
			return nil
		}
		log.Printf("dbsync: migrating table %s: %d adds, %d drops", t.Name, len(diff.Add), len(drop))
		if err := st.MigrateTable(ctx, t, diff.Add, drop); err != nil {
			return err
		}
		metrics.IncCounter("sync_tables_total", 1, metrics.Labels{"table": t.Name, "action": "migrated"})
	}
	return nil
}

func (s *Syncer) openStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	newStore := s.NewStore
	if newStore == nil {
		newStore = storage.New
	}
	return task.RunValue(ctx, "open store "+cfg.Kind, s.ConnectRetry, func(ctx context.Context) (storage.Store, error) {
		return newStore(ctx, cfg)
	})
}
