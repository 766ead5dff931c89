package dbsync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"ingest/internal/metrics"
	"ingest/internal/schema"
	"ingest/internal/storage"
	_ "ingest/internal/storage/sqlite"
	"ingest/internal/task"
)

type captureBackend struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCaptureBackend() *captureBackend {
	return &captureBackend{counts: map[string]float64{}}
}

func (c *captureBackend) IncCounter(name string, delta float64, labels metrics.Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name+"{"+labels["step"]+"/"+labels["status"]+"}"] += delta
}

func (c *captureBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (c *captureBackend) Flush() error                                     { return nil }

func (c *captureBackend) count(key string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func testConfig(t *testing.T) storage.Config {
	t.Helper()
	return storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "data.db")}
}

func testSyncer() *Syncer {
	s := NewDefaultSyncer()
	s.ConnectRetry = task.Options{Attempts: 3}
	s.CheckRetry = task.Options{Attempts: 2}
	return s
}

func liveColumns(t *testing.T, cfg storage.Config, table string) map[string]schema.LiveColumn {
	t.Helper()
	ctx := context.Background()

	st, err := storage.New(ctx, cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer st.Close()

	live, err := st.LiveColumns(ctx, table)
	if err != nil {
		t.Fatalf("LiveColumns: %v", err)
	}
	return live
}

func TestRunCreatesAllDeclaredTables(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	if err := testSyncer().Run(ctx, cfg, "data_app"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, tbl := range schema.Declared() {
		live := liveColumns(t, cfg, tbl.Name)
		if len(live) == 0 {
			t.Fatalf("table %s was not created", tbl.Name)
		}
		for _, c := range tbl.Columns {
			if _, ok := live[c.Name]; !ok {
				t.Fatalf("table %s is missing column %s", tbl.Name, c.Name)
			}
		}
		if _, ok := live[tbl.PrimaryKey]; !ok {
			t.Fatalf("table %s is missing surrogate key %s", tbl.Name, tbl.PrimaryKey)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	s := testSyncer()
	for i := 0; i < 2; i++ {
		if err := s.Run(ctx, cfg, "data_app"); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
}

func TestRunMigratesDriftedTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	orders := schema.Declared()[0]

	// Seed a live table missing one declared column and carrying an extra.
	drifted := orders
	drifted.Columns = append([]schema.Column(nil), orders.Columns...)
	for i, c := range drifted.Columns {
		if c.Name == "campaign" {
			drifted.Columns = append(drifted.Columns[:i], drifted.Columns[i+1:]...)
			break
		}
	}
	drifted.Columns = append(drifted.Columns, schema.Column{Name: "legacy_note", Type: schema.TypeString, Nullable: true})

	st, err := storage.New(ctx, cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := st.CreateTable(ctx, drifted); err != nil {
		st.Close()
		t.Fatalf("CreateTable: %v", err)
	}
	st.Close()

	if err := testSyncer().Run(ctx, cfg, "data_app"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	live := liveColumns(t, cfg, "orders")
	if _, ok := live["campaign"]; !ok {
		t.Fatalf("declared column campaign was not added")
	}
	if _, ok := live["legacy_note"]; ok {
		t.Fatalf("undeclared column legacy_note was not dropped")
	}
}

func TestRunKeepsExtraColumnsWhenDropDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	orders := schema.Declared()[0]

	drifted := orders
	drifted.Columns = append(append([]schema.Column(nil), orders.Columns...),
		schema.Column{Name: "legacy_note", Type: schema.TypeString, Nullable: true})

	st, err := storage.New(ctx, cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := st.CreateTable(ctx, drifted); err != nil {
		st.Close()
		t.Fatalf("CreateTable: %v", err)
	}
	st.Close()

	s := testSyncer()
	s.DropExtraColumns = false
	if err := s.Run(ctx, cfg, "data_app"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	live := liveColumns(t, cfg, "orders")
	if _, ok := live["legacy_note"]; !ok {
		t.Fatalf("legacy_note should have been kept")
	}
}

func TestRunSyncsRemainingTablesWhenOneFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)

	s := testSyncer()
	s.Tables = []schema.Table{
		{
			Name:       "broken",
			PrimaryKey: "id",
			NaturalKey: []string{"code"},
			Columns:    []schema.Column{{Name: "code", Type: schema.Type("bogus")}},
		},
		schema.Declared()[1],
	}

	err := s.Run(ctx, cfg, "data_app")
	if err == nil {
		t.Fatalf("expected error from the broken table")
	}

	// The healthy table was still created.
	live := liveColumns(t, cfg, "inventories")
	if len(live) == 0 {
		t.Fatalf("inventories was not created despite broken sibling")
	}
}

func TestRunAttributesStepMetricsToTheEnteredState(t *testing.T) {
	// Not parallel: installs a process-wide metrics backend.
	ctx := context.Background()

	capture := newCaptureBackend()
	metrics.SetBackend(capture)
	defer metrics.SetBackend(nil)

	cfg := testConfig(t)
	if err := testSyncer().Run(ctx, cfg, "data_app"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := capture.count("sync_step_total{db_check/ok}"); got != 1 {
		t.Fatalf("sync_step_total{db_check/ok} = %v, want 1", got)
	}
	if got := capture.count("sync_step_total{table_sync/ok}"); got != 1 {
		t.Fatalf("sync_step_total{table_sync/ok} = %v, want 1", got)
	}
	// done is terminal and not a step; db_create never ran (sqlite reports
	// the database as existing).
	for _, key := range []string{
		"sync_step_total{done/ok}",
		"sync_step_total{db_create/ok}",
	} {
		if got := capture.count(key); got != 0 {
			t.Fatalf("%s = %v, want 0", key, got)
		}
	}
	if got := capture.count("sync_runs_total{/ok}"); got != 1 {
		t.Fatalf("sync_runs_total{status=ok} = %v, want 1", got)
	}
}

func TestRunRetriesStoreConstruction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	attempts := 0

	s := testSyncer()
	s.NewStore = func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient connect failure")
		}
		return storage.New(ctx, cfg)
	}

	if err := s.Run(ctx, cfg, "data_app"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts < 2 {
		t.Fatalf("store construction was not retried, attempts = %d", attempts)
	}
}
