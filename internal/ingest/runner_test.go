package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ingest/internal/metrics"
	"ingest/internal/record"
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
	c.counts[name+"{"+labels["table"]+"/"+labels["status"]+labels["kind"]+"}"] += delta
}

func (c *captureBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (c *captureBackend) Flush() error                                     { return nil }

func (c *captureBackend) count(key string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

const ordersHeader = "OrderId,ProductId,Currency,Quantity,ShippingCost,Amount,Channel,ChannelGroup,Campaign,DateTime\n"

func newOrdersStore(t *testing.T) (storage.Config, schema.Table) {
	t.Helper()
	ctx := context.Background()

	cfg := storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "data.db")}
	orders := schema.Declared()[0]

	st, err := storage.New(ctx, cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer st.Close()
	if err := st.CreateTable(ctx, orders); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return cfg, orders
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func lookup(t *testing.T, cfg storage.Config, table schema.Table, keys [][]string) map[string]record.Existing {
	t.Helper()
	ctx := context.Background()

	st, err := storage.New(ctx, cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer st.Close()

	got, err := st.SelectExisting(ctx, table, keys)
	if err != nil {
		t.Fatalf("SelectExisting: %v", err)
	}
	return got
}

func testRunner() *Runner {
	r := NewDefaultRunner()
	r.ReadRetry = task.Options{Attempts: 2}
	return r
}

func TestRunIngestsThenReconcilesOnSecondRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, orders := newOrdersStore(t)
	dir := t.TempDir()

	v1 := ordersHeader +
		"1001,55,EUR,2,4.5,19.99,web,organic,spring,2024-01-01T00:00:00Z\n" +
		"1002,56,EUR,1,0,9.99,web,organic,,2024-01-02T00:00:00Z\n"
	path := writeCSV(t, dir, "orders.csv", v1)

	r := testRunner()
	entities := []Entity{{Table: orders, Path: path}}
	if err := r.Run(ctx, cfg, entities); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	keys := [][]string{{"1001", "55"}, {"1002", "56"}, {"1003", "57"}}
	got := lookup(t, cfg, orders, keys)
	if len(got) != 2 {
		t.Fatalf("after first run: %d rows, want 2", len(got))
	}
	firstID := got[record.JoinKey([]string{"1001", "55"})].ID

	// Same order with a new quantity plus one new order. The second export
	// dropped the Campaign column entirely.
	v2 := "OrderId,ProductId,Currency,Quantity,ShippingCost,Amount,Channel,ChannelGroup,DateTime\n" +
		"1001,55,EUR,3,4.5,29.99,web,organic,2024-01-01T00:00:00Z\n" +
		"1003,57,USD,1,0,5.00,app,paid,2024-01-03T00:00:00Z\n"
	writeCSV(t, dir, "orders.csv", v2)

	if err := r.Run(ctx, cfg, entities); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	got = lookup(t, cfg, orders, keys)
	if len(got) != 3 {
		t.Fatalf("after second run: %d rows, want 3", len(got))
	}

	reconciled := got[record.JoinKey([]string{"1001", "55"})]
	if reconciled.ID != firstID {
		t.Fatalf("surrogate id changed across runs: %d -> %d", firstID, reconciled.ID)
	}
	if q := reconciled.Fields["quantity"]; q != int64(3) {
		t.Fatalf("quantity = %v, want 3", q)
	}
	// Fields absent from the second file keep their stored value.
	if c := reconciled.Fields["campaign"]; c != "spring" {
		t.Fatalf("campaign = %v, want spring", c)
	}
}

func TestRunRereadingSameFileIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, orders := newOrdersStore(t)
	dir := t.TempDir()

	path := writeCSV(t, dir, "orders.csv", ordersHeader+
		"1001,55,EUR,2,4.5,19.99,web,organic,spring,2024-01-01T00:00:00Z\n")

	r := testRunner()
	entities := []Entity{{Table: orders, Path: path}}
	for i := 0; i < 3; i++ {
		if err := r.Run(ctx, cfg, entities); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	got := lookup(t, cfg, orders, [][]string{{"1001", "55"}})
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
}

func TestRunFailsButOtherEntitiesStillIngest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, orders := newOrdersStore(t)
	dir := t.TempDir()

	good := writeCSV(t, dir, "orders.csv", ordersHeader+
		"1001,55,EUR,2,4.5,19.99,web,organic,spring,2024-01-01T00:00:00Z\n")
	missing := filepath.Join(dir, "no-such-file.csv")

	r := testRunner()
	err := r.Run(ctx, cfg, []Entity{
		{Table: orders, Path: missing},
		{Table: orders, Path: good},
	})
	if err == nil {
		t.Fatalf("expected error for missing source file")
	}
	if !strings.Contains(err.Error(), "no-such-file.csv") {
		t.Fatalf("error does not name the failing source: %v", err)
	}

	// The healthy entity was still applied.
	got := lookup(t, cfg, orders, [][]string{{"1001", "55"}})
	if len(got) != 1 {
		t.Fatalf("healthy entity was not ingested: %d rows", len(got))
	}
}

func TestRunRejectsRowsWithoutNaturalKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, orders := newOrdersStore(t)
	dir := t.TempDir()

	path := writeCSV(t, dir, "orders.csv", ordersHeader+
		",55,EUR,2,4.5,19.99,web,organic,spring,2024-01-01T00:00:00Z\n")

	r := testRunner()
	err := r.Run(ctx, cfg, []Entity{{Table: orders, Path: path}})
	if err == nil {
		t.Fatalf("expected error for row without natural key")
	}

	got := lookup(t, cfg, orders, [][]string{{"1001", "55"}})
	if len(got) != 0 {
		t.Fatalf("nothing should have been written, got %d rows", len(got))
	}
}

func TestEveryFailedEntityRunCountsAsError(t *testing.T) {
	// Not parallel: installs a process-wide metrics backend.
	ctx := context.Background()

	capture := newCaptureBackend()
	metrics.SetBackend(capture)
	defer metrics.SetBackend(nil)

	cfg, orders := newOrdersStore(t)
	dir := t.TempDir()

	// Read succeeds; the run fails later, at key extraction.
	path := writeCSV(t, dir, "orders.csv", ordersHeader+
		",55,EUR,2,4.5,19.99,web,organic,spring,2024-01-01T00:00:00Z\n")

	r := testRunner()
	if err := r.Run(ctx, cfg, []Entity{{Table: orders, Path: path}}); err == nil {
		t.Fatalf("expected error for row without natural key")
	}

	if got := capture.count("ingest_runs_total{orders/error}"); got != 1 {
		t.Fatalf("ingest_runs_total{orders/error} = %v, want 1", got)
	}
	if got := capture.count("ingest_runs_total{orders/ok}"); got != 0 {
		t.Fatalf("ingest_runs_total{orders/ok} = %v, want 0", got)
	}

	// A healthy run lands exactly one ok increment.
	good := writeCSV(t, dir, "good.csv", ordersHeader+
		"1001,55,EUR,2,4.5,19.99,web,organic,spring,2024-01-01T00:00:00Z\n")
	if err := r.Run(ctx, cfg, []Entity{{Table: orders, Path: good}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := capture.count("ingest_runs_total{orders/ok}"); got != 1 {
		t.Fatalf("ingest_runs_total{orders/ok} = %v, want 1", got)
	}
}

func TestDefaultEntitiesBindDeclaredTables(t *testing.T) {
	t.Parallel()

	entities := DefaultEntities("a.csv", "b.csv")
	if len(entities) != 2 {
		t.Fatalf("got %d entities", len(entities))
	}
	if entities[0].Table.Name != "orders" || entities[0].Path != "a.csv" {
		t.Fatalf("orders entity wrong: %+v", entities[0])
	}
	if entities[1].Table.Name != "inventories" || entities[1].Path != "b.csv" {
		t.Fatalf("inventories entity wrong: %+v", entities[1])
	}
}

func TestReadRetryRecoversFromTransientReadFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, orders := newOrdersStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.csv")

	// First attempt fails on the missing file; the file appears before the
	// retry fires.
	r := testRunner()
	r.ReadRetry = task.Options{Attempts: 2, Delay: 200 * time.Millisecond}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte(ordersHeader+
			"1001,55,EUR,2,4.5,19.99,web,organic,spring,2024-01-01T00:00:00Z\n"), 0o644)
	}()

	if err := r.Run(ctx, cfg, []Entity{{Table: orders, Path: path}}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := lookup(t, cfg, orders, [][]string{{"1001", "55"}})
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
}
