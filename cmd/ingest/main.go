package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ingest/internal/config"
	"ingest/internal/dbsync"
	"ingest/internal/ingest"
	"ingest/internal/metrics"
	"ingest/internal/metrics/datadog"
	"ingest/internal/parser/csv"
	"ingest/internal/storage"

	// register all backends with the storage factory.
	_ "ingest/internal/storage/all"
)

// main is the entry point for the ingest binary. It loads the run config,
// optionally initializes a metrics backend, syncs the database schema and
// then ingests the source files.
func main() {
	def := config.Default()

	var (
		run               config.Run
		keepExtraColumns  bool
		encoding          string
		metricsBackendFlg string
		jobName           string
		validate          bool
	)

	flag.StringVar(&run.Kind, "db-kind", def.Kind, "storage backend (postgres, sqlite, mssql)")
	flag.StringVar(&run.DSN, "dsn", os.Getenv("DATABASE_URL"), "server connection string (overrides env DATABASE_URL)")
	flag.StringVar(&run.DBName, "db-name", def.DBName, "target database name")
	flag.StringVar(&run.OrdersPath, "orders", def.OrdersPath, "orders CSV path")
	flag.StringVar(&run.InventoriesPath, "inventories", def.InventoriesPath, "inventories CSV path")
	flag.BoolVar(&keepExtraColumns, "keep-extra-columns", false, "keep live columns absent from the declared schema")
	flag.StringVar(&encoding, "encoding", "", "source file encoding (utf-8, windows-1252, latin-1)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (datadog, none)")
	flag.StringVar(&jobName, "job", "ingest", "job name for metrics tags")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	run.DropExtraColumns = !keepExtraColumns

	issues := config.ValidateRun(run)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasError(issues) {
		log.Fatalf("configuration is invalid")
	}
	if validate {
		log.Printf("configuration is valid")
		os.Exit(0)
	}

	// Decide metrics backend: flag → env → none.
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "datadog":
		extraTags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: jobName,
			Tags:    extraTags,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=%v job=%v tags=%v", backendName, jobName, extraTags)
			metrics.SetBackend(b)
			// Close stops the periodic flush loop and performs a final Flush.
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}

	case "", "none":
		if *verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	ctx := context.Background()
	start := time.Now()

	cfg := storage.Config{Kind: run.Kind, DSN: os.ExpandEnv(run.DSN)}

	syncer := dbsync.NewDefaultSyncer()
	syncer.DropExtraColumns = run.DropExtraColumns
	if err := syncer.Run(ctx, cfg, run.DBName); err != nil {
		log.Fatalf("%v", err)
	}

	entities := ingest.DefaultEntities(run.OrdersPath, run.InventoriesPath)
	for i := range entities {
		entities[i].CSV = csv.Options{Encoding: encoding}
	}

	dataCfg := cfg.WithDatabase(run.DBName)
	if err := ingest.NewDefaultRunner().Run(ctx, dataCfg, entities); err != nil {
		log.Fatalf("%v", err)
	}

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
}
