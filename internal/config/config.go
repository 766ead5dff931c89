// Package config holds the run configuration for the ingest binary and its
// validation.
package config

import "fmt"

// Run configures one sync+ingest run.
type Run struct {
	// Kind selects the storage backend ("postgres", "sqlite", "mssql").
	Kind string

	// DSN is the server connection string. The target database name is not
	// part of it; storage.Config.WithDatabase attaches DBName per dialect.
	DSN string

	// DBName is the database created and ingested into.
	DBName string

	OrdersPath      string
	InventoriesPath string

	// DropExtraColumns removes live columns absent from the declared schema
	// during sync.
	DropExtraColumns bool
}

// Default returns the baseline configuration before flags and environment
// are applied.
func Default() Run {
	return Run{
		Kind:             "postgres",
		DBName:           "data_app",
		OrdersPath:       "data/orders.csv",
		InventoriesPath:  "data/inventory.csv",
		DropExtraColumns: true,
	}
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Warnings do not block a run.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

var knownKinds = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"mssql":    true,
}

// ValidateRun reports everything wrong or suspicious about a run config.
func ValidateRun(r Run) []Issue {
	var issues []Issue

	addErr := func(path, msg string) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: msg})
	}
	addWarn := func(path, msg string) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: msg})
	}

	if r.Kind == "" {
		addErr("kind", "storage kind must be set")
	} else if !knownKinds[r.Kind] {
		addErr("kind", fmt.Sprintf("unknown storage kind %q", r.Kind))
	}

	if r.DSN == "" {
		addErr("dsn", "connection string must be set (flag -dsn or env DATABASE_URL)")
	}

	if r.DBName == "" {
		if r.Kind == "sqlite" {
			addWarn("db-name", "database name is empty; sqlite uses the DSN path directly")
		} else {
			addErr("db-name", "database name must be set")
		}
	}

	if r.OrdersPath == "" {
		addErr("orders", "orders source path must be set")
	}
	if r.InventoriesPath == "" {
		addErr("inventories", "inventories source path must be set")
	}

	if r.Kind == "sqlite" && r.DBName != "" {
		addWarn("db-name", "sqlite ignores the database name; the DSN path is the database")
	}

	return issues
}

// HasError reports whether any issue is an error.
func HasError(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
