package storage

import "testing"

func TestWithDatabase_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		db   string
		want string
	}{
		{
			name: "postgres plain",
			cfg:  Config{Kind: "postgres", DSN: "postgres://user@host:5432"},
			db:   "data_app",
			want: "postgres://user@host:5432/data_app",
		},
		{
			name: "postgres trailing slash",
			cfg:  Config{Kind: "postgres", DSN: "postgres://user@host:5432/"},
			db:   "data_app",
			want: "postgres://user@host:5432/data_app",
		},
		{
			name: "postgres with query parameters",
			cfg:  Config{Kind: "postgres", DSN: "postgres://user@host:5432?sslmode=disable"},
			db:   "data_app",
			want: "postgres://user@host:5432/data_app?sslmode=disable",
		},
		{
			name: "mssql without query",
			cfg:  Config{Kind: "mssql", DSN: "sqlserver://sa@host:1433"},
			db:   "data_app",
			want: "sqlserver://sa@host:1433?database=data_app",
		},
		{
			name: "mssql with existing query",
			cfg:  Config{Kind: "mssql", DSN: "sqlserver://sa@host:1433?encrypt=true"},
			db:   "data_app",
			want: "sqlserver://sa@host:1433?encrypt=true&database=data_app",
		},
		{
			name: "sqlite passes through",
			cfg:  Config{Kind: "sqlite", DSN: "/var/data/data.db"},
			db:   "data_app",
			want: "/var/data/data.db",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := tt.cfg.WithDatabase(tt.db)
			if got.DSN != tt.want {
				t.Fatalf("DSN = %q, want %q", got.DSN, tt.want)
			}
			if got.Kind != tt.cfg.Kind {
				t.Fatalf("Kind changed: %q", got.Kind)
			}
		})
	}
}
