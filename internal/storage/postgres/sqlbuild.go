package postgres

import (
	"fmt"
	"strings"

	"ingest/internal/record"
	"ingest/internal/schema"
)

// pgIdent quotes an identifier for Postgres.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// renderType maps a logical column type to its Postgres DDL type.
func renderType(t schema.Type) (string, error) {
	switch t {
	case schema.TypeString:
		return "text", nil
	case schema.TypeInteger:
		return "bigint", nil
	case schema.TypeFloat:
		return "double precision", nil
	case schema.TypeTimestamp:
		return "timestamptz", nil
	default:
		return "", fmt.Errorf("postgres: unsupported column type %q", t)
	}
}

// The builders below are pure and deterministic so correctness (placeholder
// numbering, clause composition) is unit-testable without a database.

// buildCreateTableSQL renders the full CREATE TABLE for a declared table.
// The surrogate key is a bigserial primary key; callers never supply it.
func buildCreateTableSQL(t schema.Table) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("postgres: table name is empty")
	}

	cols := make([]string, 0, len(t.Columns)+1)
	cols = append(cols, fmt.Sprintf("%s bigserial PRIMARY KEY", pgIdent(t.PrimaryKey)))
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("postgres: table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", pgIdent(t.Name), strings.Join(cols, ", ")), nil
}

// buildColumnDef renders "<name> <type> [NOT NULL] [DEFAULT ...]".
func buildColumnDef(c schema.Column) (string, error) {
	typ, err := renderType(c.Type)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String(), nil
}

func buildAddColumnSQL(table string, c schema.Column) (string, error) {
	def, err := buildColumnDef(c)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", pgIdent(table), def), nil
}

func buildDropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", pgIdent(table), pgIdent(column))
}

// buildSelectExistingSQL renders the one-query natural-key lookup.
//
// Selected columns are the surrogate key followed by every declared column.
// Single-column keys use a parameterized IN list. Composite keys use a
// disjunction of per-pair equality conditions: Postgres has row-value IN,
// but the disjunction form keeps the statement identical in shape across
// backends that lack it.
func buildSelectExistingSQL(t schema.Table, keys [][]string) (string, []any, error) {
	if len(t.NaturalKey) == 0 {
		return "", nil, fmt.Errorf("postgres: table %s has no natural key", t.Name)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(pgIdent(t.PrimaryKey))
	for _, c := range t.Columns {
		b.WriteString(", ")
		b.WriteString(pgIdent(c.Name))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(keys)*len(t.NaturalKey))
	p := 1

	if len(t.NaturalKey) == 1 {
		b.WriteString(pgIdent(t.NaturalKey[0]))
		b.WriteString(" IN (")
		for i, k := range keys {
			if len(k) != 1 {
				return "", nil, fmt.Errorf("postgres: key %d has %d parts, want 1", i, len(k))
			}
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, k[0])
			p++
		}
		b.WriteString(")")
		return b.String(), args, nil
	}

	for i, k := range keys {
		if len(k) != len(t.NaturalKey) {
			return "", nil, fmt.Errorf("postgres: key %d has %d parts, want %d", i, len(k), len(t.NaturalKey))
		}
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, col := range t.NaturalKey {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(pgIdent(col))
			fmt.Fprintf(&b, " = $%d", p)
			args = append(args, k[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}

// buildUpdateSQL renders the per-record UPDATE for an upsert batch. Only the
// fields present in the payload are assigned, walked in declared column
// order for deterministic SQL. Returns ok=false when the payload mentions no
// declared column.
func buildUpdateSQL(t schema.Table, u record.Update) (sql string, args []any, ok bool) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" SET ")

	p := 1
	for _, c := range t.Columns {
		v, present := u.Fields[c.Name]
		if !present {
			continue
		}
		if p > 1 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
		fmt.Fprintf(&b, " = $%d", p)
		args = append(args, v)
		p++
	}
	if p == 1 {
		return "", nil, false
	}

	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(t.PrimaryKey))
	fmt.Fprintf(&b, " = $%d", p)
	args = append(args, u.ID)

	return b.String(), args, true
}

// buildInsertSQL renders one multi-row INSERT for the insert group. Every
// declared column is listed; fields absent from a row insert as NULL. The
// surrogate key is never part of the column list.
func buildInsertSQL(t schema.Table, rows []record.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(t.Columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range t.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[c.Name])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}
