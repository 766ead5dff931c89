package sqlite

import (
	"fmt"
	"strings"

	"ingest/internal/record"
	"ingest/internal/schema"
)

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func renderType(t schema.Type) (string, error) {
	switch t {
	case schema.TypeString:
		return "TEXT", nil
	case schema.TypeInteger:
		return "INTEGER", nil
	case schema.TypeFloat:
		return "REAL", nil
	case schema.TypeTimestamp:
		// Stored as RFC3339Nano text; see package doc.
		return "TEXT", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported column type %q", t)
	}
}

func buildCreateTableSQL(t schema.Table) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("sqlite: table name is empty")
	}

	cols := make([]string, 0, len(t.Columns)+1)
	cols = append(cols, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", sqlIdent(t.PrimaryKey)))
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("sqlite: table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", sqlIdent(t.Name), strings.Join(cols, ", ")), nil
}

func buildColumnDef(c schema.Column) (string, error) {
	typ, err := renderType(c.Type)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(sqlIdent(c.Name))
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
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", sqlIdent(table), def), nil
}

func buildDropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", sqlIdent(table), sqlIdent(column))
}

func buildSelectExistingSQL(t schema.Table, keys [][]string) (string, []any, error) {
	if len(t.NaturalKey) == 0 {
		return "", nil, fmt.Errorf("sqlite: table %s has no natural key", t.Name)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(sqlIdent(t.PrimaryKey))
	for _, c := range t.Columns {
		b.WriteString(", ")
		b.WriteString(sqlIdent(c.Name))
	}
	b.WriteString(" FROM ")
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(keys)*len(t.NaturalKey))

	if len(t.NaturalKey) == 1 {
		b.WriteString(sqlIdent(t.NaturalKey[0]))
		b.WriteString(" IN (")
		for i, k := range keys {
			if len(k) != 1 {
				return "", nil, fmt.Errorf("sqlite: key %d has %d parts, want 1", i, len(k))
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, k[0])
		}
		b.WriteString(")")
		return b.String(), args, nil
	}

	for i, k := range keys {
		if len(k) != len(t.NaturalKey) {
			return "", nil, fmt.Errorf("sqlite: key %d has %d parts, want %d", i, len(k), len(t.NaturalKey))
		}
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, col := range t.NaturalKey {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(sqlIdent(col))
			b.WriteString(" = ?")
			args = append(args, k[j])
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}

func buildUpdateSQL(t schema.Table, u record.Update) (q string, args []any, ok bool) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" SET ")

	n := 0
	for _, c := range t.Columns {
		v, present := u.Fields[c.Name]
		if !present {
			continue
		}
		if n > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c.Name))
		b.WriteString(" = ?")
		args = append(args, bindValue(v))
		n++
	}
	if n == 0 {
		return "", nil, false
	}

	b.WriteString(" WHERE ")
	b.WriteString(sqlIdent(t.PrimaryKey))
	b.WriteString(" = ?")
	args = append(args, u.ID)

	return b.String(), args, true
}

func buildInsertSQL(t schema.Table, rows []record.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c.Name))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(t.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range t.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, bindValue(row[c.Name]))
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}
