package mssql

import (
	"fmt"
	"strings"

	"ingest/internal/record"
	"ingest/internal/schema"
)

// msIdent quotes an identifier with T-SQL brackets.
func msIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

func renderType(t schema.Type) (string, error) {
	switch t {
	case schema.TypeString:
		return "nvarchar(max)", nil
	case schema.TypeInteger:
		return "bigint", nil
	case schema.TypeFloat:
		return "float", nil
	case schema.TypeTimestamp:
		return "datetime2", nil
	default:
		return "", fmt.Errorf("mssql: unsupported column type %q", t)
	}
}

// buildCreateTableSQL renders an existence-guarded CREATE TABLE; T-SQL has
// no CREATE TABLE IF NOT EXISTS.
func buildCreateTableSQL(t schema.Table) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	cols := make([]string, 0, len(t.Columns)+1)
	cols = append(cols, fmt.Sprintf("%s bigint IDENTITY(1,1) PRIMARY KEY", msIdent(t.PrimaryKey)))
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s);",
		strings.ReplaceAll(t.Name, "'", "''"), msIdent(t.Name), strings.Join(cols, ", ")), nil
}

func buildColumnDef(c schema.Column) (string, error) {
	typ, err := renderType(c.Type)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(msIdent(c.Name))
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
	// T-SQL spells it ADD, not ADD COLUMN.
	return fmt.Sprintf("ALTER TABLE %s ADD %s;", msIdent(table), def), nil
}

func buildDropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", msIdent(table), msIdent(column))
}

func buildSelectExistingSQL(t schema.Table, keys [][]string) (string, []any, error) {
	if len(t.NaturalKey) == 0 {
		return "", nil, fmt.Errorf("mssql: table %s has no natural key", t.Name)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(msIdent(t.PrimaryKey))
	for _, c := range t.Columns {
		b.WriteString(", ")
		b.WriteString(msIdent(c.Name))
	}
	b.WriteString(" FROM ")
	b.WriteString(msIdent(t.Name))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(keys)*len(t.NaturalKey))
	p := 1

	if len(t.NaturalKey) == 1 {
		b.WriteString(msIdent(t.NaturalKey[0]))
		b.WriteString(" IN (")
		for i, k := range keys {
			if len(k) != 1 {
				return "", nil, fmt.Errorf("mssql: key %d has %d parts, want 1", i, len(k))
			}
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, k[0])
			p++
		}
		b.WriteString(")")
		return b.String(), args, nil
	}

	for i, k := range keys {
		if len(k) != len(t.NaturalKey) {
			return "", nil, fmt.Errorf("mssql: key %d has %d parts, want %d", i, len(k), len(t.NaturalKey))
		}
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, col := range t.NaturalKey {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(msIdent(col))
			fmt.Fprintf(&b, " = @p%d", p)
			args = append(args, k[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}

func buildUpdateSQL(t schema.Table, u record.Update) (q string, args []any, ok bool) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(msIdent(t.Name))
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
		b.WriteString(msIdent(c.Name))
		fmt.Fprintf(&b, " = @p%d", p)
		args = append(args, v)
		p++
	}
	if p == 1 {
		return "", nil, false
	}

	b.WriteString(" WHERE ")
	b.WriteString(msIdent(t.PrimaryKey))
	fmt.Fprintf(&b, " = @p%d", p)
	args = append(args, u.ID)

	return b.String(), args, true
}

func buildInsertSQL(t schema.Table, rows []record.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(msIdent(t.Name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c.Name))
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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[c.Name])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}
