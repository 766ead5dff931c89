package schema

import "sort"

// LiveColumn is one column as introspected from the database.
type LiveColumn struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
}

// ColumnDiff is the result of comparing a declared table against the live
// database.
//
// When TableMissing is true the table does not exist at all and Add/Drop are
// empty; the caller creates the whole table from the declared definition.
type ColumnDiff struct {
	TableMissing bool
	Add          []Column
	Drop         []string
}

// Empty reports whether the diff requires no DDL.
func (d ColumnDiff) Empty() bool {
	return !d.TableMissing && len(d.Add) == 0 && len(d.Drop) == 0
}

// Diff compares a declared table against the live column set.
//
// Why this is pure:
//   - Same reasoning as the SQL builders in the storage backends: the
//     add/drop decision is the part worth unit testing, and it needs no
//     database to test.
//
// Semantics:
//   - An empty live set means the table does not exist (TableMissing).
//   - Add contains declared columns absent from the live set, in declared
//     order. The surrogate primary key is not in Columns and is never added
//     here; a live table that somehow lost it needs manual repair.
//   - Drop contains live columns absent from the declared set, sorted by
//     name for deterministic DDL. Live columns flagged as primary key are
//     never dropped, even when the declared definition does not mention them.
func Diff(declared Table, live map[string]LiveColumn) ColumnDiff {
	if len(live) == 0 {
		return ColumnDiff{TableMissing: true}
	}

	known := make(map[string]bool, len(declared.Columns)+1)
	known[declared.PrimaryKey] = true
	for _, c := range declared.Columns {
		known[c.Name] = true
	}

	var d ColumnDiff
	for _, c := range declared.Columns {
		if _, ok := live[c.Name]; !ok {
			d.Add = append(d.Add, c)
		}
	}

	for name, lc := range live {
		if known[name] {
			continue
		}
		if lc.PrimaryKey {
			continue
		}
		d.Drop = append(d.Drop, name)
	}
	sort.Strings(d.Drop)

	return d
}
