// Package schema holds the declared table model and the pure diff logic that
// compares it against a live database.
//
// The set of tables is an explicit, ordered list passed to callers (see
// Declared). There is deliberately no global registry of table definitions:
// whoever runs a sync decides exactly which tables it covers, in which order.
package schema

// Type is the logical column type. Backends render it into their own DDL
// type names (e.g. "timestamp" becomes TIMESTAMPTZ on Postgres and TEXT on
// SQLite).
type Type string

const (
	TypeString    Type = "string"
	TypeInteger   Type = "integer"
	TypeFloat     Type = "float"
	TypeTimestamp Type = "timestamp"
)

// Column is one declared, non-surrogate column.
type Column struct {
	Name     string
	Type     Type
	Nullable bool

	// Default is a literal DEFAULT expression. Empty means no default clause
	// is emitted.
	Default string
}

// Table declares one target table.
//
// PrimaryKey names the surrogate id column. It is store-generated
// (autoincrement), never supplied by callers, and is not listed in Columns.
// NaturalKey names the columns that identify a logical record for upsert
// matching; they must all appear in Columns.
type Table struct {
	Name       string
	PrimaryKey string
	NaturalKey []string
	Columns    []Column
}

// ColumnNames returns the non-surrogate column names in declared order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Declared returns the tables this pipeline owns, in sync order.
func Declared() []Table {
	return []Table{
		{
			Name:       "orders",
			PrimaryKey: "id",
			NaturalKey: []string{"order_id", "product_id"},
			Columns: []Column{
				{Name: "order_id", Type: TypeString},
				{Name: "product_id", Type: TypeString},
				{Name: "currency", Type: TypeString, Nullable: true},
				{Name: "quantity", Type: TypeInteger},
				{Name: "shipping_cost", Type: TypeFloat, Nullable: true},
				{Name: "amount", Type: TypeFloat},
				{Name: "channel", Type: TypeString, Nullable: true},
				{Name: "channel_group", Type: TypeString, Nullable: true},
				{Name: "campaign", Type: TypeString, Nullable: true},
				{Name: "date_time", Type: TypeTimestamp},
			},
		},
		{
			Name:       "inventories",
			PrimaryKey: "id",
			NaturalKey: []string{"product_id"},
			Columns: []Column{
				{Name: "product_id", Type: TypeString},
				{Name: "name", Type: TypeString},
				{Name: "quantity", Type: TypeInteger},
				{Name: "category", Type: TypeString, Nullable: true},
				{Name: "sub_category", Type: TypeString, Nullable: true},
			},
		},
	}
}
