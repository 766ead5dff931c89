// Package record defines the in-memory row model shared by the parser,
// the partitioner and the storage backends.
package record

// Row maps lowercase_underscore field names to values.
//
// A present key with a nil value is the explicit "absent" marker and is
// written to the store as SQL NULL. A missing key means "not provided" and,
// for updates, leaves the stored value untouched.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Existing is a persisted row snapshot returned by a lookup, including its
// store-generated surrogate id.
type Existing struct {
	ID     int64
	Fields Row
}

// Update is an incoming row that matched an existing record. ID is the
// matched surrogate id; Fields are the values to overwrite.
type Update struct {
	ID     int64
	Fields Row
}
