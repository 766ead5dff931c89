package record

import (
	"fmt"
	"strings"
)

// keySep joins the parts of a composite natural key into one map key. The
// unit separator cannot appear in CSV-sourced identifiers, so joined keys
// never collide across part boundaries.
const keySep = "\x1f"

// NormalizeKey converts a natural-key field value to a canonical string,
// regardless of the source type (numeric product ids are common).
//
// Lookup maps are keyed by these strings so that string/int/[]byte key
// inputs all match consistently across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// JoinKey builds the canonical composite key from already-normalized parts.
func JoinKey(parts []string) string {
	return strings.Join(parts, keySep)
}

// KeyParts extracts and normalizes the natural-key parts of a row.
//
// A nil or missing part is an error: a record without its natural key cannot
// be matched or safely inserted, and the declared schema marks key columns
// NOT NULL.
func KeyParts(row Row, keyCols []string) ([]string, error) {
	parts := make([]string, len(keyCols))
	for i, col := range keyCols {
		v, ok := row[col]
		if !ok || v == nil {
			return nil, fmt.Errorf("record: natural key field %q is missing", col)
		}
		parts[i] = NormalizeKey(v)
	}
	return parts, nil
}

// KeyOf computes the canonical natural key of a row.
func KeyOf(row Row, keyCols []string) (string, error) {
	parts, err := KeyParts(row, keyCols)
	if err != nil {
		return "", err
	}
	return JoinKey(parts), nil
}
