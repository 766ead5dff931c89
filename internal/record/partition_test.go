package record

import (
	"testing"
)

func TestNormalizeKey_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "string", in: "1001", want: "1001"},
		{name: "string_trimmed", in: "  55 ", want: "55"},
		{name: "int", in: 55, want: "55"},
		{name: "int64", in: int64(1001), want: "1001"},
		{name: "bytes", in: []byte("ab"), want: "ab"},
		{name: "float_whole", in: 55.0, want: "55"},
		{name: "nil", in: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeKey(tt.in); got != tt.want {
				t.Fatalf("NormalizeKey(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeyOf_CompositePartsDoNotCollide(t *testing.T) {
	t.Parallel()

	a, err := KeyOf(Row{"order_id": "10", "product_id": "155"}, []string{"order_id", "product_id"})
	if err != nil {
		t.Fatalf("KeyOf: %v", err)
	}
	b, err := KeyOf(Row{"order_id": "101", "product_id": "55"}, []string{"order_id", "product_id"})
	if err != nil {
		t.Fatalf("KeyOf: %v", err)
	}
	if a == b {
		t.Fatalf("composite keys collided: %q", a)
	}
}

func TestKeyOf_MissingPart(t *testing.T) {
	t.Parallel()

	if _, err := KeyOf(Row{"order_id": "10"}, []string{"order_id", "product_id"}); err == nil {
		t.Fatalf("expected error for missing key field")
	}
	if _, err := KeyOf(Row{"product_id": nil}, []string{"product_id"}); err == nil {
		t.Fatalf("expected error for nil key field")
	}
}

func TestPartition_SplitsByExistingKey(t *testing.T) {
	t.Parallel()

	keyCols := []string{"product_id"}
	batch := []Row{
		{"product_id": "1", "name": "widget", "quantity": int64(3)},
		{"product_id": "2", "name": "gadget", "quantity": int64(1)},
		{"product_id": "3", "name": "sprocket", "quantity": int64(9)},
	}
	existing := map[string]Existing{
		"2": {ID: 42, Fields: Row{"product_id": "2", "name": "old gadget"}},
	}

	updates, inserts, err := Partition(batch, keyCols, existing)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(updates) != 1 || len(inserts) != 2 {
		t.Fatalf("got %d updates / %d inserts, want 1 / 2", len(updates), len(inserts))
	}
	if updates[0].ID != 42 {
		t.Fatalf("update carries id %d, want 42", updates[0].ID)
	}
	if updates[0].Fields["name"] != "gadget" {
		t.Fatalf("update must carry the incoming fields, got %v", updates[0].Fields)
	}
	// Input order preserved within the insert group.
	if inserts[0]["product_id"] != "1" || inserts[1]["product_id"] != "3" {
		t.Fatalf("insert order not preserved: %v", inserts)
	}
	if _, hasID := inserts[0]["id"]; hasID {
		t.Fatalf("insert rows must not carry a surrogate id")
	}
}

func TestPartition_NumericKeysMatchStringKeys(t *testing.T) {
	t.Parallel()

	// product ids arrive as numbers in some files; they must still match
	// string-keyed snapshots.
	batch := []Row{{"product_id": 55, "name": "n"}}
	existing := map[string]Existing{"55": {ID: 7}}

	updates, inserts, err := Partition(batch, []string{"product_id"}, existing)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(updates) != 1 || len(inserts) != 0 {
		t.Fatalf("numeric key failed to match: %d updates / %d inserts", len(updates), len(inserts))
	}
}

// Duplicate keys inside one batch are each evaluated against the snapshot
// taken at lookup time. Later duplicates must not see earlier duplicates'
// effects; in particular, two unmatched duplicates both become inserts.
func TestPartition_DuplicatesUseLookupTimeSnapshot(t *testing.T) {
	t.Parallel()

	keyCols := []string{"product_id"}
	batch := []Row{
		{"product_id": "9", "quantity": int64(1)},
		{"product_id": "9", "quantity": int64(2)},
		{"product_id": "8", "quantity": int64(5)},
		{"product_id": "8", "quantity": int64(6)},
	}
	existing := map[string]Existing{
		"8": {ID: 3},
	}

	updates, inserts, err := Partition(batch, keyCols, existing)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(inserts) != 2 {
		t.Fatalf("both unmatched duplicates must insert, got %d inserts", len(inserts))
	}
	if len(updates) != 2 {
		t.Fatalf("both matched duplicates must update, got %d updates", len(updates))
	}
	if updates[0].ID != 3 || updates[1].ID != 3 {
		t.Fatalf("duplicate updates must target the same snapshot id, got %d and %d", updates[0].ID, updates[1].ID)
	}

	if got := CountDuplicateKeys(batch, keyCols); got != 2 {
		t.Fatalf("CountDuplicateKeys = %d, want 2", got)
	}
}
