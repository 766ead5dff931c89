package record

// Partition splits a batch into records that update an existing row and
// records that insert a new one, preserving batch order within each group.
//
// existing is the snapshot taken at lookup time, keyed by canonical natural
// key. A record whose key is present becomes an Update carrying the matched
// surrogate id; any other record becomes an insert with no id.
//
// Partition is pure: it performs no I/O and does not mutate its inputs.
//
// Duplicate natural keys within one batch are each matched against the same
// snapshot; a later duplicate does not see an earlier duplicate's effect.
// Two unmatched duplicates therefore both land in the insert list. Callers
// that care can detect this up front with CountDuplicateKeys.
func Partition(batch []Row, keyCols []string, existing map[string]Existing) (updates []Update, inserts []Row, err error) {
	for _, row := range batch {
		key, err := KeyOf(row, keyCols)
		if err != nil {
			return nil, nil, err
		}
		if match, ok := existing[key]; ok {
			updates = append(updates, Update{ID: match.ID, Fields: row})
		} else {
			inserts = append(inserts, row)
		}
	}
	return updates, inserts, nil
}

// CountDuplicateKeys returns the number of rows in the batch whose natural
// key was already seen earlier in the same batch. Rows without a usable key
// are skipped; Partition will surface those as errors.
func CountDuplicateKeys(batch []Row, keyCols []string) int {
	seen := make(map[string]bool, len(batch))
	dups := 0
	for _, row := range batch {
		key, err := KeyOf(row, keyCols)
		if err != nil {
			continue
		}
		if seen[key] {
			dups++
		}
		seen[key] = true
	}
	return dups
}
