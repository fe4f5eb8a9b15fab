package batch

import (
	"fmt"
)

// Item is one prepared record together with the source id it came from
type Item struct {
	SourceID int
	Values   map[string]interface{}
}

// Pair zips parallel record and id lists. Different lengths are a contract
// violation and are rejected, never truncated.
func Pair(records []map[string]interface{}, sourceIDs []int) ([]Item, error) {
	if len(records) != len(sourceIDs) {
		return nil, &LengthMismatchError{Records: len(records), IDs: len(sourceIDs)}
	}
	items := make([]Item, len(records))
	for i := range records {
		items[i] = Item{SourceID: sourceIDs[i], Values: records[i]}
	}
	return items, nil
}

// Validate checks that every item is a non-empty mapping with a unique,
// positive source id
func Validate(items []Item) error {
	seen := make(map[int]int, len(items))
	for i, item := range items {
		if item.SourceID <= 0 {
			return &InvalidRecordError{Index: i, SourceID: item.SourceID, Reason: "source id must be positive"}
		}
		if prev, dup := seen[item.SourceID]; dup {
			return &InvalidRecordError{Index: i, SourceID: item.SourceID,
				Reason: fmt.Sprintf("duplicate of position %d", prev)}
		}
		seen[item.SourceID] = i
		if len(item.Values) == 0 {
			return &InvalidRecordError{Index: i, SourceID: item.SourceID, Reason: "empty record"}
		}
	}
	return nil
}

// SourceIDs returns the source ids of items in order
func SourceIDs(items []Item) []int {
	ids := make([]int, len(items))
	for i, item := range items {
		ids[i] = item.SourceID
	}
	return ids
}
