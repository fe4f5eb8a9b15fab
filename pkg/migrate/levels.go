package migrate

import (
	"sort"

	"github.com/ha1tch/xmigrate/pkg/models"
)

// selfRefLevels splits records so that each one comes after the records of
// the same set it points to through the self-reference fields. Parents
// outside the set are already mapped or never migrated and do not hold a
// record back. Records caught in a reference cycle form the last level.
func selfRefLevels(records []models.Record, fields []string) (levels [][]models.Record, cyclic int) {
	if len(records) == 0 {
		return nil, 0
	}
	if len(fields) == 0 {
		return [][]models.Record{sortByID(records)}, 0
	}

	inSet := make(map[int]bool, len(records))
	for _, r := range records {
		inSet[r.ID()] = true
	}

	parents := make(map[int][]int, len(records))
	for _, r := range records {
		id := r.ID()
		for _, f := range fields {
			if p, ok := models.AsReference(r[f]); ok && p != id && inSet[p] {
				parents[id] = append(parents[id], p)
			}
		}
	}

	placed := make(map[int]bool, len(records))
	pending := sortByID(records)
	for len(pending) > 0 {
		var level, rest []models.Record
		for _, r := range pending {
			ready := true
			for _, p := range parents[r.ID()] {
				if !placed[p] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, r)
			} else {
				rest = append(rest, r)
			}
		}
		if len(level) == 0 {
			return append(levels, rest), len(rest)
		}
		for _, r := range level {
			placed[r.ID()] = true
		}
		levels = append(levels, level)
		pending = rest
	}
	return levels, 0
}

func sortByID(records []models.Record) []models.Record {
	out := append([]models.Record(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
