package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/staging"
	"github.com/rs/zerolog"
)

// LinkTarget is the part of the target client the linker needs
type LinkTarget interface {
	Read(ctx context.Context, model string, ids []int, fields []string) ([]models.Record, error)
	Write(ctx context.Context, model string, ids []int, values map[string]interface{}) error
}

// Lookup translates source ids through the mapping store
type Lookup interface {
	Lookup(ctx context.Context, model string, sourceIDs []int) (map[int]int, error)
}

// LinkField is one deferred many2many field
type LinkField struct {
	Name     string
	Relation string
}

// LinkStats counts relation pairs of one entity type
type LinkStats struct {
	// Expected pairs in the source
	Expected int `json:"expected"`
	// Resolved pairs with both sides mapped
	Resolved int `json:"resolved"`
	// Applied pairs present on the target after linking
	Applied int `json:"applied"`
	// Written records whose relation set changed
	Written int `json:"written"`
}

// Add accumulates other into s
func (s *LinkStats) Add(other LinkStats) {
	s.Expected += other.Expected
	s.Resolved += other.Resolved
	s.Applied += other.Applied
	s.Written += other.Written
}

// Linker re-applies many2many relations once both sides are migrated
type Linker struct {
	target   LinkTarget
	mapping  Lookup
	staging  *staging.Dir
	readSize int
	logger   zerolog.Logger
}

// NewLinker creates a linker
func NewLinker(target LinkTarget, mapping Lookup, dir *staging.Dir, logger zerolog.Logger) *Linker {
	return &Linker{
		target:   target,
		mapping:  mapping,
		staging:  dir,
		readSize: 200,
		logger:   logger.With().Str("component", "linker").Logger(),
	}
}

// Link unions the staged relation pairs of each field into the target.
// A record is written only when its relation set grows.
func (l *Linker) Link(ctx context.Context, spec models.EntitySpec, fields []LinkField) (LinkStats, error) {
	var total LinkStats
	for _, f := range fields {
		stats, err := l.linkField(ctx, spec, f)
		if err != nil {
			return total, fmt.Errorf("link %s.%s: %w", spec.Source, f.Name, err)
		}
		total.Add(stats)
	}
	return total, nil
}

// pairs returns the staged pairs of a field, rebuilding them from the owner's
// export the first time
func (l *Linker) pairs(spec models.EntitySpec, f LinkField) (*models.RelationExport, error) {
	rel, err := l.staging.LoadRelation(spec.Source, f.Name)
	if err == nil {
		return rel, nil
	}
	if !errors.Is(err, staging.ErrNotStaged) {
		return nil, err
	}

	exp, err := l.staging.LoadExport(spec.Source, spec.JSONFile)
	if err != nil {
		return nil, err
	}
	rel = staging.RelationFromExport(exp, f.Name, f.Relation)
	if err := l.staging.SaveRelation(spec.Source, f.Name, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

func (l *Linker) linkField(ctx context.Context, spec models.EntitySpec, f LinkField) (LinkStats, error) {
	var stats LinkStats
	log := l.logger.With().Str("model", spec.Source).Str("field", f.Name).Logger()

	rel, err := l.pairs(spec, f)
	if errors.Is(err, staging.ErrNotStaged) {
		log.Warn().Msg("No staged data, skipping relation")
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	stats.Expected = len(rel.Records)
	if stats.Expected == 0 {
		return stats, nil
	}

	var lefts, rights []int
	for _, p := range rel.Records {
		lefts = append(lefts, p.LeftID)
		rights = append(rights, p.RightID)
	}
	owners, err := l.mapping.Lookup(ctx, spec.Source, unique(lefts))
	if err != nil {
		return stats, err
	}
	related, err := l.mapping.Lookup(ctx, f.Relation, unique(rights))
	if err != nil {
		return stats, err
	}

	wanted := make(map[int]map[int]bool)
	for _, p := range rel.Records {
		owner, ok := owners[p.LeftID]
		if !ok {
			continue
		}
		right, ok := related[p.RightID]
		if !ok {
			continue
		}
		if wanted[owner] == nil {
			wanted[owner] = make(map[int]bool)
		}
		if !wanted[owner][right] {
			wanted[owner][right] = true
			stats.Resolved++
		}
	}

	ownerIDs := make([]int, 0, len(wanted))
	for id := range wanted {
		ownerIDs = append(ownerIDs, id)
	}
	sort.Ints(ownerIDs)

	target := spec.TargetName()
	for start := 0; start < len(ownerIDs); start += l.readSize {
		end := start + l.readSize
		if end > len(ownerIDs) {
			end = len(ownerIDs)
		}
		chunk := ownerIDs[start:end]

		current, err := l.target.Read(ctx, target, chunk, []string{f.Name})
		if err != nil {
			return stats, err
		}
		existing := make(map[int][]int, len(current))
		for _, rec := range current {
			existing[rec.ID()] = models.AsIDList(rec[f.Name])
		}

		for _, owner := range chunk {
			have := make(map[int]bool, len(existing[owner]))
			union := make([]int, 0, len(existing[owner])+len(wanted[owner]))
			for _, id := range existing[owner] {
				if !have[id] {
					have[id] = true
					union = append(union, id)
				}
			}
			added := 0
			for _, id := range sortedSet(wanted[owner]) {
				if !have[id] {
					union = append(union, id)
					added++
				}
			}

			if added > 0 {
				sort.Ints(union)
				cmd := []interface{}{[]interface{}{6, 0, intsToInterfaces(union)}}
				if err := l.target.Write(ctx, target, []int{owner}, map[string]interface{}{f.Name: cmd}); err != nil {
					log.Error().Err(err).Int("record", owner).Msg("Failed to write relation")
					continue
				}
				stats.Written++
			}
			stats.Applied += len(wanted[owner])
		}
	}

	event := log.Info()
	if stats.Applied != stats.Expected {
		event = log.Warn()
	}
	event.
		Int("expected", stats.Expected).
		Int("resolved", stats.Resolved).
		Int("applied", stats.Applied).
		Int("written", stats.Written).
		Msg("Relation linked")
	return stats, nil
}

func unique(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func sortedSet(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func intsToInterfaces(ids []int) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
