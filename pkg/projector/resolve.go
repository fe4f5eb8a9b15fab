package projector

import (
	"context"
	"fmt"
	"sync"

	"github.com/ha1tch/xmigrate/pkg/remap"
	"github.com/rs/zerolog"
)

// Target is the part of the target client used to resolve by name
type Target interface {
	Search(ctx context.Context, model string, domain []interface{}, limit int) ([]int, error)
	Create(ctx context.Context, model string, records []map[string]interface{}) ([]int, error)
}

// NameResolver finds, or creates, target records by a natural key
type NameResolver struct {
	target Target
	logger zerolog.Logger

	mu    sync.Mutex
	found map[string]int
}

// NewNameResolver creates a resolver over the target
func NewNameResolver(target Target, logger zerolog.Logger) *NameResolver {
	return &NameResolver{
		target: target,
		logger: logger.With().Str("component", "name-resolver").Logger(),
		found:  make(map[string]int),
	}
}

// Resolve returns the id of the rule's relation whose match field equals
// label, within parentID when the rule has a parent. A missing record is
// created when the rule allows it.
func (r *NameResolver) Resolve(ctx context.Context, rule remap.NameRule, label string, parentID int) (int, bool, error) {
	if label == "" {
		return 0, false, nil
	}
	key := fmt.Sprintf("%s|%s|%d", rule.Relation, label, parentID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.found[key]; ok {
		return id, true, nil
	}

	domain := []interface{}{[]interface{}{rule.MatchField, "=", label}}
	vals := map[string]interface{}{rule.MatchField: label}
	if rule.ParentMatchField != "" && parentID > 0 {
		domain = append(domain, []interface{}{rule.ParentMatchField, "=", parentID})
		vals[rule.ParentMatchField] = parentID
	}

	ids, err := r.target.Search(ctx, rule.Relation, domain, 1)
	if err != nil {
		return 0, false, fmt.Errorf("resolve %s %q: %w", rule.Relation, label, err)
	}
	if len(ids) > 0 {
		r.found[key] = ids[0]
		return ids[0], true, nil
	}

	if !rule.Create {
		r.logger.Debug().Str("relation", rule.Relation).Str("label", label).Msg("No match by name")
		return 0, false, nil
	}

	created, err := r.target.Create(ctx, rule.Relation, []map[string]interface{}{vals})
	if err != nil {
		return 0, false, fmt.Errorf("create %s %q: %w", rule.Relation, label, err)
	}
	r.logger.Info().Str("relation", rule.Relation).Str("label", label).Int("id", created[0]).Msg("Created record by name")
	r.found[key] = created[0]
	return created[0], true, nil
}
