package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ha1tch/xmigrate/pkg/graph"
	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/remap"
	"github.com/spf13/viper"
)

// ErrEmptyPlan is returned when a plan names no entity types
var ErrEmptyPlan = errors.New("migration plan has no models")

// Plan is the migration order input: which entity types move, in what
// preferred order, and the static tables and overrides the run uses
type Plan struct {
	Models       []models.EntitySpec `mapstructure:"models"`
	Dependencies []graph.Dependency  `mapstructure:"dependencies"`
	// Tables maps a remap table name to its JSON file
	Tables map[string]string `mapstructure:"tables"`
	// RelationFallback overrides the miss policy of id tables by relation
	RelationFallback map[string]string `mapstructure:"relation_fallback"`
	// Defaults are literal values per source entity type and target field
	Defaults          map[string]map[string]interface{} `mapstructure:"defaults"`
	ForceMany2one     map[string][]string               `mapstructure:"force_many2one"`
	ComputeExceptions []string                          `mapstructure:"compute_exceptions"`
}

// LoadPlan reads a plan file. The format follows the extension (yaml, json,
// toml). Model names contain dots, so nested keys are split on "::".
func LoadPlan(path string) (*Plan, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	var plan Plan
	if err := v.Unmarshal(&plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return &plan, nil
}

// Validate checks that the plan names each entity type once
func (p *Plan) Validate() error {
	if len(p.Models) == 0 {
		return ErrEmptyPlan
	}
	seen := make(map[string]bool, len(p.Models))
	for i, m := range p.Models {
		if m.Source == "" {
			return fmt.Errorf("model %d has no source name", i)
		}
		if seen[m.Source] {
			return fmt.Errorf("model %s listed twice", m.Source)
		}
		seen[m.Source] = true
	}
	for _, d := range p.Dependencies {
		if d.From == "" || d.To == "" {
			return fmt.Errorf("dependency needs both from and to: %+v", d)
		}
	}
	return nil
}

// Select keeps the named entity types, in plan order. An empty list keeps all.
func (p *Plan) Select(names []string) (*Plan, error) {
	if len(names) == 0 {
		return p, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	out := *p
	out.Models = nil
	for _, m := range p.Models {
		if wanted[m.Source] {
			out.Models = append(out.Models, m)
			delete(wanted, m.Source)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for n := range wanted {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("models not in plan: %v", missing)
	}
	return &out, nil
}

// SourceNames returns the source entity type names in plan order
func (p *Plan) SourceNames() []string {
	names := make([]string, len(p.Models))
	for i, m := range p.Models {
		names[i] = m.Source
	}
	return names
}

// Spec returns the entry of a source entity type
func (p *Plan) Spec(source string) (models.EntitySpec, bool) {
	for _, m := range p.Models {
		if m.Source == source {
			return m, true
		}
	}
	return models.EntitySpec{}, false
}

// LoadTables reads the remap tables of the plan and applies the fallback
// overrides
func (p *Plan) LoadTables() (*remap.Tables, error) {
	tables, err := remap.Load(p.Tables)
	if err != nil {
		return nil, err
	}
	for relation, policy := range p.RelationFallback {
		if err := tables.SetFallback(relation, remap.Policy(policy)); err != nil {
			return nil, err
		}
	}
	return tables, nil
}
