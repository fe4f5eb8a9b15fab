package remap

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Well-known table names and the target relation their id tables apply to
var knownRelations = map[string]string{
	"currency":     "res.currency",
	"uom":          "uom.uom",
	"uom_category": "uom.category",
	"pricelist":    "product.pricelist",
}

const (
	tableTemplates   = "subscription_template"
	tableFieldValues = "field_values"
	tableNameRules   = "name_rules"
)

// Load reads the tables named in paths. Keys are the well-known names
// (currency, uom, uom_category, pricelist, subscription_template,
// field_values, name_rules) or a relation name such as "res.country".
func Load(paths map[string]string) (*Tables, error) {
	tables := New()

	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := paths[name]
		if path == "" {
			continue
		}
		var err error
		switch name {
		case tableTemplates:
			err = readJSON(path, &tables.Templates)
		case tableFieldValues:
			err = readJSON(path, &tables.FieldValues)
		case tableNameRules:
			err = readJSON(path, &tables.NameRules)
		default:
			relation, ok := knownRelations[name]
			if !ok {
				if !strings.Contains(name, ".") {
					return nil, fmt.Errorf("unknown remap table: %s", name)
				}
				relation = name
			}
			var table IDTable
			if err = readJSON(path, &table); err == nil {
				err = tables.AddIDTable(relation, &table)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("remap table %s: %w", name, err)
		}
	}
	return tables, nil
}

// AddIDTable registers an id table for relation
func (t *Tables) AddIDTable(relation string, table *IDTable) error {
	if table.Relation != "" && table.Relation != relation {
		return fmt.Errorf("table declares relation %s, expected %s", table.Relation, relation)
	}
	table.Relation = relation
	switch table.Fallback {
	case "":
		table.Fallback = PolicyDrop
	case PolicyDrop, PolicyKeep, PolicyDefault, PolicyError:
	default:
		return fmt.Errorf("unknown fallback policy: %s", table.Fallback)
	}
	if table.IDs == nil {
		table.IDs = make(map[string]int)
	}
	t.IDs[relation] = table
	return nil
}

// SetFallback changes the miss policy of the id table of relation. Without a
// table, an empty one is added, so every reference goes through the policy.
func (t *Tables) SetFallback(relation string, policy Policy) error {
	table, ok := t.IDs[relation]
	if !ok {
		return t.AddIDTable(relation, &IDTable{Fallback: policy})
	}
	switch policy {
	case PolicyDrop, PolicyKeep, PolicyDefault, PolicyError:
		table.Fallback = policy
		return nil
	default:
		return fmt.Errorf("unknown fallback policy for %s: %s", relation, policy)
	}
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
