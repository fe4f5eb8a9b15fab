package remap

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ha1tch/xmigrate/pkg/models"
)

// ErrUnmapped is returned when a lookup misses under the "error" policy
var ErrUnmapped = errors.New("no remap entry")

// Policy decides what a lookup miss yields
type Policy string

const (
	// PolicyDrop treats a miss as "no reference"
	PolicyDrop Policy = "drop"
	// PolicyKeep passes the source id through unchanged
	PolicyKeep Policy = "keep"
	// PolicyDefault substitutes the table's default id
	PolicyDefault Policy = "default"
	// PolicyError fails the record
	PolicyError Policy = "error"
)

// IDTable translates identifiers of one related entity type
type IDTable struct {
	Relation string         `json:"relation"`
	IDs      map[string]int `json:"ids"`
	Names    map[string]int `json:"names,omitempty"`
	Fallback Policy         `json:"fallback,omitempty"`
	Default  int            `json:"default,omitempty"`
}

// Lookup translates a source id, trying the label when the id is unknown.
// ok is false when the reference resolves to none.
func (t *IDTable) Lookup(sourceID int, label string) (int, bool, error) {
	if id, found := t.IDs[strconv.Itoa(sourceID)]; found {
		return id, id > 0, nil
	}
	if label != "" {
		if id, found := t.Names[label]; found {
			return id, id > 0, nil
		}
	}

	switch t.Fallback {
	case PolicyKeep:
		return sourceID, sourceID > 0, nil
	case PolicyDefault:
		return t.Default, t.Default > 0, nil
	case PolicyError:
		return 0, false, fmt.Errorf("%w: %s id %d (%q)", ErrUnmapped, t.Relation, sourceID, label)
	default:
		return 0, false, nil
	}
}

// Template is one subscription template of the target
type Template struct {
	TemplateID        int    `json:"template_id"`
	Name              string `json:"name"`
	Code              string `json:"code,omitempty"`
	RecurringRuleType string `json:"recurring_rule_type"`
	RecurringInterval int    `json:"recurring_interval"`
}

// TemplateTable is keyed by "<recurring_rule_type>_<recurring_interval>"
type TemplateTable map[string]Template

// TemplateKey builds the table key of a recurrence
func TemplateKey(ruleType string, interval int) string {
	return fmt.Sprintf("%s_%d", ruleType, interval)
}

// Lookup returns the template id of a recurrence
func (t TemplateTable) Lookup(ruleType string, interval int) (int, bool) {
	tpl, ok := t[TemplateKey(ruleType, interval)]
	if !ok || tpl.TemplateID <= 0 {
		return 0, false
	}
	return tpl.TemplateID, true
}

// FieldValues renames enumeration values: model -> field -> source value -> target value
type FieldValues map[string]map[string]map[string]interface{}

// Apply returns the replacement of a scalar value, if any
func (f FieldValues) Apply(model, field string, value interface{}) (interface{}, bool) {
	table, ok := f[model][field]
	if !ok {
		return nil, false
	}
	var key string
	switch v := value.(type) {
	case string:
		key = v
	case bool:
		key = strconv.FormatBool(v)
	default:
		n, ok := models.AsInt(v)
		if !ok {
			return nil, false
		}
		key = strconv.Itoa(n)
	}
	out, ok := table[key]
	if f, isFloat := out.(float64); isFloat && f == float64(int64(f)) {
		return int(f), ok
	}
	return out, ok
}

// NameRule resolves a many2one by a natural key in the target, for example a
// country state by name within its country
type NameRule struct {
	Model            string `json:"model"`
	Field            string `json:"field"`
	Relation         string `json:"relation"`
	MatchField       string `json:"match_field"`
	ParentField      string `json:"parent_field,omitempty"`
	ParentRelation   string `json:"parent_relation,omitempty"`
	ParentMatchField string `json:"parent_match_field,omitempty"`
	Create           bool   `json:"create"`
}

// Tables holds every static lookup table of a run
type Tables struct {
	IDs         map[string]*IDTable
	FieldValues FieldValues
	Templates   TemplateTable
	NameRules   []NameRule
}

// New returns empty tables
func New() *Tables {
	return &Tables{
		IDs:         make(map[string]*IDTable),
		FieldValues: make(FieldValues),
		Templates:   make(TemplateTable),
	}
}

// ForRelation returns the id table of a related entity type
func (t *Tables) ForRelation(relation string) (*IDTable, bool) {
	if t == nil {
		return nil, false
	}
	table, ok := t.IDs[relation]
	return table, ok
}

// NameRule returns the resolve-by-name rule of a field
func (t *Tables) NameRule(model, field string) (NameRule, bool) {
	if t == nil {
		return NameRule{}, false
	}
	for _, r := range t.NameRules {
		if r.Model == model && r.Field == field {
			return r, true
		}
	}
	return NameRule{}, false
}
