package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Field types as reported by fields_get
const (
	TypeChar      = "char"
	TypeText      = "text"
	TypeHTML      = "html"
	TypeInteger   = "integer"
	TypeFloat     = "float"
	TypeMonetary  = "monetary"
	TypeBoolean   = "boolean"
	TypeDate      = "date"
	TypeDatetime  = "datetime"
	TypeSelection = "selection"
	TypeBinary    = "binary"
	TypeMany2one  = "many2one"
	TypeOne2many  = "one2many"
	TypeMany2many = "many2many"
)

// FieldInfo describes one field of an entity type
type FieldInfo struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Label     string     `json:"string,omitempty"`
	Required  bool       `json:"required"`
	Readonly  bool       `json:"readonly"`
	Store     bool       `json:"store"`
	Relation  string     `json:"relation,omitempty"`
	Selection [][]string `json:"selection,omitempty"`
}

// IsRelational reports whether the field holds identifiers of another entity type
func (f FieldInfo) IsRelational() bool {
	return f.Type == TypeMany2one || f.Type == TypeOne2many || f.Type == TypeMany2many
}

// Catalog maps field name to field description
type Catalog map[string]FieldInfo

// Names returns the field names in sorted order
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stored returns the names of storage-backed fields in sorted order
func (c Catalog) Stored() []string {
	var names []string
	for _, name := range c.Names() {
		if c[name].Store {
			names = append(names, name)
		}
	}
	return names
}

// CatalogFromFieldsGet builds a catalog from a raw fields_get response.
// A missing "store" attribute means the field is stored.
func CatalogFromFieldsGet(raw map[string]interface{}) Catalog {
	catalog := make(Catalog, len(raw))
	for name, v := range raw {
		attrs, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		info := FieldInfo{Name: name, Store: true}
		info.Type, _ = attrs["type"].(string)
		info.Label, _ = attrs["string"].(string)
		info.Relation, _ = attrs["relation"].(string)
		if b, ok := attrs["required"].(bool); ok {
			info.Required = b
		}
		if b, ok := attrs["readonly"].(bool); ok {
			info.Readonly = b
		}
		if b, ok := attrs["store"].(bool); ok {
			info.Store = b
		}
		if sel, ok := attrs["selection"].([]interface{}); ok {
			for _, opt := range sel {
				pair, ok := opt.([]interface{})
				if !ok || len(pair) == 0 {
					continue
				}
				entry := make([]string, 0, 2)
				for _, p := range pair {
					entry = append(entry, fmt.Sprint(p))
				}
				info.Selection = append(info.Selection, entry)
			}
		}
		catalog[name] = info
	}
	return catalog
}

// ToFieldsGet renders the catalog in fields_get shape
func (c Catalog) ToFieldsGet() map[string]interface{} {
	out := make(map[string]interface{}, len(c))
	for name, info := range c {
		attrs := map[string]interface{}{
			"type":     info.Type,
			"string":   info.Label,
			"required": info.Required,
			"readonly": info.Readonly,
			"store":    info.Store,
		}
		if info.Relation != "" {
			attrs["relation"] = info.Relation
		}
		if len(info.Selection) > 0 {
			sel := make([]interface{}, 0, len(info.Selection))
			for _, opt := range info.Selection {
				pair := make([]interface{}, 0, len(opt))
				for _, p := range opt {
					pair = append(pair, p)
				}
				sel = append(sel, pair)
			}
			attrs["selection"] = sel
		}
		out[name] = attrs
	}
	return out
}

// EntitySpec is one entry of the migration plan
type EntitySpec struct {
	Source        string `json:"source" mapstructure:"source"`
	Target        string `json:"target" mapstructure:"target"`
	AllowMany2one bool   `json:"allow_many2one" mapstructure:"allow_many2one"`
	JSONFile      string `json:"json_file,omitempty" mapstructure:"json_file"`
}

// TargetName returns the target entity type, defaulting to the source name
func (e EntitySpec) TargetName() string {
	if e.Target != "" {
		return e.Target
	}
	return e.Source
}

// Record is a source or target record as returned by the remote store
type Record map[string]interface{}

// ID returns the record identifier
func (r Record) ID() int {
	id, _ := AsInt(r["id"])
	return id
}

// AsInt converts the numeric shapes produced by the transports into an int
func AsInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// AsReference extracts the identifier of a many2one value.
// Remote stores return many2one values as an (id, label) pair, or false when empty.
func AsReference(v interface{}) (int, bool) {
	switch ref := v.(type) {
	case []interface{}:
		if len(ref) == 0 {
			return 0, false
		}
		id, ok := AsInt(ref[0])
		return id, ok && id > 0
	case bool, nil:
		return 0, false
	default:
		id, ok := AsInt(ref)
		return id, ok && id > 0
	}
}

// ReferenceLabel returns the label part of an (id, label) pair
func ReferenceLabel(v interface{}) string {
	ref, ok := v.([]interface{})
	if !ok || len(ref) < 2 {
		return ""
	}
	label, _ := ref[1].(string)
	return label
}

// AsIDList extracts identifiers from a many2many or one2many value
func AsIDList(v interface{}) []int {
	list, ok := v.([]interface{})
	if !ok {
		if ints, ok := v.([]int); ok {
			return append([]int(nil), ints...)
		}
		return nil
	}
	ids := make([]int, 0, len(list))
	for _, item := range list {
		if id, ok := AsInt(item); ok && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsEmpty reports whether a value counts as "no value" in the remote store
func IsEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	default:
		return false
	}
}

// Status is the disposition of a mapping record
type Status string

const (
	StatusCreated Status = "created"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// MappingRecord is the durable source-id to target-id link
type MappingRecord struct {
	Model        string `json:"model_name"`
	SourceID     int    `json:"v_source_id"`
	TargetID     int    `json:"v_target_id"`
	BatchID      string `json:"batch_id"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Label is the display name stored on the mapping row
func (m MappingRecord) Label() string {
	return fmt.Sprintf("%s:%d", m.Model, m.SourceID)
}

// Values renders the mapping record as a create payload
func (m MappingRecord) Values() map[string]interface{} {
	vals := map[string]interface{}{
		"name":        m.Label(),
		"model_name":  m.Model,
		"v_source_id": m.SourceID,
		"v_target_id": m.TargetID,
		"batch_id":    m.BatchID,
		"status":      string(m.Status),
	}
	if m.ErrorMessage != "" {
		vals["error_message"] = m.ErrorMessage
	}
	return vals
}

// Prepared is the target payload derived from one source record
type Prepared struct {
	SourceID int                    `json:"v_source_id"`
	Values   map[string]interface{} `json:"values"`
	// Deferred holds many2many values as source ids, resolved at link time
	Deferred map[string][]int `json:"deferred,omitempty"`
}

// BatchResult is the outcome of one batch create, keyed by source id
type BatchResult struct {
	Created map[int]int    `json:"created"`
	Skipped map[int]int    `json:"skipped"`
	Errors  map[int]string `json:"errors"`
}

// NewBatchResult returns an empty result
func NewBatchResult() BatchResult {
	return BatchResult{
		Created: make(map[int]int),
		Skipped: make(map[int]int),
		Errors:  make(map[int]string),
	}
}

// Merge folds another result into this one
func (b *BatchResult) Merge(other BatchResult) {
	for k, v := range other.Created {
		b.Created[k] = v
	}
	for k, v := range other.Skipped {
		b.Skipped[k] = v
	}
	for k, v := range other.Errors {
		b.Errors[k] = v
	}
}

// Stats aggregates migration counters
type Stats struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	Total   int `json:"total"`
}

// Add accumulates other into s
func (s *Stats) Add(other Stats) {
	s.Created += other.Created
	s.Skipped += other.Skipped
	s.Errors += other.Errors
	s.Total += other.Total
}

// AddResult accumulates a batch result
func (s *Stats) AddResult(r BatchResult) {
	s.Created += len(r.Created)
	s.Skipped += len(r.Skipped)
	s.Errors += len(r.Errors)
	s.Total += len(r.Created) + len(r.Skipped) + len(r.Errors)
}

// StagedExport is the on-disk snapshot of one entity type
type StagedExport struct {
	EntityType      string    `json:"entity_type"`
	ExportTimestamp time.Time `json:"export_timestamp"`
	RecordCount     int       `json:"record_count"`
	FieldList       []string  `json:"field_list"`
	Records         []Record  `json:"records"`
}

// RelationPair is one row of a many2many intermediate table
type RelationPair struct {
	LeftID  int `json:"left_id"`
	RightID int `json:"right_id"`
}

// RelationExport is the on-disk snapshot of one many2many relation
type RelationExport struct {
	EntityType      string         `json:"entity_type"`
	LeftEntity      string         `json:"left_entity"`
	RightEntity     string         `json:"right_entity"`
	ExportTimestamp time.Time      `json:"export_timestamp"`
	RecordCount     int            `json:"record_count"`
	FieldList       []string       `json:"field_list"`
	Records         []RelationPair `json:"records"`
}

// ErrorEntry is one line of a per-entity-type error file
type ErrorEntry struct {
	SourceID       int                    `json:"v_source_id"`
	Error          string                 `json:"error"`
	BatchInfo      string                 `json:"batch_info"`
	Timestamp      time.Time              `json:"timestamp"`
	RunID          string                 `json:"run_id,omitempty"`
	RecordSnapshot map[string]interface{} `json:"record_snapshot,omitempty"`
}
