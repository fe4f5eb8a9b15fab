package validation

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ha1tch/xmigrate/pkg/models"
)

// Validator checks prepared records before they are sent to the target
type Validator interface {
	Validate(entity string, data map[string]interface{}) (bool, []string)
	LoadSchema(entity string, catalog models.Catalog)
	HasSchema(entity string) bool
}

// CatalogValidator validates payloads against target field catalogs
type CatalogValidator struct {
	schemas map[string]models.Catalog
	mu      sync.RWMutex
}

// NewCatalogValidator creates an empty validator
func NewCatalogValidator() *CatalogValidator {
	return &CatalogValidator{
		schemas: make(map[string]models.Catalog),
	}
}

// LoadSchema registers the target catalog of an entity type
func (v *CatalogValidator) LoadSchema(entity string, catalog models.Catalog) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[entity] = catalog
}

// HasSchema checks if a catalog exists for an entity type
func (v *CatalogValidator) HasSchema(entity string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, exists := v.schemas[entity]
	return exists
}

// Validate checks every value of data for RPC safety and against the field type.
// Without a catalog only RPC safety is checked.
func (v *CatalogValidator) Validate(entity string, data map[string]interface{}) (bool, []string) {
	v.mu.RLock()
	catalog := v.schemas[entity]
	v.mu.RUnlock()

	var errs []string
	if len(data) == 0 {
		return false, []string{"record is empty"}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := data[key]
		if !IsRPCSafe(value) {
			errs = append(errs, fmt.Sprintf("field %s: value of kind %s cannot be sent", key, ValueKind(value)))
			continue
		}
		if catalog == nil {
			continue
		}
		info, ok := catalog[key]
		if !ok {
			errs = append(errs, fmt.Sprintf("field %s: not present on %s", key, entity))
			continue
		}
		if msg := checkType(info, value); msg != "" {
			errs = append(errs, fmt.Sprintf("field %s: %s", key, msg))
		}
	}

	return len(errs) == 0, errs
}

func checkType(info models.FieldInfo, value interface{}) string {
	kind := ValueKind(value)
	// false is the remote store's "no value" for every field type
	if b, ok := value.(bool); ok && !b {
		return ""
	}

	switch info.Type {
	case models.TypeChar, models.TypeText, models.TypeHTML, models.TypeDate, models.TypeDatetime, models.TypeBinary:
		if kind != "string" {
			return fmt.Sprintf("expected string, got %s", kind)
		}
	case models.TypeInteger:
		if kind != "integer" {
			return fmt.Sprintf("expected integer, got %s", kind)
		}
	case models.TypeFloat, models.TypeMonetary:
		if kind != "integer" && kind != "number" {
			return fmt.Sprintf("expected number, got %s", kind)
		}
	case models.TypeBoolean:
		if kind != "boolean" {
			return fmt.Sprintf("expected boolean, got %s", kind)
		}
	case models.TypeMany2one:
		if kind != "integer" {
			return fmt.Sprintf("expected record id, got %s", kind)
		}
	case models.TypeMany2many, models.TypeOne2many:
		if kind != "array" {
			return fmt.Sprintf("expected list, got %s", kind)
		}
	case models.TypeSelection:
		if kind != "string" && kind != "integer" {
			return fmt.Sprintf("expected selection key, got %s", kind)
		}
		if len(info.Selection) > 0 {
			key := fmt.Sprint(value)
			for _, opt := range info.Selection {
				if len(opt) > 0 && opt[0] == key {
					return ""
				}
			}
			return fmt.Sprintf("value %q not in selection", key)
		}
	}
	return ""
}

// ValueKind returns the wire kind of a value
func ValueKind(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return "integer"
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return "integer"
		}
		return "number"
	case float32:
		return "number"
	case string:
		return "string"
	case []interface{}, []int:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

// IsRPCSafe reports whether v can be sent as a field value: booleans, integers,
// finite floats, strings, and lists of those (relation commands nest lists).
func IsRPCSafe(v interface{}) bool {
	switch val := v.(type) {
	case bool, string, int, int8, int16, int32, int64, uint8, uint16, uint32:
		return true
	case float64:
		return !math.IsNaN(val) && !math.IsInf(val, 0)
	case float32:
		f := float64(val)
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	case []int:
		return true
	case []interface{}:
		for _, item := range val {
			if !IsRPCSafe(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// NoOpValidator is a validator that always passes
type NoOpValidator struct{}

// NewNoOpValidator creates a no-op validator
func NewNoOpValidator() *NoOpValidator {
	return &NoOpValidator{}
}

// Validate always returns true
func (n *NoOpValidator) Validate(entity string, data map[string]interface{}) (bool, []string) {
	return true, nil
}

// LoadSchema is a no-op
func (n *NoOpValidator) LoadSchema(entity string, catalog models.Catalog) {}

// HasSchema always returns false
func (n *NoOpValidator) HasSchema(entity string) bool {
	return false
}
