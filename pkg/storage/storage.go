package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")
	// ErrInvalidEntity is returned when the entity type name is invalid
	ErrInvalidEntity = errors.New("invalid entity type")
	// ErrInvalidID is returned when an identifier is not positive
	ErrInvalidID = errors.New("invalid ID")
	// ErrNoSchema is returned when no field catalog is registered for an entity type
	ErrNoSchema = errors.New("no schema registered")
)

// Store is the record store behind the local transport
type Store interface {
	Create(ctx context.Context, entity string, data map[string]interface{}) (int, error)
	Get(ctx context.Context, entity string, id int) (map[string]interface{}, error)
	Patch(ctx context.Context, entity string, id int, data map[string]interface{}) error
	List(ctx context.Context, entity string) ([]map[string]interface{}, error)
	SchemaStore

	Close() error
}

// SchemaStore keeps one field catalog per entity type
type SchemaStore interface {
	PutSchema(ctx context.Context, entity string, schema map[string]interface{}) error
	GetSchema(ctx context.Context, entity string) (map[string]interface{}, error)
}

// ValidateEntity checks an entity type name
func ValidateEntity(entity string) error {
	if entity == "" || strings.ContainsAny(entity, " \t\n/\\") {
		return ErrInvalidEntity
	}
	return nil
}

// decodeDocument unmarshals a stored JSON document keeping integers integral.
// Whole numbers come back as int64 and fractional numbers as float64, the same
// shapes the XML-RPC transport yields.
func decodeDocument(raw string) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	for k, v := range doc {
		doc[k] = NormalizeNumber(v)
	}
	return doc, nil
}

// NormalizeNumber replaces json.Number values, nested ones included, with
// int64 or float64
func NormalizeNumber(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []interface{}:
		for i := range val {
			val[i] = NormalizeNumber(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = NormalizeNumber(val[k])
		}
		return val
	default:
		return v
	}
}
