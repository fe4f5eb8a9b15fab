package remote

import (
	"fmt"
	"time"

	"github.com/ha1tch/xmigrate/pkg/validation"
	"github.com/rs/zerolog"
)

// Sanitize converts a payload into RPC-safe values. nil becomes false,
// times become "YYYY-MM-DD HH:MM:SS", []int becomes a generic list and
// fmt.Stringer values are stringified. Anything else is dropped and logged.
// The returned map is a copy; the names of dropped fields are returned too.
func Sanitize(values map[string]interface{}, logger zerolog.Logger) (map[string]interface{}, []string) {
	out := make(map[string]interface{}, len(values))
	var dropped []string

	for key, value := range values {
		converted, ok := sanitizeValue(value)
		if !ok {
			logger.Warn().
				Str("field", key).
				Str("kind", validation.ValueKind(value)).
				Msg("Dropping value that cannot be sent over RPC")
			dropped = append(dropped, key)
			continue
		}
		out[key] = converted
	}
	return out, dropped
}

func sanitizeValue(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case nil:
		return false, true
	case time.Time:
		if v.IsZero() {
			return false, true
		}
		return v.UTC().Format("2006-01-02 15:04:05"), true
	case uint:
		return int(v), true
	case uint64:
		return int(v), true
	case []int:
		list := make([]interface{}, len(v))
		for i, id := range v {
			list[i] = id
		}
		return list, true
	case []interface{}:
		list := make([]interface{}, 0, len(v))
		for _, item := range v {
			converted, ok := sanitizeValue(item)
			if !ok {
				return nil, false
			}
			list = append(list, converted)
		}
		return list, true
	}

	if validation.IsRPCSafe(value) {
		return value, true
	}
	if s, ok := value.(fmt.Stringer); ok {
		return s.String(), true
	}
	return nil, false
}
