package remote

import (
	"fmt"
	"strings"

	"github.com/ha1tch/xmigrate/pkg/models"
)

// condition is one (field, operator, value) triple of a search domain
type condition struct {
	field string
	op    string
	value interface{}
}

// parseDomain accepts a list of triples joined by implicit AND.
// An explicit "&" is tolerated; "|" and "!" are not supported locally.
func parseDomain(domain interface{}) ([]condition, error) {
	if domain == nil {
		return nil, nil
	}
	list, ok := domain.([]interface{})
	if !ok {
		return nil, NewFault("invalid domain %v", domain)
	}

	conds := make([]condition, 0, len(list))
	for _, term := range list {
		if s, ok := term.(string); ok {
			if s == "&" {
				continue
			}
			return nil, NewFault("unsupported domain operator %q", s)
		}
		triple, ok := term.([]interface{})
		if !ok || len(triple) != 3 {
			return nil, NewFault("invalid domain term %v", term)
		}
		field, _ := triple[0].(string)
		op, _ := triple[1].(string)
		if field == "" || op == "" {
			return nil, NewFault("invalid domain term %v", term)
		}
		switch op {
		case "=", "!=", "in", "not in", "<", "<=", ">", ">=", "like", "ilike":
		default:
			return nil, NewFault("unsupported domain operator %q", op)
		}
		conds = append(conds, condition{field: field, op: op, value: triple[2]})
	}
	return conds, nil
}

func (c condition) match(doc map[string]interface{}, catalog models.Catalog) bool {
	actual := doc[c.field]
	if info, ok := catalog[c.field]; ok && info.Type == models.TypeMany2one {
		if id, ok := models.AsReference(actual); ok {
			actual = id
		} else {
			actual = false
		}
	}

	switch c.op {
	case "=":
		return equalValues(actual, c.value)
	case "!=":
		return !equalValues(actual, c.value)
	case "in":
		return containsValue(c.value, actual)
	case "not in":
		return !containsValue(c.value, actual)
	case "<":
		return orderable(actual, c.value) && compareValues(actual, c.value) < 0
	case "<=":
		return orderable(actual, c.value) && compareValues(actual, c.value) <= 0
	case ">":
		return orderable(actual, c.value) && compareValues(actual, c.value) > 0
	case ">=":
		return orderable(actual, c.value) && compareValues(actual, c.value) >= 0
	case "like":
		s, ok := actual.(string)
		return ok && strings.Contains(s, fmt.Sprint(c.value))
	case "ilike":
		s, ok := actual.(string)
		return ok && strings.Contains(strings.ToLower(s), strings.ToLower(fmt.Sprint(c.value)))
	}
	return false
}

func containsValue(list interface{}, v interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return equalValues(v, list)
	}
	if ids, isList := v.([]interface{}); isList {
		// many2many: any overlap matches
		for _, id := range ids {
			if containsValue(items, id) {
				return true
			}
		}
		return false
	}
	for _, item := range items {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if models.IsEmpty(a) && models.IsEmpty(b) {
		return true
	}
	if ai, ok := toFloat(a); ok {
		bi, ok := toFloat(b)
		return ok && ai == bi
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func orderable(a, b interface{}) bool {
	if _, ok := toFloat(a); ok {
		_, ok := toFloat(b)
		return ok
	}
	_, aok := a.(string)
	_, bok := b.(string)
	return aok && bok
}

// compareValues orders numbers numerically and everything else as strings
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	switch {
	case aok && bok:
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case aok:
		return 1
	case bok:
		return -1
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
