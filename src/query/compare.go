package query

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"docbatch/src/models"
)

// toFloat converts any numeric value, reporting whether it was one.
func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func toInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}

// Compare orders two values of the same family: numbers, strings, booleans
// or times. ok is false when they cannot be compared.
func Compare(a, b interface{}) (result int, ok bool) {
	if aVal, aIsNum := toFloat(a); aIsNum {
		bVal, bIsNum := toFloat(b)
		if !bIsNum {
			return 0, false
		}
		switch {
		case aVal < bVal:
			return -1, true
		case aVal > bVal:
			return 1, true
		default:
			return 0, true
		}
	}

	switch aVal := a.(type) {
	case string:
		bVal, isString := b.(string)
		if !isString {
			return 0, false
		}
		return strings.Compare(aVal, bVal), true
	case bool:
		bVal, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case aVal == bVal:
			return 0, true
		case !aVal:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		bVal, isTime := b.(time.Time)
		if !isTime {
			return 0, false
		}
		return aVal.Compare(bVal), true
	default:
		return 0, false
	}
}

// Equal compares numbers by value and everything else structurally.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if result, ok := Compare(a, b); ok {
		return result == 0
	}
	return reflect.DeepEqual(a, b)
}

// SortObjects orders objects by one field. Objects missing the field, or
// holding a value that does not compare, sort first.
func SortObjects(objects []models.Object, field string, descending bool) {
	sort.SliceStable(objects, func(i, j int) bool {
		a, _ := Lookup(objects[i], field)
		b, _ := Lookup(objects[j], field)
		if descending {
			a, b = b, a
		}
		if a == nil {
			return b != nil
		}
		if b == nil {
			return false
		}
		result, ok := Compare(a, b)
		return ok && result < 0
	})
}

// Lookup reads a possibly dotted field path out of an object.
func Lookup(object models.Object, path string) (interface{}, bool) {
	var current interface{} = object
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
