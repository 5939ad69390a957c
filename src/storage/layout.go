package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"docbatch/src/models"
	"docbatch/src/query"
	"docbatch/src/schema"
)

// tableLayout is what an engine needs to know about a table, taken from its
// compiled index list.
type tableLayout struct {
	name      string
	pkFields  []string
	autoInc   bool
	unique    []string
	indexList string
}

func newTableLayout(name, indexList string) (*tableLayout, error) {
	exprs, err := schema.ParseIndexList(indexList)
	if err != nil {
		return nil, fmt.Errorf("table '%s': %w", name, err)
	}

	pk := exprs[0]
	if pk.Kind == schema.IndexMultiEntry {
		return nil, fmt.Errorf("table '%s': multi-entry index '%s' cannot be the primary key", name, pk)
	}

	layout := &tableLayout{
		name:      name,
		pkFields:  append([]string(nil), pk.Fields...),
		autoInc:   pk.Kind == schema.IndexAutoIncrement,
		indexList: indexList,
	}
	if pk.Kind == schema.IndexUnique {
		// The primary key is unique already.
		layout.pkFields = []string{pk.Field()}
	}
	for _, expr := range exprs[1:] {
		if expr.Kind == schema.IndexUnique {
			layout.unique = append(layout.unique, expr.Field())
		}
	}
	return layout, nil
}

// layoutsFor builds the table layouts of the latest version.
func layoutsFor(versions []schema.Version) (map[string]*tableLayout, error) {
	latest := schema.Latest(versions)
	if latest == nil {
		return nil, ErrNoSchema
	}
	layouts := make(map[string]*tableLayout, len(latest.Schema))
	for name, indexList := range latest.Schema {
		layout, err := newTableLayout(name, indexList)
		if err != nil {
			return nil, err
		}
		layouts[name] = layout
	}
	return layouts, nil
}

// primaryKey returns the key value of an object: a scalar, or the ordered
// list of values for a compound key.
func (l *tableLayout) primaryKey(object models.Object) (interface{}, error) {
	if len(l.pkFields) == 1 {
		value, ok := object[l.pkFields[0]]
		if !ok || value == nil {
			return nil, fmt.Errorf("table '%s': object has no primary key '%s'", l.name, l.pkFields[0])
		}
		return value, nil
	}

	values := make([]interface{}, len(l.pkFields))
	for i, field := range l.pkFields {
		value, ok := object[field]
		if !ok || value == nil {
			return nil, fmt.Errorf("table '%s': object is missing primary key field '%s'", l.name, field)
		}
		values[i] = value
	}
	return values, nil
}

// needsKey reports whether the engine has to assign the primary key.
func (l *tableLayout) needsKey(object models.Object) bool {
	if !l.autoInc {
		return false
	}
	value, ok := object[l.pkFields[0]]
	return !ok || value == nil
}

// encodeKey renders a primary key as bytes. Auto-increment keys are
// big-endian so stored order follows insertion order.
func (l *tableLayout) encodeKey(key interface{}) ([]byte, error) {
	if l.autoInc {
		if n, ok := asUint(key); ok {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, n)
			return buf, nil
		}
	}

	if values, ok := key.([]interface{}); ok {
		parts := make([]string, len(values))
		for i, value := range values {
			part, err := keyPart(value)
			if err != nil {
				return nil, err
			}
			parts[i] = part
		}
		return []byte(strings.Join(parts, "\x00")), nil
	}

	part, err := keyPart(key)
	if err != nil {
		return nil, err
	}
	return []byte(part), nil
}

func keyPart(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return "s:" + v, nil
	case bool:
		return "b:" + strconv.FormatBool(v), nil
	case time.Time:
		return "t:" + v.UTC().Format(time.RFC3339Nano), nil
	}
	if f, ok := numeric(value); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(f), 10), nil
		}
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported primary key value of type %T", value)
}

func numeric(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
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

func asUint(value interface{}) (uint64, bool) {
	switch v := value.(type) {
	case int:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case uint64:
		return v, true
	case float64:
		return uint64(v), v >= 0 && v == math.Trunc(v)
	default:
		return 0, false
	}
}

// checkUnique fails when another object already holds one of the unique
// values of object.
func (l *tableLayout) checkUnique(object models.Object, key []byte, existing func(visit func(key []byte, other models.Object) error) error) error {
	if len(l.unique) == 0 {
		return nil
	}
	return existing(func(otherKey []byte, other models.Object) error {
		if string(otherKey) == string(key) {
			return nil
		}
		for _, field := range l.unique {
			value := object[field]
			if value == nil {
				continue
			}
			if query.Equal(value, other[field]) {
				return &models.ConstraintError{Collection: l.name, Fields: []string{field}, Value: value}
			}
		}
		return nil
	})
}

// applyQuery filters, sorts and pages objects in their stored order.
func applyQuery(objects []models.Object, q Query) []models.Object {
	if q.Filter != nil {
		objects = q.Filter.MatchAll(objects)
	}
	if q.SortBy != "" {
		query.SortObjects(objects, q.SortBy, q.Descending)
	}
	if q.Skip > 0 {
		if q.Skip >= len(objects) {
			return []models.Object{}
		}
		objects = objects[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < len(objects) {
		objects = objects[:q.Limit]
	}
	if objects == nil {
		objects = []models.Object{}
	}
	return objects
}

// cloneObject copies the top level of an object and its nested maps and
// slices so engines never share mutable state with callers.
func cloneObject(object models.Object) models.Object {
	out := make(models.Object, len(object))
	for key, value := range object {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return cloneObject(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return value
	}
}
