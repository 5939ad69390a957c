package query

import (
	"fmt"
	"strings"

	"docbatch/src/models"
)

var comparisonOperators = map[string]bool{
	"$eq": true, "$ne": true,
	"$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true,
	"$exists": true, "$all": true,
}

// Filter is a validated Mongo-style where clause.
//
//	{"displayName": "Jane"}
//	{"age": {"$gte": 18, "$lt": 65}}
//	{"$or": [{"age": {"$lt": 18}}, {"guardian": {"$exists": true}}]}
//
// Equality against an array field matches when the array contains the value.
type Filter struct {
	where      map[string]interface{}
	ignoreCase map[string]bool
}

// NewFilter validates the operators of a where clause. String comparisons on
// the ignoreCase fields are case-insensitive.
func NewFilter(where map[string]interface{}, ignoreCase ...string) (*Filter, error) {
	if err := validate(where); err != nil {
		return nil, err
	}
	f := &Filter{where: where, ignoreCase: make(map[string]bool, len(ignoreCase))}
	for _, field := range ignoreCase {
		f.ignoreCase[field] = true
	}
	return f, nil
}

func (f *Filter) Fields() []string {
	fields := make([]string, 0, len(f.where))
	for key := range f.where {
		if !strings.HasPrefix(key, "$") {
			fields = append(fields, key)
		}
	}
	return fields
}

func (f *Filter) Match(object models.Object) bool {
	return f.matchGroup(object, f.where)
}

// MatchAll returns the objects the filter matches, in input order.
func (f *Filter) MatchAll(objects []models.Object) []models.Object {
	var matched []models.Object
	for _, object := range objects {
		if f.Match(object) {
			matched = append(matched, object)
		}
	}
	return matched
}

func validate(where map[string]interface{}) error {
	for key, value := range where {
		switch key {
		case "$and", "$or":
			list, ok := value.([]interface{})
			if !ok {
				if maps, isMaps := value.([]map[string]interface{}); isMaps {
					for _, sub := range maps {
						if err := validate(sub); err != nil {
							return err
						}
					}
					continue
				}
				return fmt.Errorf("%s expects a list of filters", key)
			}
			for _, item := range list {
				sub, ok := item.(map[string]interface{})
				if !ok {
					return fmt.Errorf("%s expects a list of filters", key)
				}
				if err := validate(sub); err != nil {
					return err
				}
			}
		default:
			if strings.HasPrefix(key, "$") {
				return &models.UnsupportedOperatorError{Operator: key}
			}
			ops, ok := operatorMap(value)
			if !ok {
				continue
			}
			for op, operand := range ops {
				if !comparisonOperators[op] {
					return &models.UnsupportedOperatorError{Operator: op}
				}
				if op == "$in" || op == "$nin" || op == "$all" {
					if _, isList := asList(operand); !isList {
						return fmt.Errorf("%s on field '%s' expects a list", op, key)
					}
				}
			}
		}
	}
	return nil
}

// operatorMap reports whether a condition is an operator document such as
// {"$gt": 1} rather than a literal value.
func operatorMap(value interface{}) (map[string]interface{}, bool) {
	m, ok := value.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return m, true
}

func asList(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []string:
		list := make([]interface{}, len(v))
		for i, item := range v {
			list[i] = item
		}
		return list, true
	default:
		return nil, false
	}
}

func (f *Filter) matchGroup(object models.Object, where map[string]interface{}) bool {
	for key, condition := range where {
		switch key {
		case "$and":
			for _, sub := range subFilters(condition) {
				if !f.matchGroup(object, sub) {
					return false
				}
			}
		case "$or":
			matched := false
			for _, sub := range subFilters(condition) {
				if f.matchGroup(object, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !f.matchField(object, key, condition) {
				return false
			}
		}
	}
	return true
}

func subFilters(value interface{}) []map[string]interface{} {
	if maps, ok := value.([]map[string]interface{}); ok {
		return maps
	}
	list, _ := value.([]interface{})
	subs := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if sub, ok := item.(map[string]interface{}); ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (f *Filter) matchField(object models.Object, field string, condition interface{}) bool {
	value, exists := Lookup(object, field)
	fold := f.ignoreCase[field]

	ops, isOps := operatorMap(condition)
	if !isOps {
		return f.equals(value, condition, fold)
	}

	for op, operand := range ops {
		var matched bool
		switch op {
		case "$eq":
			matched = f.equals(value, operand, fold)
		case "$ne":
			matched = !f.equals(value, operand, fold)
		case "$gt", "$gte", "$lt", "$lte":
			matched = anyValue(value, func(v interface{}) bool {
				return compareWith(op, v, operand, fold)
			})
		case "$in":
			list, _ := asList(operand)
			matched = false
			for _, candidate := range list {
				if f.equals(value, candidate, fold) {
					matched = true
					break
				}
			}
		case "$nin":
			list, _ := asList(operand)
			matched = true
			for _, candidate := range list {
				if f.equals(value, candidate, fold) {
					matched = false
					break
				}
			}
		case "$exists":
			want, _ := operand.(bool)
			matched = exists == want
		case "$all":
			list, _ := asList(operand)
			matched = exists
			for _, candidate := range list {
				if !f.equals(value, candidate, fold) {
					matched = false
					break
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// equals matches a stored value against a literal: arrays match when any
// element equals the literal, unless the literal is itself an array.
func (f *Filter) equals(value, literal interface{}, fold bool) bool {
	if list, isList := value.([]interface{}); isList {
		if _, literalIsList := literal.([]interface{}); !literalIsList {
			for _, item := range list {
				if valueEquals(item, literal, fold) {
					return true
				}
			}
			return false
		}
	}
	return valueEquals(value, literal, fold)
}

func valueEquals(a, b interface{}, fold bool) bool {
	if fold {
		aStr, aIsString := a.(string)
		bStr, bIsString := b.(string)
		if aIsString && bIsString {
			return strings.EqualFold(aStr, bStr)
		}
	}
	return Equal(a, b)
}

func anyValue(value interface{}, pred func(interface{}) bool) bool {
	if list, isList := value.([]interface{}); isList {
		for _, item := range list {
			if pred(item) {
				return true
			}
		}
		return false
	}
	return pred(value)
}

func compareWith(op string, value, operand interface{}, fold bool) bool {
	if fold {
		if s, ok := value.(string); ok {
			value = strings.ToLower(s)
		}
		if s, ok := operand.(string); ok {
			operand = strings.ToLower(s)
		}
	}
	result, ok := Compare(value, operand)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return result > 0
	case "$gte":
		return result >= 0
	case "$lt":
		return result < 0
	default:
		return result <= 0
	}
}
