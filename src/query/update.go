package query

import (
	"fmt"
	"sort"
	"strings"

	"docbatch/src/models"
)

// Operators that look like Mongo update operators but have no implementation.
// They are rejected instead of being ignored.
var unsupportedUpdateOperators = map[string]bool{
	"$rename": true, "$push": true, "$pull": true, "$pullAll": true,
	"$addToSet": true, "$pop": true, "$slice": true, "$sort": true,
	"$currentDate": true, "$setOnInsert": true, "$bit": true,
}

// Patch is the result of applying update operators to one object: the
// values to assign and the keys to remove.
type Patch struct {
	Set   models.Object
	Unset []string
}

// Changes reports whether applying the patch would alter current.
func (p *Patch) Changes(current models.Object) bool {
	for key, value := range p.Set {
		if existing, ok := current[key]; !ok || !Equal(existing, value) {
			return true
		}
	}
	for _, key := range p.Unset {
		if _, ok := current[key]; ok {
			return true
		}
	}
	return false
}

// ApplyTo merges the patch into an object.
func (p *Patch) ApplyTo(object models.Object) {
	for key, value := range p.Set {
		object[key] = value
	}
	for _, key := range p.Unset {
		delete(object, key)
	}
}

// ValidateUpdates checks that every operator in an update document is
// supported.
func ValidateUpdates(updates map[string]interface{}) error {
	for key, value := range updates {
		if !strings.HasPrefix(key, "$") {
			continue
		}
		if unsupportedUpdateOperators[key] {
			return &models.UnsupportedOperatorError{Operator: key}
		}
		switch key {
		case "$set", "$inc", "$mul", "$unset", "$min", "$max":
		default:
			return &models.UnsupportedOperatorError{Operator: key}
		}
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("%s expects a document of field values", key)
		}
	}
	return nil
}

// updateOrder is the order ComputePatch applies operators in, after the
// plain keys. Several operators may touch the same field; the result must
// not depend on map iteration.
var updateOrder = []string{"$set", "$unset", "$inc", "$mul", "$min", "$max"}

// ComputePatch evaluates an update document against the current object.
// Plain keys assign their value, $set assigns, $inc adds, $mul multiplies,
// $unset removes and $min/$max assign when the new value is lower/higher.
// Plain keys go first, then the operators in updateOrder, fields in name
// order; each step sees the result of the previous ones.
func ComputePatch(current models.Object, updates map[string]interface{}) (*Patch, error) {
	if err := ValidateUpdates(updates); err != nil {
		return nil, err
	}

	patch := &Patch{Set: make(models.Object)}
	unset := make(map[string]bool)
	valueOf := func(key string) (interface{}, bool) {
		if value, ok := patch.Set[key]; ok {
			return value, true
		}
		if unset[key] {
			return nil, false
		}
		value, ok := current[key]
		return value, ok
	}
	assign := func(field string, value interface{}) {
		patch.Set[field] = value
		if unset[field] {
			delete(unset, field)
			patch.Unset = removeKey(patch.Unset, field)
		}
	}

	var plain []string
	for key := range updates {
		if !strings.HasPrefix(key, "$") {
			plain = append(plain, key)
		}
	}
	sort.Strings(plain)
	for _, key := range plain {
		assign(key, updates[key])
	}

	for _, key := range updateOrder {
		value, ok := updates[key]
		if !ok {
			continue
		}
		operands := value.(map[string]interface{})
		fields := make([]string, 0, len(operands))
		for field := range operands {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			operand := operands[field]
			existing, exists := valueOf(field)
			switch key {
			case "$set":
				assign(field, operand)
			case "$unset":
				delete(patch.Set, field)
				if !unset[field] {
					unset[field] = true
					patch.Unset = append(patch.Unset, field)
				}
			case "$inc":
				if !exists || existing == nil {
					existing = 0
				}
				sum, err := arithmetic(existing, operand, func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b })
				if err != nil {
					return nil, fmt.Errorf("$inc on field '%s': %w", field, err)
				}
				assign(field, sum)
			case "$mul":
				if !exists || existing == nil {
					existing = 0
				}
				product, err := arithmetic(existing, operand, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b })
				if err != nil {
					return nil, fmt.Errorf("$mul on field '%s': %w", field, err)
				}
				assign(field, product)
			case "$min", "$max":
				if !exists || existing == nil {
					assign(field, operand)
					continue
				}
				result, ok := Compare(operand, existing)
				if !ok {
					return nil, fmt.Errorf("%s on field '%s': cannot compare %T with %T", key, field, operand, existing)
				}
				if (key == "$min" && result < 0) || (key == "$max" && result > 0) {
					assign(field, operand)
				}
			}
		}
	}
	return patch, nil
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}

func arithmetic(a, b interface{}, intOp func(int64, int64) int64, floatOp func(float64, float64) float64) (interface{}, error) {
	aInt, aIsInt := toInt(a)
	bInt, bIsInt := toInt(b)
	if aIsInt && bIsInt {
		return intOp(aInt, bInt), nil
	}

	aFloat, aIsNum := toFloat(a)
	bFloat, bIsNum := toFloat(b)
	if !aIsNum || !bIsNum {
		return nil, fmt.Errorf("cannot apply arithmetic to %T and %T", a, b)
	}
	return floatOp(aFloat, bFloat), nil
}
