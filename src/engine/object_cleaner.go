package engine

import (
	"fmt"
	"time"

	"docbatch/src/models"
	"docbatch/src/stemming"
)

type Purpose int

const (
	PurposeCreate Purpose = iota
	PurposeUpdate
	PurposeRead
	PurposeQueryFilter
)

func (p Purpose) String() string {
	switch p {
	case PurposeCreate:
		return "create"
	case PurposeUpdate:
		return "update"
	case PurposeRead:
		return "read"
	case PurposeQueryFilter:
		return "query-filter"
	default:
		return fmt.Sprintf("Purpose(%d)", int(p))
	}
}

type CleanerOptions struct {
	Collection *models.CollectionDefinition
	// Stemmers may be nil when no collection has an indexed text field.
	Stemmers stemming.Selector
	Clock    func() time.Time
}

func (o *CleanerOptions) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}

// ObjectCleaner transforms one object in place.
type ObjectCleaner func(object models.Object, options *CleanerOptions, purpose Purpose) error

// CleanerChain runs cleaners in order, stopping at the first error.
func CleanerChain(cleaners ...ObjectCleaner) ObjectCleaner {
	return func(object models.Object, options *CleanerOptions, purpose Purpose) error {
		for _, cleaner := range cleaners {
			if err := cleaner(object, options, purpose); err != nil {
				return err
			}
		}
		return nil
	}
}

var (
	writeCleaners = CleanerChain(
		normalizeOptionalFields,
		cleanTimestampDefaults,
		cleanAliasesForWrite,
		cleanCustomFieldsForWrite,
		cleanFullTextFieldsForWrite,
	)
	readCleaners   = CleanerChain(cleanCustomFieldsForRead, cleanAliasesForRead)
	filterCleaners = CleanerChain(cleanAliasesForFilter)
)

// Clean prepares an object for the given purpose. The object is owned by
// the pipeline for the duration of the call and modified in place.
func Clean(object models.Object, options *CleanerOptions, purpose Purpose) error {
	if object == nil {
		return nil
	}
	switch purpose {
	case PurposeCreate, PurposeUpdate:
		return writeCleaners(object, options, purpose)
	case PurposeRead:
		return readCleaners(object, options, purpose)
	case PurposeQueryFilter:
		return filterCleaners(object, options, purpose)
	default:
		return fmt.Errorf("unknown cleaning purpose %s", purpose)
	}
}

// normalizeOptionalFields stores absent optional fields as explicit nils.
func normalizeOptionalFields(object models.Object, options *CleanerOptions, purpose Purpose) error {
	if purpose != PurposeCreate {
		return nil
	}
	for _, field := range options.Collection.Fields {
		if _, ok := object[field.Name]; !ok && field.Optional {
			object[field.Name] = nil
		}
	}
	return nil
}

func cleanTimestampDefaults(object models.Object, options *CleanerOptions, purpose Purpose) error {
	for _, field := range options.Collection.Fields {
		if field.Kind != models.FieldKindTimestamp {
			continue
		}
		if value, ok := object[field.Name]; ok && models.IsNow(value) {
			object[field.Name] = options.now()
		}
	}
	return nil
}

func cleanAliasesForWrite(object models.Object, options *CleanerOptions, purpose Purpose) error {
	for _, rel := range options.Collection.Relationships {
		for _, pair := range rel.AliasPairs() {
			alias, stored := pair[0], pair[1]
			if alias == stored {
				continue
			}
			if value, ok := object[alias]; ok {
				object[stored] = value
				delete(object, alias)
			}
		}
	}
	return nil
}

// cleanAliasesForFilter translates aliases at every level of a where clause.
// Sub-filters under $and and $or are copied before translation so the
// caller's clause is left untouched.
func cleanAliasesForFilter(object models.Object, options *CleanerOptions, purpose Purpose) error {
	if err := cleanAliasesForWrite(object, options, purpose); err != nil {
		return err
	}
	for _, key := range []string{"$and", "$or"} {
		value, ok := object[key]
		if !ok {
			continue
		}
		var subFilters []map[string]interface{}
		switch list := value.(type) {
		case []interface{}:
			for _, item := range list {
				sub, isMap := item.(map[string]interface{})
				if !isMap {
					return fmt.Errorf("%s expects a list of filters, got %T", key, item)
				}
				subFilters = append(subFilters, sub)
			}
		case []map[string]interface{}:
			subFilters = list
		default:
			return fmt.Errorf("%s expects a list of filters, got %T", key, value)
		}

		cleaned := make([]interface{}, len(subFilters))
		for i, sub := range subFilters {
			copied := make(models.Object, len(sub))
			for k, v := range sub {
				copied[k] = v
			}
			if err := cleanAliasesForFilter(copied, options, purpose); err != nil {
				return err
			}
			cleaned[i] = copied
		}
		object[key] = cleaned
	}
	return nil
}

func cleanAliasesForRead(object models.Object, options *CleanerOptions, purpose Purpose) error {
	for _, rel := range options.Collection.Relationships {
		for _, pair := range rel.AliasPairs() {
			alias, stored := pair[0], pair[1]
			if alias == stored {
				continue
			}
			if value, ok := object[stored]; ok {
				object[alias] = value
				delete(object, stored)
			}
		}
	}
	return nil
}

// cleanCustomFieldsForWrite converts the values present in the object. On
// create, codecs that fill absent values (random-key) also run for missing
// fields.
func cleanCustomFieldsForWrite(object models.Object, options *CleanerOptions, purpose Purpose) error {
	for _, field := range options.Collection.Fields {
		if field.Codec == nil {
			continue
		}
		value, present := object[field.Name]
		if !present && (purpose != PurposeCreate || !fillsAbsent(field.Codec)) {
			continue
		}
		converted, err := field.Codec.ToStorage(value)
		if err != nil {
			return fmt.Errorf("field '%s.%s': %w", options.Collection.Name, field.Name, err)
		}
		object[field.Name] = converted
	}
	return nil
}

// TermsFieldFor returns the derived terms field of an indexed text field.
func TermsFieldFor(def *models.CollectionDefinition, fieldName string) (string, bool) {
	field, ok := def.Field(fieldName)
	if !ok || field.Kind != models.FieldKindText || !field.Indexed() {
		return "", false
	}
	return def.Indices[field.IndexSlot].TermsField(field.Name), true
}

func fillsAbsent(codec models.FieldCodec) bool {
	filler, ok := codec.(models.AbsentValueFiller)
	return ok && filler.FillsAbsent()
}

func cleanCustomFieldsForRead(object models.Object, options *CleanerOptions, purpose Purpose) error {
	for _, field := range options.Collection.Fields {
		if field.Codec == nil {
			continue
		}
		value, present := object[field.Name]
		if !present {
			continue
		}
		converted, err := field.Codec.FromStorage(value)
		if err != nil {
			return fmt.Errorf("field '%s.%s': %w", options.Collection.Name, field.Name, err)
		}
		object[field.Name] = converted
	}
	return nil
}

// cleanFullTextFieldsForWrite derives the terms field of every indexed text
// field being written. A terms value given explicitly in an update wins. An
// update that empties the text empties its terms.
func cleanFullTextFieldsForWrite(object models.Object, options *CleanerOptions, purpose Purpose) error {
	def := options.Collection
	for i := range def.Fields {
		field := &def.Fields[i]
		if field.Kind != models.FieldKindText || !field.Indexed() {
			continue
		}
		value, present := object[field.Name]
		if !present {
			continue
		}

		termsField := def.Indices[field.IndexSlot].TermsField(field.Name)
		if _, explicit := object[termsField]; explicit && purpose == PurposeUpdate {
			continue
		}

		text, ok := value.(string)
		if !ok || text == "" {
			if purpose == PurposeUpdate {
				object[termsField] = []interface{}{}
			}
			continue
		}

		if options.Stemmers == nil {
			return &models.ConfigurationError{
				Collection: def.Name,
				Message:    fmt.Sprintf("you tried to write to an indexed text field (%s) without specifying a stemmer selector", field.Name),
			}
		}
		stemmer := options.Stemmers(def.Name, field.Name)
		if stemmer == nil {
			return &models.ConfigurationError{
				Collection: def.Name,
				Message:    fmt.Sprintf("you tried to write to an indexed text field (%s) without specifying a stemmer for that field", field.Name),
			}
		}

		stems := stemming.Unique(stemmer(text))
		terms := make([]interface{}, len(stems))
		for j, stem := range stems {
			terms[j] = stem
		}
		object[termsField] = terms
	}
	return nil
}
