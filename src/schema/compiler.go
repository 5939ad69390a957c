package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"docbatch/src/models"
	"docbatch/src/registry"
)

// Version is the compiled index layout of every collection known at one
// point of the schema history.
type Version struct {
	Number        int               `yaml:"version" json:"version" bson:"version"`
	SchemaVersion time.Time         `yaml:"schemaVersion" json:"schemaVersion" bson:"schemaVersion"`
	Schema        map[string]string `yaml:"schema" json:"schema" bson:"schema"`
}

// SchemaPatcher may rewrite the compiled versions before they are handed to
// a storage engine.
type SchemaPatcher func([]Version) []Version

func IdentityPatcher(versions []Version) []Version {
	return versions
}

// Compile turns the schema history into numbered index layouts. Every
// version is cumulative: collections registered earlier keep their latest
// definition until a newer version replaces it.
func Compile(history []registry.SchemaHistoryEntry) ([]Version, error) {
	snapshot := make(map[string]*models.CollectionDefinition)
	versions := make([]Version, 0, len(history))

	for i, entry := range history {
		for name, definition := range entry.Collections {
			snapshot[name] = definition
		}

		names := make([]string, 0, len(snapshot))
		for name := range snapshot {
			names = append(names, name)
		}
		sort.Strings(names)

		compiled := make(map[string]string, len(snapshot))
		for _, name := range names {
			indexList, err := CompileCollection(snapshot[name])
			if err != nil {
				return nil, fmt.Errorf("error compiling schema version %s: %w", entry.Version.Format(time.RFC3339), err)
			}
			compiled[name] = indexList
		}

		versions = append(versions, Version{
			Number:        i + 1,
			SchemaVersion: entry.Version,
			Schema:        compiled,
		})
	}
	return versions, nil
}

// CompileCollection renders the index list of a single collection, primary
// key first.
func CompileCollection(def *models.CollectionDefinition) (string, error) {
	ordered := make([]models.IndexDefinition, len(def.Indices))
	copy(ordered, def.Indices)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PK && !ordered[j].PK
	})

	exprs := make([]string, 0, len(ordered))
	for _, index := range ordered {
		expr, err := compileIndex(def, &index)
		if err != nil {
			return "", err
		}
		exprs = append(exprs, expr)
	}
	return strings.Join(exprs, indexListSeparator), nil
}

func compileIndex(def *models.CollectionDefinition, index *models.IndexDefinition) (string, error) {
	if len(index.Fields) == 0 {
		return "", &models.ConfigurationError{Collection: def.Name, Message: "index without fields"}
	}

	// Flags other than the field list do not apply to compound indexes.
	if index.Compound || len(index.Fields) > 1 {
		fieldNames := make([]string, 0, len(index.Fields))
		for _, ref := range index.Fields {
			if ref.IsRelationship() {
				rel, err := relationshipFor(def, ref.Relationship)
				if err != nil {
					return "", err
				}
				if rel.Kind == models.Connects {
					return "", &models.ConfigurationError{Collection: def.Name, Message: "cannot create a compound index involving a 'connects' relationship"}
				}
				fieldNames = append(fieldNames, rel.FieldName)
				continue
			}
			if _, ok := def.Field(ref.Field); !ok {
				return "", &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("index on non-existing field '%s'", ref.Field)}
			}
			fieldNames = append(fieldNames, ref.Field)
		}
		return "[" + strings.Join(fieldNames, "+") + "]", nil
	}

	ref := index.Single()
	if ref.IsRelationship() {
		if _, err := relationshipFor(def, ref.Relationship); err != nil {
			return "", err
		}
		stored, _ := def.StoredFieldForAlias(ref.Relationship)
		return prefixFor(index, false) + stored, nil
	}

	field, ok := def.Field(ref.Field)
	if !ok {
		return "", &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("index on non-existing field '%s'", ref.Field)}
	}
	if field.Kind == models.FieldKindText || field.Type == models.FieldTypeText {
		return "*" + index.TermsField(field.Name), nil
	}
	return prefixFor(index, field.Type == models.FieldTypeAutoPK) + field.Name, nil
}

func prefixFor(index *models.IndexDefinition, autoPK bool) string {
	if index.PK && (index.AutoInc || autoPK) {
		return "++"
	}
	if index.Unique {
		return "&"
	}
	return ""
}

func relationshipFor(def *models.CollectionDefinition, alias string) (*models.Relationship, error) {
	rel, ok := def.RelationshipByAlias(alias)
	if !ok {
		return nil, &models.ConfigurationError{
			Collection: def.Name,
			Message:    fmt.Sprintf("you tried to create an index on non-existing relationship '%s'", alias),
		}
	}
	return rel, nil
}

// Latest returns the last compiled version, nil when there is none.
func Latest(versions []Version) *Version {
	if len(versions) == 0 {
		return nil
	}
	return &versions[len(versions)-1]
}
