package registry

import (
	"fmt"
	"os"
	"time"

	"docbatch/src/helpers"
	"docbatch/src/models"

	"gopkg.in/yaml.v2"
)

var versionLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// LoadDefinitionsFile reads collection definitions from a YAML file:
//
//	collections:
//	  user:
//	    version: 2019-02-01
//	    fields:
//	      displayName: {type: string}
//	  email:
//	    - version: 2019-02-01
//	      fields:
//	        address: string
//	      relationships:
//	        - childOf: user
//	      indices:
//	        - field: [{relationship: user}, address]
//
// A collection holds either one definition or a list of versions. Field
// order in the file is kept.
func LoadDefinitionsFile(path string) (map[string][]models.CollectionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading definitions file %s: %w", path, err)
	}
	definitions, err := LoadDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("error loading definitions file %s: %w", path, err)
	}
	return definitions, nil
}

func LoadDefinitions(data []byte) (map[string][]models.CollectionDefinition, error) {
	var root yaml.MapSlice
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	var collections yaml.MapSlice
	for _, item := range root {
		if fmt.Sprint(item.Key) != "collections" {
			continue
		}
		slice, ok := item.Value.(yaml.MapSlice)
		if !ok {
			return nil, fmt.Errorf("'collections' must be a mapping")
		}
		collections = slice
	}
	if collections == nil {
		return nil, fmt.Errorf("no 'collections' section found")
	}

	result := make(map[string][]models.CollectionDefinition, len(collections))
	for _, item := range collections {
		name := fmt.Sprint(item.Key)

		var versions []interface{}
		switch v := item.Value.(type) {
		case yaml.MapSlice:
			versions = []interface{}{v}
		case []interface{}:
			versions = v
		default:
			return nil, fmt.Errorf("collection '%s' must be a mapping or a list of versions", name)
		}

		for i, version := range versions {
			slice, ok := version.(yaml.MapSlice)
			if !ok {
				return nil, fmt.Errorf("collection '%s' version %d must be a mapping", name, i)
			}
			definition, err := decodeCollection(name, slice)
			if err != nil {
				return nil, err
			}
			result[name] = append(result[name], definition)
		}
	}
	return result, nil
}

func decodeCollection(name string, slice yaml.MapSlice) (models.CollectionDefinition, error) {
	definition := models.CollectionDefinition{Name: name}

	for _, item := range slice {
		key := fmt.Sprint(item.Key)
		switch key {
		case "version":
			version, err := parseVersion(item.Value)
			if err != nil {
				return definition, fmt.Errorf("collection '%s': %w", name, err)
			}
			definition.Version = version
		case "fields":
			fieldSlice, ok := item.Value.(yaml.MapSlice)
			if !ok {
				return definition, fmt.Errorf("collection '%s': 'fields' must be a mapping", name)
			}
			for _, fieldItem := range fieldSlice {
				field, err := decodeField(fmt.Sprint(fieldItem.Key), fieldItem.Value)
				if err != nil {
					return definition, fmt.Errorf("collection '%s': %w", name, err)
				}
				definition.Fields = append(definition.Fields, field)
			}
		case "relationships":
			entries, err := normalizedList(item.Value)
			if err != nil {
				return definition, fmt.Errorf("collection '%s' relationships: %w", name, err)
			}
			for _, entry := range entries {
				rel, err := decodeRelationship(entry)
				if err != nil {
					return definition, fmt.Errorf("collection '%s': %w", name, err)
				}
				definition.Relationships = append(definition.Relationships, rel)
			}
		case "indices", "indexes":
			entries, err := normalizedList(item.Value)
			if err != nil {
				return definition, fmt.Errorf("collection '%s' indices: %w", name, err)
			}
			for _, entry := range entries {
				index, err := decodeIndex(entry)
				if err != nil {
					return definition, fmt.Errorf("collection '%s': %w", name, err)
				}
				definition.Indices = append(definition.Indices, index)
			}
		default:
			return definition, fmt.Errorf("collection '%s': unknown key '%s'", name, key)
		}
	}
	return definition, nil
}

func parseVersion(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range versionLayouts {
			if parsed, err := time.Parse(layout, v); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse version '%s'", v)
	default:
		return time.Time{}, fmt.Errorf("version must be a date, got %T", value)
	}
}

func decodeField(name string, value interface{}) (models.FieldDefinition, error) {
	field := models.FieldDefinition{Name: name, IndexSlot: -1}
	switch v := value.(type) {
	case string:
		field.Type = models.FieldType(v)
		return field, nil
	case yaml.MapSlice:
		for _, item := range v {
			switch fmt.Sprint(item.Key) {
			case "type":
				field.Type = models.FieldType(fmt.Sprint(item.Value))
			case "optional":
				optional, ok := item.Value.(bool)
				if !ok {
					return field, fmt.Errorf("field '%s': 'optional' must be a boolean", name)
				}
				field.Optional = optional
			default:
				return field, fmt.Errorf("field '%s': unknown key '%v'", name, item.Key)
			}
		}
		if field.Type == "" {
			return field, fmt.Errorf("field '%s' has no type", name)
		}
		return field, nil
	default:
		return field, fmt.Errorf("field '%s' must be a type name or a mapping", name)
	}
}

func decodeRelationship(raw interface{}) (models.Relationship, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return models.Relationship{}, fmt.Errorf("relationship must be a mapping, got %T", raw)
	}

	rel := models.Relationship{}
	switch {
	case m["childOf"] != nil:
		rel.Kind = models.ChildOf
		rel.TargetCollection = fmt.Sprint(m["childOf"])
	case m["singleChildOf"] != nil:
		rel.Kind = models.SingleChildOf
		rel.TargetCollection = fmt.Sprint(m["singleChildOf"])
	case m["connects"] != nil:
		rel.Kind = models.Connects
		pair, err := stringPair(m["connects"])
		if err != nil {
			return rel, fmt.Errorf("connects: %w", err)
		}
		rel.Connects = pair
		for key, target := range map[string]*[2]string{"aliases": &rel.Aliases, "fieldNames": &rel.FieldNames, "reverseAliases": &rel.ReverseAliases} {
			if m[key] == nil {
				continue
			}
			if *target, err = stringPair(m[key]); err != nil {
				return rel, fmt.Errorf("%s: %w", key, err)
			}
		}
		return rel, nil
	default:
		return rel, fmt.Errorf("relationship needs one of childOf, singleChildOf or connects")
	}

	if alias, ok := m["alias"].(string); ok {
		rel.Alias = alias
	}
	if fieldName, ok := m["fieldName"].(string); ok {
		rel.FieldName = fieldName
	}
	if reverseAlias, ok := m["reverseAlias"].(string); ok {
		rel.ReverseAlias = reverseAlias
	}
	return rel, nil
}

func decodeIndex(raw interface{}) (models.IndexDefinition, error) {
	index := models.IndexDefinition{}

	m, ok := raw.(map[string]interface{})
	if !ok {
		name, isString := raw.(string)
		if !isString {
			return index, fmt.Errorf("index must be a field name or a mapping, got %T", raw)
		}
		index.Fields = []models.IndexFieldRef{{Field: name}}
		return index, nil
	}

	switch field := m["field"].(type) {
	case string:
		index.Fields = []models.IndexFieldRef{{Field: field}}
	case map[string]interface{}:
		ref, err := decodeIndexRef(field)
		if err != nil {
			return index, err
		}
		index.Fields = []models.IndexFieldRef{ref}
	case []interface{}:
		index.Compound = true
		for _, item := range field {
			ref, err := decodeIndexRef(item)
			if err != nil {
				return index, err
			}
			index.Fields = append(index.Fields, ref)
		}
	default:
		return index, fmt.Errorf("index 'field' must be a name, a relationship reference or a list")
	}

	index.PK, _ = m["pk"].(bool)
	index.Unique, _ = m["unique"].(bool)
	index.AutoInc, _ = m["autoInc"].(bool)
	index.FullTextIndexName, _ = m["fullTextIndexName"].(string)
	return index, nil
}

func decodeIndexRef(raw interface{}) (models.IndexFieldRef, error) {
	switch v := raw.(type) {
	case string:
		return models.IndexFieldRef{Field: v}, nil
	case map[string]interface{}:
		alias, ok := v["relationship"].(string)
		if !ok {
			return models.IndexFieldRef{}, fmt.Errorf("relationship reference needs a 'relationship' key")
		}
		return models.IndexFieldRef{Relationship: alias}, nil
	default:
		return models.IndexFieldRef{}, fmt.Errorf("invalid index field reference %v", raw)
	}
}

func normalizedList(value interface{}) ([]interface{}, error) {
	normalized, err := helpers.NormalizeYAML(value)
	if err != nil {
		return nil, err
	}
	list, ok := normalized.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
	return list, nil
}

func stringPair(value interface{}) ([2]string, error) {
	list, ok := value.([]interface{})
	if !ok || len(list) != 2 {
		return [2]string{}, fmt.Errorf("expected a list of two names")
	}
	return [2]string{fmt.Sprint(list[0]), fmt.Sprint(list[1])}, nil
}
