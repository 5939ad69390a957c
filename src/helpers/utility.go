package helpers

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

func GenerateUUID() string {
	return uuid.New().String()
}

// Pluralize forms the English plural of a collection name, which is the
// default reverse alias of a childOf relationship ("email" -> "emails").
func Pluralize(word string) string {
	if word == "" {
		return word
	}
	lower := strings.ToLower(word)
	for _, suffix := range []string{"s", "x", "z", "ch", "sh"} {
		if strings.HasSuffix(lower, suffix) {
			return word + "es"
		}
	}
	if strings.HasSuffix(lower, "y") && len(lower) > 1 && !strings.ContainsRune("aeiou", rune(lower[len(lower)-2])) {
		return word[:len(word)-1] + "ies"
	}
	return word + "s"
}

// NormalizeYAML turns the map[interface{}]interface{} and MapSlice values
// produced by yaml.v2 into map[string]interface{} all the way down.
func NormalizeYAML(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			normalized, err := NormalizeYAML(item)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(key)] = normalized
		}
		return out, nil
	case yaml.MapSlice:
		out := make(map[string]interface{}, len(v))
		for _, item := range v {
			normalized, err := NormalizeYAML(item.Value)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(item.Key)] = normalized
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			normalized, err := NormalizeYAML(item)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			normalized, err := NormalizeYAML(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return value, nil
	}
}
