package helpers

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EncodeBSON encodes an object for storage.
func EncodeBSON(object map[string]interface{}) ([]byte, error) {
	bsonData, err := bson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("error encoding BSON: %w", err)
	}
	return bsonData, nil
}

// DecodeBSON decodes a stored object back into plain Go values: nested
// documents become maps, arrays become []interface{}, integers int64 and
// datetimes time.Time.
func DecodeBSON(bsonData []byte) (map[string]interface{}, error) {
	var decodedData map[string]interface{}
	if err := bson.Unmarshal(bsonData, &decodedData); err != nil {
		return nil, fmt.Errorf("error decoding BSON: %w", err)
	}
	for key, value := range decodedData {
		decodedData[key] = normalizeBSON(value)
	}
	return decodedData, nil
}

func normalizeBSON(value interface{}) interface{} {
	switch v := value.(type) {
	case primitive.D:
		out := make(map[string]interface{}, len(v))
		for _, elem := range v {
			out[elem.Key] = normalizeBSON(elem.Value)
		}
		return out
	case primitive.M:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = normalizeBSON(item)
		}
		return out
	case map[string]interface{}:
		for key, item := range v {
			v[key] = normalizeBSON(item)
		}
		return v
	case primitive.A:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalizeBSON(item)
		}
		return out
	case []interface{}:
		for i, item := range v {
			v[i] = normalizeBSON(item)
		}
		return v
	case int32:
		return int64(v)
	case primitive.DateTime:
		return v.Time().UTC()
	default:
		return value
	}
}
