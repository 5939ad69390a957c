package fields

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"docbatch/src/helpers"
	"docbatch/src/models"
)

const (
	TypeJSON      models.FieldType = "json"
	TypeRandomKey models.FieldType = "random-key"
	TypeEncrypted models.FieldType = "encrypted"
)

// TypeRegistry maps custom field type names to the codec that prepares their
// values for storage.
type TypeRegistry struct {
	mu     sync.RWMutex
	codecs map[models.FieldType]models.FieldCodec
}

// NewTypeRegistry returns a registry holding the json and random-key types.
// The encrypted type needs a key and is added with RegisterEncrypted.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{codecs: make(map[models.FieldType]models.FieldCodec)}
	r.Register(TypeJSON, JSONCodec{})
	r.Register(TypeRandomKey, RandomKeyCodec{})
	return r
}

func (r *TypeRegistry) Register(fieldType models.FieldType, codec models.FieldCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[fieldType] = codec
}

// RegisterEncrypted adds the encrypted field type with a key derived from
// passphrase.
func (r *TypeRegistry) RegisterEncrypted(passphrase string) error {
	codec, err := NewEncryptedCodec(passphrase)
	if err != nil {
		return fmt.Errorf("failed to set up encrypted field type: %w", err)
	}
	r.Register(TypeEncrypted, codec)
	return nil
}

func (r *TypeRegistry) Lookup(fieldType models.FieldType) (models.FieldCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[fieldType]
	return codec, ok
}

func (r *TypeRegistry) Types() []models.FieldType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.FieldType, 0, len(r.codecs))
	for t := range r.codecs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// JSONCodec stores arbitrary values as JSON text.
type JSONCodec struct{}

func (JSONCodec) ToStorage(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("error encoding json field: %w", err)
	}
	return string(encoded), nil
}

func (JSONCodec) FromStorage(value interface{}) (interface{}, error) {
	text, ok := value.(string)
	if !ok {
		return value, nil
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, fmt.Errorf("error decoding json field: %w", err)
	}
	return decoded, nil
}

// RandomKeyCodec fills empty values with a fresh random key.
type RandomKeyCodec struct{}

func (RandomKeyCodec) ToStorage(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return helpers.GenerateUUID(), nil
	case string:
		if v == "" {
			return helpers.GenerateUUID(), nil
		}
		return v, nil
	default:
		return value, nil
	}
}

func (RandomKeyCodec) FromStorage(value interface{}) (interface{}, error) {
	return value, nil
}

func (RandomKeyCodec) FillsAbsent() bool {
	return true
}
