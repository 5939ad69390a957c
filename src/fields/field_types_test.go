package fields

import (
	"testing"

	"docbatch/src/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec{}

	stored, err := codec.ToStorage(map[string]interface{}{"tags": []interface{}{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, `{"tags":["a","b"]}`, stored)

	restored, err := codec.FromStorage(stored)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"tags": []interface{}{"a", "b"}}, restored)

	stored, err = codec.ToStorage(nil)
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = codec.FromStorage("{not json")
	assert.Error(t, err)
}

func TestRandomKeyCodec(t *testing.T) {
	codec := RandomKeyCodec{}

	t.Run("fills missing keys", func(t *testing.T) {
		for _, value := range []interface{}{nil, ""} {
			stored, err := codec.ToStorage(value)
			require.NoError(t, err)
			_, err = uuid.Parse(stored.(string))
			assert.NoError(t, err)
		}
	})

	t.Run("keeps explicit keys", func(t *testing.T) {
		stored, err := codec.ToStorage("my-key")
		require.NoError(t, err)
		assert.Equal(t, "my-key", stored)
	})
}

func TestEncryptedCodec(t *testing.T) {
	_, err := NewEncryptedCodec("")
	require.Error(t, err)

	codec, err := NewEncryptedCodec("correct horse battery staple")
	require.NoError(t, err)

	stored, err := codec.ToStorage("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", stored)

	restored, err := codec.FromStorage(stored)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", restored)

	t.Run("same passphrase opens values sealed by another codec", func(t *testing.T) {
		other, err := NewEncryptedCodec("correct horse battery staple")
		require.NoError(t, err)
		restored, err := other.FromStorage(stored)
		require.NoError(t, err)
		assert.Equal(t, "s3cret", restored)
	})

	t.Run("wrong passphrase fails", func(t *testing.T) {
		other, err := NewEncryptedCodec("wrong")
		require.NoError(t, err)
		_, err = other.FromStorage(stored)
		assert.Error(t, err)
	})

	t.Run("non-string values are rejected", func(t *testing.T) {
		_, err := codec.ToStorage(42)
		assert.Error(t, err)
	})
}

func TestTypeRegistry(t *testing.T) {
	registry := NewTypeRegistry()
	assert.Equal(t, []models.FieldType{TypeJSON, TypeRandomKey}, registry.Types())

	_, ok := registry.Lookup(TypeEncrypted)
	assert.False(t, ok)

	require.NoError(t, registry.RegisterEncrypted("pass"))
	codec, ok := registry.Lookup(TypeEncrypted)
	require.True(t, ok)
	assert.IsType(t, &EncryptedCodec{}, codec)
}
