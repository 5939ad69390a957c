package fields

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for deriving the field key from the passphrase.
const (
	keyTime    = 1
	keyMemory  = 64 * 1024
	keyThreads = 4
	keyLen     = 32
)

// EncryptedCodec seals string values with AES-GCM. The stored form is the
// base64 of nonce||ciphertext.
type EncryptedCodec struct {
	key []byte
}

func NewEncryptedCodec(passphrase string) (*EncryptedCodec, error) {
	if passphrase == "" {
		return nil, errors.New("encrypted fields need a non-empty passphrase")
	}
	// The salt is derived from the passphrase so the same passphrase opens the
	// same store across restarts.
	salt := sha256.Sum256([]byte("docbatch:" + passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], keyTime, keyMemory, keyThreads, keyLen)
	return &EncryptedCodec{key: key}, nil
}

func (c *EncryptedCodec) ToStorage(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	plain, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("encrypted fields hold strings, got %T", value)
	}
	sealed, err := encrypt([]byte(plain), c.key)
	if err != nil {
		return nil, fmt.Errorf("error encrypting field: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *EncryptedCodec) FromStorage(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	encoded, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("encrypted field holds %T, expected string", value)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("error decoding encrypted field: %w", err)
	}
	plain, err := decrypt(sealed, c.key)
	if err != nil {
		return nil, fmt.Errorf("error decrypting field: %w", err)
	}
	return string(plain), nil
}

func encrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

func decrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
