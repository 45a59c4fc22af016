package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"bskyfetch/internal"
)

// saltKey holds the key-derivation salt inside the wrapped store
const saltKey = "encryption_salt"

const saltSize = 16

// Encrypted seals values with AES-256-GCM before handing them to the wrapped
// store. The key is derived from a passphrase with argon2id; the store key is
// bound as additional data so sealed values cannot be swapped between keys.
type Encrypted struct {
	inner internal.SecretStore
	aead  cipher.AEAD
}

// NewEncrypted wraps inner, loading or creating the salt it keeps there
func NewEncrypted(ctx context.Context, inner internal.SecretStore, passphrase string) (*Encrypted, error) {
	if passphrase == "" {
		return nil, internal.NewConfigurationError("store_passphrase", "passphrase cannot be empty")
	}

	salt, err := loadOrCreateSalt(ctx, inner)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(DeriveKey([]byte(passphrase), salt))
	if err != nil {
		return nil, internal.NewStoreError("init", saltKey, err)
	}

	return &Encrypted{inner: inner, aead: aead}, nil
}

// DeriveKey derives a 32-byte AES key from password and salt with argon2id
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func loadOrCreateSalt(ctx context.Context, inner internal.SecretStore) ([]byte, error) {
	encoded, ok, err := inner.Get(ctx, saltKey)
	if err != nil {
		return nil, err
	}
	if ok {
		salt, err := base64.StdEncoding.DecodeString(encoded)
		if err == nil && len(salt) == saltSize {
			return salt, nil
		}
		internal.LogWarn("Stored encryption salt is malformed, generating a new one")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, internal.NewStoreError("init", saltKey, err)
	}
	if err := inner.Set(ctx, saltKey, base64.StdEncoding.EncodeToString(salt), 0); err != nil {
		return nil, err
	}
	return salt, nil
}

func (e *Encrypted) seal(key, value string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encrypted) open(key, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	ns := e.aead.NonceSize()
	if len(data) < ns {
		return "", errors.New("sealed value too short")
	}
	plaintext, err := e.aead.Open(nil, data[:ns], data[ns:], []byte(key))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Get returns the decrypted value. Values that fail to decrypt, for example
// after a passphrase change, are reported absent.
func (e *Encrypted) Get(ctx context.Context, key string) (string, bool, error) {
	encoded, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}

	value, err := e.open(key, encoded)
	if err != nil {
		internal.LogWarn("Discarding undecryptable value for %s: %v", key, err)
		return "", false, nil
	}
	return value, true, nil
}

// Set encrypts value and stores it in the wrapped store
func (e *Encrypted) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == saltKey {
		return internal.NewStoreError("set", key, fmt.Errorf("key %q is reserved", saltKey))
	}
	sealed, err := e.seal(key, value)
	if err != nil {
		return internal.NewStoreError("set", key, err)
	}
	return e.inner.Set(ctx, key, sealed, ttl)
}

// Delete removes key from the wrapped store
func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}
