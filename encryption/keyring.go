package encryption

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrUnknownKey    = errors.New("encryption: unknown key id")
	ErrInvalidKey    = errors.New("encryption: key must be 32 bytes")
	ErrDecryptFailed = errors.New("encryption: message authentication failed")
)

// KeyRing resolves encryption keys by id
type KeyRing interface {
	Key(keyID string) ([]byte, error)
}

// StaticKeyRing is an in-memory KeyRing
type StaticKeyRing struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewStaticKeyRing creates an empty key ring
func NewStaticKeyRing() *StaticKeyRing {
	return &StaticKeyRing{keys: make(map[string][]byte)}
}

// Add registers a 32 byte key
func (r *StaticKeyRing) Add(keyID string, key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return fmt.Errorf("%w: %s has %d bytes", ErrInvalidKey, keyID, len(key))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = append([]byte(nil), key...)
	return nil
}

// Key implements KeyRing
func (r *StaticKeyRing) Key(keyID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return key, nil
}

// DeriveKey derives a 32 byte key from secret with HKDF-SHA256. The key id is
// used as HKDF info so every id gets an independent key.
func DeriveKey(secret, salt []byte, keyID string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(keyID)), key); err != nil {
		return nil, fmt.Errorf("derive key %s: %w", keyID, err)
	}
	return key, nil
}
