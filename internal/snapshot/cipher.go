// Package snapshot moves the warehouse between the ingest side and the
// dashboard: publish serializes and encrypts it into object storage, and the
// sources fetch, decrypt and materialise it as an in-memory store.
package snapshot

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrFetch marks failures retrieving the snapshot object.
	ErrFetch = errors.New("snapshot: fetch failed")
	// ErrDecrypt marks a wrong key or a tampered ciphertext.
	ErrDecrypt = errors.New("snapshot: decryption failed")
	// ErrInvalidImage marks decrypted bytes that are not a usable database.
	ErrInvalidImage = errors.New("snapshot: invalid database image")
	// ErrUpload marks failures writing the snapshot object.
	ErrUpload = errors.New("snapshot: upload failed")
)

// Cipher seals and opens snapshot payloads.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	// Encrypted is false for the pass-through cipher.
	Encrypted() bool
}

// NewCipher returns an XChaCha20-Poly1305 cipher for key, or the plaintext
// cipher when key is nil.
func NewCipher(key []byte) (Cipher, error) {
	if key == nil {
		return PlaintextCipher{}, nil
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("snapshot key: %w", err)
	}
	return aeadCipher{aead: aead}, nil
}

// GenerateKey returns a fresh base64 key suitable for PRW_SNAPSHOT_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// aeadCipher lays out payloads as nonce || ciphertext+tag.
type aeadCipher struct {
	aead cipher.AEAD
}

func (c aeadCipher) Encrypted() bool { return true }

func (c aeadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c aeadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecrypt, len(ciphertext))
	}
	plain, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong key or corrupted payload", ErrDecrypt)
	}
	return plain, nil
}

// PlaintextCipher passes payloads through unchanged.
type PlaintextCipher struct{}

// Encrypted always reports false.
func (PlaintextCipher) Encrypted() bool { return false }

// Encrypt returns a copy of plaintext.
func (PlaintextCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

// Decrypt returns ciphertext unchanged.
func (PlaintextCipher) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
