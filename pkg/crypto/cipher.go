package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrEmptySecret is returned when a Box is built without key material.
var ErrEmptySecret = errors.New("crypto: empty secret")

// Box seals and opens small secrets (SSH private keys, webhook secrets) at rest
// using AES-256-GCM. The nonce is stored as a prefix of the sealed payload.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 32 byte key from secret with SHA-256.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (b *Box) Open(payload []byte) ([]byte, error) {
	size := b.aead.NonceSize()
	if len(payload) < size {
		return nil, io.ErrUnexpectedEOF
	}
	return b.aead.Open(nil, payload[:size], payload[size:], nil)
}
