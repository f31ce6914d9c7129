package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Encryptor seals and opens token material with AES-256-GCM.
//
// Security Properties:
//   - GCM authenticates every ciphertext, so a wrong key or a flipped bit
//     fails deterministically instead of yielding garbage
//   - A fresh random nonce is drawn for every Encrypt call
//
// Ciphertext layout: nonce || ciphertext || tag.
type Encryptor struct {
	aead cipher.AEAD
}

// New creates an Encryptor for a 32-byte key.
func New(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes (256 bits), got %d bytes", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// NewFromString parses key with ParseKey and creates an Encryptor.
func NewFromString(key string) (*Encryptor, error) {
	raw, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	return New(raw)
}

// Encrypt seals plaintext. Empty plaintext is sealed like any other value.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize+e.aead.Overhead() {
		return nil, &DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed", Err: err}
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptString seals a string and returns it base64 encoded for storage.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	sealed, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (e *Encryptor) DecryptString(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid base64", Err: err}
	}
	plaintext, err := e.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
