// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Encryptor performs authenticated envelope encryption of secret keys using
// a 256-bit service-wide key. Ciphertext is stored as
// hex(nonce):hex(ciphertext).
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor from a 256-bit hex-encoded key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, Error.New("encryption key is not valid hex: %v", err)
	}
	if len(key) != 32 {
		return nil, Error.New("encryption key must be 256 bits, got %d", len(key)*8)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", Error.Wrap(err)
	}
	ciphertext := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a hex(nonce):hex(ciphertext) record.
func (e *Encryptor) Decrypt(stored string) (string, error) {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return "", Error.New("malformed ciphertext record")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", Error.New("malformed nonce: %v", err)
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", Error.New("malformed ciphertext: %v", err)
	}
	if len(nonce) != e.aead.NonceSize() {
		return "", Error.New("unexpected nonce size %d", len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", Error.New("decryption failed: %v", err)
	}
	return string(plaintext), nil
}
