// Package cryptoutil provides the Argon2id key derivation and AES-256-GCM
// sealing primitives shared by the vault. Every wrapper and every secrets
// blob in the vault goes through exactly these two functions so the AEAD
// choice stays uniform across the stored vault (spec requirement:
// "the same AEAD... encrypts the secrets blob under the master key").
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// KeyLen is the size, in bytes, of every key this package produces or
// consumes: Argon2id output, the master key, and the AES-256-GCM key.
const KeyLen = 32

// NonceLen is the size of the random nonce AES-256-GCM uses here (96 bits,
// the size the cipher.NewGCM default expects).
const NonceLen = 12

var ErrCiphertextTooShort = errors.New("cryptoutil: ciphertext shorter than nonce")

// Seal encrypts plaintext with AES-256-GCM under key, returning a freshly
// generated random nonce and the ciphertext (which includes the auth tag).
// aad, if non-nil, is authenticated but not encrypted.
func Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != KeyLen {
		return nil, nil, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext with AES-256-GCM under key and nonce, verifying
// aad. On any failure — wrong key, tampered ciphertext, mismatched aad — it
// returns a single generic error; callers must not infer which of those
// occurred (the vault depends on this for its "invalid passphrase" /
// "vault corrupted" distinction being made by the caller, not by this
// function leaking causes).
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errors.New("cryptoutil: authentication failed")
	}
	return plaintext, nil
}

// NewSalt returns n cryptographically random bytes.
func NewSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate salt: %w", err)
	}
	return salt, nil
}

// Zero overwrites b with zeroes in place, via subtle.XORBytes(b, b, b).
// Best-effort: the Go runtime does not guarantee this survives compiler
// optimization or GC copies, but it matches the precedent this codebase
// follows elsewhere for sensitive buffers.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.XORBytes(b, b, b)
}
