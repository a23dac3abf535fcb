// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of AES-256 keys.
	KeySize = 32

	// NonceSize is the GCM nonce size.
	NonceSize = 12

	// SaltSize is the size of generated KDF salts.
	SaltSize = 16

	DefaultPBKDF2Iterations = 100000
	DefaultArgon2Time       = 3
	DefaultArgon2MemoryKiB  = 64 * 1024
	DefaultArgon2Threads    = 4
)

// ErrOpen is returned when a ciphertext fails authentication.
var ErrOpen = errors.New("message authentication failed")

// KDF names a key derivation function.
type KDF string

const (
	KDFArgon2id KDF = "argon2id"
	KDFPBKDF2   KDF = "pbkdf2"
)

// KDFParams carries the tunables of a key derivation.
type KDFParams struct {
	Algorithm  KDF    `json:"algorithm"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations,omitempty"`
	Time       uint32 `json:"time,omitempty"`
	MemoryKiB  uint32 `json:"memory_kib,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
}

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// DeriveKey stretches a passphrase into a KeySize key.
func DeriveKey(passphrase []byte, p KDFParams) ([]byte, error) {
	if len(p.Salt) == 0 {
		return nil, errors.New("key derivation requires a salt")
	}
	switch p.Algorithm {
	case KDFPBKDF2:
		if p.Iterations <= 0 {
			return nil, fmt.Errorf("invalid pbkdf2 iteration count %d", p.Iterations)
		}
		return pbkdf2.Key(passphrase, p.Salt, p.Iterations, KeySize, sha256.New), nil
	case KDFArgon2id:
		if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
			return nil, errors.New("incomplete argon2id parameters")
		}
		return argon2.IDKey(passphrase, p.Salt, p.Time, p.MemoryKiB, p.Threads, KeySize), nil
	default:
		return nil, fmt.Errorf("unsupported key derivation function %q", p.Algorithm)
	}
}

// ExpandKey derives a subkey bound to info from a master key.
func ExpandKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("expanding key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
// The additional data is authenticated but not stored.
func Seal(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce, err = RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}

	return gcm.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// Open decrypts a Seal output. Any modification of the ciphertext, nonce or
// additional data fails with ErrOpen.
func Open(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrOpen
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	clear(b)
}
