// Copyright 2026 The ClaudeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto wraps the checksum, AEAD, and key-derivation primitives
// used across the reduction pipeline and encryption envelope (spec.md
// §4.1). Every digest and ciphertext produced here carries an explicit
// algorithm discriminator; nothing is ever implicit.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"hash/crc32"
	"io"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ChecksumAlgorithm discriminates which digest function produced a Digest.
type ChecksumAlgorithm uint8

const (
	ChecksumCRC32C ChecksumAlgorithm = iota
	ChecksumSHA256
)

// AEADAlgorithm discriminates which authenticated cipher sealed a block.
type AEADAlgorithm uint8

const (
	AEADAESGCM256 AEADAlgorithm = iota
	AEADChaCha20Poly1305
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Digest is a checksum value tagged with the algorithm that produced it, so
// a BlockRef or JournalEntry never carries an implicit checksum algorithm.
type Digest struct {
	Algorithm ChecksumAlgorithm
	Value     []byte
}

// Checksum computes the digest of data under algo.
func Checksum(algo ChecksumAlgorithm, data []byte) Digest {
	switch algo {
	case ChecksumCRC32C:
		sum := crc32.Checksum(data, crc32cTable)
		b := []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
		return Digest{Algorithm: algo, Value: b}
	case ChecksumSHA256:
		sum := sha256.Sum256(data)
		return Digest{Algorithm: algo, Value: sum[:]}
	default:
		panic("crypto: unknown checksum algorithm")
	}
}

// Verify reports whether data hashes to digest under digest's own algorithm.
func Verify(digest Digest, data []byte) bool {
	got := Checksum(digest.Algorithm, data)
	if len(got.Value) != len(digest.Value) {
		return false
	}
	for i := range got.Value {
		if got.Value[i] != digest.Value[i] {
			return false
		}
	}
	return true
}

// NewAEAD constructs a cipher.AEAD for algo from a raw key. Callers
// (primarily the encryption envelope) own nonce generation; NewAEAD has no
// opinion on nonces beyond reporting NonceSize().
func NewAEAD(algo AEADAlgorithm, key []byte) (cipher.AEAD, error) {
	switch algo {
	case AEADAESGCM256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, claudefserr.New(claudefserr.KindAuthFailed, "crypto.NewAEAD", err, nil)
		}
		return cipher.NewGCM(block)
	case AEADChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, claudefserr.New(claudefserr.KindAuthFailed, "crypto.NewAEAD", nil, map[string]any{"algorithm": algo})
	}
}

// Seal authenticates and encrypts plaintext under aead with nonce and aad,
// returning ciphertext with the authentication tag appended.
func Seal(aead cipher.AEAD, nonce, aad, plaintext []byte) []byte {
	return aead.Seal(nil, nonce, plaintext, aad)
}

// Open authenticates and decrypts ciphertext (tag included), returning
// KindAuthFailed on any tag mismatch so callers never receive partially
// trusted plaintext.
func Open(aead cipher.AEAD, nonce, aad, ciphertext []byte) ([]byte, error) {
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, claudefserr.New(claudefserr.KindAuthFailed, "crypto.Open", err, nil)
	}
	return plaintext, nil
}

// KDF derives a length-byte key from master using HKDF-SHA256 bound to
// context, so a DEK wrapped by a KEK and a DEK used to seal a block are
// never derived through the same context string.
func KDF(master []byte, context []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, context)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, claudefserr.New(claudefserr.KindAuthFailed, "crypto.KDF", err, nil)
	}
	return out, nil
}

// Zeroize overwrites b with zero bytes in place. Called on release of any
// buffer holding secret key material or decrypted plaintext once a
// component is done with it (spec.md §4.1, §4.8).
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
