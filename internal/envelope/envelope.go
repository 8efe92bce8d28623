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

// Package envelope seals and opens stored blocks with AEAD, managing the
// per-DEK nonce space and DEK wrapping described in spec.md §4.8. Nonces
// are a per-DEK random 4-byte prefix concatenated with an 8-byte monotonic
// counter, so reuse under the same key is structurally impossible: once the
// counter would wrap, Seal refuses with KeyExhausted and the caller must
// rotate.
package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/crypto"
	"github.com/google/uuid"
)

const (
	noncePrefixSize  = 4
	nonceCounterSize = 8
	nonceSize        = noncePrefixSize + nonceCounterSize
	dekKeySize       = 32
)

// DEK is a data-encryption key and its nonce-generation state. Zero value
// is not valid; obtain one via NewDEK or UnwrapDEK.
type DEK struct {
	ID          uuid.UUID
	Key         []byte
	noncePrefix [noncePrefixSize]byte
	counter     atomic.Uint64
	exhausted   atomic.Bool
}

// NewDEK generates a fresh 256-bit key and random nonce prefix.
func NewDEK() (*DEK, error) {
	key := make([]byte, dekKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	var prefix [noncePrefixSize]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return nil, err
	}
	return &DEK{ID: uuid.New(), Key: key, noncePrefix: prefix}, nil
}

// Zeroize clears the DEK's key material, done on rotation or revocation.
func (d *DEK) Zeroize() {
	crypto.Zeroize(d.Key)
}

func (d *DEK) nextNonce() ([]byte, error) {
	if d.exhausted.Load() {
		return nil, claudefserr.Sentinel(claudefserr.KindKeyExhausted)
	}
	c := d.counter.Add(1) - 1
	if c == ^uint64(0) {
		d.exhausted.Store(true)
		return nil, claudefserr.Sentinel(claudefserr.KindKeyExhausted)
	}
	nonce := make([]byte, nonceSize)
	copy(nonce[:noncePrefixSize], d.noncePrefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], c)
	return nonce, nil
}

// associatedData binds (BlockId, algorithm tag, DEK id) into every sealed
// block so a correctly-authenticated ciphertext cannot be swapped between
// blocks without failing authentication.
func associatedData(blockID blockio.BlockID, algo crypto.AEADAlgorithm, dekID uuid.UUID) []byte {
	aad := make([]byte, 0, 2+8+1+16)
	var devBuf [2]byte
	binary.BigEndian.PutUint16(devBuf[:], blockID.DeviceID)
	aad = append(aad, devBuf[:]...)
	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], blockID.Offset4K)
	aad = append(aad, offBuf[:]...)
	aad = append(aad, byte(algo))
	idBytes, _ := dekID.MarshalBinary()
	aad = append(aad, idBytes...)
	return aad
}

// Sealed is an encrypted block ready for durable storage.
type Sealed struct {
	Algorithm  crypto.AEADAlgorithm
	DEKID      uuid.UUID
	Nonce      []byte
	Ciphertext []byte
}

// Seal encrypts plaintext for blockID under dek, returning a Sealed
// envelope. Returns KindKeyExhausted if dek's nonce space is spent; the
// caller must rotate to a fresh DEK and retry.
func Seal(dek *DEK, algo crypto.AEADAlgorithm, blockID blockio.BlockID, plaintext []byte) (Sealed, error) {
	aead, err := crypto.NewAEAD(algo, dek.Key)
	if err != nil {
		return Sealed{}, err
	}
	nonce, err := dek.nextNonce()
	if err != nil {
		return Sealed{}, err
	}
	aad := associatedData(blockID, algo, dek.ID)
	ciphertext := crypto.Seal(aead, nonce, aad, plaintext)
	return Sealed{Algorithm: algo, DEKID: dek.ID, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Open decrypts a Sealed envelope for blockID under dek. Fails with
// KindAuthFailed if the ciphertext, tag, nonce, or AAD don't match —
// including if blockID doesn't match the block the envelope was sealed
// for.
func Open(dek *DEK, blockID blockio.BlockID, s Sealed) ([]byte, error) {
	aead, err := crypto.NewAEAD(s.Algorithm, dek.Key)
	if err != nil {
		return nil, err
	}
	aad := associatedData(blockID, s.Algorithm, s.DEKID)
	return crypto.Open(aead, s.Nonce, aad, s.Ciphertext)
}

// WrappedDEK is a DEK's key material encrypted under a key-encryption key,
// suitable for storage in the superblock or an out-of-band key service.
type WrappedDEK struct {
	ID         uuid.UUID
	Nonce      []byte
	Ciphertext []byte
	prefix     [noncePrefixSize]byte
}

// WrapDEK encrypts dek's key material under kek for at-rest storage.
func WrapDEK(kek []byte, dek *DEK) (WrappedDEK, error) {
	aead, err := crypto.NewAEAD(crypto.AEADAESGCM256, kek)
	if err != nil {
		return WrappedDEK{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return WrappedDEK{}, err
	}
	idBytes, _ := dek.ID.MarshalBinary()
	ciphertext := crypto.Seal(aead, nonce, idBytes, dek.Key)
	return WrappedDEK{ID: dek.ID, Nonce: nonce, Ciphertext: ciphertext, prefix: dek.noncePrefix}, nil
}

// UnwrapDEK reverses WrapDEK, recovering a usable DEK.
func UnwrapDEK(kek []byte, w WrappedDEK) (*DEK, error) {
	aead, err := crypto.NewAEAD(crypto.AEADAESGCM256, kek)
	if err != nil {
		return nil, err
	}
	idBytes, _ := w.ID.MarshalBinary()
	key, err := crypto.Open(aead, w.Nonce, idBytes, w.Ciphertext)
	if err != nil {
		return nil, err
	}
	return &DEK{ID: w.ID, Key: key, noncePrefix: w.prefix}, nil
}
