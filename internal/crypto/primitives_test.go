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

package crypto_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/crypto"
	"github.com/stretchr/testify/require"
)

func TestChecksumRoundTrip(t *testing.T) {
	for _, algo := range []crypto.ChecksumAlgorithm{crypto.ChecksumCRC32C, crypto.ChecksumSHA256} {
		data := []byte("the quick brown fox")
		d := crypto.Checksum(algo, data)
		require.True(t, crypto.Verify(d, data))
		require.False(t, crypto.Verify(d, []byte("the quick brown FOX")))
	}
}

func TestSealOpenRoundTripAndTamperDetection(t *testing.T) {
	for _, algo := range []crypto.AEADAlgorithm{crypto.AEADAESGCM256, crypto.AEADChaCha20Poly1305} {
		key := make([]byte, 32)
		_, err := rand.Read(key)
		require.NoError(t, err)

		aead, err := crypto.NewAEAD(algo, key)
		require.NoError(t, err)

		nonce := make([]byte, aead.NonceSize())
		_, err = rand.Read(nonce)
		require.NoError(t, err)

		plaintext := []byte("a chunk of plaintext worth protecting")
		aad := []byte("block-id:aad")

		ciphertext := crypto.Seal(aead, nonce, aad, plaintext)
		got, err := crypto.Open(aead, nonce, aad, ciphertext)
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, got))

		tampered := bytes.Clone(ciphertext)
		tampered[0] ^= 0xFF
		_, err = crypto.Open(aead, nonce, aad, tampered)
		require.Error(t, err)
		require.True(t, errors.Is(err, claudefserr.Sentinel(claudefserr.KindAuthFailed)))

		_, err = crypto.Open(aead, nonce, []byte("different-aad"), ciphertext)
		require.Error(t, err)
	}
}

func TestKDFIsDeterministicPerContext(t *testing.T) {
	master := []byte("master-key-material-32-bytes!!!")

	k1, err := crypto.KDF(master, []byte("dek:block:1"), 32)
	require.NoError(t, err)
	k2, err := crypto.KDF(master, []byte("dek:block:1"), 32)
	require.NoError(t, err)
	k3, err := crypto.KDF(master, []byte("dek:block:2"), 32)
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestZeroizeClearsBuffer(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	crypto.Zeroize(b)
	require.Equal(t, []byte{0, 0, 0, 0}, b)
}
