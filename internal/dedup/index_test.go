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

package dedup_test

import (
	"testing"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/claudefs/claudefs/internal/dedup"
	"github.com/stretchr/testify/require"
)

func TestLookupMissOnEmptyIndex(t *testing.T) {
	idx := dedup.New()
	_, ok := idx.Lookup(dedup.Fingerprint{0x01})
	require.False(t, ok)
}

func TestInsertThenLookupHits(t *testing.T) {
	idx := dedup.New()
	fp := dedup.Fingerprint{0xAA}
	ref := blockio.BlockRef{ID: blockio.BlockID{DeviceID: 1, Offset4K: 10}}

	idx.Insert(fp, ref)
	got, ok := idx.Lookup(fp)
	require.True(t, ok)
	require.Equal(t, ref, got)
	require.Equal(t, uint64(1), idx.Refcount(fp))
}

func TestIncrefAndDecrefToZeroRemovesEntry(t *testing.T) {
	idx := dedup.New()
	fp := dedup.Fingerprint{0xBB}
	ref := blockio.BlockRef{ID: blockio.BlockID{DeviceID: 1, Offset4K: 20}}
	idx.Insert(fp, ref)

	require.Equal(t, uint64(2), idx.Incref(fp)) // second inode now references the same block

	freedRef, zero := idx.Decref(fp)
	require.False(t, zero)
	require.Equal(t, blockio.BlockRef{}, freedRef)
	require.Equal(t, uint64(1), idx.Refcount(fp))

	freedRef, zero = idx.Decref(fp)
	require.True(t, zero)
	require.Equal(t, ref, freedRef)

	_, ok := idx.Lookup(fp)
	require.False(t, ok, "entry must be gone once refcount hits zero")
}

func TestDecrefUnknownFingerprintIsNoOp(t *testing.T) {
	idx := dedup.New()
	_, zero := idx.Decref(dedup.Fingerprint{0xCC})
	require.False(t, zero)
}

func TestLenTracksDistinctFingerprints(t *testing.T) {
	idx := dedup.New()
	idx.Insert(dedup.Fingerprint{1}, blockio.BlockRef{})
	idx.Insert(dedup.Fingerprint{2}, blockio.BlockRef{})
	require.Equal(t, 2, idx.Len())
}
