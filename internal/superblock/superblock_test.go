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

package superblock_test

import (
	"path/filepath"
	"testing"

	"github.com/claudefs/claudefs/internal/superblock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleSuperblock() superblock.Superblock {
	return superblock.Superblock{
		ClusterUUID:         uuid.New(),
		BlockSizeBytes:      4096,
		JournalHeadSequence: 42,
		JournalTailSequence: 10,
		BitmapLocation:      8192,
	}
}

func TestEncodeDecodeRoundTrips(t *testing.T) {
	sb := sampleSuperblock()
	buf := superblock.Encode(sb)
	require.Len(t, buf, superblock.Size)

	got, err := superblock.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, sb, got)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := superblock.Encode(sampleSuperblock())
	buf[0] ^= 0xFF

	_, err := superblock.Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	buf := superblock.Encode(sampleSuperblock())
	buf[10] ^= 0xFF

	_, err := superblock.Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, err := superblock.Decode(make([]byte, 10))
	require.Error(t, err)
}

func TestWriteReadRoundTrips(t *testing.T) {
	sb := sampleSuperblock()
	path := filepath.Join(t.TempDir(), "superblock")

	require.NoError(t, superblock.Write(path, sb))

	got, err := superblock.Read(path)
	require.NoError(t, err)
	require.Equal(t, sb, got)
}

func TestClaimsFreshClusterDetectsZeroUUID(t *testing.T) {
	require.True(t, superblock.ClaimsFreshCluster(uuid.Nil))
	require.False(t, superblock.ClaimsFreshCluster(uuid.New()))
}
