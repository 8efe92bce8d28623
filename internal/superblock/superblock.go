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

// Package superblock encodes and persists the root on-disk record naming
// every other region of a device (spec.md §3, §6): magic, version, cluster
// identity, the journal's durable sequence range, and where the allocator
// bitmap lives. A torn superblock write would defeat recovery before
// recovery ever gets a chance to run, so Write always rewrites via an
// atomic rename-into-place rather than an in-place overwrite, the way
// gcsfuse's config layer persists its own on-disk state.
package superblock

import (
	"encoding/binary"
	"os"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/crypto"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const (
	// Magic identifies a ClaudeFS superblock, distinguishing it from a
	// stray or foreign block at offset 0.
	Magic uint32 = 0x43424653 // "CBFS"

	// Version is the on-disk superblock layout version understood by this
	// build.
	Version uint32 = 1

	// Size is the fixed, checksummed superblock record size (spec.md §6).
	Size = 4096

	fixedFieldsSize = 4 + 4 + 16 + 4 + 8 + 8 + 8 // magic,version,uuid,blocksize,head,tail,bitmaploc
	checksumSize    = 4
)

// Superblock is the root on-disk record of one device (spec.md §3).
type Superblock struct {
	ClusterUUID         uuid.UUID
	BlockSizeBytes      uint32
	JournalHeadSequence uint64
	JournalTailSequence uint64
	BitmapLocation      uint64
}

// Encode serializes s into a fixed Size-byte record: magic, version, and
// fields followed by a CRC32C checksum over everything preceding it, then
// zero-padded to Size.
func Encode(s Superblock) []byte {
	buf := make([]byte, Size)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	copy(buf[8:24], s.ClusterUUID[:])
	binary.BigEndian.PutUint32(buf[24:28], s.BlockSizeBytes)
	binary.BigEndian.PutUint64(buf[28:36], s.JournalHeadSequence)
	binary.BigEndian.PutUint64(buf[36:44], s.JournalTailSequence)
	binary.BigEndian.PutUint64(buf[44:52], s.BitmapLocation)

	digest := crypto.Checksum(crypto.ChecksumCRC32C, buf[:fixedFieldsSize])
	copy(buf[fixedFieldsSize:fixedFieldsSize+checksumSize], digest.Value)
	return buf
}

// Decode validates and parses a Size-byte superblock record, checking the
// magic, supported version, and checksum before trusting any field
// (spec.md §4.13's SuperblockRead phase).
func Decode(buf []byte) (Superblock, error) {
	if len(buf) < Size {
		return Superblock{}, claudefserr.New(claudefserr.KindCorruptSuperblock, "superblock.Decode", nil, map[string]any{"reason": "short record"})
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Superblock{}, claudefserr.New(claudefserr.KindCorruptSuperblock, "superblock.Decode", nil, map[string]any{"reason": "bad magic", "got": magic})
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != Version {
		return Superblock{}, claudefserr.New(claudefserr.KindCorruptSuperblock, "superblock.Decode", nil, map[string]any{"reason": "unsupported version", "got": version})
	}

	wantChecksum := buf[fixedFieldsSize : fixedFieldsSize+checksumSize]
	if !crypto.Verify(crypto.Digest{Algorithm: crypto.ChecksumCRC32C, Value: wantChecksum}, buf[:fixedFieldsSize]) {
		return Superblock{}, claudefserr.New(claudefserr.KindCorruptSuperblock, "superblock.Decode", nil, map[string]any{"reason": "checksum mismatch"})
	}

	var s Superblock
	copy(s.ClusterUUID[:], buf[8:24])
	s.BlockSizeBytes = binary.BigEndian.Uint32(buf[24:28])
	s.JournalHeadSequence = binary.BigEndian.Uint64(buf[28:36])
	s.JournalTailSequence = binary.BigEndian.Uint64(buf[36:44])
	s.BitmapLocation = binary.BigEndian.Uint64(buf[44:52])
	return s, nil
}

// Read loads and validates the superblock persisted at path.
func Read(path string) (Superblock, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Superblock{}, claudefserr.New(claudefserr.KindDeviceUnavailable, "superblock.Read", err, map[string]any{"path": path})
	}
	return Decode(buf)
}

// Write atomically persists s to path: the record is written to a temp
// file in the same directory and renamed into place, so a crash never
// observes a partially written superblock, matching the cluster_uuid and
// checksum validation recovery performs on the next mount.
func Write(path string, s Superblock) error {
	buf := Encode(s)
	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		return claudefserr.New(claudefserr.KindDeviceUnavailable, "superblock.Write", err, map[string]any{"path": path})
	}
	return nil
}

// ClaimsFreshCluster reports whether uuid is the zero value, meaning no
// cluster identity has been established yet and this call is initializing
// one rather than joining an existing one.
func ClaimsFreshCluster(id uuid.UUID) bool {
	return id == uuid.Nil
}
