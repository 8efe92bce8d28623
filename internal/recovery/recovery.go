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

// Package recovery drives the mount-time recovery state machine of spec.md
// §4.13: SuperblockRead, BitmapLoaded, JournalScanned, JournalReplayed,
// Complete (or Failed). Only a corrupt superblock is unconditionally
// fatal — a torn bitmap or a gap in the journal produces a warning that
// is fatal only when the configuration disallows partial recovery.
package recovery

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/claudefs/claudefs/internal/alloc"
	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/config"
	"github.com/claudefs/claudefs/internal/crypto"
	"github.com/claudefs/claudefs/internal/inode"
	"github.com/claudefs/claudefs/internal/journal"
	"github.com/claudefs/claudefs/internal/logger"
	"github.com/claudefs/claudefs/internal/superblock"
	"github.com/google/renameio/v2"
)

// Phase is the recovery state machine's current position (spec.md §4.13).
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseSuperblockRead
	PhaseBitmapLoaded
	PhaseJournalScanned
	PhaseJournalReplayed
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NotStarted"
	case PhaseSuperblockRead:
		return "SuperblockRead"
	case PhaseBitmapLoaded:
		return "BitmapLoaded"
	case PhaseJournalScanned:
		return "JournalScanned"
	case PhaseJournalReplayed:
		return "JournalReplayed"
	case PhaseComplete:
		return "Complete"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Paths names the on-disk locations recovery reads from and rewrites.
type Paths struct {
	Superblock string
	Bitmap     string
}

// Sink is where a replayed journal record's effects land: the allocator
// bitmap (handled internally by Recovery) plus the inode table and
// per-directory name maps a DirectoryOp or InodeUpdate record mutates.
type Sink struct {
	Inodes *inode.Table

	mu          sync.Mutex
	directories map[inode.ID]*inode.Directory
}

// NewSink creates a replay sink over an existing inode table, lazily
// materializing a Directory for any parent inode a DirectoryOp names.
func NewSink(inodes *inode.Table) *Sink {
	return &Sink{Inodes: inodes, directories: make(map[inode.ID]*inode.Directory)}
}

// Directory returns the Directory for parent, creating an empty one the
// first time it is named by a replayed record.
func (s *Sink) Directory(parent inode.ID) *inode.Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.directories[parent]
	if !ok {
		d = inode.NewDirectory()
		s.directories[parent] = d
	}
	return d
}

// Recovery runs the mount-time recovery state machine once and retains the
// phase reached and any non-fatal warnings accumulated along the way.
type Recovery struct {
	cfg      config.RecoveryConfig
	phase    Phase
	warnings []error
}

// New creates a Recovery governed by cfg (spec.md §6's Recovery config:
// verify_checksums, allow_partial_recovery, max_replay_entries).
func New(cfg config.RecoveryConfig) *Recovery {
	return &Recovery{cfg: cfg, phase: PhaseNotStarted}
}

// Phase reports the furthest phase reached.
func (r *Recovery) Phase() Phase { return r.phase }

// Warnings returns every non-fatal issue observed during the run.
func (r *Recovery) Warnings() []error { return r.warnings }

func (r *Recovery) warn(err error) {
	logger.Warnf("recovery: %v", err)
	r.warnings = append(r.warnings, err)
}

func (r *Recovery) fail(kind claudefserr.Kind, cause error) error {
	r.phase = PhaseFailed
	return claudefserr.New(kind, "recovery.Run", cause, map[string]any{"phase": r.phase.String()})
}

// Run executes SuperblockRead through Complete against paths, a device of
// units 4 KiB blocks, and an already-opened journal (journal.Open already
// truncates any torn tail record before recovery sees it). On success it
// returns the freshly checkpointed superblock and the reconstructed
// allocator.
func (r *Recovery) Run(paths Paths, units uint64, j *journal.Journal, sink *Sink) (superblock.Superblock, *alloc.Allocator, error) {
	sb, err := superblock.Read(paths.Superblock)
	if err != nil {
		return superblock.Superblock{}, nil, r.fail(claudefserr.KindCorruptSuperblock, err)
	}
	r.phase = PhaseSuperblockRead

	a, err := LoadBitmap(paths.Bitmap, units)
	if err != nil {
		r.warn(fmt.Errorf("bitmap load failed, starting from an empty bitmap and trusting journal replay: %w", err))
		a = alloc.New(units)
	}
	r.phase = PhaseBitmapLoaded

	entries, scanErr := scanJournal(j, sb.JournalHeadSequence+1, r.cfg.MaxReplayEntries)
	if scanErr != nil {
		r.warn(scanErr)
	}
	r.phase = PhaseJournalScanned

	lastSeq := sb.JournalHeadSequence
	for _, e := range entries {
		if err := applyEntry(e, a, sink); err != nil {
			r.warn(err)
			continue
		}
		lastSeq = e.Sequence
	}
	a.RebuildFreeLists()
	r.phase = PhaseJournalReplayed

	if j.TruncationWarning() != nil {
		r.warn(j.TruncationWarning())
	}

	if len(r.warnings) > 0 && !r.cfg.AllowPartialRecovery {
		return superblock.Superblock{}, nil, r.fail(claudefserr.KindRecoveryFailed, nil)
	}

	fresh := superblock.Superblock{
		ClusterUUID:         sb.ClusterUUID,
		BlockSizeBytes:      sb.BlockSizeBytes,
		JournalHeadSequence: lastSeq,
		JournalTailSequence: lastSeq,
		BitmapLocation:      sb.BitmapLocation,
	}
	if err := superblock.Write(paths.Superblock, fresh); err != nil {
		return superblock.Superblock{}, nil, r.fail(claudefserr.KindRecoveryFailed, err)
	}
	if err := SaveBitmap(paths.Bitmap, a, units); err != nil {
		return superblock.Superblock{}, nil, r.fail(claudefserr.KindRecoveryFailed, err)
	}
	checkpointSeq, err := j.Append(journal.KindCheckpoint, encodeCheckpoint(journal.Checkpoint{DurableSequence: lastSeq, BitmapOffset: fresh.BitmapLocation}))
	if err != nil {
		return superblock.Superblock{}, nil, r.fail(claudefserr.KindRecoveryFailed, err)
	}
	if err := j.Commit(checkpointSeq); err != nil {
		return superblock.Superblock{}, nil, r.fail(claudefserr.KindRecoveryFailed, err)
	}

	r.phase = PhaseComplete
	return fresh, a, nil
}

// scanJournal reads forward from startSeq, verifying checksum and sequence
// contiguity (delegated to journal.Iterator), stopping at the first gap or
// bad record, or at max_replay_entries if configured (0 means unbounded).
// Anything returned past io.EOF is a non-fatal truncation warning, not a
// hard error: the caller still proceeds to replay whatever was collected.
func scanJournal(j *journal.Journal, startSeq uint64, maxEntries int) ([]journal.Entry, error) {
	it, err := j.NewIterator(startSeq)
	if err != nil {
		return nil, err
	}

	var entries []journal.Entry
	for {
		if maxEntries > 0 && len(entries) >= maxEntries {
			return entries, fmt.Errorf("recovery: replay truncated at max-replay-entries limit (%d)", maxEntries)
		}
		e, err := it.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("recovery: journal scan halted: %w", err)
		}
		entries = append(entries, e)
	}
}

// applyEntry mutates a (the allocator bitmap) or sink according to one
// journal record's kind (spec.md §4.13's JournalReplayed step).
func applyEntry(e journal.Entry, a *alloc.Allocator, sink *Sink) error {
	switch e.Kind {
	case journal.KindBlockWrite:
		rec, err := DecodeBlockWrite(e.Payload)
		if err != nil {
			return err
		}
		a.MarkUsedRange(rec.DeviceOffset4K, alloc.ClassUnits(rec.SizeClass))
		return nil
	case journal.KindBlockFree:
		rec, err := DecodeBlockFree(e.Payload)
		if err != nil {
			return err
		}
		a.MarkFreeRange(rec.DeviceOffset4K, alloc.ClassUnits(rec.SizeClass))
		return nil
	case journal.KindInodeUpdate:
		rec, err := DecodeInodeUpdate(e.Payload)
		if err != nil {
			return err
		}
		sink.Inodes.Restore(rec.InodeID, rec.Attrs)
		return nil
	case journal.KindDirectoryOp:
		rec, err := DecodeDirectoryOp(e.Payload)
		if err != nil {
			return err
		}
		dir := sink.Directory(rec.ParentID)
		switch rec.Op {
		case DirOpInsert:
			return dir.Insert(rec.Name, rec.ChildID)
		case DirOpRemove:
			return dir.Remove(rec.Name)
		default:
			return fmt.Errorf("recovery: unknown directory op %d", rec.Op)
		}
	case journal.KindCheckpoint:
		// A checkpoint marks a prior durable point; it carries no further
		// mutation to apply during replay.
		return nil
	default:
		return fmt.Errorf("recovery: unknown journal entry kind %d", e.Kind)
	}
}

// --- Bitmap persistence ---

// LoadBitmap reads and validates the allocator bitmap persisted at path,
// reconstructing an Allocator over it (spec.md §4.13's BitmapLoaded phase).
func LoadBitmap(path string, units uint64) (*alloc.Allocator, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, claudefserr.New(claudefserr.KindDeviceUnavailable, "recovery.LoadBitmap", err, map[string]any{"path": path})
	}
	if len(buf) < 4 {
		return nil, claudefserr.New(claudefserr.KindRecoveryFailed, "recovery.LoadBitmap", nil, map[string]any{"reason": "short bitmap record"})
	}
	body, wantChecksum := buf[:len(buf)-4], buf[len(buf)-4:]
	if !crypto.Verify(crypto.Digest{Algorithm: crypto.ChecksumCRC32C, Value: wantChecksum}, body) {
		return nil, claudefserr.New(claudefserr.KindRecoveryFailed, "recovery.LoadBitmap", nil, map[string]any{"reason": "checksum mismatch"})
	}
	return alloc.Open(append([]byte{}, body...), units), nil
}

// SaveBitmap atomically persists a's bitmap to path with a trailing CRC32C
// checksum, the way superblock.Write rewrites the superblock: a temp file
// plus rename, never an in-place overwrite.
func SaveBitmap(path string, a *alloc.Allocator, units uint64) error {
	body := a.Bitmap()
	digest := crypto.Checksum(crypto.ChecksumCRC32C, body)
	buf := append(append([]byte{}, body...), digest.Value...)
	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		return claudefserr.New(claudefserr.KindDeviceUnavailable, "recovery.SaveBitmap", err, map[string]any{"path": path})
	}
	return nil
}

// --- Journal payload encodings ---
//
// These mirror journal.go's own hand-rolled binary.BigEndian framing
// rather than reaching for a general-purpose serialization library: every
// payload here is a small fixed-or-length-prefixed record, exactly the
// shape encoding/binary is for, and nothing in the corpus reaches past it
// for a record this simple.

// BlockWriteRecord is the payload of a KindBlockWrite journal entry.
type BlockWriteRecord struct {
	DeviceOffset4K uint64
	SizeClass      int
}

// EncodeBlockWrite serializes a BlockWriteRecord.
func EncodeBlockWrite(r BlockWriteRecord) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:8], r.DeviceOffset4K)
	buf[8] = byte(r.SizeClass)
	return buf
}

// DecodeBlockWrite parses a BlockWriteRecord.
func DecodeBlockWrite(b []byte) (BlockWriteRecord, error) {
	if len(b) < 9 {
		return BlockWriteRecord{}, claudefserr.New(claudefserr.KindRecoveryFailed, "recovery.DecodeBlockWrite", nil, nil)
	}
	return BlockWriteRecord{DeviceOffset4K: binary.BigEndian.Uint64(b[0:8]), SizeClass: int(b[8])}, nil
}

// BlockFreeRecord is the payload of a KindBlockFree journal entry.
type BlockFreeRecord struct {
	DeviceOffset4K uint64
	SizeClass      int
}

// EncodeBlockFree serializes a BlockFreeRecord.
func EncodeBlockFree(r BlockFreeRecord) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:8], r.DeviceOffset4K)
	buf[8] = byte(r.SizeClass)
	return buf
}

// DecodeBlockFree parses a BlockFreeRecord.
func DecodeBlockFree(b []byte) (BlockFreeRecord, error) {
	if len(b) < 9 {
		return BlockFreeRecord{}, claudefserr.New(claudefserr.KindRecoveryFailed, "recovery.DecodeBlockFree", nil, nil)
	}
	return BlockFreeRecord{DeviceOffset4K: binary.BigEndian.Uint64(b[0:8]), SizeClass: int(b[8])}, nil
}

// InodeUpdateRecord is the payload of a KindInodeUpdate journal entry.
type InodeUpdateRecord struct {
	InodeID inode.ID
	Attrs   inode.Attributes
}

const inodeUpdateRecordSize = 8 + 1 + 8 + 4 + 4 + 4

// EncodeInodeUpdate serializes an InodeUpdateRecord.
func EncodeInodeUpdate(r InodeUpdateRecord) []byte {
	buf := make([]byte, inodeUpdateRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.InodeID))
	buf[8] = byte(r.Attrs.Kind)
	binary.BigEndian.PutUint64(buf[9:17], r.Attrs.Size)
	binary.BigEndian.PutUint32(buf[17:21], r.Attrs.UID)
	binary.BigEndian.PutUint32(buf[21:25], r.Attrs.GID)
	binary.BigEndian.PutUint32(buf[25:29], r.Attrs.Mode)
	return buf
}

// DecodeInodeUpdate parses an InodeUpdateRecord.
func DecodeInodeUpdate(b []byte) (InodeUpdateRecord, error) {
	if len(b) < inodeUpdateRecordSize {
		return InodeUpdateRecord{}, claudefserr.New(claudefserr.KindRecoveryFailed, "recovery.DecodeInodeUpdate", nil, nil)
	}
	return InodeUpdateRecord{
		InodeID: inode.ID(binary.BigEndian.Uint64(b[0:8])),
		Attrs: inode.Attributes{
			Kind: inode.Kind(b[8]),
			Size: binary.BigEndian.Uint64(b[9:17]),
			UID:  binary.BigEndian.Uint32(b[17:21]),
			GID:  binary.BigEndian.Uint32(b[21:25]),
			Mode: binary.BigEndian.Uint32(b[25:29]),
		},
	}, nil
}

// DirOp discriminates a DirectoryOpRecord's effect.
type DirOp uint8

const (
	DirOpInsert DirOp = iota
	DirOpRemove
)

// DirectoryOpRecord is the payload of a KindDirectoryOp journal entry.
type DirectoryOpRecord struct {
	ParentID inode.ID
	ChildID  inode.ID
	Op       DirOp
	Name     string
}

// EncodeDirectoryOp serializes a DirectoryOpRecord.
func EncodeDirectoryOp(r DirectoryOpRecord) []byte {
	nameBytes := []byte(r.Name)
	buf := make([]byte, 8+8+1+4+len(nameBytes))
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.ParentID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.ChildID))
	buf[16] = byte(r.Op)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(nameBytes)))
	copy(buf[21:], nameBytes)
	return buf
}

// DecodeDirectoryOp parses a DirectoryOpRecord.
func DecodeDirectoryOp(b []byte) (DirectoryOpRecord, error) {
	if len(b) < 21 {
		return DirectoryOpRecord{}, claudefserr.New(claudefserr.KindRecoveryFailed, "recovery.DecodeDirectoryOp", nil, nil)
	}
	nameLen := binary.BigEndian.Uint32(b[17:21])
	if uint32(len(b)-21) < nameLen {
		return DirectoryOpRecord{}, claudefserr.New(claudefserr.KindRecoveryFailed, "recovery.DecodeDirectoryOp", nil, nil)
	}
	return DirectoryOpRecord{
		ParentID: inode.ID(binary.BigEndian.Uint64(b[0:8])),
		ChildID:  inode.ID(binary.BigEndian.Uint64(b[8:16])),
		Op:       DirOp(b[16]),
		Name:     string(b[21 : 21+nameLen]),
	}, nil
}

const checkpointRecordSize = 8 + 8

func encodeCheckpoint(c journal.Checkpoint) []byte {
	buf := make([]byte, checkpointRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], c.DurableSequence)
	binary.BigEndian.PutUint64(buf[8:16], c.BitmapOffset)
	return buf
}
