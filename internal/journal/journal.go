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

// Package journal implements the append-only write-ahead log described in
// spec.md §4.3: writers acquire a strictly increasing sequence number,
// append a checksummed record, and may wait for it to become durable via
// Commit. Recovery replays forward from the last checkpoint, halting at the
// first checksum failure or sequence gap.
package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/crypto"
	"github.com/claudefs/claudefs/internal/logger"
)

// Kind discriminates the payload of a JournalEntry (spec.md §3).
type Kind uint32

const (
	KindBlockWrite Kind = iota
	KindBlockFree
	KindInodeUpdate
	KindDirectoryOp
	KindCheckpoint
)

const (
	seqSize      = 8
	kindSize     = 4
	lengthSize   = 4
	checksumSize = 4
	headerSize   = seqSize + kindSize + lengthSize + checksumSize
)

// Entry is one journal record (spec.md §3's JournalEntry).
type Entry struct {
	Sequence uint64
	Kind     Kind
	Payload  []byte
}

// Checkpoint is the payload of a KindCheckpoint entry: the greatest
// sequence whose in-place effects are durable, and the location of the
// bitmap snapshot that corresponds to it.
type Checkpoint struct {
	DurableSequence uint64
	BitmapOffset    uint64
}

// Journal is a per-device (or per-cluster) append-only log.
type Journal struct {
	mu                sync.Mutex
	file              *os.File
	nextSeq           uint64
	durable           uint64 // highest sequence known fsynced
	truncationWarning error
}

// Open opens or creates the journal file at path and recovers it: any
// trailing partial or corrupted record is truncated away so the file ends
// on a clean record boundary, ready for further appends.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, claudefserr.New(claudefserr.KindDeviceUnavailable, "journal.Open", err, nil)
	}

	j := &Journal{file: f}
	lastSeq, lastValidPos, truncWarn, err := scanForRecovery(f)
	if err != nil {
		f.Close()
		return nil, claudefserr.New(claudefserr.KindRecoveryFailed, "journal.Open", err, nil)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if lastValidPos < stat.Size() {
		if err := f.Truncate(lastValidPos); err != nil {
			f.Close()
			return nil, claudefserr.New(claudefserr.KindRecoveryFailed, "journal.Open", err, nil)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	j.nextSeq = lastSeq + 1
	j.durable = lastSeq
	j.truncationWarning = truncWarn
	return j, nil
}

// TruncationWarning returns any non-fatal warning raised while truncating a
// torn tail record during open, or nil if the journal ended cleanly.
func (j *Journal) TruncationWarning() error {
	return j.truncationWarning
}

// Append serializes entry (assigning it the next sequence number) and
// writes it to the log. A single record append is atomic: either the whole
// frame lands or (on crash) none of it is considered valid by recovery,
// because the checksum covers the entire record. Append does not itself
// fsync; call Commit for durability.
func (j *Journal) Append(kind Kind, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.nextSeq
	frame := encodeFrame(seq, kind, payload)

	if _, err := j.file.Write(frame); err != nil {
		return 0, claudefserr.New(claudefserr.KindDeviceUnavailable, "journal.Append", err, nil)
	}
	j.nextSeq++
	return seq, nil
}

// AppendBatch appends multiple records as a single ordered group, the way
// spec.md §4.3 requires multi-record appends to be ordered by sequence and
// fsynced together.
func (j *Journal) AppendBatch(entries []Entry) ([]uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seqs := make([]uint64, len(entries))
	var buf []byte
	for i, e := range entries {
		seq := j.nextSeq
		buf = append(buf, encodeFrame(seq, e.Kind, e.Payload)...)
		seqs[i] = seq
		j.nextSeq++
	}

	if _, err := j.file.Write(buf); err != nil {
		return nil, claudefserr.New(claudefserr.KindDeviceUnavailable, "journal.AppendBatch", err, nil)
	}
	return seqs, nil
}

// Commit blocks until every record up to and including sequence is durable
// on stable storage.
func (j *Journal) Commit(sequence uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if sequence <= j.durable {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return claudefserr.New(claudefserr.KindDeviceUnavailable, "journal.Commit", err, nil)
	}
	j.durable = j.nextSeq - 1
	return nil
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func encodeFrame(seq uint64, kind Kind, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint64(frame[0:8], seq)
	binary.BigEndian.PutUint32(frame[8:12], uint32(kind))
	binary.BigEndian.PutUint32(frame[12:16], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	// Checksum covers sequence, kind, length, and payload — everything
	// except the checksum field itself.
	digest := crypto.Checksum(crypto.ChecksumCRC32C, append(frame[0:16:16], payload...))
	copy(frame[16:20], digest.Value)
	return frame
}

// Iterator replays records forward from a byte offset, verifying each
// record's checksum and the sequence contiguity invariant (spec.md §3:
// "Journal sequence numbers form a contiguous range [tail, head]; no
// gaps"). Next returns io.EOF at a clean end of file, a *GapError when the
// next record's sequence is not the expected one, and a checksum-mismatch
// error when a record fails verification; replay halts at either error.
type Iterator struct {
	r          io.ReaderAt
	pos        int64
	size       int64
	expectSeq  uint64
	haveExpect bool
}

// NewIterator returns an Iterator over the journal file starting at byte
// offset 0, expecting the first record's sequence to be startSeq (normally
// last_checkpoint + 1).
func (j *Journal) NewIterator(startSeq uint64) (*Iterator, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stat, err := j.file.Stat()
	if err != nil {
		return nil, err
	}
	return &Iterator{r: j.file, size: stat.Size(), expectSeq: startSeq, haveExpect: true}, nil
}

// Next returns the next record, or io.EOF once the log is exhausted. If the
// next record's sequence doesn't match the expected contiguous value, Next
// returns a gap error and does not advance further; the caller (recovery)
// treats everything from here forward as discarded per spec.md §4.13.
func (it *Iterator) Next() (Entry, error) {
	if it.pos+headerSize > it.size {
		return Entry{}, io.EOF
	}

	header := make([]byte, headerSize)
	if _, err := it.r.ReadAt(header, it.pos); err != nil {
		return Entry{}, err
	}

	seq := binary.BigEndian.Uint64(header[0:8])
	kind := Kind(binary.BigEndian.Uint32(header[8:12]))
	length := binary.BigEndian.Uint32(header[12:16])
	wantChecksum := header[16:20]

	if it.pos+headerSize+int64(length) > it.size {
		return Entry{}, io.EOF
	}

	payload := make([]byte, length)
	if _, err := it.r.ReadAt(payload, it.pos+headerSize); err != nil {
		return Entry{}, err
	}

	got := crypto.Checksum(crypto.ChecksumCRC32C, append(append([]byte{}, header[0:16]...), payload...))
	if !bytesEqual(got.Value, wantChecksum) {
		logger.Warnf("journal: checksum mismatch at offset %d, halting replay", it.pos)
		return Entry{}, fmt.Errorf("journal: checksum mismatch at offset %d", it.pos)
	}

	if it.haveExpect && seq != it.expectSeq {
		logger.Warnf("journal: sequence gap, expected %d got %d at offset %d", it.expectSeq, seq, it.pos)
		return Entry{}, &GapError{Expected: it.expectSeq, Got: seq}
	}

	it.pos += headerSize + int64(length)
	it.expectSeq = seq + 1
	return Entry{Sequence: seq, Kind: kind, Payload: payload}, nil
}

// GapError indicates the journal's sequence numbers are not contiguous at
// this point; recovery halts replay here and surfaces a truncation
// warning, discarding everything from the gap forward.
type GapError struct {
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("journal: sequence gap, expected %d got %d", e.Expected, e.Got)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// scanForRecovery walks the file from the start, validating each record's
// checksum, and returns the sequence and byte offset of the last valid
// record plus any non-fatal warning about a truncated tail.
func scanForRecovery(f *os.File) (lastSeq uint64, lastValidPos int64, warn error, err error) {
	stat, err := f.Stat()
	if err != nil {
		return 0, 0, nil, err
	}
	size := stat.Size()

	var pos int64
	var haveAny bool
	for {
		if pos+headerSize > size {
			break
		}
		header := make([]byte, headerSize)
		if _, rErr := f.ReadAt(header, pos); rErr != nil {
			if rErr == io.EOF {
				break
			}
			return 0, 0, nil, rErr
		}
		seq := binary.BigEndian.Uint64(header[0:8])
		length := binary.BigEndian.Uint32(header[12:16])
		wantChecksum := header[16:20]

		if pos+headerSize+int64(length) > size {
			warn = fmt.Errorf("journal: incomplete record at offset %d truncated", pos)
			break
		}
		payload := make([]byte, length)
		if _, rErr := f.ReadAt(payload, pos+headerSize); rErr != nil {
			return 0, 0, nil, rErr
		}
		got := crypto.Checksum(crypto.ChecksumCRC32C, append(append([]byte{}, header[0:16]...), payload...))
		if !bytesEqual(got.Value, wantChecksum) {
			warn = fmt.Errorf("journal: corrupt record at offset %d truncated", pos)
			break
		}

		pos += headerSize + int64(length)
		lastValidPos = pos
		lastSeq = seq
		haveAny = true
	}
	if !haveAny {
		return 0, 0, warn, nil
	}
	return lastSeq, lastValidPos, warn, nil
}
