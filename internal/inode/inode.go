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

// Package inode implements the block-extent-backed inode table and
// directory name maps of spec.md §4.10. An inode's content is an ordered,
// non-overlapping sequence of extents covering [0, size); a write that
// touches [a, b) replaces only the overlapping extents, leaving the old
// extent list intact and readable under any lease granted before the
// mutation (spec.md §4.12 ties a lease's validity to the inode version it
// was granted under).
package inode

import (
	"bytes"
	"sort"
	"sync"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/claudefs/claudefs/internal/claudefserr"
)

// ID identifies an inode, stable for its lifetime.
type ID uint64

// CipherParams names the DEK, AEAD algorithm, and nonce under which an
// extent's block was sealed, so a reader can reconstruct the envelope and
// open it without consulting any side channel.
type CipherParams struct {
	DEKID     [16]byte
	Algorithm uint8
	Nonce     []byte
}

// Extent is a contiguous region of an inode's byte stream backed by one
// stored block (spec.md §3). A hole — a region past the last explicit
// write, or skipped over by one — is represented explicitly as a Sparse
// extent rather than left as a gap in the list: Ref and Cipher are
// meaningless on a sparse extent, since it names no stored block, just
// the well-known all-zero content spec.md §3 describes.
type Extent struct {
	InodeOffset uint64
	Length      uint64
	Ref         blockio.BlockRef
	Cipher      CipherParams
	Sparse      bool
}

func (e Extent) end() uint64 { return e.InodeOffset + e.Length }

// Kind distinguishes what an inode represents.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
)

// Attributes is the inode's stat-like metadata.
type Attributes struct {
	Kind Kind
	Size uint64
	UID  uint32
	GID  uint32
	Mode uint32
}

// Snapshot is an immutable view of one inode's extents and attributes at a
// point in version history. Because mutation always produces a new extent
// list rather than editing one in place, a Snapshot handed to a reader
// under an active lease remains valid even after the inode moves on.
type Snapshot struct {
	ID      ID
	Version uint64
	Attrs   Attributes
	Extents []Extent
}

type record struct {
	mu      sync.RWMutex
	version uint64
	attrs   Attributes
	extents []Extent
}

// Table is the inode table, indexed by ID (spec.md §4.10).
type Table struct {
	mu      sync.RWMutex
	nextID  ID
	records map[ID]*record
}

// NewTable creates an empty inode table. IDs are assigned starting at 1;
// 0 is reserved as "no inode".
func NewTable() *Table {
	return &Table{nextID: 1, records: make(map[ID]*record)}
}

// Create allocates a new inode with the given initial attributes and
// returns its snapshot.
func (t *Table) Create(attrs Attributes) Snapshot {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	rec := &record{version: 1, attrs: attrs}
	t.records[id] = rec
	t.mu.Unlock()

	return Snapshot{ID: id, Version: rec.version, Attrs: rec.attrs}
}

// Lookup returns a point-in-time Snapshot of inode id.
func (t *Table) Lookup(id ID) (Snapshot, error) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, claudefserr.New(claudefserr.KindNotFound, "inode.Lookup", nil, map[string]any{"inode": id})
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return Snapshot{ID: id, Version: rec.version, Attrs: rec.attrs, Extents: append([]Extent{}, rec.extents...)}, nil
}

// Remove deletes inode id from the table. Callers are responsible for
// having already unlinked every directory entry pointing at it and for
// decref'ing its extents' fingerprints in the dedup index.
func (t *Table) Remove(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		return claudefserr.New(claudefserr.KindNotFound, "inode.Remove", nil, map[string]any{"inode": id})
	}
	delete(t.records, id)
	return nil
}

// ApplyWrite replaces the portion of id's extent list overlapping [a, b)
// with newExtents (already offset-adjusted to start at a), producing a new
// extent list and advancing the inode's version. The prior extent list is
// discarded from the table's point of view, but any Snapshot already
// handed out keeps its own copy and remains valid (spec.md §4.10, §4.12).
//
// A write starting past the current end of data (a beyond the highest
// extent written so far) leaves a gap that spliceExtents alone would not
// cover; fillHoles closes it with an explicit sparse extent so the
// invariant sum(extent.length) == size keeps holding.
func (t *Table) ApplyWrite(id ID, a, b uint64, newExtents []Extent) (Snapshot, error) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, claudefserr.New(claudefserr.KindNotFound, "inode.ApplyWrite", nil, map[string]any{"inode": id})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	size := rec.attrs.Size
	if b > size {
		size = b
	}

	merged := spliceExtents(rec.extents, a, b, newExtents)
	rec.extents = fillHoles(merged, size)
	rec.version++
	rec.attrs.Size = size

	return Snapshot{ID: id, Version: rec.version, Attrs: rec.attrs, Extents: append([]Extent{}, rec.extents...)}, nil
}

// Fallocate extends id's size to offset+length, closing the gap between
// the old size and the new one with a sparse extent so a later read of
// the preallocated range sees zeros rather than an empty result. Data
// already present below the old size is untouched. A request that does
// not extend the file is a no-op beyond the version bump.
func (t *Table) Fallocate(id ID, offset, length uint64) (Snapshot, error) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, claudefserr.New(claudefserr.KindNotFound, "inode.Fallocate", nil, map[string]any{"inode": id})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	want := offset + length
	if want > rec.attrs.Size {
		rec.extents = append(rec.extents, Extent{InodeOffset: rec.attrs.Size, Length: want - rec.attrs.Size, Sparse: true})
		rec.attrs.Size = want
	}
	rec.version++

	return Snapshot{ID: id, Version: rec.version, Attrs: rec.attrs, Extents: append([]Extent{}, rec.extents...)}, nil
}

// Truncate changes id's size to size, extending the extent list with a
// sparse extent when growing, or trimming/dropping extents past size when
// shrinking, so sum(extent.length) == size keeps holding either way
// (spec.md §3, §4.10's truncate boundary rule).
func (t *Table) Truncate(id ID, size uint64) (Snapshot, error) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, claudefserr.New(claudefserr.KindNotFound, "inode.Truncate", nil, map[string]any{"inode": id})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch {
	case size > rec.attrs.Size:
		rec.extents = append(rec.extents, Extent{InodeOffset: rec.attrs.Size, Length: size - rec.attrs.Size, Sparse: true})
	case size < rec.attrs.Size:
		rec.extents = spliceExtents(rec.extents, size, rec.attrs.Size, nil)
	}
	rec.attrs.Size = size
	rec.version++

	return Snapshot{ID: id, Version: rec.version, Attrs: rec.attrs, Extents: append([]Extent{}, rec.extents...)}, nil
}

// UpdateAttrs applies fn to id's attributes in place and advances the
// inode's version, the same bump ApplyWrite gives a content change, so a
// Snapshot taken under an earlier lease remains a coherent before-the-edit
// view rather than observing a half-updated record.
func (t *Table) UpdateAttrs(id ID, fn func(*Attributes)) (Snapshot, error) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, claudefserr.New(claudefserr.KindNotFound, "inode.UpdateAttrs", nil, map[string]any{"inode": id})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.attrs)
	rec.version++
	return Snapshot{ID: id, Version: rec.version, Attrs: rec.attrs, Extents: append([]Extent{}, rec.extents...)}, nil
}

// Restore installs attrs for id directly, creating the record if it does
// not already exist and advancing nextID past it. Used only by crash
// recovery to replay InodeUpdate journal records, which name an inode by
// its original ID rather than asking for a fresh one (spec.md §4.13).
func (t *Table) Restore(id ID, attrs Attributes) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		rec = &record{}
		t.records[id] = rec
	}
	if id >= t.nextID {
		t.nextID = id + 1
	}
	t.mu.Unlock()

	rec.mu.Lock()
	rec.version++
	rec.attrs = attrs
	rec.mu.Unlock()
}

// spliceExtents returns a new, offset-sorted extent list with every extent
// (or extent fragment) overlapping [a, b) removed and replaced by
// newExtents.
func spliceExtents(existing []Extent, a, b uint64, newExtents []Extent) []Extent {
	var out []Extent
	for _, e := range existing {
		switch {
		case e.end() <= a || e.InodeOffset >= b:
			// No overlap; keep as-is.
			out = append(out, e)
		case e.InodeOffset < a && e.end() > b:
			// The write falls entirely inside this extent: keep the
			// unaffected head and tail fragments. The fragments still
			// reference the original block; only their logical span
			// within the inode's offset space is trimmed.
			head := e
			head.Length = a - e.InodeOffset
			out = append(out, head)

			tail := e
			tail.InodeOffset = b
			tail.Length = e.end() - b
			out = append(out, tail)
		case e.InodeOffset < a:
			head := e
			head.Length = a - e.InodeOffset
			out = append(out, head)
		case e.end() > b:
			tail := e
			tail.InodeOffset = b
			tail.Length = e.end() - b
			out = append(out, tail)
		default:
			// Fully covered by [a, b); drop it.
		}
	}
	out = append(out, newExtents...)
	sort.Slice(out, func(i, j int) bool { return out[i].InodeOffset < out[j].InodeOffset })
	return out
}

// fillHoles walks a sorted, non-overlapping extent list and inserts a
// sparse extent over every uncovered sub-range of [0, size), including a
// trailing one if the list ends before size. The result covers [0, size)
// with no gaps, satisfying sum(extent.length) == size (spec.md §3, §4.10).
func fillHoles(extents []Extent, size uint64) []Extent {
	out := make([]Extent, 0, len(extents)+1)
	pos := uint64(0)
	for _, e := range extents {
		if e.InodeOffset > pos {
			out = append(out, Extent{InodeOffset: pos, Length: e.InodeOffset - pos, Sparse: true})
		}
		out = append(out, e)
		pos = e.end()
	}
	if pos < size {
		out = append(out, Extent{InodeOffset: pos, Length: size - pos, Sparse: true})
	}
	return out
}

// Directory maps names to inode IDs for a single directory inode. Rename
// is a compound remove+insert performed under one lock so it appears
// atomic to any concurrent lookup.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]ID
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]ID)}
}

// validName enforces spec.md §4.10's name constraints: no NUL, no path
// separator.
func validName(name string) error {
	if len(name) == 0 || bytes.ContainsAny([]byte(name), "\x00/") {
		return claudefserr.New(claudefserr.KindPermissionDenied, "inode.validName", nil, map[string]any{"name": name})
	}
	return nil
}

// Lookup returns the inode ID bound to name, if any.
func (d *Directory) Lookup(name string) (ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.entries[name]
	return id, ok
}

// Names returns every name currently bound in the directory, in no
// particular order. Used by readdir and by an rmdir emptiness check.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	return names
}

// Insert binds name to id, overwriting any existing binding.
func (d *Directory) Insert(name string, id ID) error {
	if err := validName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[name] = id
	return nil
}

// Remove unbinds name.
func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[name]; !ok {
		return claudefserr.New(claudefserr.KindNotFound, "inode.Directory.Remove", nil, map[string]any{"name": name})
	}
	delete(d.entries, name)
	return nil
}

// Rename moves name from src to name2 in dst atomically: observers see
// either both the removal from src and the insertion into dst, or neither
// (spec.md §4.10). When src == dst this is an in-place rename.
func Rename(src *Directory, name string, dst *Directory, name2 string) error {
	if err := validName(name2); err != nil {
		return err
	}
	if src == dst {
		src.mu.Lock()
		defer src.mu.Unlock()
		id, ok := src.entries[name]
		if !ok {
			return claudefserr.New(claudefserr.KindNotFound, "inode.Rename", nil, map[string]any{"name": name})
		}
		delete(src.entries, name)
		src.entries[name2] = id
		return nil
	}

	// Cross-directory renames serialize on a single global lock rather than
	// lock both directories in address order: simpler, and rename is not a
	// hot enough path across distinct directories to need finer-grained
	// concurrency.
	renameMu.Lock()
	defer renameMu.Unlock()
	src.mu.Lock()
	defer src.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	id, ok := src.entries[name]
	if !ok {
		return claudefserr.New(claudefserr.KindNotFound, "inode.Rename", nil, map[string]any{"name": name})
	}
	delete(src.entries, name)
	dst.entries[name2] = id
	return nil
}

var renameMu sync.Mutex
