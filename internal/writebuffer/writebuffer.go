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

// Package writebuffer implements the per-inode dirty-range buffer and
// flush scheduler of spec.md §4.15. It accumulates writes in memory,
// coalescing overlapping and adjacent ranges the way gcsfuse's
// MutableContent tracks a single dirty threshold, generalized here to an
// arbitrary set of dirty byte ranges rather than one "everything past this
// point changed" watermark, since ClaudeFS inodes are written at
// scattered offsets rather than appended in one pass.
package writebuffer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/claudefs/claudefs/internal/config"
	"github.com/claudefs/claudefs/internal/engine"
	"github.com/claudefs/claudefs/internal/inode"
)

// dirtyRange is one contiguous run of unflushed bytes.
type dirtyRange struct {
	offset uint64
	data   []byte
}

func (r dirtyRange) end() uint64 { return r.offset + uint64(len(r.data)) }

// splice returns a new, offset-sorted range list with every range (or
// fragment) overlapping [offset, offset+len(data)) removed and replaced by
// the new write, then merges any ranges left touching end-to-end so a
// flush sees the longest possible contiguous stream. This is the same
// clip-then-splice shape internal/inode uses for extents; a dirty-range
// list is the same kind of non-overlapping interval set before it is ever
// durable.
func splice(existing []dirtyRange, offset uint64, data []byte) []dirtyRange {
	end := offset + uint64(len(data))
	var out []dirtyRange
	for _, r := range existing {
		switch {
		case r.end() <= offset || r.offset >= end:
			out = append(out, r)
		case r.offset < offset && r.end() > end:
			out = append(out, dirtyRange{offset: r.offset, data: r.data[:offset-r.offset]})
			out = append(out, dirtyRange{offset: end, data: r.data[end-r.offset:]})
		case r.offset < offset:
			out = append(out, dirtyRange{offset: r.offset, data: r.data[:offset-r.offset]})
		case r.end() > end:
			out = append(out, dirtyRange{offset: end, data: r.data[end-r.offset:]})
		default:
			// Fully covered by the new write; drop it.
		}
	}
	out = append(out, dirtyRange{offset: offset, data: data})
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return mergeAdjacent(out)
}

func mergeAdjacent(ranges []dirtyRange) []dirtyRange {
	if len(ranges) < 2 {
		return ranges
	}
	merged := []dirtyRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if last.end() == r.offset {
			last.data = append(append([]byte{}, last.data...), r.data...)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// InodeBuffer holds one inode's unflushed writes. Concurrent writers to
// the same inode serialize on its mutex; different inodes have independent
// buffers and never contend with each other (spec.md §4.15).
type InodeBuffer struct {
	mu           sync.Mutex
	id           inode.ID
	ranges       []dirtyRange
	bytesDirty   uint64
	firstDirtyAt time.Time
}

func newInodeBuffer(id inode.ID) *InodeBuffer {
	return &InodeBuffer{id: id}
}

func (b *InodeBuffer) write(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ranges) == 0 {
		b.firstDirtyAt = time.Now()
	}
	b.ranges = splice(b.ranges, offset, data)
	var total uint64
	for _, r := range b.ranges {
		total += uint64(len(r.data))
	}
	b.bytesDirty = total
}

// dirty reports whether this buffer has anything unflushed.
func (b *InodeBuffer) dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ranges) > 0
}

// due reports whether this buffer has crossed the size or age threshold
// and should be flushed proactively, without an explicit fsync/close.
func (b *InodeBuffer) due(cfg config.WriteBufferConfig) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ranges) == 0 {
		return false
	}
	if cfg.SizeThresholdBytes > 0 && b.bytesDirty >= cfg.SizeThresholdBytes {
		return true
	}
	if cfg.TimeThreshold > 0 && time.Since(b.firstDirtyAt) >= cfg.TimeThreshold {
		return true
	}
	return false
}

// take removes and returns every pending range, resetting the buffer to
// clean. Used by Flush, which owns turning the ranges into pipeline
// submissions outside the buffer's own lock.
func (b *InodeBuffer) take() []dirtyRange {
	b.mu.Lock()
	defer b.mu.Unlock()
	ranges := b.ranges
	b.ranges = nil
	b.bytesDirty = 0
	b.firstDirtyAt = time.Time{}
	return ranges
}

// Manager owns one InodeBuffer per dirty inode and drives flushes through
// the storage engine orchestrator.
type Manager struct {
	eng   *engine.Engine
	table *inode.Table
	cfg   config.WriteBufferConfig

	mu      sync.Mutex
	buffers map[inode.ID]*InodeBuffer
}

// New builds a Manager over an already-wired engine and inode table.
func New(eng *engine.Engine, table *inode.Table, cfg config.WriteBufferConfig) *Manager {
	return &Manager{eng: eng, table: table, cfg: cfg, buffers: make(map[inode.ID]*InodeBuffer)}
}

func (m *Manager) bufferFor(id inode.ID) *InodeBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	if !ok {
		b = newInodeBuffer(id)
		m.buffers[id] = b
	}
	return b
}

// Write buffers data at offset for id. If the buffer has crossed its size
// or age threshold, Write flushes it before returning so the caller's
// memory-pressure budget is honored without a separate poller (trigger
// (a)/(b) of spec.md §4.15); explicit fsync/close (trigger (c)) is Flush,
// and an orchestrator memory-pressure signal (trigger (d)) is
// FlushMostDirty.
func (m *Manager) Write(ctx context.Context, id inode.ID, offset uint64, data []byte, hint blockio.PlacementHint) error {
	b := m.bufferFor(id)
	b.write(offset, data)
	if b.due(m.cfg) {
		return m.Flush(ctx, id, hint)
	}
	return nil
}

// Flush hands every pending dirty range for id to the storage engine, one
// contiguous byte stream per range, applies the resulting extents to the
// inode table, and blocks until the engine's FlushInode reports the
// journal commit and in-place writes are durable — spec.md §4.15's "fsync
// returns only after ... durable" requirement.
func (m *Manager) Flush(ctx context.Context, id inode.ID, hint blockio.PlacementHint) error {
	b := m.bufferFor(id)
	ranges := b.take()
	if len(ranges) == 0 {
		return nil
	}

	for _, r := range ranges {
		chunks, err := m.eng.SubmitWrite(ctx, id, r.data, hint).Wait(ctx)
		if err != nil {
			return err
		}

		extents := make([]inode.Extent, len(chunks))
		for i, c := range chunks {
			extents[i] = inode.Extent{
				InodeOffset: r.offset + uint64(c.OffsetInStream),
				Length:      uint64(c.Length),
				Ref:         c.Ref,
				Cipher: inode.CipherParams{
					DEKID:     [16]byte(c.Envelope.DEKID),
					Algorithm: uint8(c.Envelope.Algorithm),
					Nonce:     append([]byte{}, c.Envelope.Nonce...),
				},
			}
		}
		if _, err := m.table.ApplyWrite(id, r.offset, r.end(), extents); err != nil {
			return err
		}
	}

	_, err := m.eng.FlushInode(ctx, id).Wait(ctx)
	return err
}

// FlushMostDirty flushes the single most heavily dirtied buffer, the
// orchestrator's response to a memory-pressure signal (trigger (d) of
// spec.md §4.15). It is a no-op if nothing is dirty.
func (m *Manager) FlushMostDirty(ctx context.Context, hint blockio.PlacementHint) error {
	m.mu.Lock()
	var worst *InodeBuffer
	var worstBytes uint64
	for _, b := range m.buffers {
		b.mu.Lock()
		dirty := b.bytesDirty
		b.mu.Unlock()
		if dirty > worstBytes {
			worst, worstBytes = b, dirty
		}
	}
	m.mu.Unlock()

	if worst == nil {
		return nil
	}
	return m.Flush(ctx, worst.id, hint)
}

// FlushAll flushes every dirty buffer, for a whole-filesystem sync.
func (m *Manager) FlushAll(ctx context.Context, hint blockio.PlacementHint) error {
	m.mu.Lock()
	ids := make([]inode.ID, 0, len(m.buffers))
	for id, b := range m.buffers {
		if b.dirty() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Flush(ctx, id, hint); err != nil {
			return err
		}
	}
	return nil
}

// Dirty reports whether id has any unflushed bytes buffered.
func (m *Manager) Dirty(id inode.ID) bool {
	return m.bufferFor(id).dirty()
}
