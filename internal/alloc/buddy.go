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

// Package alloc implements the power-of-two buddy allocator that manages a
// device's 4 KiB-granularity free space (spec.md §4.2). The on-disk bitmap
// is authoritative; the in-memory free lists built by Open and
// RebuildFreeLists are a reconstructable cache over it.
package alloc

import (
	"sync"

	"github.com/claudefs/claudefs/internal/claudefserr"
)

const (
	// UnitSize is the granularity of one bitmap bit: a 4 KiB block.
	UnitSize = 4096

	// MinClass is size class 0: a single 4 KiB unit.
	MinClass = 0

	// MaxClass is the largest supported block, 1 MiB == 4 KiB << 8.
	MaxClass = 8

	// NumClasses is the count of size classes [0, MaxClass].
	NumClasses = MaxClass + 1
)

// ClassSize returns the byte size of size class c.
func ClassSize(c int) uint64 {
	return UnitSize << uint(c)
}

// ClassUnits returns the number of 4 KiB units spanned by size class c.
func ClassUnits(c int) uint64 {
	return 1 << uint(c)
}

// Allocator manages one device's free space as a bitmap of 4 KiB units plus
// a per-class free list used to satisfy allocations in O(log capacity).
type Allocator struct {
	mu        sync.Mutex
	bitmap    []byte // 1 bit per unit; 1 == used
	units     uint64
	freeLists [NumClasses]map[uint64]struct{} // offset_4k -> present, per class
}

// New creates an Allocator over a device with the given total capacity in
// 4 KiB units, with everything initially free.
func New(units uint64) *Allocator {
	a := &Allocator{
		bitmap: make([]byte, (units+7)/8),
		units:  units,
	}
	for i := range a.freeLists {
		a.freeLists[i] = make(map[uint64]struct{})
	}
	a.seedFreeList(units)
	return a
}

// seedFreeList partitions [0, units) into the largest possible aligned
// power-of-two runs and inserts each into its class's free list.
func (a *Allocator) seedFreeList(units uint64) {
	offset := uint64(0)
	for offset < units {
		class := MaxClass
		for class > MinClass {
			size := ClassUnits(class)
			if offset%size == 0 && offset+size <= units {
				break
			}
			class--
		}
		a.freeLists[class][offset] = struct{}{}
		offset += ClassUnits(class)
	}
}

// Open reconstructs an Allocator's free lists from a previously persisted
// bitmap, used during crash recovery's BitmapLoaded phase (spec.md §4.13).
func Open(bitmap []byte, units uint64) *Allocator {
	a := &Allocator{
		bitmap: bitmap,
		units:  units,
	}
	for i := range a.freeLists {
		a.freeLists[i] = make(map[uint64]struct{})
	}
	a.RebuildFreeLists()
	return a
}

// RebuildFreeLists discards the in-memory free lists and recomputes them
// from the bitmap, coalescing adjacent free buddies into the largest class
// they can form.
func (a *Allocator) RebuildFreeLists() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.freeLists {
		a.freeLists[i] = make(map[uint64]struct{})
	}

	offset := uint64(0)
	for offset < a.units {
		if a.used(offset) {
			offset++
			continue
		}
		// Find the largest free, aligned, in-bounds run starting here.
		class := MaxClass
		for class > MinClass {
			size := ClassUnits(class)
			if offset%size == 0 && offset+size <= a.units && a.rangeFree(offset, size) {
				break
			}
			class--
		}
		a.freeLists[class][offset] = struct{}{}
		offset += ClassUnits(class)
	}
}

func (a *Allocator) rangeFree(offset, units uint64) bool {
	for i := uint64(0); i < units; i++ {
		if a.used(offset + i) {
			return false
		}
	}
	return true
}

func (a *Allocator) used(unit uint64) bool {
	return a.bitmap[unit/8]&(1<<(unit%8)) != 0
}

func (a *Allocator) setUsed(unit uint64, used bool) {
	if used {
		a.bitmap[unit/8] |= 1 << (unit % 8)
	} else {
		a.bitmap[unit/8] &^= 1 << (unit % 8)
	}
}

// Bitmap returns the authoritative on-disk bitmap for persistence.
func (a *Allocator) Bitmap() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bitmap
}

// Occupancy reports how many of the allocator's 4 KiB units are marked
// used, for the allocator-occupancy gauge of spec.md's observability
// surface.
func (a *Allocator) Occupancy() (usedUnits, totalUnits uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var used uint64
	for i := uint64(0); i < a.units; i++ {
		byteIdx, bit := i/8, i%8
		if a.bitmap[byteIdx]&(1<<bit) != 0 {
			used++
		}
	}
	return used, a.units
}

// Allocate reserves one block of size class class, returning its offset in
// 4 KiB units. First-fit within the smallest adequate class, splitting the
// next larger class's block on a miss (buddy splitting). Returns
// KindOutOfSpace if no class >= class has a free entry.
func (a *Allocator) Allocate(class int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset, ok := a.takeFirstFree(class)
	if !ok {
		return 0, claudefserr.New(claudefserr.KindOutOfSpace, "alloc.Allocate", nil, map[string]any{"class": class})
	}

	a.setUsed(offset, true)
	for i := uint64(1); i < ClassUnits(class); i++ {
		a.setUsed(offset+i, true)
	}
	return offset, nil
}

// takeFirstFree finds the smallest class >= want with a free entry,
// splitting it down to want if it came from a larger class.
func (a *Allocator) takeFirstFree(want int) (uint64, bool) {
	for class := want; class < NumClasses; class++ {
		for offset := range a.freeLists[class] {
			delete(a.freeLists[class], offset)
			// Split down from class to want, keeping the upper half of
			// each split on the free list of the next smaller class.
			for c := class; c > want; c-- {
				half := ClassUnits(c - 1)
				buddy := offset + half
				a.freeLists[c-1][buddy] = struct{}{}
			}
			return offset, true
		}
	}
	return 0, false
}

// Free releases a block of size class class at offset, coalescing with its
// buddy when both are free.
func (a *Allocator) Free(offset uint64, class int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint64(0); i < ClassUnits(class); i++ {
		a.setUsed(offset+i, false)
	}

	for class < MaxClass {
		buddy := buddyOf(offset, class)
		if buddy+ClassUnits(class) > a.units {
			break
		}
		if _, free := a.freeLists[class][buddy]; !free {
			break
		}
		delete(a.freeLists[class], buddy)
		if buddy < offset {
			offset = buddy
		}
		class++
	}

	a.freeLists[class][offset] = struct{}{}
}

// buddyOf returns the buddy address of a size-class-c block at offset.
func buddyOf(offset uint64, class int) uint64 {
	size := ClassUnits(class)
	return offset ^ size
}

// MarkUsedRange marks count consecutive 4 KiB units starting at offset as
// used, bypassing the free lists. Used only during recovery to re-stamp
// blocks named by replayed BlockWrite journal records (spec.md §4.13),
// before RebuildFreeLists derives a consistent free-list view.
func (a *Allocator) MarkUsedRange(offset, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		a.setUsed(offset+i, true)
	}
}

// MarkFreeRange clears count consecutive 4 KiB units starting at offset,
// bypassing the free lists. Used only during recovery to apply replayed
// BlockFree journal records to the bitmap (spec.md §4.13) before
// RebuildFreeLists derives a consistent free-list view; calling it outside
// a RebuildFreeLists bracket would leave the free lists stale.
func (a *Allocator) MarkFreeRange(offset, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		a.setUsed(offset+i, false)
	}
}
