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

// Package dedup maps chunk fingerprints to the stored block holding their
// content (spec.md §4.6). Reclamation is refcount-based: Incref/Decref
// track how many extents reference a fingerprint's block, and Decref
// reports when the count reaches zero so the caller can free the
// underlying block. SHA-256 collisions are treated as byte equality by
// assumption, so no byte-for-byte comparison backs a lookup hit.
package dedup

import (
	"sync"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/claudefs/claudefs/internal/envelope"
)

// Fingerprint is the SHA-256 digest of a chunk's plaintext.
type Fingerprint [32]byte

type entry struct {
	ref      blockio.BlockRef
	refcount uint64
	sealed   envelope.Sealed
}

// Index is the fingerprint -> BlockRef mapping, exclusive on write and
// shared on read per the module's concurrency contract.
type Index struct {
	mu      sync.RWMutex
	entries map[Fingerprint]*entry
}

// New creates an empty dedup index.
func New() *Index {
	return &Index{entries: make(map[Fingerprint]*entry)}
}

// Lookup reports whether fp is already known, returning its BlockRef if so.
func (idx *Index) Lookup(fp Fingerprint) (blockio.BlockRef, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[fp]
	if !ok {
		return blockio.BlockRef{}, false
	}
	return e.ref, true
}

// Insert records a newly stored block under fp with an initial refcount of
// one, the state a novel chunk's first write leaves it in.
func (idx *Index) Insert(fp Fingerprint, ref blockio.BlockRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[fp] = &entry{ref: ref, refcount: 1}
}

// InsertWithEnvelope is Insert plus the sealed envelope metadata (nonce,
// DEK id, algorithm) a later deduplicated hit against the same block needs
// to decrypt it — the ciphertext itself lives on the device, but the AEAD
// can't be reversed without the nonce and key identity it was sealed
// under.
func (idx *Index) InsertWithEnvelope(fp Fingerprint, ref blockio.BlockRef, sealed envelope.Sealed) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[fp] = &entry{ref: ref, refcount: 1, sealed: sealed}
}

// Envelope returns the sealed envelope metadata recorded for fp, if any.
func (idx *Index) Envelope(fp Fingerprint) (envelope.Sealed, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[fp]
	if !ok {
		return envelope.Sealed{}, false
	}
	return e.sealed, true
}

// Incref increments fp's reference count, for every subsequent extent that
// comes to reference the same content. Returns the count after
// incrementing, or 0 if fp is unknown.
func (idx *Index) Incref(fp Fingerprint) uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[fp]
	if !ok {
		return 0
	}
	e.refcount++
	return e.refcount
}

// Decref decrements fp's reference count. It returns true when the count
// has reached zero, at which point the entry is removed from the index and
// the caller is responsible for freeing the underlying block. Decref on an
// unknown fingerprint is a no-op returning false.
func (idx *Index) Decref(fp Fingerprint) (blockio.BlockRef, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[fp]
	if !ok {
		return blockio.BlockRef{}, false
	}
	if e.refcount > 0 {
		e.refcount--
	}
	if e.refcount == 0 {
		delete(idx.entries, fp)
		return e.ref, true
	}
	return blockio.BlockRef{}, false
}

// Refcount returns fp's current reference count, 0 if unknown. Used by
// tests and introspection, not on the data path.
func (idx *Index) Refcount(fp Fingerprint) uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[fp]
	if !ok {
		return 0
	}
	return e.refcount
}

// Len reports the number of distinct fingerprints currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
