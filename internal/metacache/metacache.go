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

// Package metacache implements the TTL-bounded attribute and directory
// caches of spec.md §4.11. A directory lookup consults the positive cache,
// then the negative cache, before falling through to the authoritative
// inode table; invalidation is driven externally by the coherence manager,
// which is why Invalidate takes no TTL argument of its own — it always
// removes rather than re-arms an entry.
package metacache

import (
	"sync"
	"time"

	"github.com/claudefs/claudefs/internal/inode"
)

type attrEntry struct {
	attrs     inode.Attributes
	expiresAt time.Time
}

// AttrCache caches inode attributes keyed by inode ID.
type AttrCache struct {
	mu      sync.RWMutex
	entries map[inode.ID]attrEntry
	now     func() time.Time
}

// NewAttrCache creates an empty attribute cache.
func NewAttrCache() *AttrCache {
	return &AttrCache{entries: make(map[inode.ID]attrEntry), now: time.Now}
}

// GetAttr returns id's cached attributes if present and unexpired.
func (c *AttrCache) GetAttr(id inode.ID) (inode.Attributes, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || c.now().After(e.expiresAt) {
		return inode.Attributes{}, false
	}
	return e.attrs, true
}

// InsertAttr caches attrs for id until ttl elapses.
func (c *AttrCache) InsertAttr(id inode.ID, attrs inode.Attributes, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = attrEntry{attrs: attrs, expiresAt: c.now().Add(ttl)}
}

// Invalidate removes id's cached attributes unconditionally, the way the
// coherence manager reacts to a lease revocation.
func (c *AttrCache) Invalidate(id inode.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// dirKey identifies one directory lookup: a name within a parent.
type dirKey struct {
	parent inode.ID
	name   string
}

type dirEntry struct {
	id        inode.ID
	negative  bool
	expiresAt time.Time
}

// DirCache caches directory-entry lookups, including negative entries (a
// cached "this name does not exist" result, spec.md §4.11).
type DirCache struct {
	mu      sync.RWMutex
	entries map[dirKey]dirEntry
	now     func() time.Time
}

// NewDirCache creates an empty directory cache.
func NewDirCache() *DirCache {
	return &DirCache{entries: make(map[dirKey]dirEntry), now: time.Now}
}

// Lookup consults the positive cache, then the negative cache. found
// reports whether either cache had an unexpired entry; id is valid only
// when found is true and negative is false.
func (c *DirCache) Lookup(parent inode.ID, name string) (id inode.ID, negative bool, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[dirKey{parent, name}]
	if !ok || c.now().After(e.expiresAt) {
		return 0, false, false
	}
	return e.id, e.negative, true
}

// InsertPositive records that name resolves to id within parent.
func (c *DirCache) InsertPositive(parent inode.ID, name string, id inode.ID, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dirKey{parent, name}] = dirEntry{id: id, expiresAt: c.now().Add(ttl)}
}

// InsertNegative records that name does not exist within parent, avoiding
// a repeated authoritative lookup for a miss.
func (c *DirCache) InsertNegative(parent inode.ID, name string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dirKey{parent, name}] = dirEntry{negative: true, expiresAt: c.now().Add(ttl)}
}

// IsNegative reports whether name is currently cached as absent from
// parent.
func (c *DirCache) IsNegative(parent inode.ID, name string) bool {
	_, negative, found := c.Lookup(parent, name)
	return found && negative
}

// Invalidate removes any cached entry (positive or negative) for name
// within parent.
func (c *DirCache) Invalidate(parent inode.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dirKey{parent, name})
}

// InvalidateParent removes every entry cached under parent, used when a
// directory's whole listing has been invalidated rather than one name.
func (c *DirCache) InvalidateParent(parent inode.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.parent == parent {
			delete(c.entries, k)
		}
	}
}
