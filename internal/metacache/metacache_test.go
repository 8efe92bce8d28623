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

package metacache_test

import (
	"testing"
	"time"

	"github.com/claudefs/claudefs/internal/inode"
	"github.com/claudefs/claudefs/internal/metacache"
	"github.com/stretchr/testify/require"
)

func TestAttrCacheMissThenInsertThenHit(t *testing.T) {
	c := metacache.NewAttrCache()
	_, ok := c.GetAttr(inode.ID(1))
	require.False(t, ok)

	c.InsertAttr(inode.ID(1), inode.Attributes{UID: 42}, time.Minute)
	attrs, ok := c.GetAttr(inode.ID(1))
	require.True(t, ok)
	require.Equal(t, uint32(42), attrs.UID)
}

func TestAttrCacheExpiresAfterTTL(t *testing.T) {
	c := metacache.NewAttrCache()
	c.InsertAttr(inode.ID(1), inode.Attributes{UID: 1}, time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok := c.GetAttr(inode.ID(1))
	require.False(t, ok)
}

func TestAttrCacheInvalidateRemovesEntry(t *testing.T) {
	c := metacache.NewAttrCache()
	c.InsertAttr(inode.ID(1), inode.Attributes{UID: 1}, time.Minute)
	c.Invalidate(inode.ID(1))
	_, ok := c.GetAttr(inode.ID(1))
	require.False(t, ok)
}

func TestDirCachePositiveLookup(t *testing.T) {
	c := metacache.NewDirCache()
	c.InsertPositive(inode.ID(1), "foo", inode.ID(42), time.Minute)

	id, negative, found := c.Lookup(inode.ID(1), "foo")
	require.True(t, found)
	require.False(t, negative)
	require.Equal(t, inode.ID(42), id)
}

func TestDirCacheNegativeLookup(t *testing.T) {
	c := metacache.NewDirCache()
	c.InsertNegative(inode.ID(1), "missing", time.Minute)
	require.True(t, c.IsNegative(inode.ID(1), "missing"))

	_, negative, found := c.Lookup(inode.ID(1), "missing")
	require.True(t, found)
	require.True(t, negative)
}

func TestDirCacheInvalidateParentClearsAllNames(t *testing.T) {
	c := metacache.NewDirCache()
	c.InsertPositive(inode.ID(1), "a", inode.ID(2), time.Minute)
	c.InsertPositive(inode.ID(1), "b", inode.ID(3), time.Minute)
	c.InsertPositive(inode.ID(9), "c", inode.ID(4), time.Minute)

	c.InvalidateParent(inode.ID(1))

	_, _, found := c.Lookup(inode.ID(1), "a")
	require.False(t, found)
	_, _, found = c.Lookup(inode.ID(1), "b")
	require.False(t, found)
	_, _, found = c.Lookup(inode.ID(9), "c")
	require.True(t, found, "unrelated parent must be unaffected")
}
