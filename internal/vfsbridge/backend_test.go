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

package vfsbridge_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/claudefs/claudefs/internal/coherence"
	"github.com/claudefs/claudefs/internal/config"
	"github.com/claudefs/claudefs/internal/dedup"
	"github.com/claudefs/claudefs/internal/enforce"
	"github.com/claudefs/claudefs/internal/engine"
	"github.com/claudefs/claudefs/internal/envelope"
	"github.com/claudefs/claudefs/internal/inode"
	"github.com/claudefs/claudefs/internal/journal"
	"github.com/claudefs/claudefs/internal/pipeline"
	"github.com/claudefs/claudefs/internal/vfsbridge"
	"github.com/claudefs/claudefs/internal/writebuffer"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *vfsbridge.Backend {
	t.Helper()
	cfg := config.Default()

	reg := blockio.NewRegistry()
	path := filepath.Join(t.TempDir(), "dev0.bin")
	dev, err := blockio.OpenDevice(1, path, 4096, 16)
	require.NoError(t, err)
	require.NoError(t, dev.Transition(blockio.StateActive))
	reg.Register(dev)
	t.Cleanup(func() { dev.Close() })

	dek, err := envelope.NewDEK()
	require.NoError(t, err)

	p := pipeline.New(cfg, dedup.New(), reg, dek)

	jdir := filepath.Join(t.TempDir(), "journal")
	eng, table := newEngineAndTable(t, p, reg, jdir)

	buf := writebuffer.New(eng, table, cfg.WriteBuffer)
	leases := coherence.New(cfg.Coherence)

	return vfsbridge.New(cfg, table, buf, p, leases, nil, 0, 0, 0o755)
}

func TestCreateThenLookupFindsChild(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	created, err := b.Create(ctx, b.RootID(), "hello.txt", 0o644, 1000, 1000)
	require.NoError(t, err)

	found, err := b.Lookup(ctx, b.RootID(), "hello.txt")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)
	require.Equal(t, uint32(1000), found.Attrs.UID)
}

func TestLookupMissingNameReturnsNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Lookup(context.Background(), b.RootID(), "nope")
	require.Error(t, err)
}

func TestWriteThenReadRoundTripsThroughWriteBuffer(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	data := []byte("round trip through the write buffer and engine")
	require.NoError(t, b.Write(ctx, snap.ID, 0, data, enforce.Subject{}, enforce.ACL{}, 0, 0))
	require.NoError(t, b.Fsync(ctx, snap.ID))

	got, err := b.Read(ctx, snap.ID, 0, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReadOfPartialRangeClipsToRequestedWindow(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	require.NoError(t, b.Write(ctx, snap.ID, 0, data, enforce.Subject{}, enforce.ACL{}, 0, 0))
	require.NoError(t, b.Fsync(ctx, snap.ID))

	got, err := b.Read(ctx, snap.ID, 4, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("456789"), got)
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	dir, err := b.Mkdir(ctx, b.RootID(), "sub", 0o755, 0, 0)
	require.NoError(t, err)

	entries, err := b.Readdir(ctx, b.RootID())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "sub", entries[0].Name)

	require.NoError(t, b.Rmdir(ctx, b.RootID(), "sub"))
	_, err = b.Lookup(ctx, b.RootID(), "sub")
	require.Error(t, err)

	_, err = b.Readdir(ctx, dir.ID)
	require.Error(t, err)
}

func TestRmdirFailsWhenNotEmpty(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	dir, err := b.Mkdir(ctx, b.RootID(), "sub", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = b.Create(ctx, dir.ID, "f", 0o644, 0, 0)
	require.NoError(t, err)

	require.Error(t, b.Rmdir(ctx, b.RootID(), "sub"))
}

func TestUnlinkRemovesEntryAndInode(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, b.Unlink(ctx, b.RootID(), "f"))
	_, err = b.Lookup(ctx, b.RootID(), "f")
	require.Error(t, err)
	_, err = b.GetAttr(ctx, snap.ID)
	require.Error(t, err)
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	dir, err := b.Mkdir(ctx, b.RootID(), "sub", 0o755, 0, 0)
	require.NoError(t, err)
	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, b.Rename(ctx, b.RootID(), "f", dir.ID, "g"))

	_, err = b.Lookup(ctx, b.RootID(), "f")
	require.Error(t, err)
	found, err := b.Lookup(ctx, dir.ID, "g")
	require.NoError(t, err)
	require.Equal(t, snap.ID, found.ID)
}

func TestSymlinkThenReadlink(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	snap, err := b.Symlink(ctx, b.RootID(), "link", "/target/path", 0, 0)
	require.NoError(t, err)

	target, err := b.Readlink(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, "/target/path", target)
}

func TestSetAttrUpdatesSizeAndInvalidatesCache(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	newSize := uint64(4096)
	attrs, err := b.SetAttr(ctx, snap.ID, vfsbridge.SetAttrRequest{Size: &newSize})
	require.NoError(t, err)
	require.Equal(t, newSize, attrs.Size)

	got, err := b.GetAttr(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, newSize, got.Size)
}

func TestSetXattrThenGetXattrRoundTrips(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, b.SetXattr(ctx, snap.ID, "user.note", []byte("hi")))
	got, err := b.GetXattr(ctx, snap.ID, "user.note")
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got)
}

func TestGetXattrMissingNameFails(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	_, err = b.GetXattr(ctx, snap.ID, "user.missing")
	require.Error(t, err)
}

func TestFallocateExtendsReportedSize(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	snap, err := b.Create(ctx, b.RootID(), "f", 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, b.Fallocate(ctx, snap.ID, 1000, 4096))
	attrs, err := b.GetAttr(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5096), attrs.Size)
}

func TestAccessDeniedForNonOwnerWithoutACL(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	snap, err := b.Create(ctx, b.RootID(), "f", 0o600, 1000, 1000)
	require.NoError(t, err)

	err = b.Access(ctx, snap.ID, 2000, 2000, enforce.ModeRead)
	require.Error(t, err)

	require.NoError(t, b.Access(ctx, snap.ID, 1000, 1000, enforce.ModeRead|enforce.ModeWrite))
}

func newEngineAndTable(t *testing.T, p *pipeline.Pipeline, reg *blockio.Registry, journalDir string) (*engine.Engine, *inode.Table) {
	t.Helper()
	j, err := journal.Open(journalDir)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	table := inode.NewTable()
	return engine.New(p, reg, j, table), table
}
