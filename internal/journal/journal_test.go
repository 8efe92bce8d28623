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

package journal_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/claudefs/claudefs/internal/journal"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*journal.Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestAppendCommitReplayRoundTrip(t *testing.T) {
	j, path := openTemp(t)

	seq1, err := j.Append(journal.KindBlockWrite, []byte("block-write-1"))
	require.NoError(t, err)
	seq2, err := j.Append(journal.KindInodeUpdate, []byte("inode-update-1"))
	require.NoError(t, err)
	require.NoError(t, j.Commit(seq2))
	require.NoError(t, j.Close())

	reopened, err := journal.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	it, err := reopened.NewIterator(seq1)
	require.NoError(t, err)

	e1, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, seq1, e1.Sequence)
	require.Equal(t, journal.KindBlockWrite, e1.Kind)
	require.Equal(t, "block-write-1", string(e1.Payload))

	e2, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, seq2, e2.Sequence)
	require.Equal(t, "inode-update-1", string(e2.Payload))

	_, err = it.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenTruncatesTornTailRecord(t *testing.T) {
	j, path := openTemp(t)
	_, err := j.Append(journal.KindBlockWrite, []byte("complete-record"))
	require.NoError(t, err)
	require.NoError(t, j.Commit(0))
	require.NoError(t, j.Close())

	// Simulate a crash mid-write: append a few garbage bytes that look like
	// the start of a header but never complete.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	before, err := os.Stat(path)
	require.NoError(t, err)

	reopened, err := journal.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Less(t, after.Size(), before.Size())
}

func TestIteratorHaltsAtSequenceGap(t *testing.T) {
	j, _ := openTemp(t)

	seq100, err := j.Append(journal.KindBlockWrite, []byte("r100"))
	require.NoError(t, err)
	_, err = j.Append(journal.KindBlockWrite, []byte("r101"))
	require.NoError(t, err)

	it, err := j.NewIterator(seq100)
	require.NoError(t, err)

	_, err = it.Next()
	require.NoError(t, err)
	_, err = it.Next()
	require.NoError(t, err)

	// No gap actually exists yet here (sequences are contiguous); exercise
	// the gap path directly by seeding an iterator with a wrong starting
	// expectation instead.
	it2, err := j.NewIterator(seq100 + 5)
	require.NoError(t, err)
	_, err = it2.Next()
	var gapErr *journal.GapError
	require.ErrorAs(t, err, &gapErr)
	require.Equal(t, seq100+5, gapErr.Expected)
	require.Equal(t, seq100, gapErr.Got)
}
