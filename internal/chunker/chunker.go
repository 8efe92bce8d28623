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

// Package chunker implements content-defined chunking over a byte stream
// using a Gear-hash rolling checksum (spec.md §4.5). Chunk boundaries fall
// where hash&mask == 0 once the running chunk has reached min_size, or
// unconditionally at max_size. Because the boundary decision depends only
// on a fixed-width trailing window of bytes, inserting or deleting bytes
// anywhere in the stream perturbs chunk boundaries only in the
// neighborhood of the edit.
package chunker

import (
	"bufio"
	"crypto/sha256"
	"io"
	"math/bits"

	"github.com/claudefs/claudefs/internal/claudefserr"
)

// baseGearSeed anchors the default (Seed == 0) table to a fixed constant so
// the chunker reproduces byte-for-byte across runs and processes with no
// config override.
const baseGearSeed = 0x9E3779B97F4A7C15

func buildGearTable(seed uint64) [256]uint64 {
	var table [256]uint64
	state := seed
	for i := range table {
		// splitmix64
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		table[i] = z
	}
	return table
}

// Config bounds chunk sizes and seeds boundary selection (spec.md §4.5).
type Config struct {
	MinSize    uint32
	TargetSize uint32
	MaxSize    uint32
	Seed       uint64
}

// mask selects the low bits of the rolling hash tested against zero; its
// width is chosen so the expected chunk length (1/P(boundary)) equals
// TargetSize, i.e. popcount(mask) == log2(TargetSize).
func (c Config) mask() uint64 {
	bitsWide := bits.Len32(c.TargetSize) - 1
	if bitsWide <= 0 {
		bitsWide = 1
	}
	return (uint64(1) << uint(bitsWide)) - 1
}

// Chunk is one content-defined segment of the input stream (spec.md §3).
type Chunk struct {
	OffsetInStream uint64
	Plaintext      []byte
	Fingerprint    [32]byte
}

// Chunker produces a lazy sequence of Chunks from an io.Reader. The same
// (Config, input bytes) always yields identical chunk boundaries and
// fingerprints.
type Chunker struct {
	cfg    Config
	mask   uint64
	table  [256]uint64
	r      *bufio.Reader
	offset uint64
	done   bool
}

// New creates a Chunker over r using cfg. cfg must satisfy
// MinSize <= TargetSize <= MaxSize; callers are expected to have already
// validated this (see internal/config.Validate).
func New(r io.Reader, cfg Config) *Chunker {
	return &Chunker{
		cfg:   cfg,
		mask:  cfg.mask(),
		table: buildGearTable(baseGearSeed + cfg.Seed),
		r:     bufio.NewReaderSize(r, int(cfg.MaxSize)),
	}
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (c *Chunker) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}

	buf := make([]byte, 0, c.cfg.TargetSize)
	var hash uint64
	startOffset := c.offset

	for {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return Chunk{}, claudefserr.New(claudefserr.KindDeviceUnavailable, "chunker.Next", err, nil)
		}

		buf = append(buf, b)
		c.offset++
		hash = (hash << 1) + c.table[b]

		length := uint32(len(buf))
		if length >= c.cfg.MaxSize {
			break
		}
		if length >= c.cfg.MinSize && hash&c.mask == 0 {
			break
		}
	}

	if len(buf) == 0 {
		return Chunk{}, io.EOF
	}

	return Chunk{
		OffsetInStream: startOffset,
		Plaintext:      buf,
		Fingerprint:    sha256.Sum256(buf),
	}, nil
}

// All drains the Chunker into a slice, for callers that don't need
// streaming behavior (tests, small inputs).
func All(r io.Reader, cfg Config) ([]Chunk, error) {
	ck := New(r, cfg)
	var chunks []Chunk
	for {
		c, err := ck.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}
