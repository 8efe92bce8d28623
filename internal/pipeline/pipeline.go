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

// Package pipeline implements the write/read reduction pipeline of
// spec.md §4.9: chunk, fingerprint, dedup, compress, encrypt, and store on
// write; reverse and reassemble in input order on read. A block's
// associated-data binding requires its BlockID before encryption, so a
// novel chunk's block is reserved on its destination device before the
// chunk is sealed, and the ciphertext is written into that reservation.
package pipeline

import (
	"bytes"
	"context"
	"io"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/claudefs/claudefs/internal/chunker"
	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/compress"
	"github.com/claudefs/claudefs/internal/config"
	"github.com/claudefs/claudefs/internal/crypto"
	"github.com/claudefs/claudefs/internal/dedup"
	"github.com/claudefs/claudefs/internal/envelope"
)

// ResolvedChunk is one chunk of a write, with its content-addressed
// BlockRef resolved whether the chunk was novel or deduplicated.
type ResolvedChunk struct {
	OffsetInStream uint64
	Length         uint32
	Fingerprint    dedup.Fingerprint
	Ref            blockio.BlockRef
	Envelope       envelope.Sealed
}

// Stats summarizes one process_write call, for telemetry and the
// scenario-4 dedup assertions in spec.md §8.
type Stats struct {
	ChunksTotal   int
	ChunksDeduped int
	BytesIn       int
	BytesStored   int
}

// Pipeline wires the chunker, dedup index, compressor, and encryption
// envelope to the block I/O layer.
type Pipeline struct {
	cfg      config.Config
	dedupIdx *dedup.Index
	devices  *blockio.Registry
	dek      *envelope.DEK
	aead     crypto.AEADAlgorithm
}

// New builds a Pipeline. dek is the active data-encryption key; rotation is
// the caller's responsibility (see spec.md §4.8's rotation schedule).
func New(cfg config.Config, idx *dedup.Index, devices *blockio.Registry, dek *envelope.DEK) *Pipeline {
	aead := crypto.AEADAESGCM256
	if cfg.Encryption.Algorithm == config.AEADChaCha20Poly1305 {
		aead = crypto.AEADChaCha20Poly1305
	}
	return &Pipeline{cfg: cfg, dedupIdx: idx, devices: devices, dek: dek, aead: aead}
}

func sizeClassFor(n int) int {
	class := 0
	size := 4096
	for size < n && class < 8 {
		size <<= 1
		class++
	}
	return class
}

func compressionAlgorithm(cfg config.CompressionConfig) compress.Algorithm {
	switch cfg.Algorithm {
	case config.CompressionZstd:
		return compress.AlgorithmZstd
	case config.CompressionLZ4:
		return compress.AlgorithmLZ4
	default:
		return compress.AlgorithmNone
	}
}

// ProcessWrite chunks r, resolves every chunk's BlockRef (via dedup hit or
// a fresh compress->encrypt->store), and returns them in stream order.
func (p *Pipeline) ProcessWrite(ctx context.Context, r io.Reader, hint blockio.PlacementHint) ([]ResolvedChunk, Stats, error) {
	ck := chunker.New(r, chunker.Config{
		MinSize:    p.cfg.Chunker.MinSize,
		TargetSize: p.cfg.Chunker.TargetSize,
		MaxSize:    p.cfg.Chunker.MaxSize,
		Seed:       p.cfg.Chunker.Seed,
	})

	var resolved []ResolvedChunk
	var stats Stats

	for {
		c, err := ck.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, Stats{}, err
		}

		stats.ChunksTotal++
		stats.BytesIn += len(c.Plaintext)
		fp := dedup.Fingerprint(c.Fingerprint)

		if ref, ok := p.dedupIdx.Lookup(fp); ok {
			p.dedupIdx.Incref(fp)
			stats.ChunksDeduped++
			sealed, _ := p.dedupIdx.Envelope(fp)
			resolved = append(resolved, ResolvedChunk{
				OffsetInStream: c.OffsetInStream,
				Length:         uint32(len(c.Plaintext)),
				Fingerprint:    fp,
				Ref:            ref,
				Envelope:       sealed,
			})
			continue
		}

		rc, storedBytes, err := p.storeNovelChunk(ctx, c, fp, hint)
		if err != nil {
			return nil, Stats{}, err
		}
		stats.BytesStored += storedBytes
		resolved = append(resolved, rc)
	}

	return resolved, stats, nil
}

func (p *Pipeline) storeNovelChunk(ctx context.Context, c chunker.Chunk, fp dedup.Fingerprint, hint blockio.PlacementHint) (ResolvedChunk, int, error) {
	compressed, err := compress.Compress(compressionAlgorithm(p.cfg.Compression), p.cfg.Compression.Level, p.cfg.Compression.MinRatioToKeep, c.Plaintext)
	if err != nil {
		return ResolvedChunk{}, 0, err
	}

	sizeClass := sizeClassFor(len(compressed.Data) + 64) // leave room for the AEAD tag
	dev, blockID, err := p.devices.Reserve(sizeClass, hint)
	if err != nil {
		return ResolvedChunk{}, 0, err
	}

	header := encodeChunkHeader(compressed)
	plaintext := append(header, compressed.Data...)

	sealed, err := envelope.Seal(p.dek, p.aead, blockID, plaintext)
	if err != nil {
		dev.Free(blockio.BlockRef{ID: blockID, SizeClass: sizeClass})
		return ResolvedChunk{}, 0, err
	}

	ref, err := dev.WriteReserved(ctx, blockID, sizeClass, sealed.Ciphertext)
	if err != nil {
		return ResolvedChunk{}, 0, err
	}

	p.dedupIdx.InsertWithEnvelope(fp, ref, sealed)
	return ResolvedChunk{
		OffsetInStream: c.OffsetInStream,
		Length:         uint32(len(c.Plaintext)),
		Fingerprint:    fp,
		Ref:            ref,
		Envelope:       sealed,
	}, len(sealed.Ciphertext), nil
}

// ProcessRead reverses the pipeline for an ordered list of resolved chunks,
// reassembling the byte stream in the original offset order regardless of
// which device I/O completed first. It fails the whole read on the first
// error, per spec.md §4.9: partial results are never returned.
func (p *Pipeline) ProcessRead(ctx context.Context, chunks []ResolvedChunk) ([]byte, error) {
	var out bytes.Buffer
	for _, rc := range chunks {
		ciphertext, err := p.devices.SubmitRead(ctx, rc.Ref)
		if err != nil {
			return nil, err
		}

		sealed := rc.Envelope
		sealed.Ciphertext = ciphertext
		plaintext, err := envelope.Open(p.dek, rc.Ref.ID, sealed)
		if err != nil {
			return nil, err
		}

		hdr, body, err := decodeChunkHeader(plaintext)
		if err != nil {
			return nil, err
		}
		decompressed, err := compress.Decompress(compress.Result{Algorithm: hdr.algo, Data: body, OriginalLen: hdr.originalLen})
		if err != nil {
			return nil, err
		}
		if uint32(len(decompressed)) != rc.Length {
			return nil, claudefserr.New(claudefserr.KindCorruptBlock, "pipeline.ProcessRead", nil,
				map[string]any{"want": rc.Length, "got": len(decompressed)})
		}
		out.Write(decompressed)
	}
	return out.Bytes(), nil
}

type chunkHeader struct {
	algo        compress.Algorithm
	originalLen uint32
}

// encodeChunkHeader prefixes the compressed payload with its algorithm tag
// and original length, so a read can reverse compression without
// consulting any side channel.
func encodeChunkHeader(r compress.Result) []byte {
	hdr := make([]byte, 5)
	hdr[0] = byte(r.Algorithm)
	hdr[1] = byte(r.OriginalLen >> 24)
	hdr[2] = byte(r.OriginalLen >> 16)
	hdr[3] = byte(r.OriginalLen >> 8)
	hdr[4] = byte(r.OriginalLen)
	return hdr
}

func decodeChunkHeader(data []byte) (chunkHeader, []byte, error) {
	if len(data) < 5 {
		return chunkHeader{}, nil, claudefserr.New(claudefserr.KindCorruptBlock, "pipeline.decodeChunkHeader", nil, nil)
	}
	originalLen := uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
	return chunkHeader{algo: compress.Algorithm(data[0]), originalLen: originalLen}, data[5:], nil
}
