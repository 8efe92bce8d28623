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

// Package compress implements per-chunk compression (spec.md §4.7). Every
// output is tagged with the algorithm used and the original plaintext
// length, so a chunk that didn't compress well is stored verbatim under
// the None tag rather than paying a decoder round-trip for nothing.
package compress

import (
	"bytes"
	"io"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies which codec (if any) produced a Result's Data.
type Algorithm uint8

const (
	AlgorithmNone Algorithm = iota
	AlgorithmZstd
	AlgorithmLZ4
)

// Result is a compressed (or verbatim) chunk, carrying enough metadata to
// reverse the transform unambiguously.
type Result struct {
	Algorithm   Algorithm
	Data        []byte
	OriginalLen uint32
}

// Compress encodes data with algo at the given level, falling back to
// AlgorithmNone (verbatim storage) if the encoded size does not beat
// minRatio * len(data) — i.e. doesn't compress well enough to be worth the
// decode cost later.
func Compress(algo Algorithm, level int, minRatio float64, data []byte) (Result, error) {
	if algo == AlgorithmNone || len(data) == 0 {
		return Result{Algorithm: AlgorithmNone, Data: data, OriginalLen: uint32(len(data))}, nil
	}

	var encoded []byte
	var err error
	switch algo {
	case AlgorithmZstd:
		encoded, err = compressZstd(data, level)
	case AlgorithmLZ4:
		encoded, err = compressLZ4(data, level)
	default:
		return Result{}, claudefserr.New(claudefserr.KindUnknown, "compress.Compress", nil, map[string]any{"algorithm": algo})
	}
	if err != nil {
		return Result{}, err
	}

	if float64(len(encoded)) >= minRatio*float64(len(data)) {
		return Result{Algorithm: AlgorithmNone, Data: data, OriginalLen: uint32(len(data))}, nil
	}
	return Result{Algorithm: algo, Data: encoded, OriginalLen: uint32(len(data))}, nil
}

// Decompress reverses Compress. It fails with KindCorruptBlock if the
// decoded length doesn't match the recorded original length, or if the
// decoder itself errors.
func Decompress(r Result) ([]byte, error) {
	var out []byte
	var err error
	switch r.Algorithm {
	case AlgorithmNone:
		out = r.Data
	case AlgorithmZstd:
		out, err = decompressZstd(r.Data)
	case AlgorithmLZ4:
		out, err = decompressLZ4(r.Data, int(r.OriginalLen))
	default:
		return nil, claudefserr.New(claudefserr.KindCorruptBlock, "compress.Decompress", nil, map[string]any{"algorithm": r.Algorithm})
	}
	if err != nil {
		return nil, claudefserr.New(claudefserr.KindCorruptBlock, "compress.Decompress", err, nil)
	}
	if uint32(len(out)) != r.OriginalLen {
		return nil, claudefserr.New(claudefserr.KindCorruptBlock, "compress.Decompress", nil,
			map[string]any{"want_len": r.OriginalLen, "got_len": len(out)})
	}
	return out, nil
}

func compressZstd(data []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func compressLZ4(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	// lz4 accepts only Fast or Level1..Level9 (1<<9 .. 1<<17), so map the
	// numeric level onto that set.
	lvl := lz4.Fast
	if level > 0 {
		if level > 9 {
			level = 9
		}
		lvl = lz4.CompressionLevel(1 << (8 + level))
	}
	opts := []lz4.Option{lz4.CompressionLevelOption(lvl)}
	if err := w.Apply(opts...); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte, originalLen int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out := make([]byte, originalLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
