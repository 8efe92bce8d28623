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

// Package config defines the ClaudeFS configuration tree: one sub-struct
// per engine concern, bound to flags and environment with viper/pflag and
// decoded with mapstructure hooks, mirroring how gcsfuse's cfg package
// wires its Config struct.
package config

import "time"

// Protocol selects the cache coherence protocol (spec.md §4.12).
type Protocol string

const (
	ProtocolCloseToOpen Protocol = "CloseToOpen"
	ProtocolSessionBased Protocol = "SessionBased"
	ProtocolStrict       Protocol = "Strict"
)

// SquashPolicy selects how uid/gid are remapped on the data path (spec.md §4.16).
type SquashPolicy string

const (
	SquashNone      SquashPolicy = "None"
	SquashRoot      SquashPolicy = "RootSquash"
	SquashAll       SquashPolicy = "AllSquash"
)

// CompressionAlgorithm is the compressor selected per chunk.
type CompressionAlgorithm string

const (
	CompressionZstd CompressionAlgorithm = "Zstd"
	CompressionLZ4  CompressionAlgorithm = "LZ4"
	CompressionNone CompressionAlgorithm = "None"
)

// AEADAlgorithm is the authenticated encryption algorithm selected for the
// envelope (spec.md §4.1, §4.8).
type AEADAlgorithm string

const (
	AEADAESGCM256         AEADAlgorithm = "AES-GCM-256"
	AEADChaCha20Poly1305  AEADAlgorithm = "ChaCha20-Poly1305"
)

// FsyncPolicy selects when journal commits call fsync.
type FsyncPolicy string

const (
	FsyncAlways  FsyncPolicy = "always"
	FsyncBatched FsyncPolicy = "batched"
)

// Config is the root configuration tree for a ClaudeFS mount.
type Config struct {
	Chunker     ChunkerConfig     `mapstructure:"chunker" yaml:"chunker"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Encryption  EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
	Caches      CachesConfig      `mapstructure:"caches" yaml:"caches"`
	Coherence   CoherenceConfig   `mapstructure:"coherence" yaml:"coherence"`
	Journal     JournalConfig     `mapstructure:"journal" yaml:"journal"`
	Recovery    RecoveryConfig    `mapstructure:"recovery" yaml:"recovery"`
	Quota       QuotaConfig       `mapstructure:"quota" yaml:"quota"`
	Squash      SquashConfig      `mapstructure:"squash" yaml:"squash"`
	WriteBuffer WriteBufferConfig `mapstructure:"write-buffer" yaml:"write-buffer"`
}

type ChunkerConfig struct {
	MinSize    uint32 `mapstructure:"min-size" yaml:"min-size"`
	TargetSize uint32 `mapstructure:"target-size" yaml:"target-size"`
	MaxSize    uint32 `mapstructure:"max-size" yaml:"max-size"`
	Seed       uint64 `mapstructure:"seed" yaml:"seed"`
}

type CompressionConfig struct {
	Algorithm      CompressionAlgorithm `mapstructure:"algorithm" yaml:"algorithm"`
	Level          int                  `mapstructure:"level" yaml:"level"`
	MinRatioToKeep float64              `mapstructure:"min-ratio-to-keep" yaml:"min-ratio-to-keep"`
}

type EncryptionConfig struct {
	Algorithm             AEADAlgorithm `mapstructure:"algorithm" yaml:"algorithm"`
	DEKRotationInterval   time.Duration `mapstructure:"dek-rotation-interval" yaml:"dek-rotation-interval"`
}

type CachesConfig struct {
	AttrTTL     time.Duration `mapstructure:"attr-ttl" yaml:"attr-ttl"`
	NegativeTTL time.Duration `mapstructure:"negative-ttl" yaml:"negative-ttl"`
	Capacity    int           `mapstructure:"capacity" yaml:"capacity"`
}

type CoherenceConfig struct {
	Protocol      Protocol      `mapstructure:"protocol" yaml:"protocol"`
	LeaseDuration time.Duration `mapstructure:"lease-duration" yaml:"lease-duration"`
}

type JournalConfig struct {
	MaxEntriesPerSegment int         `mapstructure:"max-entries-per-segment" yaml:"max-entries-per-segment"`
	CommitBatchSize      int         `mapstructure:"commit-batch-size" yaml:"commit-batch-size"`
	FsyncPolicy          FsyncPolicy `mapstructure:"fsync-policy" yaml:"fsync-policy"`
}

type RecoveryConfig struct {
	VerifyChecksums      bool `mapstructure:"verify-checksums" yaml:"verify-checksums"`
	AllowPartialRecovery bool `mapstructure:"allow-partial-recovery" yaml:"allow-partial-recovery"`
	MaxReplayEntries     int  `mapstructure:"max-replay-entries" yaml:"max-replay-entries"`
}

type QuotaConfig struct {
	SoftGrace     time.Duration `mapstructure:"soft-grace" yaml:"soft-grace"`
	HardFailPolicy string       `mapstructure:"hard-fail-policy" yaml:"hard-fail-policy"`
}

type SquashConfig struct {
	Policy SquashPolicy `mapstructure:"policy" yaml:"policy"`
	AnonUID uint32       `mapstructure:"anon-uid" yaml:"anon-uid"`
	AnonGID uint32       `mapstructure:"anon-gid" yaml:"anon-gid"`
}

// WriteBufferConfig configures the per-inode dirty-range buffer and flush
// scheduler of spec.md §4.15.
type WriteBufferConfig struct {
	SizeThresholdBytes uint64        `mapstructure:"size-threshold-bytes" yaml:"size-threshold-bytes"`
	TimeThreshold      time.Duration `mapstructure:"time-threshold" yaml:"time-threshold"`
}
