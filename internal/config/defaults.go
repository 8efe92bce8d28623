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

package config

import "time"

// Default returns the configuration used before any flag, env var, or
// config file has been applied — the values named in spec.md §6.
func Default() Config {
	return Config{
		Chunker: ChunkerConfig{
			MinSize:    4 * 1024,
			TargetSize: 64 * 1024,
			MaxSize:    1024 * 1024,
			Seed:       0,
		},
		Compression: CompressionConfig{
			Algorithm:      CompressionZstd,
			Level:          3,
			MinRatioToKeep: 0.9,
		},
		Encryption: EncryptionConfig{
			Algorithm:           AEADAESGCM256,
			DEKRotationInterval: 24 * time.Hour,
		},
		Caches: CachesConfig{
			AttrTTL:     30 * time.Second,
			NegativeTTL: 5 * time.Second,
			Capacity:    10000,
		},
		Coherence: CoherenceConfig{
			Protocol:      ProtocolCloseToOpen,
			LeaseDuration: 60 * time.Second,
		},
		Journal: JournalConfig{
			MaxEntriesPerSegment: 100000,
			CommitBatchSize:      64,
			FsyncPolicy:          FsyncAlways,
		},
		Recovery: RecoveryConfig{
			VerifyChecksums:      true,
			AllowPartialRecovery: false,
			MaxReplayEntries:     0, // 0 == unbounded
		},
		Quota: QuotaConfig{
			SoftGrace:      0,
			HardFailPolicy: "reject",
		},
		Squash: SquashConfig{
			Policy:  SquashRoot,
			AnonUID: 65534,
			AnonGID: 65534,
		},
		WriteBuffer: WriteBufferConfig{
			SizeThresholdBytes: 4 * 1024 * 1024,
			TimeThreshold:      5 * time.Second,
		},
	}
}
