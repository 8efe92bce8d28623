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

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers every configuration knob on flagSet and binds it into
// v, mirroring gcsfuse's cfg.BindFlags wiring of pflag into viper.
func BindFlags(flagSet *pflag.FlagSet, v *viper.Viper) error {
	d := Default()

	bindings := []struct {
		key string
		set func()
	}{
		{"chunker.min-size", func() { flagSet.Uint32("chunker.min-size", d.Chunker.MinSize, "minimum chunk size in bytes") }},
		{"chunker.target-size", func() { flagSet.Uint32("chunker.target-size", d.Chunker.TargetSize, "target chunk size in bytes") }},
		{"chunker.max-size", func() { flagSet.Uint32("chunker.max-size", d.Chunker.MaxSize, "maximum chunk size in bytes") }},
		{"chunker.seed", func() { flagSet.Uint64("chunker.seed", d.Chunker.Seed, "rolling hash seed") }},
		{"compression.algorithm", func() { flagSet.String("compression.algorithm", string(d.Compression.Algorithm), "Zstd|LZ4|None") }},
		{"compression.level", func() { flagSet.Int("compression.level", d.Compression.Level, "compressor level") }},
		{"compression.min-ratio-to-keep", func() {
			flagSet.Float64("compression.min-ratio-to-keep", d.Compression.MinRatioToKeep, "minimum compression ratio to keep compressed form")
		}},
		{"encryption.algorithm", func() { flagSet.String("encryption.algorithm", string(d.Encryption.Algorithm), "AES-GCM-256|ChaCha20-Poly1305") }},
		{"encryption.dek-rotation-interval", func() {
			flagSet.Duration("encryption.dek-rotation-interval", d.Encryption.DEKRotationInterval, "data-encryption-key rotation interval")
		}},
		{"caches.attr-ttl", func() { flagSet.Duration("caches.attr-ttl", d.Caches.AttrTTL, "attribute cache TTL") }},
		{"caches.negative-ttl", func() { flagSet.Duration("caches.negative-ttl", d.Caches.NegativeTTL, "negative lookup cache TTL") }},
		{"caches.capacity", func() { flagSet.Int("caches.capacity", d.Caches.Capacity, "max cache entries") }},
		{"coherence.protocol", func() { flagSet.String("coherence.protocol", string(d.Coherence.Protocol), "CloseToOpen|SessionBased|Strict") }},
		{"coherence.lease-duration", func() { flagSet.Duration("coherence.lease-duration", d.Coherence.LeaseDuration, "lease duration") }},
		{"journal.max-entries-per-segment", func() {
			flagSet.Int("journal.max-entries-per-segment", d.Journal.MaxEntriesPerSegment, "journal segment rollover threshold")
		}},
		{"journal.commit-batch-size", func() { flagSet.Int("journal.commit-batch-size", d.Journal.CommitBatchSize, "records per group commit") }},
		{"journal.fsync-policy", func() { flagSet.String("journal.fsync-policy", string(d.Journal.FsyncPolicy), "always|batched") }},
		{"recovery.verify-checksums", func() { flagSet.Bool("recovery.verify-checksums", d.Recovery.VerifyChecksums, "verify checksums during replay") }},
		{"recovery.allow-partial-recovery", func() {
			flagSet.Bool("recovery.allow-partial-recovery", d.Recovery.AllowPartialRecovery, "tolerate truncated journal tail")
		}},
		{"recovery.max-replay-entries", func() { flagSet.Int("recovery.max-replay-entries", d.Recovery.MaxReplayEntries, "cap on replayed entries, 0 = unbounded") }},
		{"quota.soft-grace", func() { flagSet.Duration("quota.soft-grace", d.Quota.SoftGrace, "soft quota grace period") }},
		{"quota.hard-fail-policy", func() { flagSet.String("quota.hard-fail-policy", d.Quota.HardFailPolicy, "behavior on hard quota breach") }},
		{"squash.policy", func() { flagSet.String("squash.policy", string(d.Squash.Policy), "None|RootSquash|AllSquash") }},
		{"squash.anon-uid", func() { flagSet.Uint32("squash.anon-uid", d.Squash.AnonUID, "uid substituted under squash") }},
		{"squash.anon-gid", func() { flagSet.Uint32("squash.anon-gid", d.Squash.AnonGID, "gid substituted under squash") }},
	}

	for _, b := range bindings {
		b.set()
		if err := v.BindPFlag(b.key, flagSet.Lookup(b.key)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", b.key, err)
		}
	}

	return nil
}

// byteSizeHook lets mapstructure turn size-suffixed strings ("64KiB",
// "1MiB") into the Config's uint32 byte-count fields, mirroring gcsfuse's
// cfg/decode_hook.go string-to-typed-value hooks.
func byteSizeHook(from reflect.Kind, to reflect.Kind, data any) (any, error) {
	if from != reflect.String || (to != reflect.Uint32 && to != reflect.Uint64) {
		return data, nil
	}
	s, _ := data.(string)
	return parseByteSize(s)
}

func parseByteSize(s string) (uint64, error) {
	units := []struct {
		suffix string
		mult   uint64
	}{
		{"KiB", 1024},
		{"MiB", 1024 * 1024},
		{"GiB", 1024 * 1024 * 1024},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseUint(strings.TrimSuffix(s, u.suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("config: invalid byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid byte size %q: %w", s, err)
	}
	return n, nil
}

// Load decodes v's merged settings (flags, env, config file, defaults) into
// a Config, rationalizes it, and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			byteSizeHook,
		),
	})
	if err != nil {
		return Config{}, fmt.Errorf("config: build decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	Rationalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}
