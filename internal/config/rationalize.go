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

// Rationalize resolves derived or mutually exclusive settings after flags,
// env vars, and the config file have all been merged, before Validate runs.
func Rationalize(c *Config) {
	// Disabling compression makes min-ratio-to-keep meaningless; pin it so a
	// leftover non-default value from a prior run can't reintroduce it.
	if c.Compression.Algorithm == CompressionNone {
		c.Compression.MinRatioToKeep = 1.0
	}

	// Strict coherence makes every read a write-through lease check, so a
	// negative-entry TTL longer than the lease duration would let a stale
	// negative lookup outlive the lease that should have invalidated it.
	if c.Coherence.Protocol == ProtocolStrict && c.Caches.NegativeTTL > c.Coherence.LeaseDuration {
		c.Caches.NegativeTTL = c.Coherence.LeaseDuration
	}

	// Under AllSquash every caller is mapped to AnonUID, so an unset (zero)
	// AnonUID would map everyone to root; default it to 65534 instead.
	if c.Squash.Policy == SquashAll && c.Squash.AnonUID == 0 {
		c.Squash.AnonUID = 65534
	}
}
