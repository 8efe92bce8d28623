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

// Package metrics exposes the prometheus.Collector seam an external
// telemetry exporter (out of scope) would register against: queue depth
// per inode, allocator occupancy per device, outstanding lease counts,
// and journal replay lag. The package only defines gauges and counters for
// the rest of the module to update (nothing in the module updates
// JournalLagEntries or RecoveryReplayed); it never starts an HTTP listener
// or scrape loop itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "claudefs"

// Registry bundles every collector ClaudeFS exposes. Callers register it
// (or individual fields) against whatever prometheus.Registerer the
// out-of-scope exporter process provides.
type Registry struct {
	QueueDepth        *prometheus.GaugeVec
	AllocatorOccupied *prometheus.GaugeVec
	AllocatorCapacity *prometheus.GaugeVec
	LeasesOutstanding *prometheus.GaugeVec
	JournalLagEntries prometheus.Gauge
	JournalCommits    prometheus.Counter
	BlocksDeduped     prometheus.Counter
	BlocksStored      prometheus.Counter
	RecoveryReplayed  prometheus.Counter
}

// New builds a Registry. Collectors are created, not yet registered;
// call MustRegister (or register fields individually) against the
// exporter's prometheus.Registerer.
func New() *Registry {
	return &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Pending tasks queued on an inode's ordered write queue.",
		}, []string{"inode"}),
		AllocatorOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alloc",
			Name:      "occupied_bytes",
			Help:      "Bytes currently allocated on a device.",
		}, []string{"device"}),
		AllocatorCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alloc",
			Name:      "capacity_bytes",
			Help:      "Total addressable bytes on a device.",
		}, []string{"device"}),
		LeasesOutstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coherence",
			Name:      "leases_outstanding",
			Help:      "Leases tracked by the coherence manager, by lease state.",
		}, []string{"state"}),
		JournalLagEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "replay_lag_entries",
			Help:      "Entries appended since the last checkpoint commit.",
		}),
		JournalCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "commits_total",
			Help:      "Journal commits completed.",
		}),
		BlocksDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "blocks_deduped_total",
			Help:      "Chunks resolved via a dedup index hit instead of a fresh store.",
		}),
		BlocksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "blocks_stored_total",
			Help:      "Chunks written as novel blocks.",
		}),
		RecoveryReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "entries_replayed_total",
			Help:      "Journal entries replayed during crash recovery.",
		}),
	}
}

// Collectors returns every collector for bulk registration, e.g.
// `for _, c := range reg.Collectors() { registerer.MustRegister(c) }`.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.QueueDepth,
		r.AllocatorOccupied,
		r.AllocatorCapacity,
		r.LeasesOutstanding,
		r.JournalLagEntries,
		r.JournalCommits,
		r.BlocksDeduped,
		r.BlocksStored,
		r.RecoveryReplayed,
	}
}
