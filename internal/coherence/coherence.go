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

// Package coherence implements the cache-lease state machine and
// version-vector conflict detection of spec.md §4.12. It generalizes
// gcsfuse's single-node auto-refreshing read lease (one file, one leaser,
// no cross-client conflict) to a per-inode, multi-client lease with an
// explicit revoke path, the three cluster-wide consistency protocols, and
// a drainable invalidation queue for subscribers.
package coherence

import (
	"sort"
	"sync"
	"time"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/config"
	"github.com/claudefs/claudefs/internal/inode"
	"github.com/claudefs/claudefs/internal/metrics"
)

// State is a lease's position in its state machine (spec.md §3, §4.12):
// Active --expiry--> Expired, Active --revoke--> Revoked,
// Active --renew--> Renewing --ack--> Active, Renewing --timeout--> Expired.
type State int

const (
	StateActive State = iota
	StateExpired
	StateRevoked
	StateRenewing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	case StateRenewing:
		return "renewing"
	default:
		return "unknown"
	}
}

// ClientID identifies the holder of a lease.
type ClientID string

// Lease governs whether a client's cached attributes/data for an inode may
// be trusted (spec.md §3's CacheLease).
type Lease struct {
	Inode     inode.ID
	Client    ClientID
	GrantedAt time.Time
	Duration  time.Duration
	State     State
}

func (l *Lease) expiresAt() time.Time { return l.GrantedAt.Add(l.Duration) }

// Invalidation is an enqueued notice that subscribers must drop their
// cached view of an inode.
type Invalidation struct {
	Inode   inode.ID
	Reason  string
	Version uint64
}

// Manager grants, revokes, and expires leases, and tracks committed
// versions for conflict detection (spec.md §4.12).
type Manager struct {
	mu            sync.Mutex
	protocol      config.Protocol
	leaseDuration time.Duration
	leases        map[inode.ID]*Lease
	invalidations []Invalidation
	now           func() time.Time
}

// New creates a Manager configured with the given coherence protocol and
// lease duration.
func New(cfg config.CoherenceConfig) *Manager {
	return &Manager{
		protocol:      cfg.Protocol,
		leaseDuration: cfg.LeaseDuration,
		leases:        make(map[inode.ID]*Lease),
		now:           time.Now,
	}
}

// GrantLease issues an active lease of the configured duration. Under
// Strict, any conflicting (still-active) lease held by a different client
// on the same inode is revoked first, since Strict requires every read to
// observe the latest committed write rather than a stale cached copy.
func (m *Manager) GrantLease(id inode.ID, client ClientID) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.protocol == config.ProtocolStrict {
		if existing, ok := m.leases[id]; ok && existing.State == StateActive && existing.Client != client {
			m.revokeLocked(id, "strict protocol: conflicting lease")
		}
	}

	lease := &Lease{Inode: id, Client: client, GrantedAt: m.now(), Duration: m.leaseDuration, State: StateActive}
	m.leases[id] = lease
	return lease
}

// RevokeLease marks id's current lease Revoked and enqueues an
// invalidation. Returns false if there was no active lease to revoke.
func (m *Manager) RevokeLease(id inode.ID, reason string) (Invalidation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeLocked(id, reason)
}

func (m *Manager) revokeLocked(id inode.ID, reason string) (Invalidation, bool) {
	lease, ok := m.leases[id]
	if !ok || lease.State != StateActive && lease.State != StateRenewing {
		return Invalidation{}, false
	}
	lease.State = StateRevoked
	inv := Invalidation{Inode: id, Reason: reason}
	m.invalidations = append(m.invalidations, inv)
	return inv, true
}

// CheckLease returns id's lease if one is present and not expired. A
// present-but-expired lease is lazily transitioned to Expired and reported
// as absent.
func (m *Manager) CheckLease(id inode.ID) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[id]
	if !ok {
		return nil, false
	}
	if lease.State == StateActive && m.now().After(lease.expiresAt()) {
		lease.State = StateExpired
	}
	if lease.State != StateActive && lease.State != StateRenewing {
		return nil, false
	}
	return lease, true
}

// Renew begins renewing id's lease, moving Active -> Renewing.
func (m *Manager) Renew(id inode.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[id]
	if !ok || lease.State != StateActive {
		return claudefserr.New(claudefserr.KindLeaseExpired, "coherence.Renew", nil, map[string]any{"inode": id})
	}
	lease.State = StateRenewing
	return nil
}

// AckRenew completes a renewal, moving Renewing -> Active with a fresh
// grant time.
func (m *Manager) AckRenew(id inode.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[id]
	if !ok || lease.State != StateRenewing {
		return claudefserr.New(claudefserr.KindLeaseExpired, "coherence.AckRenew", nil, map[string]any{"inode": id})
	}
	lease.State = StateActive
	lease.GrantedAt = m.now()
	return nil
}

// TimeoutRenew fails an in-progress renewal, moving Renewing -> Expired.
func (m *Manager) TimeoutRenew(id inode.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[id]; ok && lease.State == StateRenewing {
		lease.State = StateExpired
	}
}

// Invalidate enqueues an invalidation for subscribers to drain, without
// requiring an active lease to exist (e.g. a write committed against an
// inode nobody currently holds a lease on still needs to clear stale
// directory-negative entries elsewhere).
func (m *Manager) Invalidate(id inode.ID, reason string, version uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations = append(m.invalidations, Invalidation{Inode: id, Reason: reason, Version: version})
}

// DrainInvalidations returns and clears the pending invalidation queue.
func (m *Manager) DrainInvalidations() []Invalidation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.invalidations
	m.invalidations = nil
	return out
}

// Outstanding counts every lease the manager tracks (Revoked and Expired
// ones included) by state, for the
// leases_outstanding gauge of spec.md's observability surface. A
// snapshot rather than an incrementally maintained counter, since leases
// also expire lazily on CheckLease rather than through a single mutation
// point metrics could hook.
func (m *Manager) Outstanding() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[State]int, 4)
	for _, lease := range m.leases {
		counts[lease.State]++
	}
	return counts
}

// ReportMetrics publishes the current Outstanding snapshot to reg. It
// publishes only when called; nothing in this module calls it on a
// schedule.
func (m *Manager) ReportMetrics(reg *metrics.Registry) {
	for state, count := range m.Outstanding() {
		reg.LeasesOutstanding.WithLabelValues(state.String()).Set(float64(count))
	}
}

// ExpireStaleLeases sweeps every Active lease past its expiry and moves it
// to Expired, returning the count transitioned.
func (m *Manager) ExpireStaleLeases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, lease := range m.leases {
		if lease.State == StateActive && m.now().After(lease.expiresAt()) {
			lease.State = StateExpired
			count++
		}
	}
	return count
}

// VersionVector records the last committed version observed at each
// inode.
type VersionVector map[inode.ID]uint64

// Merge returns the join of two version vectors: the max per key.
func Merge(a, b VersionVector) VersionVector {
	out := make(VersionVector, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Conflicts returns the inodes where local and remote disagree in a way
// that means neither vector dominates the other overall: local is ahead on
// some inodes and behind on others. Every key present in either vector is
// compared, a missing entry counting as version 0. If one vector dominates
// the other on all of those keys, there is no conflict and Conflicts
// returns nil.
func Conflicts(local, remote VersionVector) []inode.ID {
	aheadAnywhere, behindAnywhere := false, false
	var differing []inode.ID
	keys := make(map[inode.ID]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	for k := range keys {
		lv, rv := local[k], remote[k]
		if lv == rv {
			continue
		}
		differing = append(differing, k)
		if lv > rv {
			aheadAnywhere = true
		} else {
			behindAnywhere = true
		}
	}
	if !aheadAnywhere || !behindAnywhere {
		return nil
	}
	sort.Slice(differing, func(i, j int) bool { return differing[i] < differing[j] })
	return differing
}

// Write identifies one committed write for tie-break purposes.
type Write struct {
	Version  uint64
	ClientID ClientID
}

// ResolveConflict picks the winner of two concurrent writes to the same
// inode by (version, client_id) lexicographic order (spec.md §4.12). The
// loser's cached copy must be invalidated by the caller; resubmission is
// the losing client's responsibility.
func ResolveConflict(a, b Write) Write {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return a
		}
		return b
	}
	if a.ClientID > b.ClientID {
		return a
	}
	return b
}
