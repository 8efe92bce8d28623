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

// Package enforce implements the quota and ACL checks spec.md §4.16
// requires on every write before it is accepted into the write buffer:
// per-subject byte/inode-count quotas and POSIX ACL evaluation against the
// effective (uid, gid) resolved under the configured squash policy. Both
// checks must be constant-time-bounded relative to inode and subject
// count, so quota usage is read through a bounded-staleness cache rather
// than a fresh lookup on every call, the same TTL-cache idiom
// internal/metacache uses for attributes and directory entries.
package enforce

import (
	"context"
	"sync"
	"time"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/config"
)

// SubjectKind distinguishes which quota dimension a Subject accounts
// against.
type SubjectKind int

const (
	SubjectUser SubjectKind = iota
	SubjectGroup
	SubjectTenant
)

// Subject identifies one quota-accounted entity.
type Subject struct {
	Kind SubjectKind
	ID   uint32
}

// Usage is a subject's current consumption.
type Usage struct {
	Bytes  uint64
	Inodes uint64
}

// Limits is a subject's configured ceiling, with an optional soft tier
// below the hard one (spec.md §4.16's `{soft_grace_secs,
// hard_fail_policy}`). A zero field means unlimited.
type Limits struct {
	SoftMaxBytes  uint64
	HardMaxBytes  uint64
	SoftMaxInodes uint64
	HardMaxInodes uint64
}

// Source resolves a subject's current usage and limits, the contract
// point to whatever out-of-scope accounting backend actually tracks
// quota (spec.md §1 excludes the management control plane that would
// administer these); enforce only consumes it.
type Source interface {
	Usage(ctx context.Context, subj Subject) (Usage, Limits, error)
}

type cacheEntry struct {
	usage     Usage
	limits    Limits
	expiresAt time.Time
}

// QuotaCache wraps a Source with a bounded-staleness cache, so the hot
// write path pays for a fresh lookup at most once per TTL per subject
// rather than on every write. It also tracks, per subject, how long a
// soft limit has been exceeded so soft_grace_secs can be honored without
// a fresh Source round trip on every call.
type QuotaCache struct {
	mu           sync.RWMutex
	entries      map[Subject]cacheEntry
	softExceeded map[graceKey]time.Time
	source       Source
	ttl          time.Duration
	grace        time.Duration
	now          func() time.Time
}

// NewQuotaCache builds a QuotaCache over source with the given staleness
// bound and soft-limit grace period (spec.md's `quota.soft_grace_secs`).
func NewQuotaCache(source Source, ttl time.Duration, cfg config.QuotaConfig) *QuotaCache {
	return &QuotaCache{
		entries:      make(map[Subject]cacheEntry),
		softExceeded: make(map[graceKey]time.Time),
		source:       source,
		ttl:          ttl,
		grace:        cfg.SoftGrace,
		now:          time.Now,
	}
}

func (c *QuotaCache) get(ctx context.Context, subj Subject) (Usage, Limits, error) {
	c.mu.RLock()
	e, ok := c.entries[subj]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.usage, e.limits, nil
	}

	usage, limits, err := c.source.Usage(ctx, subj)
	if err != nil {
		return Usage{}, Limits{}, err
	}

	c.mu.Lock()
	c.entries[subj] = cacheEntry{usage: usage, limits: limits, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return usage, limits, nil
}

// Invalidate drops subj's cached usage, forcing the next Check to consult
// Source directly. Used when a write this process just accepted pushes
// usage past what the cache still believes, or on an external accounting
// update.
func (c *QuotaCache) Invalidate(subj Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, subj)
	delete(c.softExceeded, graceKey{subj: subj, dim: "bytes"})
	delete(c.softExceeded, graceKey{subj: subj, dim: "inodes"})
}

// graceKey identifies one subject's one quota dimension for soft-limit
// grace tracking; bytes and inodes age out independently.
type graceKey struct {
	subj Subject
	dim  string
}

// checkTier reports whether projected exceeds the hard limit outright, or
// has exceeded the soft limit for longer than the configured grace
// period. A zero limit in either tier means that tier is unlimited. The
// grace clock for a (subj, dimension) pair starts the first time this
// call observes the soft limit exceeded and is cleared once usage falls
// back under it.
func (c *QuotaCache) checkTier(subj Subject, dimension string, projected, soft, hard uint64) error {
	if hard > 0 && projected > hard {
		return claudefserr.New(claudefserr.KindQuotaExceeded, "enforce.checkQuota", nil,
			map[string]any{"subject": subj, "dimension": dimension, "tier": "hard"})
	}

	key := graceKey{subj: subj, dim: dimension}
	if soft == 0 || projected <= soft {
		c.mu.Lock()
		delete(c.softExceeded, key)
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	since, ok := c.softExceeded[key]
	if !ok {
		since = c.now()
		c.softExceeded[key] = since
	}
	c.mu.Unlock()

	if c.grace > 0 && c.now().Sub(since) < c.grace {
		return nil
	}
	return claudefserr.New(claudefserr.KindQuotaExceeded, "enforce.checkQuota", nil,
		map[string]any{"subject": subj, "dimension": dimension, "tier": "soft", "grace_expired": true})
}

// checkQuota reports whether subj has room for addlBytes/addlInodes more,
// returning KindQuotaExceeded if the hard limit would be crossed, or if
// the soft limit has been exceeded for longer than soft_grace_secs.
func checkQuota(ctx context.Context, cache *QuotaCache, subj Subject, addlBytes, addlInodes uint64) error {
	usage, limits, err := cache.get(ctx, subj)
	if err != nil {
		return err
	}
	if err := cache.checkTier(subj, "bytes", usage.Bytes+addlBytes, limits.SoftMaxBytes, limits.HardMaxBytes); err != nil {
		return err
	}
	if err := cache.checkTier(subj, "inodes", usage.Inodes+addlInodes, limits.SoftMaxInodes, limits.HardMaxInodes); err != nil {
		return err
	}
	return nil
}

// AccessMode is a POSIX-style rwx permission request.
type AccessMode uint8

const (
	ModeRead AccessMode = 1 << iota
	ModeWrite
	ModeExecute
)

// ACLEntryKind selects which identity an ACLEntry matches against.
type ACLEntryKind int

const (
	ACLOwner ACLEntryKind = iota
	ACLOwningGroup
	ACLNamedUser
	ACLNamedGroup
	ACLOther
	ACLMask
)

// ACLEntry is one POSIX ACL entry.
type ACLEntry struct {
	Kind ACLEntryKind
	ID   uint32 // meaningful only for ACLNamedUser/ACLNamedGroup
	Perm AccessMode
}

// ACL is an inode's access control list (spec.md §4.16).
type ACL struct {
	OwnerUID uint32
	OwnerGID uint32
	Entries  []ACLEntry
}

// maskFor returns the ACL's mask entry permission, or allow-all if no
// mask entry is present (an ACL with no named entries needs no mask).
func (a ACL) maskFor() AccessMode {
	for _, e := range a.Entries {
		if e.Kind == ACLMask {
			return e.Perm
		}
	}
	return ModeRead | ModeWrite | ModeExecute
}

// Allows evaluates the ACL for (uid, gid) requesting want, following POSIX
// ACL precedence: owner, then named user, then owning/named group (masked),
// then other. The first matching class decides; it is never a union
// across classes.
func (a ACL) Allows(uid, gid uint32, want AccessMode) bool {
	if uid == a.OwnerUID {
		for _, e := range a.Entries {
			if e.Kind == ACLOwner {
				return e.Perm&want == want
			}
		}
		return true // no explicit owner entry: POSIX default grants the owner class
	}

	for _, e := range a.Entries {
		if e.Kind == ACLNamedUser && e.ID == uid {
			return (e.Perm & a.maskFor() & want) == want
		}
	}

	groupMatch := gid == a.OwnerGID
	var groupPerm AccessMode
	for _, e := range a.Entries {
		if e.Kind == ACLNamedGroup && e.ID == gid {
			groupMatch = true
			groupPerm |= e.Perm
		}
		if e.Kind == ACLOwningGroup && gid == a.OwnerGID {
			groupPerm |= e.Perm
		}
	}
	if groupMatch {
		return (groupPerm & a.maskFor() & want) == want
	}

	for _, e := range a.Entries {
		if e.Kind == ACLOther {
			return e.Perm&want == want
		}
	}
	return false
}

// ResolveSquash maps (uid, gid) to the effective identity a request is
// evaluated under, per the configured squash policy (spec.md §4.16).
func ResolveSquash(cfg config.SquashConfig, uid, gid uint32) (euid, egid uint32) {
	switch cfg.Policy {
	case config.SquashAll:
		return cfg.AnonUID, cfg.AnonGID
	case config.SquashRoot:
		if uid == 0 {
			return cfg.AnonUID, cfg.AnonGID
		}
		return uid, gid
	default: // config.SquashNone
		return uid, gid
	}
}

// Enforcer ties quota and ACL evaluation together as the single
// synchronous gate a write passes through before the write buffer accepts
// it.
type Enforcer struct {
	quota  *QuotaCache
	squash config.SquashConfig
}

// New builds an Enforcer over an already-wired QuotaCache.
func New(quota *QuotaCache, squash config.SquashConfig) *Enforcer {
	return &Enforcer{quota: quota, squash: squash}
}

// CheckWrite enforces spec.md §4.16 for a write of addlBytes (and
// addlInodes, nonzero only when the write also creates a new inode) by
// (uid, gid) against acl. Quota failure returns KindQuotaExceeded; ACL
// failure returns KindPermissionDenied.
func (e *Enforcer) CheckWrite(ctx context.Context, subj Subject, acl ACL, uid, gid uint32, addlBytes, addlInodes uint64) error {
	if err := checkQuota(ctx, e.quota, subj, addlBytes, addlInodes); err != nil {
		return err
	}

	euid, egid := ResolveSquash(e.squash, uid, gid)
	if !acl.Allows(euid, egid, ModeWrite) {
		return claudefserr.New(claudefserr.KindPermissionDenied, "enforce.CheckWrite", nil,
			map[string]any{"uid": euid, "gid": egid})
	}
	return nil
}
