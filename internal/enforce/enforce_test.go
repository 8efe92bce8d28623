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

package enforce_test

import (
	"context"
	"testing"
	"time"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/config"
	"github.com/claudefs/claudefs/internal/enforce"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int
	usage enforce.Usage
	limit enforce.Limits
	err   error
}

func (f *fakeSource) Usage(ctx context.Context, subj enforce.Subject) (enforce.Usage, enforce.Limits, error) {
	f.calls++
	return f.usage, f.limit, f.err
}

func ownerOnlyACL(uid, gid uint32, perm enforce.AccessMode) enforce.ACL {
	return enforce.ACL{
		OwnerUID: uid,
		OwnerGID: gid,
		Entries:  []enforce.ACLEntry{{Kind: enforce.ACLOwner, Perm: perm}},
	}
}

func TestCheckWriteSucceedsWithinQuotaAndACL(t *testing.T) {
	src := &fakeSource{usage: enforce.Usage{Bytes: 10}, limit: enforce.Limits{HardMaxBytes: 100}}
	qc := enforce.NewQuotaCache(src, time.Minute, config.QuotaConfig{})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})

	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 1000}
	acl := ownerOnlyACL(1000, 1000, enforce.ModeRead|enforce.ModeWrite)

	err := e.CheckWrite(context.Background(), subj, acl, 1000, 1000, 50, 0)
	require.NoError(t, err)
}

func TestCheckWriteFailsOverByteQuota(t *testing.T) {
	src := &fakeSource{usage: enforce.Usage{Bytes: 90}, limit: enforce.Limits{HardMaxBytes: 100}}
	qc := enforce.NewQuotaCache(src, time.Minute, config.QuotaConfig{})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})

	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 1000}
	acl := ownerOnlyACL(1000, 1000, enforce.ModeRead|enforce.ModeWrite)

	err := e.CheckWrite(context.Background(), subj, acl, 1000, 1000, 50, 0)
	require.Error(t, err)
	var cerr *claudefserr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, claudefserr.KindQuotaExceeded, cerr.Kind)
}

func TestCheckWriteFailsOverInodeQuota(t *testing.T) {
	src := &fakeSource{usage: enforce.Usage{Inodes: 9}, limit: enforce.Limits{HardMaxInodes: 10}}
	qc := enforce.NewQuotaCache(src, time.Minute, config.QuotaConfig{})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})

	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 1000}
	acl := ownerOnlyACL(1000, 1000, enforce.ModeRead|enforce.ModeWrite)

	err := e.CheckWrite(context.Background(), subj, acl, 1000, 1000, 1, 2)
	require.Error(t, err)
	var cerr *claudefserr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, claudefserr.KindQuotaExceeded, cerr.Kind)
}

func TestCheckWriteFailsACLForNonOwnerWithoutOtherEntry(t *testing.T) {
	src := &fakeSource{limit: enforce.Limits{HardMaxBytes: 1000}}
	qc := enforce.NewQuotaCache(src, time.Minute, config.QuotaConfig{})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})

	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 2000}
	acl := ownerOnlyACL(1000, 1000, enforce.ModeRead|enforce.ModeWrite)

	err := e.CheckWrite(context.Background(), subj, acl, 2000, 2000, 1, 0)
	require.Error(t, err)
	var cerr *claudefserr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, claudefserr.KindPermissionDenied, cerr.Kind)
}

func TestQuotaCacheServesWithinTTLWithoutHittingSource(t *testing.T) {
	src := &fakeSource{usage: enforce.Usage{Bytes: 1}, limit: enforce.Limits{HardMaxBytes: 1000}}
	qc := enforce.NewQuotaCache(src, time.Hour, config.QuotaConfig{})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})
	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 1}
	acl := ownerOnlyACL(1, 1, enforce.ModeWrite)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.CheckWrite(context.Background(), subj, acl, 1, 1, 1, 0))
	}
	require.Equal(t, 1, src.calls, "repeated checks within the TTL must not re-query the source")
}

func TestQuotaCacheInvalidateForcesRefresh(t *testing.T) {
	src := &fakeSource{usage: enforce.Usage{Bytes: 1}, limit: enforce.Limits{HardMaxBytes: 1000}}
	qc := enforce.NewQuotaCache(src, time.Hour, config.QuotaConfig{})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})
	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 1}
	acl := ownerOnlyACL(1, 1, enforce.ModeWrite)

	require.NoError(t, e.CheckWrite(context.Background(), subj, acl, 1, 1, 0, 0))
	qc.Invalidate(subj)
	require.NoError(t, e.CheckWrite(context.Background(), subj, acl, 1, 1, 0, 0))
	require.Equal(t, 2, src.calls, "invalidating must force the next check to re-query the source")
}

func TestCheckWriteAllowsSoftOverageWithinGrace(t *testing.T) {
	src := &fakeSource{usage: enforce.Usage{Bytes: 60}, limit: enforce.Limits{SoftMaxBytes: 50, HardMaxBytes: 1000}}
	qc := enforce.NewQuotaCache(src, time.Hour, config.QuotaConfig{SoftGrace: time.Hour})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})
	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 1}
	acl := ownerOnlyACL(1, 1, enforce.ModeWrite)

	require.NoError(t, e.CheckWrite(context.Background(), subj, acl, 1, 1, 1, 0),
		"a soft-limit overage must be tolerated until the grace period elapses")
}

func TestCheckWriteRejectsSoftOverageAfterGraceElapses(t *testing.T) {
	src := &fakeSource{usage: enforce.Usage{Bytes: 60}, limit: enforce.Limits{SoftMaxBytes: 50, HardMaxBytes: 1000}}
	qc := enforce.NewQuotaCache(src, time.Millisecond, config.QuotaConfig{SoftGrace: time.Millisecond})
	e := enforce.New(qc, config.SquashConfig{Policy: config.SquashNone})
	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: 1}
	acl := ownerOnlyACL(1, 1, enforce.ModeWrite)

	require.NoError(t, e.CheckWrite(context.Background(), subj, acl, 1, 1, 1, 0))

	time.Sleep(5 * time.Millisecond)
	err := e.CheckWrite(context.Background(), subj, acl, 1, 1, 1, 0)
	require.Error(t, err)
	var cerr *claudefserr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, claudefserr.KindQuotaExceeded, cerr.Kind)
}

func TestResolveSquashNone(t *testing.T) {
	cfg := config.SquashConfig{Policy: config.SquashNone, AnonUID: 65534, AnonGID: 65534}
	uid, gid := enforce.ResolveSquash(cfg, 0, 0)
	require.Equal(t, uint32(0), uid)
	require.Equal(t, uint32(0), gid)
}

func TestResolveSquashRootOnlyAffectsUIDZero(t *testing.T) {
	cfg := config.SquashConfig{Policy: config.SquashRoot, AnonUID: 65534, AnonGID: 65534}

	uid, gid := enforce.ResolveSquash(cfg, 0, 0)
	require.Equal(t, uint32(65534), uid)
	require.Equal(t, uint32(65534), gid)

	uid, gid = enforce.ResolveSquash(cfg, 1000, 1000)
	require.Equal(t, uint32(1000), uid)
	require.Equal(t, uint32(1000), gid)
}

func TestResolveSquashAllAffectsEveryone(t *testing.T) {
	cfg := config.SquashConfig{Policy: config.SquashAll, AnonUID: 65534, AnonGID: 65534}
	uid, gid := enforce.ResolveSquash(cfg, 1000, 1000)
	require.Equal(t, uint32(65534), uid)
	require.Equal(t, uint32(65534), gid)
}

func TestACLNamedUserEntryOverridesGroupAndOther(t *testing.T) {
	acl := enforce.ACL{
		OwnerUID: 1,
		OwnerGID: 1,
		Entries: []enforce.ACLEntry{
			{Kind: enforce.ACLOwner, Perm: enforce.ModeRead | enforce.ModeWrite},
			{Kind: enforce.ACLNamedUser, ID: 2000, Perm: enforce.ModeRead},
			{Kind: enforce.ACLOther, Perm: enforce.ModeRead | enforce.ModeWrite},
		},
	}
	require.True(t, acl.Allows(2000, 9999, enforce.ModeRead))
	require.False(t, acl.Allows(2000, 9999, enforce.ModeWrite), "named user entry must win over the other class, not fall through to it")
}

func TestACLMaskRestrictsNamedGroupEntry(t *testing.T) {
	acl := enforce.ACL{
		OwnerUID: 1,
		OwnerGID: 1,
		Entries: []enforce.ACLEntry{
			{Kind: enforce.ACLOwner, Perm: enforce.ModeRead | enforce.ModeWrite},
			{Kind: enforce.ACLNamedGroup, ID: 500, Perm: enforce.ModeRead | enforce.ModeWrite},
			{Kind: enforce.ACLMask, Perm: enforce.ModeRead},
			{Kind: enforce.ACLOther, Perm: 0},
		},
	}
	require.True(t, acl.Allows(2000, 500, enforce.ModeRead))
	require.False(t, acl.Allows(2000, 500, enforce.ModeWrite), "the mask entry must cap the named group's effective permission")
}

func TestACLOtherAppliesWhenNoMatchFound(t *testing.T) {
	acl := enforce.ACL{
		OwnerUID: 1,
		OwnerGID: 1,
		Entries: []enforce.ACLEntry{
			{Kind: enforce.ACLOwner, Perm: enforce.ModeRead | enforce.ModeWrite},
			{Kind: enforce.ACLOther, Perm: enforce.ModeRead},
		},
	}
	require.True(t, acl.Allows(9999, 9999, enforce.ModeRead))
	require.False(t, acl.Allows(9999, 9999, enforce.ModeWrite))
}
