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

// Package blockio implements the device state machine and per-device
// submission queues of spec.md §4.4: devices move through
// Registered -> Active -> Draining -> Removed, with Failed reachable from
// Active or Draining. Submissions preserve FIFO order per device;
// concurrent writes to distinct devices are unordered by default.
package blockio

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/claudefs/claudefs/internal/alloc"
	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/crypto"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// State is a device's position in the lifecycle state machine.
type State int

const (
	StateRegistered State = iota
	StateActive
	StateDraining
	StateRemoved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "Registered"
	case StateActive:
		return "Active"
	case StateDraining:
		return "Draining"
	case StateRemoved:
		return "Removed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// transitions enumerates every state machine edge legal under spec.md §4.4.
var transitions = map[State]map[State]bool{
	StateRegistered: {StateActive: true},
	StateActive:     {StateDraining: true, StateFailed: true},
	StateDraining:   {StateRemoved: true, StateFailed: true},
	StateRemoved:    {},
	StateFailed:     {},
}

// BlockID identifies a 4 KiB-aligned block (spec.md §3).
type BlockID struct {
	DeviceID uint16
	Offset4K uint64 // low 48 bits significant
}

// BlockRef is a durable reference to a stored block, carrying the checksum
// algorithm and digest for end-to-end verification.
type BlockRef struct {
	ID         BlockID
	SizeClass  int
	PayloadLen uint32 // actual bytes written; the size class may over-allocate
	Checksum   crypto.Digest
}

// Device wraps one backing file (or block device) and its submission
// queue. Queue depth is bounded to provide the backpressure signal spec.md
// §4.4/§4.14 require.
type Device struct {
	id    uint16
	path  string
	file  *os.File
	alloc *alloc.Allocator

	mu    sync.RWMutex
	state State

	sem        *semaphore.Weighted // bounds in-flight submissions
	queueDepth atomic.Int64
	suspect    atomic.Bool
}

// OpenDevice opens (or creates) the backing file at path, sized to hold
// capacityUnits 4 KiB blocks, and registers it in Registered state.
func OpenDevice(id uint16, path string, capacityUnits uint64, queueDepth int64) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.OpenDevice", err, nil)
	}
	size := int64(capacityUnits * alloc.UnitSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.OpenDevice", err, nil)
	}

	return &Device{
		id:    id,
		path:  path,
		file:  f,
		alloc: alloc.New(capacityUnits),
		state: StateRegistered,
		sem:   semaphore.NewWeighted(queueDepth),
	}, nil
}

// ID returns the device's identifier.
func (d *Device) ID() uint16 { return d.id }

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Transition moves the device to next, validated against the state
// machine. Failed is reachable from Active or Draining at any time
// (a device can fail mid-drain); all other edges must match transitions.
func (d *Device) Transition(next State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if next == StateFailed && (d.state == StateActive || d.state == StateDraining) {
		d.state = StateFailed
		return nil
	}
	if !transitions[d.state][next] {
		return claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.Transition", nil,
			map[string]any{"from": d.state.String(), "to": next.String()})
	}
	d.state = next
	return nil
}

// MarkSuspect flags the device after a checksum or AEAD authentication
// failure on a read, per spec.md §7/§8 scenario 4. A suspect device still
// serves reads and writes; it is an operator/health signal, not a state
// transition.
func (d *Device) MarkSuspect() {
	d.suspect.Store(true)
}

// Suspect reports whether MarkSuspect has been called on this device.
func (d *Device) Suspect() bool {
	return d.suspect.Load()
}

// QueueDepth returns the number of submissions currently outstanding,
// consulted by the storage engine orchestrator for backpressure.
func (d *Device) QueueDepth() int64 {
	return d.queueDepth.Load()
}

func (d *Device) acquire(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return claudefserr.New(claudefserr.KindTimeout, "blockio.acquire", err, nil)
	}
	d.queueDepth.Add(1)
	return nil
}

func (d *Device) release() {
	d.queueDepth.Add(-1)
	d.sem.Release(1)
}

// SubmitWrite writes data (len(data) <= alloc.ClassSize(sizeClass)) to a
// freshly allocated block of sizeClass and returns its BlockRef. Rejected
// with KindDeviceUnavailable if the device is not Active.
func (d *Device) SubmitWrite(ctx context.Context, data []byte, sizeClass int) (BlockRef, error) {
	if d.State() != StateActive {
		return BlockRef{}, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.SubmitWrite", nil,
			map[string]any{"state": d.State().String()})
	}
	if err := d.acquire(ctx); err != nil {
		return BlockRef{}, err
	}
	defer d.release()

	offset, err := d.alloc.Allocate(sizeClass)
	if err != nil {
		return BlockRef{}, err
	}

	digest := crypto.Checksum(crypto.ChecksumSHA256, data)
	if err := d.writeAt(offset, sizeClass, data); err != nil {
		d.alloc.Free(offset, sizeClass)
		return BlockRef{}, err
	}

	return BlockRef{
		ID:         BlockID{DeviceID: d.id, Offset4K: offset},
		SizeClass:  sizeClass,
		PayloadLen: uint32(len(data)),
		Checksum:   digest,
	}, nil
}

// Reserve allocates a block of sizeClass without writing to it, returning
// its BlockID. Used by callers (the reduction pipeline) whose payload must
// be sealed with the BlockID bound into its associated data before the
// ciphertext itself can be produced.
func (d *Device) Reserve(sizeClass int) (BlockID, error) {
	if d.State() != StateActive {
		return BlockID{}, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.Reserve", nil,
			map[string]any{"state": d.State().String()})
	}
	offset, err := d.alloc.Allocate(sizeClass)
	if err != nil {
		return BlockID{}, err
	}
	return BlockID{DeviceID: d.id, Offset4K: offset}, nil
}

// WriteReserved writes data into a block previously returned by Reserve. On
// failure the reservation is released back to the allocator.
func (d *Device) WriteReserved(ctx context.Context, id BlockID, sizeClass int, data []byte) (BlockRef, error) {
	if err := d.acquire(ctx); err != nil {
		return BlockRef{}, err
	}
	defer d.release()

	digest := crypto.Checksum(crypto.ChecksumSHA256, data)
	if err := d.writeAt(id.Offset4K, sizeClass, data); err != nil {
		d.alloc.Free(id.Offset4K, sizeClass)
		return BlockRef{}, err
	}
	return BlockRef{ID: id, SizeClass: sizeClass, PayloadLen: uint32(len(data)), Checksum: digest}, nil
}

// SubmitRead fetches the raw bytes stored at ref, verifying the block's
// checksum. A mismatch marks the device suspect and returns KindCorruptBlock
// without handing back any data (spec.md §8 scenario 4).
func (d *Device) SubmitRead(ctx context.Context, ref BlockRef) ([]byte, error) {
	state := d.State()
	if state == StateRemoved || state == StateFailed {
		return nil, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.SubmitRead", nil,
			map[string]any{"state": state.String()})
	}
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	full, err := d.readAt(ref.ID.Offset4K, ref.SizeClass)
	if err != nil {
		return nil, err
	}
	data := full[:ref.PayloadLen]

	if !crypto.Verify(ref.Checksum, data) {
		d.MarkSuspect()
		return nil, claudefserr.New(claudefserr.KindCorruptBlock, "blockio.SubmitRead", nil,
			map[string]any{"block": ref.ID})
	}
	return data, nil
}

// Free releases the block backing ref back to the allocator.
func (d *Device) Free(ref BlockRef) {
	d.alloc.Free(ref.ID.Offset4K, ref.SizeClass)
}

func (d *Device) writeAt(offset4K uint64, sizeClass int, data []byte) error {
	buf := make([]byte, alloc.ClassSize(sizeClass))
	copy(buf, data)
	if _, err := d.file.WriteAt(buf, int64(offset4K*alloc.UnitSize)); err != nil {
		return claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.writeAt", err, nil)
	}
	return nil
}

func (d *Device) readAt(offset4K uint64, sizeClass int) ([]byte, error) {
	buf := make([]byte, alloc.ClassSize(sizeClass))
	if _, err := d.file.ReadAt(buf, int64(offset4K*alloc.UnitSize)); err != nil {
		return nil, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.readAt", err, nil)
	}
	return buf, nil
}

// Sync forces outstanding writes to stable storage, using fdatasync via
// golang.org/x/sys/unix where available so journal-adjacent metadata
// writes aren't double-flushed.
func (d *Device) Sync() error {
	if err := unix.Fdatasync(int(d.file.Fd())); err != nil {
		return d.file.Sync()
	}
	return nil
}

// Close releases the device's file handle.
func (d *Device) Close() error {
	return d.file.Close()
}

// Allocator exposes the device's buddy allocator, used by recovery to
// rebuild free lists after replaying the journal.
func (d *Device) Allocator() *alloc.Allocator { return d.alloc }

// Registry tracks every device known to the cluster, keyed by DeviceID.
type Registry struct {
	mu      sync.RWMutex
	devices map[uint16]*Device
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[uint16]*Device)}
}

// Register adds dev to the registry.
func (r *Registry) Register(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[dev.id] = dev
}

// Get returns the device with the given id, or an error if unknown.
func (r *Registry) Get(id uint16) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, claudefserr.New(claudefserr.KindNotFound, "blockio.Registry.Get", nil, map[string]any{"device": id})
	}
	return dev, nil
}

// All returns every registered device, for sweeps like sync_all.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// PlacementHint guides which device a new block is placed on.
type PlacementHint struct {
	PreferredDevice uint16
	HasPreference   bool
}

// SubmitWrite routes a write to the hinted device if Active, else to the
// first Active device found, returning KindDeviceUnavailable if none are.
func (r *Registry) SubmitWrite(ctx context.Context, data []byte, sizeClass int, hint PlacementHint) (BlockRef, error) {
	if hint.HasPreference {
		if dev, err := r.Get(hint.PreferredDevice); err == nil && dev.State() == StateActive {
			return dev.SubmitWrite(ctx, data, sizeClass)
		}
	}
	for _, dev := range r.All() {
		if dev.State() == StateActive {
			return dev.SubmitWrite(ctx, data, sizeClass)
		}
	}
	return BlockRef{}, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.Registry.SubmitWrite", nil, nil)
}

// Reserve allocates a block on the hinted device if Active, else the first
// Active device found.
func (r *Registry) Reserve(sizeClass int, hint PlacementHint) (*Device, BlockID, error) {
	if hint.HasPreference {
		if dev, err := r.Get(hint.PreferredDevice); err == nil && dev.State() == StateActive {
			id, err := dev.Reserve(sizeClass)
			if err == nil {
				return dev, id, nil
			}
		}
	}
	for _, dev := range r.All() {
		if dev.State() == StateActive {
			id, err := dev.Reserve(sizeClass)
			if err == nil {
				return dev, id, nil
			}
		}
	}
	return nil, BlockID{}, claudefserr.New(claudefserr.KindDeviceUnavailable, "blockio.Registry.Reserve", nil, nil)
}

// SubmitRead routes a read to the block's owning device.
func (r *Registry) SubmitRead(ctx context.Context, ref BlockRef) ([]byte, error) {
	dev, err := r.Get(ref.ID.DeviceID)
	if err != nil {
		return nil, err
	}
	return dev.SubmitRead(ctx, ref)
}
