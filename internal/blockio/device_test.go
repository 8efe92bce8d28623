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

package blockio_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/claudefs/claudefs/internal/blockio"
	"github.com/stretchr/testify/require"
)

var nextTestDeviceID uint16 = 1

func openTemp(t *testing.T, queueDepth int64) *blockio.Device {
	t.Helper()
	id := nextTestDeviceID
	nextTestDeviceID++
	path := filepath.Join(t.TempDir(), "dev.bin")
	dev, err := blockio.OpenDevice(id, path, 256, queueDepth)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func activate(t *testing.T, dev *blockio.Device) {
	t.Helper()
	require.NoError(t, dev.Transition(blockio.StateActive))
}

func TestRegisteredRejectsWrites(t *testing.T) {
	dev := openTemp(t, 4)
	_, err := dev.SubmitWrite(context.Background(), []byte("data"), 0)
	require.Error(t, err)
}

func TestActiveServesReadsAndWrites(t *testing.T) {
	dev := openTemp(t, 4)
	activate(t, dev)

	ref, err := dev.SubmitWrite(context.Background(), []byte("hello"), 0)
	require.NoError(t, err)

	data, err := dev.SubmitRead(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data[:5]))
}

func TestDrainingRejectsWritesButServesReads(t *testing.T) {
	dev := openTemp(t, 4)
	activate(t, dev)

	ref, err := dev.SubmitWrite(context.Background(), []byte("hello"), 0)
	require.NoError(t, err)

	require.NoError(t, dev.Transition(blockio.StateDraining))

	_, err = dev.SubmitWrite(context.Background(), []byte("more"), 0)
	require.Error(t, err)

	_, err = dev.SubmitRead(context.Background(), ref)
	require.NoError(t, err)
}

func TestRemovedRejectsReadsAndWrites(t *testing.T) {
	dev := openTemp(t, 4)
	activate(t, dev)
	ref, err := dev.SubmitWrite(context.Background(), []byte("hello"), 0)
	require.NoError(t, err)

	require.NoError(t, dev.Transition(blockio.StateDraining))
	require.NoError(t, dev.Transition(blockio.StateRemoved))

	_, err = dev.SubmitWrite(context.Background(), []byte("more"), 0)
	require.Error(t, err)
	_, err = dev.SubmitRead(context.Background(), ref)
	require.Error(t, err)
}

func TestIllegalTransitionRejected(t *testing.T) {
	dev := openTemp(t, 4)
	// Registered -> Removed is not a legal edge.
	err := dev.Transition(blockio.StateRemoved)
	require.Error(t, err)
}

func TestFailedReachableFromActiveAndDraining(t *testing.T) {
	dev := openTemp(t, 4)
	activate(t, dev)
	require.NoError(t, dev.Transition(blockio.StateFailed))
	require.Equal(t, blockio.StateFailed, dev.State())

	dev2 := openTemp(t, 4)
	activate(t, dev2)
	require.NoError(t, dev2.Transition(blockio.StateDraining))
	require.NoError(t, dev2.Transition(blockio.StateFailed))
	require.Equal(t, blockio.StateFailed, dev2.State())
}

func TestCorruptBlockMarksDeviceSuspect(t *testing.T) {
	dev := openTemp(t, 4)
	activate(t, dev)

	ref, err := dev.SubmitWrite(context.Background(), []byte("hello"), 0)
	require.NoError(t, err)

	// Tamper with the checksum so the read-path verification fails.
	ref.Checksum.Value[0] ^= 0xFF

	require.False(t, dev.Suspect())
	_, err = dev.SubmitRead(context.Background(), ref)
	require.Error(t, err)
	require.True(t, dev.Suspect())
}

func TestQueueDepthBoundsConcurrentSubmissions(t *testing.T) {
	dev := openTemp(t, 2)
	activate(t, dev)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = dev.SubmitWrite(context.Background(), []byte{byte(n)}, 0)
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(0), dev.QueueDepth(), "queue depth must drain back to zero")
}

func TestRegistrySubmitWriteHonoursPlacementHintAndFallsBack(t *testing.T) {
	reg := blockio.NewRegistry()
	devA := openTemp(t, 4)
	devB := openTemp(t, 4)
	activate(t, devB) // only B is Active

	reg.Register(devA)
	reg.Register(devB)

	ref, err := reg.SubmitWrite(context.Background(), []byte("payload"), 0, blockio.PlacementHint{PreferredDevice: devA.ID(), HasPreference: true})
	require.NoError(t, err)
	require.Equal(t, devB.ID(), ref.ID.DeviceID, "should fall back to the only Active device")
}

func TestRegistryGetUnknownDeviceErrors(t *testing.T) {
	reg := blockio.NewRegistry()
	_, err := reg.Get(99)
	require.Error(t, err)
}

func TestReserveThenWriteReservedRoundTrips(t *testing.T) {
	dev := openTemp(t, 4)
	activate(t, dev)

	id, err := dev.Reserve(0)
	require.NoError(t, err)

	ref, err := dev.WriteReserved(context.Background(), id, 0, []byte("sealed-bytes"))
	require.NoError(t, err)
	require.Equal(t, id, ref.ID)

	data, err := dev.SubmitRead(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "sealed-bytes", string(data[:len("sealed-bytes")]))
}
