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

package metrics_test

import (
	"testing"

	"github.com/claudefs/claudefs/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterWithoutNameCollision(t *testing.T) {
	reg := metrics.New()
	promReg := prometheus.NewRegistry()
	for _, c := range reg.Collectors() {
		require.NoError(t, promReg.Register(c))
	}
}

func TestBlocksStoredCounterIncrements(t *testing.T) {
	reg := metrics.New()
	reg.BlocksStored.Add(3)
	require.Equal(t, float64(3), testutil.ToFloat64(reg.BlocksStored))
}

func TestAllocatorGaugesTrackPerDeviceLabels(t *testing.T) {
	reg := metrics.New()
	reg.AllocatorOccupied.WithLabelValues("1").Set(4096)
	reg.AllocatorCapacity.WithLabelValues("1").Set(65536)

	require.Equal(t, float64(4096), testutil.ToFloat64(reg.AllocatorOccupied.WithLabelValues("1")))
	require.Equal(t, float64(65536), testutil.ToFloat64(reg.AllocatorCapacity.WithLabelValues("1")))
}
