// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent_test

import (
	"testing"

	"github.com/ethandmd/tracem/pkg/perfabi"
	"github.com/ethandmd/tracem/pkg/perfevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuilder_BasicFields(t *testing.T) {
	attr, err := perfevent.NewBuilder().
		Raw(perfabi.RawEventL3Miss).
		SamplePeriod(1000).
		SampleFormat(perfabi.SampleTID | perfabi.SampleTime | perfabi.SampleAddr).
		Disabled(true).
		ExcludeHV(true).
		ExcludeCallchainKernel(true).
		ExcludeCallchainUser(true).
		PreciseIP(2).
		Build()
	require.NoError(t, err)

	assert.Equal(t, uint32(perfabi.TypeRaw), attr.Type)
	assert.Equal(t, perfabi.RawEventL3Miss, attr.Config)
	assert.Equal(t, uint64(1000), attr.Sample)
	assert.Equal(t, perfabi.SampleTID|perfabi.SampleTime|perfabi.SampleAddr, attr.Sample_type)
	assert.NotZero(t, attr.Bits&unix.PerfBitDisabled)
	assert.Zero(t, attr.Bits&unix.PerfBitFreq)
	assert.NotZero(t, attr.Bits&unix.PerfBitExcludeHv)
	assert.NotZero(t, attr.Bits&unix.PerfBitExcludeCallchainKernel)
	assert.NotZero(t, attr.Bits&unix.PerfBitExcludeCallchainUser)
	assert.NotZero(t, attr.Bits&unix.PerfBitPreciseIPBit2)
	assert.Zero(t, attr.Bits&unix.PerfBitPreciseIPBit1)
	assert.NotZero(t, attr.Size, "Size must be populated for the kernel's ABI compatibility check")
}

func TestBuilder_PeriodAndFreqAreMutuallyExclusive(t *testing.T) {
	attr, err := perfevent.NewBuilder().
		Raw(perfabi.RawEventAllStores).
		SamplePeriod(1000).
		SampleFreq(4000).
		Build()
	require.NoError(t, err)
	assert.NotZero(t, attr.Bits&unix.PerfBitFreq, "the later SampleFreq call leaves the event in freq mode")
	assert.Equal(t, uint64(4000), attr.Sample)
}

func TestBuilder_SampleFreqSetsFreqBit(t *testing.T) {
	attr, err := perfevent.NewBuilder().
		Type(perfabi.TypeHardware).
		Config(perfabi.CountHWCPUCycles).
		SampleFreq(4000).
		Build()
	require.NoError(t, err)
	assert.NotZero(t, attr.Bits&unix.PerfBitFreq)
	assert.Equal(t, uint64(4000), attr.Sample)
}

func TestBuilder_LastSampleRateCallWins(t *testing.T) {
	attr, err := perfevent.NewBuilder().
		SamplePeriod(1000).
		SampleFreq(4000).
		SamplePeriod(500).
		Build()
	require.NoError(t, err)
	assert.Zero(t, attr.Bits&unix.PerfBitFreq)
	assert.Equal(t, uint64(500), attr.Sample)
}

func TestBuilder_WakeupWatermarkRequiresNonZero(t *testing.T) {
	_, err := perfevent.NewBuilder().WakeupWatermark(0).Build()
	assert.Error(t, err)

	attr, err := perfevent.NewBuilder().WakeupWatermark(4096).Build()
	require.NoError(t, err)
	assert.NotZero(t, attr.Bits&unix.PerfBitWatermark)
	assert.Equal(t, uint32(4096), attr.Wakeup)
}

func TestBuilder_WakeupEventsClearsWatermarkBit(t *testing.T) {
	attr, err := perfevent.NewBuilder().
		WakeupWatermark(4096).
		WakeupEvents(250).
		Build()
	require.NoError(t, err)
	assert.Zero(t, attr.Bits&unix.PerfBitWatermark)
	assert.Equal(t, uint32(250), attr.Wakeup)
}

func TestBuilder_HWCachePacksConfig(t *testing.T) {
	attr, err := perfevent.NewBuilder().
		HWCache(perfabi.HWCacheLL, perfabi.HWCacheOpRead, perfabi.HWCacheResultMiss).
		SamplePeriod(1000).
		Build()
	require.NoError(t, err)
	assert.Equal(t, uint32(perfabi.TypeHWCache), attr.Type)
	assert.Equal(t, perfabi.HWCacheLL|(perfabi.HWCacheOpRead<<8)|(perfabi.HWCacheResultMiss<<16), attr.Config)
}
