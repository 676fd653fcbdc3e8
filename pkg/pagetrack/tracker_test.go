// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pagetrack_test

import (
	"sync"
	"testing"

	"github.com/ethandmd/tracem/pkg/pagetrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNonPowerOfTwoPageSize(t *testing.T) {
	_, err := pagetrack.New(0)
	assert.Error(t, err)

	_, err = pagetrack.New(4097)
	assert.Error(t, err)

	tr, err := pagetrack.New(4096)
	require.NoError(t, err)
	require.NotNil(t, tr)
}

func TestRecordAccess_MasksToPage(t *testing.T) {
	tr, err := pagetrack.New(4096)
	require.NoError(t, err)

	tr.RecordAccess(0x1000)
	tr.RecordAccess(0x1001)
	tr.RecordAccess(0x1fff)

	require.Equal(t, 1, tr.Len())
	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(0x1000), snap[0].Addr)
	assert.Equal(t, uint64(3), snap[0].Cost)
	assert.Equal(t, pagetrack.TierFast, snap[0].Tier)
}

func TestRecordAccess_DistinctPages(t *testing.T) {
	tr, err := pagetrack.New(4096)
	require.NoError(t, err)

	tr.RecordAccess(0x1000)
	tr.RecordAccess(0x2000)
	tr.RecordAccess(0x2000)

	assert.Equal(t, 2, tr.Len())
}

func TestSetTier(t *testing.T) {
	tr, err := pagetrack.New(4096)
	require.NoError(t, err)

	tr.RecordAccess(0x3000)
	tr.SetTier(0x3000, pagetrack.TierSlow)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, pagetrack.TierSlow, snap[0].Tier)
}

func TestSetTier_UnknownPageIsNoOp(t *testing.T) {
	tr, err := pagetrack.New(4096)
	require.NoError(t, err)

	tr.SetTier(0x9000, pagetrack.TierSlow)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr, err := pagetrack.New(4096)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.RecordAccess(uint64(n) * 0x1000)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, tr.Len())
	for _, e := range tr.Snapshot() {
		assert.Equal(t, uint64(100), e.Cost)
	}
}
