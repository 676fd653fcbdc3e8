// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package migrate_test

import (
	"testing"
	"time"

	"github.com/ethandmd/tracem/pkg/migrate"
	"github.com/ethandmd/tracem/pkg/pagetrack"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fastNode int32 = 0
	slowNode int32 = 1
)

type fakeMover struct {
	calls [][]uint64
	nodes [][]int32
	// status, if set, is returned verbatim; otherwise every page "succeeds"
	// by landing on the requested node.
	status []int32
	err    error
}

func (f *fakeMover) Move(addrs []uint64, nodes []int32) ([]int32, error) {
	f.calls = append(f.calls, addrs)
	f.nodes = append(f.nodes, nodes)
	if f.err != nil {
		return nil, f.err
	}
	if f.status != nil {
		return f.status, nil
	}
	return append([]int32(nil), nodes...), nil
}

func newTrackerWithPages(t *testing.T, pages map[uint64]struct {
	cost uint64
	tier pagetrack.Tier
}) *pagetrack.Tracker {
	tr, err := pagetrack.New(4096)
	require.NoError(t, err)
	for addr, p := range pages {
		for i := uint64(0); i < p.cost; i++ {
			tr.RecordAccess(addr)
		}
		tr.SetTier(addr, p.tier)
	}
	return tr
}

func TestEngine_DemotesColdestFirst(t *testing.T) {
	tr := newTrackerWithPages(t, map[uint64]struct {
		cost uint64
		tier pagetrack.Tier
	}{
		0x1000: {cost: 1, tier: pagetrack.TierFast},
		0x2000: {cost: 10, tier: pagetrack.TierFast},
		0x3000: {cost: 5, tier: pagetrack.TierFast},
		0x4000: {cost: 2, tier: pagetrack.TierFast},
		0x5000: {cost: 3, tier: pagetrack.TierFast},
	})
	// F=5, S=0: F > 4*S (5 > 0) triggers demote. batch = 5 / (4*(1+0)) = 1.
	// All five costs are distinct, so the coldest page is unambiguous
	// regardless of map iteration or sort stability.
	mover := &fakeMover{}
	e := migrate.NewEngine(tr, mover, fastNode, slowNode, logr.Discard())

	go e.Run()
	e.NotifyRun()
	waitForState(t, e, migrate.StateWait)
	e.Stop()
	e.Wait()

	require.Len(t, mover.calls, 1)
	require.Len(t, mover.calls[0], 1)
	assert.Equal(t, uint64(0x1000), mover.calls[0][0], "0x1000 has the lowest cost (1) among all fast-tier pages")
	assert.Equal(t, slowNode, mover.nodes[0][0])
}

func TestEngine_PromotesAllSlowPagesWhenFastTierEmpty(t *testing.T) {
	tr := newTrackerWithPages(t, map[uint64]struct {
		cost uint64
		tier pagetrack.Tier
	}{
		0x1000: {cost: 1, tier: pagetrack.TierSlow},
		0x2000: {cost: 10, tier: pagetrack.TierSlow},
		0x3000: {cost: 5, tier: pagetrack.TierSlow},
	})
	// F=0, S=3: S > F/2 (3 > 0) triggers promote. batch = 3 / ((1+0)/2==0 clamped to 1) = 3.
	mover := &fakeMover{}
	e := migrate.NewEngine(tr, mover, fastNode, slowNode, logr.Discard())

	go e.Run()
	e.NotifyRun()
	waitForState(t, e, migrate.StateWait)
	e.Stop()
	e.Wait()

	require.Len(t, mover.calls, 1)
	assert.ElementsMatch(t, []uint64{0x1000, 0x2000, 0x3000}, mover.calls[0])
	for _, n := range mover.nodes[0] {
		assert.Equal(t, fastNode, n)
	}
}

func TestEngine_BalancedRatioIsNoOp(t *testing.T) {
	tr := newTrackerWithPages(t, map[uint64]struct {
		cost uint64
		tier pagetrack.Tier
	}{
		0x1000: {cost: 1, tier: pagetrack.TierFast},
		0x2000: {cost: 1, tier: pagetrack.TierFast},
		0x3000: {cost: 1, tier: pagetrack.TierFast},
		0x4000: {cost: 1, tier: pagetrack.TierFast},
		0x5000: {cost: 1, tier: pagetrack.TierSlow},
	})
	// F=4, S=1: F > 4*S is false (4 > 4 false); S > F/2 is false (1 > 2 false). No-op.
	mover := &fakeMover{}
	e := migrate.NewEngine(tr, mover, fastNode, slowNode, logr.Discard())

	go e.Run()
	e.NotifyRun()
	waitForState(t, e, migrate.StateWait)
	e.Stop()
	e.Wait()

	assert.Empty(t, mover.calls)
}

func TestEngine_FailedPageIsNotRetriedOrUpdated(t *testing.T) {
	tr := newTrackerWithPages(t, map[uint64]struct {
		cost uint64
		tier pagetrack.Tier
	}{
		0x1000: {cost: 1, tier: pagetrack.TierFast},
		0x2000: {cost: 1, tier: pagetrack.TierFast},
		0x3000: {cost: 1, tier: pagetrack.TierFast},
		0x4000: {cost: 1, tier: pagetrack.TierFast},
		0x5000: {cost: 1, tier: pagetrack.TierFast},
	})
	mover := &fakeMover{status: []int32{-1}}
	e := migrate.NewEngine(tr, mover, fastNode, slowNode, logr.Discard())

	go e.Run()
	e.NotifyRun()
	waitForState(t, e, migrate.StateWait)
	e.Stop()
	e.Wait()

	require.Len(t, mover.calls, 1, "a failed page must not trigger another move call")
	snap := tr.Snapshot()
	for _, p := range snap {
		if p.Addr == mover.calls[0][0] {
			assert.Equal(t, pagetrack.TierFast, p.Tier, "a failed move must leave the tracker's tier unchanged")
		}
	}
}

func TestEngine_StopFromWaitReturnsImmediately(t *testing.T) {
	tr, err := pagetrack.New(4096)
	require.NoError(t, err)
	e := migrate.NewEngine(tr, &fakeMover{}, fastNode, slowNode, logr.Discard())

	go e.Run()
	e.Stop()
	e.Wait()
	assert.Equal(t, migrate.StateStop, e.State())
}

func waitForState(t *testing.T, e *migrate.Engine, want migrate.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, e.State())
}
