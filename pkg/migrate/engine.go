// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package migrate

import (
	"sort"
	"sync"

	"github.com/ethandmd/tracem/pkg/pagetrack"
	"github.com/go-logr/logr"
)

// State is the policy worker's three-valued run flag.
type State int32

const (
	StateWait State = iota
	StateRun
	StateStop
)

func (s State) String() string {
	switch s {
	case StateWait:
		return "WAIT"
	case StateRun:
		return "RUN"
	case StateStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Engine is the migration policy worker: it parks on WAIT, runs one
// migration pass when notified, and self-resets to WAIT, or exits on STOP.
// A RUN notification received while the worker is mid-pass coalesces with
// the pass already in flight rather than queuing a second one.
type Engine struct {
	tracker  *pagetrack.Tracker
	mover    PageMover
	fastNode int32
	slowNode int32
	logger   logr.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	done  chan struct{}
}

// PageMover is the subset of Mover the policy worker depends on; tests
// substitute a fake to exercise candidate selection without issuing real
// move_pages syscalls.
type PageMover interface {
	Move(addrs []uint64, nodes []int32) ([]int32, error)
}

// NewEngine builds a policy worker over tracker, issuing moves via mover
// (which is bound to the target process) between fastNode and slowNode.
func NewEngine(tracker *pagetrack.Tracker, mover PageMover, fastNode, slowNode int32, logger logr.Logger) *Engine {
	e := &Engine{
		tracker:  tracker,
		mover:    mover,
		fastNode: fastNode,
		slowNode: slowNode,
		logger:   logger.WithName("migrate"),
		state:    StateWait,
		done:     make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Run blocks, running migration passes as notified, until Stop is called.
// The sample-drain thread calls NotifyRun after each full ring drain; Run
// is meant to execute in its own goroutine.
func (e *Engine) Run() {
	defer close(e.done)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		for e.state == StateWait {
			e.cond.Wait()
		}
		if e.state == StateStop {
			return
		}

		e.mu.Unlock()
		e.runPass()
		e.mu.Lock()

		if e.state == StateRun {
			e.state = StateWait
		}
	}
}

// NotifyRun transitions WAIT -> RUN. A call while already RUN or STOP is a
// no-op: an in-flight pass will pick up any pages sampled since it started
// on its next invocation, and STOP is terminal.
func (e *Engine) NotifyRun() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateWait {
		e.state = StateRun
	}
	e.cond.Broadcast()
}

// Stop transitions to STOP and unparks the worker so Run returns. Safe to
// call once the worker has been started; Wait blocks until Run has
// returned.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.state = StateStop
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Wait blocks until Run has returned (after Stop).
func (e *Engine) Wait() {
	<-e.done
}

// State reports the worker's current flag, for tests and diagnostics.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// runPass computes this pass's direction and batch size from a snapshot of
// the tracker, issues the move, and writes back the pages that actually
// moved. It never touches e.mu: the tracker has its own reader-writer
// discipline.
func (e *Engine) runPass() {
	snap := e.tracker.Snapshot()

	var fast, slow []pagetrack.Entry
	for _, p := range snap {
		if p.Tier == pagetrack.TierFast {
			fast = append(fast, p)
		} else {
			slow = append(slow, p)
		}
	}
	F, S := len(fast), len(slow)

	var (
		candidates []pagetrack.Entry
		destNode   int32
		destTier   pagetrack.Tier
	)

	switch {
	case F > 4*S:
		batch := F / (4 * (1 + S))
		if batch == 0 {
			return
		}
		sort.Slice(fast, func(i, j int) bool { return fast[i].Cost < fast[j].Cost })
		if batch > len(fast) {
			batch = len(fast)
		}
		candidates = fast[:batch]
		destNode, destTier = e.slowNode, pagetrack.TierSlow

	case S > F/2:
		denom := (1 + F) / 2
		if denom == 0 {
			denom = 1
		}
		batch := S / denom
		if batch == 0 {
			return
		}
		sort.Slice(slow, func(i, j int) bool { return slow[i].Cost > slow[j].Cost })
		if batch > len(slow) {
			batch = len(slow)
		}
		candidates = slow[:batch]
		destNode, destTier = e.fastNode, pagetrack.TierFast

	default:
		return
	}

	if len(candidates) == 0 {
		return
	}

	addrs := make([]uint64, len(candidates))
	nodes := make([]int32, len(candidates))
	for i, c := range candidates {
		addrs[i] = c.Addr
		nodes[i] = destNode
	}

	status, err := e.mover.Move(addrs, nodes)
	if err != nil {
		e.logger.Error(err, "migration pass failed", "candidates", len(candidates), "destTier", destTier)
		return
	}

	for i, st := range status {
		if st < 0 {
			e.logger.V(1).Info("page migration failed", "addr", addrs[i], "errno", -st)
			continue
		}
		switch st {
		case e.fastNode:
			e.tracker.SetTier(addrs[i], pagetrack.TierFast)
		case e.slowNode:
			e.tracker.SetTier(addrs[i], pagetrack.TierSlow)
		default:
			e.logger.V(1).Info("page landed on unexpected node", "addr", addrs[i], "node", st)
		}
	}
}
