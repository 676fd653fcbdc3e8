// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pagetrack maintains per-page access cost and tier bookkeeping for
// tracem's migration policy engine.
package pagetrack

import (
	"fmt"
	"sync"
)

// Tier identifies which NUMA node class a page currently lives on.
type Tier int32

const (
	TierFast Tier = 0
	TierSlow Tier = 1
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierSlow:
		return "slow"
	default:
		return fmt.Sprintf("Tier(%d)", int32(t))
	}
}

// Entry is one page's current cost accumulator and believed tier.
type Entry struct {
	Addr uint64
	Cost uint64
	Tier Tier
}

// Tracker maps page-aligned virtual addresses to an access cost and a
// believed tier. A page is never evicted for the lifetime of the tracked
// process: tracem samples a bounded working set (one target process), and
// the table's growth is bounded by that process's resident page count, not
// by wall-clock time.
//
// TODO: an LRU-bounded table would be needed to track a process whose
// resident set is unbounded relative to available controller memory; no
// caller has needed that yet.
type Tracker struct {
	mu       sync.RWMutex
	pageMask uint64
	pages    map[uint64]*Entry
}

// New returns a Tracker that masks incoming addresses to pageSize
// alignment. pageSize must be a power of two (as returned by
// procutils.GetPageSize).
func New(pageSize int64) (*Tracker, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("pagetrack: page size must be a positive power of two, got %d", pageSize)
	}
	return &Tracker{
		pageMask: ^uint64(pageSize - 1),
		pages:    make(map[uint64]*Entry),
	}, nil
}

// RecordAccess masks addr to its containing page and increments that
// page's cost by one, creating the entry (at TierFast) if this is the
// first sample seen for it.
func (t *Tracker) RecordAccess(addr uint64) {
	page := addr & t.pageMask

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pages[page]
	if !ok {
		e = &Entry{Addr: page, Tier: TierFast}
		t.pages[page] = e
	}
	e.Cost++
}

// Snapshot returns a point-in-time copy of every tracked page, safe for the
// migration policy engine to read without holding the tracker's lock.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.pages))
	for _, e := range t.pages {
		out = append(out, *e)
	}
	return out
}

// Len reports how many distinct pages have been observed.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pages)
}

// SetTier records the tier a page landed on after a migration attempt. A
// page absent from the table (never sampled) is a no-op: there is nothing
// to update.
func (t *Tracker) SetTier(addr uint64, tier Tier) {
	page := addr & t.pageMask

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.pages[page]; ok {
		e.Tier = tier
	}
}

// PageMask exposes the alignment mask Tracker applies to addresses, so
// callers can pre-align addresses before batching them (e.g. for
// migrate.Mover).
func (t *Tracker) PageMask() uint64 { return t.pageMask }
