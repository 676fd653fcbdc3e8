// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package migrate implements tracem's cross-tier page migration: the
// move_pages(2) syscall wrapper and the policy worker that decides which
// pages to move and when.
package migrate

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mover issues move_pages(2) for one target process. golang.org/x/sys/unix
// carries the syscall number (SYS_MOVE_PAGES) but no typed wrapper, so
// tracem builds the argument vectors and calls Syscall6 directly, the same
// way the teacher's corpus reaches for raw unix.Syscall6 when a typed
// helper doesn't exist yet.
type Mover struct {
	pid int
}

// NewMover targets move_pages calls at pid (the sampled process).
func NewMover(pid int) *Mover {
	return &Mover{pid: pid}
}

// Move requests the kernel relocate each page in addrs (already
// page-aligned) to the corresponding NUMA node in nodes. It returns one
// status entry per page: a non-negative value is the node the page now
// resides on (the kernel may satisfy a move by landing on a node other
// than requested under memory pressure); a negative value is -errno for
// that page specifically. Move returns a non-nil error only when the
// syscall itself failed outright (bad pid, bad arguments); per-page
// failures are reported solely through status.
func (m *Mover) Move(addrs []uint64, nodes []int32) ([]int32, error) {
	if len(addrs) != len(nodes) {
		return nil, fmt.Errorf("migrate: %d addrs but %d nodes", len(addrs), len(nodes))
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	pages := make([]unsafe.Pointer, len(addrs))
	for i, a := range addrs {
		pages[i] = unsafe.Pointer(uintptr(a))
	}
	status := make([]int32, len(addrs))

	_, _, errno := unix.Syscall6(
		unix.SYS_MOVE_PAGES,
		uintptr(m.pid),
		uintptr(len(addrs)),
		uintptr(unsafe.Pointer(&pages[0])),
		uintptr(unsafe.Pointer(&nodes[0])),
		uintptr(unsafe.Pointer(&status[0])),
		uintptr(moveFlags),
	)
	if errno != 0 {
		return nil, fmt.Errorf("move_pages: %w", errno)
	}
	return status, nil
}

// moveFlags is always 0: tracem never asks the kernel to also move pages
// it doesn't have permission over (MPOL_MF_MOVE_ALL), only the target
// process's own pages.
const moveFlags = 0
