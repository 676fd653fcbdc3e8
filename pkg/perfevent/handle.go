// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent

import (
	"fmt"
	"os"
	"runtime"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// Handle owns one perf_event_open(2) file descriptor and its mmap'd ring
// buffer. It is not safe for concurrent use by multiple goroutines other
// than the pairing of one reader draining Ring with one goroutine calling
// Enable/Disable/Close.
type Handle struct {
	fd   int
	mmap []byte
	Ring *Ring

	pid        int
	cpu        int
	sampleType uint64
}

// HandleOptions targets a Handle at a specific (pid, cpu) pair and sizes its
// ring buffer.
type HandleOptions struct {
	// Pid is the thread/process to sample. 0 samples the calling process's
	// group leader scope the kernel assigns to pid 0 on that path; -1
	// samples all processes on CPU (requires CAP_PERFMON/CAP_SYS_ADMIN on
	// most kernels).
	Pid int
	// CPU the event is bound to. -1 means "any CPU the target thread runs
	// on"; tracem passes its --cpu flag here, which defaults to -1.
	CPU int
	// RingPages is the number of data pages in the ring, not counting the
	// one metadata page the kernel always prepends. Must be a power of two.
	// Ignored when GroupLeader is set.
	RingPages int
	// GroupLeader, if non-nil, makes the new event share the leader's ring:
	// the kernel is asked via PERF_EVENT_IOC_SET_OUTPUT to merge this
	// event's samples into the leader's buffer instead of mapping a new one.
	GroupLeader *Handle
}

// Open issues perf_event_open(2) for attr and mmaps its ring buffer. The
// event is created disabled (Builder.Disabled(true) is the caller's
// responsibility) or, if created enabled, begins counting immediately.
func Open(attr *unix.PerfEventAttr, opts HandleOptions) (*Handle, error) {
	if err := sampleTypeSupported(attr.Sample_type); err != nil {
		return nil, err
	}

	groupFd := -1
	if opts.GroupLeader != nil {
		groupFd = opts.GroupLeader.FD()
	} else if opts.RingPages <= 0 || opts.RingPages&(opts.RingPages-1) != 0 {
		return nil, fmt.Errorf("%w: RingPages must be a power of two, got %d", ErrInvalidAttr, opts.RingPages)
	}

	// mmap'ing a perf ring is a large, long-lived allocation; lift the
	// locked-memory rlimit the way any cilium/ebpf-based loader does before
	// it maps BPF ring buffers.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	fd, err := unix.PerfEventOpen(attr, opts.Pid, opts.CPU, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, &OpenError{Type: attr.Type, Config: attr.Config, Err: err}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock on perf fd: %w", err)
	}

	h := &Handle{
		fd:         fd,
		pid:        opts.Pid,
		cpu:        opts.CPU,
		sampleType: attr.Sample_type,
	}

	if opts.GroupLeader != nil {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, opts.GroupLeader.FD()); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("merging event output into group leader's ring: %w", err)
		}
		h.Ring = opts.GroupLeader.Ring
		runtime.SetFinalizer(h, (*Handle).Close)
		return h, nil
	}

	pageSize := os.Getpagesize()
	size := (1 + opts.RingPages) * pageSize

	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap perf ring (%d bytes): %w", size, err)
	}

	ring, err := newRing(mmap)
	if err != nil {
		unix.Munmap(mmap)
		unix.Close(fd)
		return nil, err
	}

	h.mmap = mmap
	h.Ring = ring
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// FD returns the underlying perf_event file descriptor, for registering
// with an epoll instance.
func (h *Handle) FD() int { return h.fd }

// CPU returns the CPU this handle samples.
func (h *Handle) CPU() int { return h.cpu }

// SampleType returns the sample_type mask this handle's event was opened
// with, which governs how its ring's PERF_RECORD_SAMPLE bodies decode.
func (h *Handle) SampleType() uint64 { return h.sampleType }

// Enable starts (or resumes) counting via PERF_EVENT_IOC_ENABLE.
func (h *Handle) Enable() error {
	return ioctlNoArg(h.fd, unix.PERF_EVENT_IOC_ENABLE)
}

// Disable stops counting via PERF_EVENT_IOC_DISABLE. The ring buffer
// remains readable; Close tears it down.
func (h *Handle) Disable() error {
	return ioctlNoArg(h.fd, unix.PERF_EVENT_IOC_DISABLE)
}

// Reset zeroes the event's internal counter via PERF_EVENT_IOC_RESET.
func (h *Handle) Reset() error {
	return ioctlNoArg(h.fd, unix.PERF_EVENT_IOC_RESET)
}

func ioctlNoArg(fd int, req uint) error {
	return unix.IoctlSetInt(fd, req, 0)
}

// Close unmaps the ring and closes the perf_event fd. Safe to call more
// than once.
func (h *Handle) Close() error {
	runtime.SetFinalizer(h, nil)
	var err error
	if h.mmap != nil {
		err = unix.Munmap(h.mmap)
		h.mmap = nil
	}
	if h.fd >= 0 {
		if cerr := unix.Close(h.fd); err == nil {
			err = cerr
		}
		h.fd = -1
	}
	return err
}
