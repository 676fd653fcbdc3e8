// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	tracemerrors "github.com/ethandmd/tracem/pkg/errors"
	"github.com/ethandmd/tracem/pkg/perfabi"
	"golang.org/x/sys/unix"
)

// Reader multiplexes a set of per-CPU Handles through one epoll instance
// and forwards their PERF_RECORD_SAMPLE records on a single channel. A LOST
// record adds its lost-sample count to LostSamples and is discarded; the
// other record types (THROTTLE, UNTHROTTLE, COMM, MMAP, EXIT) are discarded
// without being counted.
type Reader struct {
	epollFd int
	closeFd int
	handles map[int32]*Handle // keyed by fd

	Samples <-chan Sample
	Errors  <-chan error

	lost      uint64
	lostMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewReader registers every handle's fd with a fresh epoll instance and
// starts the background goroutine that drains them.
func NewReader(handles []*Handle) (*Reader, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: at least one handle required", ErrInvalidAttr)
	}

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	closeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	byFd := make(map[int32]*Handle, len(handles))
	for _, h := range handles {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(h.FD())}
		if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, h.FD(), &ev); err != nil {
			unix.Close(epollFd)
			unix.Close(closeFd)
			return nil, fmt.Errorf("epoll_ctl add fd %d: %w", h.FD(), err)
		}
		byFd[int32(h.FD())] = h
	}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, closeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(closeFd)}); err != nil {
		unix.Close(epollFd)
		unix.Close(closeFd)
		return nil, fmt.Errorf("epoll_ctl add close fd: %w", err)
	}

	samples := make(chan Sample, len(handles)*4)
	errs := make(chan error, 1)

	r := &Reader{
		epollFd: epollFd,
		closeFd: closeFd,
		handles: byFd,
		Samples: samples,
		Errors:  errs,
		done:    make(chan struct{}),
	}
	runtime.SetFinalizer(r, (*Reader).Close)

	go r.poll(samples, errs)
	return r, nil
}

// LostSamples returns the cumulative count the kernel reported via
// PERF_RECORD_LOST across all handles.
func (r *Reader) LostSamples() uint64 {
	r.lostMu.Lock()
	defer r.lostMu.Unlock()
	return r.lost
}

// Close stops the poll loop and releases the epoll fd. It does not close
// the underlying Handles; the caller owns their lifecycle.
func (r *Reader) Close() error {
	runtime.SetFinalizer(r, nil)
	r.closeOnce.Do(func() {
		var v [8]byte
		binary.NativeEndian.PutUint64(v[:], 1)
		unix.Write(r.closeFd, v[:])
	})
	<-r.done
	return nil
}

func (r *Reader) poll(samples chan<- Sample, errs chan<- error) {
	defer close(r.done)
	defer close(samples)
	defer unix.Close(r.epollFd)
	defer unix.Close(r.closeFd)

	events := make([]unix.EpollEvent, len(r.handles)+1)

	for {
		n, err := unix.EpollWait(r.epollFd, events, -1)
		if err != nil {
			if classified := classifyPollError(err); tracemerrors.Retryable(classified) {
				continue
			}
			errs <- fmt.Errorf("epoll_wait: %w", err)
			return
		}

		for _, ev := range events[:n] {
			if ev.Fd == int32(r.closeFd) {
				return
			}
			h, ok := r.handles[ev.Fd]
			if !ok {
				continue
			}
			if err := r.drain(h, samples); err != nil {
				errs <- err
				return
			}
		}
	}
}

func (r *Reader) drain(h *Handle, samples chan<- Sample) error {
	return h.Ring.Drain(func(raw Raw) error {
		switch raw.Type {
		case perfabi.RecordSample:
			s, err := decodeSample(raw.Body, h.SampleType(), h.CPU())
			if err != nil {
				return err
			}
			samples <- s
		case perfabi.RecordLost:
			if len(raw.Body) >= 16 {
				lost := binary.NativeEndian.Uint64(raw.Body[8:16])
				r.lostMu.Lock()
				r.lost += lost
				r.lostMu.Unlock()
			}
		default:
			// THROTTLE, UNTHROTTLE, COMM, MMAP, EXIT: counted by nothing
			// more than being skipped here, tracem has no use for them.
		}
		return nil
	})
}

// temporaryError is implemented by the errors golang.org/x/sys/unix returns
// for EINTR, letting classifyPollError distinguish "try again" from a real
// failure without string-matching errno.
type temporaryError interface {
	Temporary() bool
}

// classifyPollError marks an epoll_wait error as tracemerrors.RetryableError
// when the syscall layer reports it as temporary (EINTR), so the one
// legitimately-retried condition in this package is decided through the same
// taxonomy the rest of tracem uses rather than a syscall-specific check at
// the call site. Non-temporary errors pass through unchanged.
func classifyPollError(err error) error {
	if te, ok := err.(temporaryError); ok && te.Temporary() {
		return tracemerrors.NewRetryable(err.Error())
	}
	return err
}
