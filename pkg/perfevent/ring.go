// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/ethandmd/tracem/pkg/perfabi"
	"golang.org/x/sys/unix"
)

// recordHeader is perf_event_header: every ring record, of whichever type,
// starts with this.
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const recordHeaderSize = 8

// Ring is the consumer side of one perf_event ring buffer: the metadata
// page the kernel maintains plus the data pages that follow it.
//
// Ring only ever advances data_tail by a record's own Size, never past it;
// an earlier prototype of this reader advanced the tail by a fixed record
// size instead, which lost its place in the ring as soon as a record of a
// different length arrived.
type Ring struct {
	meta *unix.PerfEventMmapPage
	data []byte
	mask uint64
}

func newRing(mmap []byte) (*Ring, error) {
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0]))

	dataStart := meta.Data_offset
	if dataStart == 0 {
		dataStart = uint64(os.Getpagesize())
	}
	dataLen := meta.Data_size
	if dataLen == 0 || dataLen&(dataLen-1) != 0 {
		return nil, fmt.Errorf("%w: data_size %d is not a positive power of two", ErrRingCorrupt, dataLen)
	}
	if dataStart+dataLen > uint64(len(mmap)) {
		return nil, fmt.Errorf("%w: data region exceeds mapped size", ErrRingCorrupt)
	}

	return &Ring{
		meta: meta,
		data: mmap[dataStart : dataStart+dataLen],
		mask: dataLen - 1,
	}, nil
}

// Raw is one undecoded ring record: its header type/misc plus the bytes
// that follow the header, still in kernel byte order.
type Raw struct {
	Type perfabi.RecordType
	Misc uint16
	Body []byte
}

// Drain copies out every complete record currently available and advances
// data_tail past them, calling fn for each. Drain returns early if fn
// returns an error.
func (r *Ring) Drain(fn func(Raw) error) error {
	head := atomic.LoadUint64(&r.meta.Data_head)
	// data_head must be visible before we read any record bytes it promises
	// are complete; the kernel pairs this load with its own store-release
	// when it publishes data_head.
	tail := atomic.LoadUint64(&r.meta.Data_tail)

	for tail != head {
		if head-tail < recordHeaderSize {
			return fmt.Errorf("%w: %d bytes left, shorter than a record header", ErrRingCorrupt, head-tail)
		}

		hdr := r.readHeader(tail)
		if hdr.Size < recordHeaderSize {
			return fmt.Errorf("%w: record size %d smaller than header", ErrRingCorrupt, hdr.Size)
		}
		if uint64(hdr.Size) > head-tail {
			return fmt.Errorf("%w: record size %d exceeds %d bytes remaining", ErrRingCorrupt, hdr.Size, head-tail)
		}

		body := r.readBody(tail+recordHeaderSize, uint64(hdr.Size)-recordHeaderSize)
		if err := fn(Raw{Type: perfabi.RecordType(hdr.Type), Misc: hdr.Misc, Body: body}); err != nil {
			return err
		}

		tail += uint64(hdr.Size)
	}

	atomic.StoreUint64(&r.meta.Data_tail, tail)
	return nil
}

func (r *Ring) readHeader(pos uint64) recordHeader {
	buf := r.readBody(pos, recordHeaderSize)
	return recordHeader{
		Type: binary.NativeEndian.Uint32(buf[0:4]),
		Misc: binary.NativeEndian.Uint16(buf[4:6]),
		Size: binary.NativeEndian.Uint16(buf[6:8]),
	}
}

// readBody copies n bytes starting at the ring-relative offset pos,
// unwrapping around the end of the data region if needed. Copying (rather
// than slicing in place) keeps the returned bytes stable across the next
// Drain call, which may overwrite this region once data_tail advances.
func (r *Ring) readBody(pos, n uint64) []byte {
	out := make([]byte, n)
	start := pos & r.mask
	end := start + n
	if end <= uint64(len(r.data)) {
		copy(out, r.data[start:end])
		return out
	}
	firstLen := uint64(len(r.data)) - start
	copy(out, r.data[start:])
	copy(out[firstLen:], r.data[:n-firstLen])
	return out
}
