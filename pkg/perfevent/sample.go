// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent

import (
	"encoding/binary"
	"fmt"

	"github.com/ethandmd/tracem/pkg/perfabi"
)

// Sample is a decoded PERF_RECORD_SAMPLE. Only fields whose bit was set in
// the sample_type mask used to build the originating event are populated;
// the rest are left at their zero value.
type Sample struct {
	Identifier uint64
	IP         uint64
	PID        uint32
	TID        uint32
	Time       uint64
	Addr       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Period     uint64

	// RingCPU is the CPU the ring this sample arrived on is bound to, which
	// may differ from CPU above when SampleCPU wasn't requested.
	RingCPU int
}

// unsupportedSampleBits are sample_type bits decodeSample refuses: tracem's
// own Builder never turns them on, and decoding them (callchains, raw byte
// blobs, register snapshots, branch stacks) needs variable-length
// bookkeeping this controller has no use for.
const unsupportedSampleBits = perfabi.SampleRead |
	perfabi.SampleCallchain |
	perfabi.SampleRaw |
	perfabi.SampleBranchStack |
	perfabi.SampleRegsUser |
	perfabi.SampleStackUser |
	perfabi.SampleWeight |
	perfabi.SampleDataSrc |
	perfabi.SampleTransaction |
	perfabi.SampleRegsIntr |
	perfabi.SamplePhysAddr |
	perfabi.SampleAux |
	perfabi.SampleCGroup |
	perfabi.SampleDataPageSize |
	perfabi.SampleCodePageSize |
	perfabi.SampleWeightStruct

// sampleTypeSupported reports whether a sample_type mask only selects
// fields decodeSample knows how to read. Callers should reject a Builder
// output that fails this check before ever opening the event.
func sampleTypeSupported(sampleType uint64) error {
	if sampleType&unsupportedSampleBits != 0 {
		return fmt.Errorf("%w: sample_type %#x selects a field decodeSample does not support", ErrInvalidAttr, sampleType)
	}
	return nil
}

// decodeSample walks a PERF_RECORD_SAMPLE body in the kernel-defined field
// order (identifier, ip, tid, time, addr, id, stream-id, cpu, period),
// reading only the fields sampleType selected. sampleType must be the exact
// mask the producing event was opened with.
func decodeSample(body []byte, sampleType uint64, ringCPU int) (Sample, error) {
	var s Sample
	s.RingCPU = ringCPU
	r := byteReader{buf: body}

	if sampleType&perfabi.SampleIdentifier != 0 {
		s.Identifier = r.u64()
	}
	if sampleType&perfabi.SampleIP != 0 {
		s.IP = r.u64()
	}
	if sampleType&perfabi.SampleTID != 0 {
		s.PID = r.u32()
		s.TID = r.u32()
	}
	if sampleType&perfabi.SampleTime != 0 {
		s.Time = r.u64()
	}
	if sampleType&perfabi.SampleAddr != 0 {
		s.Addr = r.u64()
	}
	if sampleType&perfabi.SampleID != 0 {
		s.ID = r.u64()
	}
	if sampleType&perfabi.SampleStreamID != 0 {
		s.StreamID = r.u64()
	}
	if sampleType&perfabi.SampleCPU != 0 {
		s.CPU = r.u32()
		_ = r.u32() // reserved
	}
	if sampleType&perfabi.SamplePeriod != 0 {
		s.Period = r.u64()
	}
	return s, r.err
}

type byteReader struct {
	buf []byte
	pos int
	err error
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) u64() uint64 {
	if r.err != nil || r.remaining() < 8 {
		r.err = fmt.Errorf("%w: sample body truncated", ErrRingCorrupt)
		return 0
	}
	v := binary.NativeEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v
}

func (r *byteReader) u32() uint32 {
	if r.err != nil || r.remaining() < 4 {
		r.err = fmt.Errorf("%w: sample body truncated", ErrRingCorrupt)
		return 0
	}
	v := binary.NativeEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}
