// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent

import (
	"fmt"
	"unsafe"

	"github.com/ethandmd/tracem/pkg/perfabi"
	"golang.org/x/sys/unix"
)

// Builder constructs a unix.PerfEventAttr with a fluent API. The kernel's
// mutual-exclusion invariants (period vs. freq, events vs. watermark) are
// kept by the setters themselves: each setter of a pair clears the other's
// mode, so the last call wins. Build rejects a zero wakeup threshold.
//
// A zero Builder is not usable; start from NewBuilder.
type Builder struct {
	attr      unix.PerfEventAttr
	freqSet   bool
	periodSet bool
	watermark bool
	wakeupSet bool
}

// NewBuilder returns a Builder with Size set to the attr struct's own size,
// as required by perf_event_open(2) for forward/backward ABI compatibility.
func NewBuilder() *Builder {
	b := &Builder{}
	b.attr.Size = uint32(unsafe.Sizeof(b.attr))
	return b
}

// Type sets the event's type class (hardware, software, raw, ...).
func (b *Builder) Type(t perfabi.Type) *Builder {
	b.attr.Type = uint32(t)
	return b
}

// Config sets the type-specific event selector.
func (b *Builder) Config(config uint64) *Builder {
	b.attr.Config = config
	return b
}

// Raw is a convenience for Type(TypeRaw).Config(config).
func (b *Builder) Raw(config uint64) *Builder {
	return b.Type(perfabi.TypeRaw).Config(config)
}

// HWCache is a convenience for Type(TypeHWCache).Config(packed id/op/result).
func (b *Builder) HWCache(id, op, result uint64) *Builder {
	return b.Type(perfabi.TypeHWCache).Config(perfabi.HWCacheConfig(id, op, result))
}

// SamplePeriod requests a sample every n occurrences of the counted event.
// Mutually exclusive with SampleFreq; the last one called wins.
func (b *Builder) SamplePeriod(n uint64) *Builder {
	b.attr.Sample = n
	b.attr.Bits &^= unix.PerfBitFreq
	b.periodSet, b.freqSet = true, false
	return b
}

// SampleFreq requests the kernel adjust the sampling period to target n
// samples per second. Mutually exclusive with SamplePeriod.
func (b *Builder) SampleFreq(n uint64) *Builder {
	b.attr.Sample = n
	b.attr.Bits |= unix.PerfBitFreq
	b.freqSet, b.periodSet = true, false
	return b
}

// SampleFormat ORs bits into sample_type, selecting which fields the kernel
// appends to each PERF_RECORD_SAMPLE.
func (b *Builder) SampleFormat(bits uint64) *Builder {
	b.attr.Sample_type |= bits
	return b
}

// ReadFormat ORs bits into read_format, selecting which fields a PERF_RECORD_READ
// or explicit counter read returns.
func (b *Builder) ReadFormat(bits uint64) *Builder {
	b.attr.Read_format |= bits
	return b
}

// WakeupEvents requests an overflow notification every n samples. Mutually
// exclusive with WakeupWatermark.
func (b *Builder) WakeupEvents(n uint32) *Builder {
	b.attr.Wakeup = n
	b.attr.Bits &^= unix.PerfBitWatermark
	b.wakeupSet, b.watermark = true, false
	return b
}

// WakeupWatermark requests an overflow notification once n bytes of the
// ring buffer are filled. Mutually exclusive with WakeupEvents.
func (b *Builder) WakeupWatermark(n uint32) *Builder {
	b.attr.Wakeup = n
	b.attr.Bits |= unix.PerfBitWatermark
	b.wakeupSet, b.watermark = true, true
	return b
}

// Disabled controls whether the counter starts in a disabled state,
// requiring an explicit PERF_EVENT_IOC_ENABLE to begin counting.
func (b *Builder) Disabled(v bool) *Builder {
	return b.setBit(unix.PerfBitDisabled, v)
}

func (b *Builder) ExcludeUser(v bool) *Builder {
	return b.setBit(unix.PerfBitExcludeUser, v)
}

func (b *Builder) ExcludeKernel(v bool) *Builder {
	return b.setBit(unix.PerfBitExcludeKernel, v)
}

func (b *Builder) ExcludeHV(v bool) *Builder {
	return b.setBit(unix.PerfBitExcludeHv, v)
}

func (b *Builder) ExcludeCallchainKernel(v bool) *Builder {
	return b.setBit(unix.PerfBitExcludeCallchainKernel, v)
}

func (b *Builder) ExcludeCallchainUser(v bool) *Builder {
	return b.setBit(unix.PerfBitExcludeCallchainUser, v)
}

func (b *Builder) EnableOnExec(v bool) *Builder {
	return b.setBit(unix.PerfBitEnableOnExec, v)
}

// PreciseIP sets the skid-avoidance level for PEBS-style precise sampling,
// 0 (arbitrary skid) through 3 (must have 0 skid or the kernel fails the
// event). This is the 2-bit subfield packed at PerfBitPreciseIPBit1/Bit2.
func (b *Builder) PreciseIP(level uint8) *Builder {
	b.attr.Bits &^= (unix.PerfBitPreciseIPBit1 | unix.PerfBitPreciseIPBit2)
	if level&1 != 0 {
		b.attr.Bits |= unix.PerfBitPreciseIPBit1
	}
	if level&2 != 0 {
		b.attr.Bits |= unix.PerfBitPreciseIPBit2
	}
	return b
}

func (b *Builder) setBit(bit uint64, v bool) *Builder {
	if v {
		b.attr.Bits |= bit
	} else {
		b.attr.Bits &^= bit
	}
	return b
}

// Build validates the descriptor and returns the finished attr. The
// returned pointer is safe to pass directly to unix.PerfEventOpen.
func (b *Builder) Build() (*unix.PerfEventAttr, error) {
	if b.freqSet && b.periodSet {
		return nil, fmt.Errorf("%w: sample period and sample freq both set", ErrInvalidAttr)
	}
	if b.wakeupSet && b.attr.Wakeup == 0 {
		return nil, fmt.Errorf("%w: wakeup threshold must be non-zero", ErrInvalidAttr)
	}
	attr := b.attr
	return &attr, nil
}
