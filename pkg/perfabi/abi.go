// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package perfabi is a plain data dictionary for the parts of the
// perf_event_open(2) ABI that golang.org/x/sys/unix does not carry.
//
// golang.org/x/sys/unix already exports PerfEventAttr, PerfEventMmapPage,
// the PerfBit* flag-position constants, PERF_EVENT_IOC_*, PERF_FLAG_* and
// PERF_RECORD_MISC_*, and tracem uses those directly. This package declares
// tracem's own copies of the type/config enumerations, the sample_type and
// read_format bitmasks, and the bare PERF_RECORD_* tag values, typed where
// tracem needs it (Type, RecordType), along with the raw event codes tracem
// samples. Values match linux/perf_event.h field-for-field.
package perfabi

// Type selects which namespace Config is interpreted in (perf_event_attr.type).
type Type uint32

const (
	TypeHardware   Type = 0
	TypeSoftware   Type = 1
	TypeTracepoint Type = 2
	TypeHWCache    Type = 3
	TypeRaw        Type = 4
	TypeBreakpoint Type = 5
)

// Generalized hardware event ids (perf_event_attr.config when Type is
// TypeHardware).
const (
	CountHWCPUCycles             uint64 = 0
	CountHWInstructions          uint64 = 1
	CountHWCacheReferences       uint64 = 2
	CountHWCacheMisses           uint64 = 3
	CountHWBranchInstructions    uint64 = 4
	CountHWBranchMisses          uint64 = 5
	CountHWBusCycles             uint64 = 6
	CountHWStalledCyclesFrontend uint64 = 7
	CountHWStalledCyclesBackend  uint64 = 8
	CountHWRefCPUCycles          uint64 = 9
)

// Generalized hardware cache ids, compose a TypeHWCache config as
// id | (op << 8) | (result << 16).
const (
	HWCacheL1D  uint64 = 0
	HWCacheL1I  uint64 = 1
	HWCacheLL   uint64 = 2
	HWCacheDTLB uint64 = 3
	HWCacheITLB uint64 = 4
	HWCacheBPU  uint64 = 5
	HWCacheNode uint64 = 6
)

const (
	HWCacheOpRead     uint64 = 0
	HWCacheOpWrite    uint64 = 1
	HWCacheOpPrefetch uint64 = 2
)

const (
	HWCacheResultAccess uint64 = 0
	HWCacheResultMiss   uint64 = 1
)

// HWCacheConfig packs a hardware-cache event id/op/result triplet into the
// Config field of a TypeHWCache event, per the kernel's documented layout.
func HWCacheConfig(id, op, result uint64) uint64 {
	return id | (op << 8) | (result << 16)
}

// sample_type bits (perf_event_attr.sample_type). The kernel lays the
// selected fields out in the sample record in its own fixed order, which is
// not bit order (SampleIdentifier comes first, then IP, TID, Time, Addr, ID,
// StreamID, CPU, Period, ...).
const (
	SampleIP           uint64 = 1 << 0
	SampleTID          uint64 = 1 << 1
	SampleTime         uint64 = 1 << 2
	SampleAddr         uint64 = 1 << 3
	SampleRead         uint64 = 1 << 4
	SampleCallchain    uint64 = 1 << 5
	SampleID           uint64 = 1 << 6
	SampleCPU          uint64 = 1 << 7
	SamplePeriod       uint64 = 1 << 8
	SampleStreamID     uint64 = 1 << 9
	SampleRaw          uint64 = 1 << 10
	SampleBranchStack  uint64 = 1 << 11
	SampleRegsUser     uint64 = 1 << 12
	SampleStackUser    uint64 = 1 << 13
	SampleWeight       uint64 = 1 << 14
	SampleDataSrc      uint64 = 1 << 15
	SampleIdentifier   uint64 = 1 << 16
	SampleTransaction  uint64 = 1 << 17
	SampleRegsIntr     uint64 = 1 << 18
	SamplePhysAddr     uint64 = 1 << 19
	SampleAux          uint64 = 1 << 20
	SampleCGroup       uint64 = 1 << 21
	SampleDataPageSize uint64 = 1 << 22
	SampleCodePageSize uint64 = 1 << 23
	SampleWeightStruct uint64 = 1 << 24
)

// read_format bits (perf_event_attr.read_format)
const (
	FormatTotalTimeEnabled uint64 = 1 << 0
	FormatTotalTimeRunning uint64 = 1 << 1
	FormatID               uint64 = 1 << 2
	FormatGroup            uint64 = 1 << 3
	FormatLost             uint64 = 1 << 4
)

// RecordType is the Type field of a perf_event_header.
type RecordType uint32

const (
	RecordMMap       RecordType = 1
	RecordLost       RecordType = 2
	RecordComm       RecordType = 3
	RecordExit       RecordType = 4
	RecordThrottle   RecordType = 5
	RecordUnthrottle RecordType = 6
	RecordFork       RecordType = 7
	RecordRead       RecordType = 8
	RecordSample     RecordType = 9
	RecordMMap2      RecordType = 10
)

// Raw event codes for the two hardware counters tracem samples: an LLC-miss
// proxy and a store-retirement proxy, expressed as the umask<<8|eventSelect
// form the kernel's raw PMU interface expects. These are Intel-specific
// (Skylake-X / Tiger Lake server uncore PEBS events); a future revision may
// key this off detected microarchitecture instead of hardcoding one.
const (
	RawEventL3Miss    uint64 = 0xd1 | (0x20 << 8)
	RawEventAllStores uint64 = 0xd0 | (0x82 << 8)
)
