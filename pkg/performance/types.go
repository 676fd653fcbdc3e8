// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"time"
)

// MetricType represents the type of metric a collector produces
type MetricType string

const (
	// MetricTypeNUMATopology identifies the one-shot NUMA node inventory collector
	MetricTypeNUMATopology MetricType = "numa_topology"
	// MetricTypePageSamples identifies the continuous page-access sampler
	MetricTypePageSamples MetricType = "page_samples"
)

// CollectorStatus represents the operational status of a collector
type CollectorStatus string

const (
	CollectorStatusActive   CollectorStatus = "active"
	CollectorStatusDegraded CollectorStatus = "degraded"
	CollectorStatusFailed   CollectorStatus = "failed"
	CollectorStatusDisabled CollectorStatus = "disabled"
)

// Snapshot represents a complete collection snapshot at a point in time
type Snapshot struct {
	Timestamp    time.Time
	CollectorRun CollectorRunInfo
	Metrics      Metrics
}

// CollectorRunInfo contains metadata about a collector run
type CollectorRunInfo struct {
	Duration       time.Duration
	CollectorStats map[MetricType]CollectorStat
}

// CollectorStat tracks individual collector performance
type CollectorStat struct {
	Status   CollectorStatus
	Duration time.Duration
	Error    error
	Data     any
}

// Metrics contains the data produced by tracem's collectors
type Metrics struct {
	NUMATopology *NUMATopology
	PageSamples  []PageSampleBatch
}

// NUMATopology represents the NUMA memory hardware configuration discovered
// at startup: total system memory plus the per-node inventory used to
// resolve the fast/slow tier to kernel node ids.
type NUMATopology struct {
	TotalBytes uint64
	Nodes      []NUMANode
}

// NUMANode represents a single NUMA memory node
type NUMANode struct {
	NodeID     int32
	TotalBytes uint64
	CPUs       []int32
}

// PageSampleBatch is the summary the continuous page-sampling collector
// forwards each time its sample channel runs empty: when it was emitted and
// how many samples were recorded into the access tracker since the previous
// batch. The samples themselves are not included.
type PageSampleBatch struct {
	CollectedAt time.Time
	Count       int
}

// CollectionConfig configures collector construction
type CollectionConfig struct {
	Interval          time.Duration
	EnabledCollectors map[MetricType]bool
	HostProcPath      string // Path to /proc (useful for containers)
	HostSysPath       string // Path to /sys (useful for containers)
}

// DefaultCollectionConfig returns a default configuration
func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		Interval: time.Second,
		EnabledCollectors: map[MetricType]bool{
			MetricTypeNUMATopology: true,
			MetricTypePageSamples:  true,
		},
		HostProcPath: "/proc",
		HostSysPath:  "/sys",
	}
}

// ApplyDefaults fills in zero values with defaults
func (c *CollectionConfig) ApplyDefaults() {
	defaults := DefaultCollectionConfig()

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.EnabledCollectors == nil {
		c.EnabledCollectors = defaults.EnabledCollectors
	}
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.HostSysPath == "" {
		c.HostSysPath = defaults.HostSysPath
	}
}
