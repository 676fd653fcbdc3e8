// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethandmd/tracem/pkg/performance"
	"github.com/go-logr/logr"
)

// NUMATopologyCollector discovers the NUMA memory hardware configuration:
// total system memory and the per-node inventory (node id, installed bytes,
// attached CPUs) tracem resolves the fast/slow tier ids against at startup.
//
// This is a one-shot inventory collector, not a runtime monitor: topology
// doesn't change over the life of the process (barring CPU/memory hotplug,
// which tracem does not track).
//
// Data sources, in order of reliability:
//   - /proc/meminfo                          - total system memory (kernel-guaranteed)
//   - /sys/devices/system/node/nodeX/meminfo - per-node memory (kernel-guaranteed)
//   - /sys/devices/system/node/nodeX/cpulist - per-node CPU affinity (kernel-guaranteed)
//
// If no NUMA nodes are found under sysfs, the system is assumed to be UMA
// and a synthetic single node covering every CPU is reported; tracem's
// caller is responsible for rejecting anything other than exactly two nodes
// since it does not implement more than two memory tiers.
//
// References:
//   - NUMA sysfs ABI: https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-devices-system-node
type NUMATopologyCollector struct {
	performance.BaseCollector
	meminfoPath    string
	nodeSystemPath string
}

var _ performance.PointCollector = (*NUMATopologyCollector)(nil)

func NewNUMATopologyCollector(logger logr.Logger, config performance.CollectionConfig) (*NUMATopologyCollector, error) {
	if !filepath.IsAbs(config.HostProcPath) {
		return nil, fmt.Errorf("HostProcPath must be an absolute path, got: %q", config.HostProcPath)
	}
	if !filepath.IsAbs(config.HostSysPath) {
		return nil, fmt.Errorf("HostSysPath must be an absolute path, got: %q", config.HostSysPath)
	}

	capabilities := performance.CollectorCapabilities{
		SupportsOneShot:    true,
		SupportsContinuous: false,
		RequiresRoot:       false,
		RequiresEBPF:       false,
		MinKernelVersion:   "2.6.0",
	}

	return &NUMATopologyCollector{
		BaseCollector: performance.NewBaseCollector(
			performance.MetricTypeNUMATopology,
			"NUMA Topology Collector",
			logger,
			config,
			capabilities,
		),
		meminfoPath:    filepath.Join(config.HostProcPath, "meminfo"),
		nodeSystemPath: filepath.Join(config.HostSysPath, "devices", "system", "node"),
	}, nil
}

func (c *NUMATopologyCollector) Collect(ctx context.Context) (any, error) {
	return c.collectTopology()
}

func (c *NUMATopologyCollector) collectTopology() (*performance.NUMATopology, error) {
	topo := &performance.NUMATopology{
		Nodes: make([]performance.NUMANode, 0),
	}

	if err := c.parseTotalMemory(topo); err != nil {
		return nil, fmt.Errorf("failed to parse meminfo: %w", err)
	}

	c.parseNUMAInfo(topo)

	c.Logger().V(1).Info("discovered NUMA topology", "nodes", len(topo.Nodes))
	return topo, nil
}

func (c *NUMATopologyCollector) parseTotalMemory(topo *performance.NUMATopology) error {
	file, err := os.Open(c.meminfoPath)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				memKB, err := strconv.ParseUint(fields[1], 10, 64)
				if err == nil {
					topo.TotalBytes = memKB * 1024
					return nil
				}
			}
		}
	}

	if scanner.Err() != nil {
		return scanner.Err()
	}

	return fmt.Errorf("MemTotal not found in %s", c.meminfoPath)
}

func (c *NUMATopologyCollector) parseNUMAInfo(topo *performance.NUMATopology) {
	nodePattern := filepath.Join(c.nodeSystemPath, "node[0-9]*")
	nodeMatches, err := filepath.Glob(nodePattern)
	if err != nil || len(nodeMatches) == 0 {
		// Graceful degradation: no NUMA nodes found, assume a single node (UMA)
		if topo.TotalBytes > 0 {
			topo.Nodes = append(topo.Nodes, performance.NUMANode{
				NodeID:     0,
				TotalBytes: topo.TotalBytes,
				CPUs:       c.getAllCPUs(),
			})
		}
		return
	}

	for _, nodePath := range nodeMatches {
		nodeID := c.extractNodeID(nodePath)
		if nodeID < 0 {
			continue
		}

		node := performance.NUMANode{
			NodeID: nodeID,
			CPUs:   make([]int32, 0),
		}

		c.parseNodeMemory(&node, nodePath)
		c.parseNodeCPUs(&node, nodePath)

		topo.Nodes = append(topo.Nodes, node)
	}
}

func (c *NUMATopologyCollector) extractNodeID(nodePath string) int32 {
	base := filepath.Base(nodePath)
	if strings.HasPrefix(base, "node") {
		idStr := strings.TrimPrefix(base, "node")
		if id, err := strconv.ParseInt(idStr, 10, 32); err == nil {
			return int32(id)
		}
	}
	return -1
}

func (c *NUMATopologyCollector) parseNodeMemory(node *performance.NUMANode, nodePath string) {
	nodeMeminfoPath := filepath.Join(nodePath, "meminfo")
	data, err := os.ReadFile(nodeMeminfoPath)
	if err != nil {
		return
	}

	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		if strings.Contains(line, "MemTotal:") {
			fields := strings.Fields(line)
			for i, field := range fields {
				if field == "MemTotal:" && i+1 < len(fields) {
					if memKB, err := strconv.ParseUint(fields[i+1], 10, 64); err == nil {
						node.TotalBytes = memKB * 1024
						break
					}
				}
			}
		}
	}
}

func (c *NUMATopologyCollector) parseNodeCPUs(node *performance.NUMANode, nodePath string) {
	cpulistPath := filepath.Join(nodePath, "cpulist")
	data, err := os.ReadFile(cpulistPath)
	if err != nil {
		return
	}

	cpuList := strings.TrimSpace(string(data))
	if cpuList == "" {
		return
	}

	ranges := strings.Split(cpuList, ",")
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if strings.Contains(r, "-") {
			parts := strings.Split(r, "-")
			if len(parts) == 2 {
				start, err1 := strconv.ParseInt(parts[0], 10, 32)
				end, err2 := strconv.ParseInt(parts[1], 10, 32)
				if err1 == nil && err2 == nil {
					for cpu := start; cpu <= end; cpu++ {
						node.CPUs = append(node.CPUs, int32(cpu))
					}
				}
			}
		} else if cpu, err := strconv.ParseInt(r, 10, 32); err == nil {
			node.CPUs = append(node.CPUs, int32(cpu))
		}
	}
}

func (c *NUMATopologyCollector) getAllCPUs() []int32 {
	cpuPath := filepath.Join(c.nodeSystemPath, "..", "cpu")
	pattern := filepath.Join(cpuPath, "cpu[0-9]*")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return []int32{}
	}

	cpus := make([]int32, 0, len(matches))
	for _, match := range matches {
		base := filepath.Base(match)
		if strings.HasPrefix(base, "cpu") {
			cpuStr := strings.TrimPrefix(base, "cpu")
			if cpu, err := strconv.ParseInt(cpuStr, 10, 32); err == nil {
				cpus = append(cpus, int32(cpu))
			}
		}
	}
	return cpus
}

// ResolveTiers picks the fast (tier 0) and slow (tier 1) NUMA node ids from
// a discovered topology: the lowest node id is the fast tier, the next
// lowest is the slow tier. tracem requires exactly two nodes; anything else
// is a fatal configuration error since it doesn't support more than two
// memory tiers.
func ResolveTiers(topo *performance.NUMATopology) (fast, slow int32, err error) {
	if len(topo.Nodes) != 2 {
		return 0, 0, fmt.Errorf("tracem requires exactly two NUMA nodes, found %d", len(topo.Nodes))
	}
	a, b := topo.Nodes[0].NodeID, topo.Nodes[1].NodeID
	if a < b {
		return a, b, nil
	}
	return b, a, nil
}
