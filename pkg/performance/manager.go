// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
)

// Manager coordinates collector registration and holds the paths tracem
// resolves /proc and /sys against, so collectors can be exercised against a
// fake root in tests.
type Manager struct {
	config   CollectionConfig
	logger   logr.Logger
	registry *CollectorRegistry
}

type ManagerOptions struct {
	Config CollectionConfig
	Logger logr.Logger
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}

	config := opts.Config
	config.ApplyDefaults()

	// Override paths for containerized environments, matching the env vars
	// the wider agent fleet already uses for this purpose.
	if v := os.Getenv("HOST_PROC"); v != "" {
		config.HostProcPath = v
	}
	if v := os.Getenv("HOST_SYS"); v != "" {
		config.HostSysPath = v
	}

	return &Manager{
		config:   config,
		logger:   opts.Logger.WithName("performance-manager"),
		registry: NewCollectorRegistry(opts.Logger),
	}, nil
}

func (m *Manager) RegisterPointCollector(collector PointCollector) error {
	return m.registry.RegisterPoint(collector)
}

func (m *Manager) RegisterContinuousCollector(collector ContinuousCollector) error {
	return m.registry.RegisterContinuous(collector)
}

// GetRegistry returns the collector registry for inspection
func (m *Manager) GetRegistry() *CollectorRegistry {
	return m.registry
}

// GetConfig returns the current configuration
func (m *Manager) GetConfig() CollectionConfig {
	return m.config
}
