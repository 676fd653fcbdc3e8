// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance_test

import (
	"testing"

	"github.com/ethandmd/tracem/pkg/performance"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegistry_RegisterPointThenGet(t *testing.T) {
	registry := performance.NewCollectorRegistry(logr.Discard())
	tc := NewTestCollector()

	require.NoError(t, registry.RegisterPoint(tc))
	assert.Same(t, tc, registry.GetPoint(performance.MetricType("test")))
	assert.Len(t, registry.GetAllPoint(), 1)
}

func TestCollectorRegistry_RejectsDuplicateMetricTypeAcrossKinds(t *testing.T) {
	registry := performance.NewCollectorRegistry(logr.Discard())
	tc := NewTestCollector()

	require.NoError(t, registry.RegisterPoint(tc))
	continuous := performance.NewOnceContinuousCollector(tc, performance.CollectionConfig{}, logr.Discard())
	assert.Error(t, registry.RegisterContinuous(continuous))
}

func TestManager_RegisterContinuousCollectorIsVisibleThroughRegistry(t *testing.T) {
	mgr, err := performance.NewManager(performance.ManagerOptions{
		Config: performance.CollectionConfig{},
		Logger: testr.New(t),
	})
	require.NoError(t, err)

	tc := NewTestCollector()
	continuous := performance.NewOnceContinuousCollector(tc, performance.CollectionConfig{}, logr.Discard())
	require.NoError(t, mgr.RegisterContinuousCollector(continuous))

	got := mgr.GetRegistry().GetContinuous(performance.MetricType("test"))
	require.NotNil(t, got)
	assert.Equal(t, performance.MetricType("test"), got.Type())
}

func TestManager_RejectsNilLogger(t *testing.T) {
	_, err := performance.NewManager(performance.ManagerOptions{Config: performance.CollectionConfig{}})
	assert.Error(t, err)
}
