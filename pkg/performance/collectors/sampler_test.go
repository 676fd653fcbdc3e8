// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors_test

import (
	"testing"

	"github.com/ethandmd/tracem/pkg/performance"
	"github.com/ethandmd/tracem/pkg/performance/collectors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPageSamplerCollector_RejectsZeroSamplePeriod(t *testing.T) {
	_, err := collectors.NewPageSamplerCollector(logr.Discard(), performance.CollectionConfig{}, collectors.PageSamplerOptions{
		Pid:          0,
		CPU:          0,
		SamplePeriod: 0,
		FastNode:     0,
		SlowNode:     1,
	})
	assert.Error(t, err)
}

func TestNewPageSamplerCollector_ReportsCapabilities(t *testing.T) {
	c, err := collectors.NewPageSamplerCollector(logr.Discard(), performance.CollectionConfig{}, collectors.PageSamplerOptions{
		Pid:          1234,
		CPU:          0,
		SamplePeriod: 1000,
		FastNode:     0,
		SlowNode:     1,
	})
	require.NoError(t, err)

	assert.Equal(t, performance.MetricTypePageSamples, c.Type())
	caps := c.Capabilities()
	assert.True(t, caps.SupportsContinuous)
	assert.False(t, caps.SupportsOneShot)
	assert.True(t, caps.RequiresRoot)
	assert.Equal(t, performance.CollectorStatusDisabled, c.Status())
	assert.Zero(t, c.TrackerLen())
	assert.Empty(t, c.History())
}

func TestPageSamplerCollector_StopBeforeStartIsNoOp(t *testing.T) {
	c, err := collectors.NewPageSamplerCollector(logr.Discard(), performance.CollectionConfig{}, collectors.PageSamplerOptions{
		Pid:          0,
		CPU:          0,
		SamplePeriod: 1000,
		FastNode:     0,
		SlowNode:     1,
	})
	require.NoError(t, err)
	assert.NoError(t, c.Stop())
}
