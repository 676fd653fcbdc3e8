// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/ethandmd/tracem/pkg/migrate"
	"github.com/ethandmd/tracem/pkg/pagetrack"
	"github.com/ethandmd/tracem/pkg/perfabi"
	"github.com/ethandmd/tracem/pkg/perfevent"
	"github.com/ethandmd/tracem/pkg/performance"
	"github.com/ethandmd/tracem/pkg/performance/procutils"
	"github.com/ethandmd/tracem/pkg/performance/ringbuffer"
	"github.com/go-logr/logr"
)

// samplerHistorySize bounds how many recent PageSampleBatch summaries
// History retains; older entries roll off as new ones arrive.
const samplerHistorySize = 64

// samplerSampleType is the sample-selector mask tracem opens both events
// with: enough to attribute a sample to a page (Addr) and to a thread
// (TID), plus Identifier/IP/Time for diagnostics. Matches the prototype's
// own event configuration (original_source/src/main.rs).
const samplerSampleType = perfabi.SampleIdentifier | perfabi.SampleIP | perfabi.SampleTID | perfabi.SampleTime | perfabi.SampleAddr

// samplerRingPages is the per-event ring size, in pages beyond the mandatory
// metadata page. A generous size keeps the sampler from dropping records
// between epoll wakeups under bursty access patterns.
const samplerRingPages = 1 << 16

// PageSamplerCollector is C1-C5 wired together and hosted as one
// performance.ContinuousCollector: it opens the LLC-miss and store-retire
// perf events (C1/C2), drains their shared ring (C3) into the access
// tracker (C4), and drives the migration policy worker (C5).
type PageSamplerCollector struct {
	performance.BaseContinuousCollector

	pid          int
	cpu          int
	samplePeriod uint64
	fastNode     int32
	slowNode     int32
	procUtils    *procutils.ProcUtils

	missHandle  *perfevent.Handle
	storeHandle *perfevent.Handle
	reader      *perfevent.Reader
	tracker     *pagetrack.Tracker
	engine      *migrate.Engine
	history     *ringbuffer.RingBuffer[performance.PageSampleBatch]

	ch      chan any
	stopped chan struct{}
	closed  bool
}

var _ performance.ContinuousCollector = (*PageSamplerCollector)(nil)

// PageSamplerOptions configures the target process, the perf event sample
// rate, and the NUMA node ids C6 resolved for the fast/slow tiers.
type PageSamplerOptions struct {
	Pid          int
	CPU          int
	SamplePeriod uint64
	FastNode     int32
	SlowNode     int32
}

// NewPageSamplerCollector validates opts but opens nothing; Start opens the
// perf events and begins sampling.
func NewPageSamplerCollector(logger logr.Logger, config performance.CollectionConfig, opts PageSamplerOptions) (*PageSamplerCollector, error) {
	if opts.SamplePeriod == 0 {
		return nil, fmt.Errorf("sampler: sample period must be non-zero")
	}

	capabilities := performance.CollectorCapabilities{
		SupportsOneShot:    false,
		SupportsContinuous: true,
		RequiresRoot:       true,
		RequiresEBPF:       false,
		MinKernelVersion:   "4.8.0",
	}

	return &PageSamplerCollector{
		BaseContinuousCollector: performance.NewBaseContinuousCollector(
			performance.MetricTypePageSamples,
			"Page Access Sampler",
			logger,
			config,
			capabilities,
		),
		pid:          opts.Pid,
		cpu:          opts.CPU,
		samplePeriod: opts.SamplePeriod,
		fastNode:     opts.FastNode,
		slowNode:     opts.SlowNode,
		procUtils:    procutils.New(config.HostProcPath),
	}, nil
}

// Start opens the perf events, the ring reader, and the migration worker,
// then begins forwarding PageSampleBatch summaries on the returned channel.
func (c *PageSamplerCollector) Start(ctx context.Context) (<-chan any, error) {
	if c.Status() != performance.CollectorStatusDisabled {
		return nil, fmt.Errorf("sampler already running, possibly in another goroutine")
	}

	missAttr, err := perfevent.NewBuilder().
		Raw(perfabi.RawEventL3Miss).
		SamplePeriod(c.samplePeriod).
		SampleFormat(samplerSampleType).
		Disabled(true).
		ExcludeKernel(true).
		ExcludeHV(true).
		WakeupEvents(1).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building LLC-miss event: %w", err)
	}

	missHandle, err := perfevent.Open(missAttr, perfevent.HandleOptions{
		Pid:       c.pid,
		CPU:       c.cpu,
		RingPages: samplerRingPages,
	})
	if err != nil {
		c.SetError(err)
		return nil, fmt.Errorf("opening LLC-miss event: %w", err)
	}

	storeAttr, err := perfevent.NewBuilder().
		Raw(perfabi.RawEventAllStores).
		SamplePeriod(c.samplePeriod).
		SampleFormat(samplerSampleType).
		Disabled(true).
		ExcludeKernel(true).
		ExcludeHV(true).
		WakeupEvents(1).
		Build()
	if err != nil {
		missHandle.Close()
		return nil, fmt.Errorf("building store-retire event: %w", err)
	}

	storeHandle, err := perfevent.Open(storeAttr, perfevent.HandleOptions{
		Pid:         c.pid,
		CPU:         c.cpu,
		GroupLeader: missHandle,
	})
	if err != nil {
		missHandle.Close()
		c.SetError(err)
		return nil, fmt.Errorf("opening store-retire event: %w", err)
	}

	reader, err := perfevent.NewReader([]*perfevent.Handle{missHandle, storeHandle})
	if err != nil {
		storeHandle.Close()
		missHandle.Close()
		return nil, fmt.Errorf("starting ring reader: %w", err)
	}

	pageSize, err := c.procUtils.GetPageSize()
	if err != nil {
		reader.Close()
		storeHandle.Close()
		missHandle.Close()
		return nil, fmt.Errorf("determining page size: %w", err)
	}

	tracker, err := pagetrack.New(pageSize)
	if err != nil {
		reader.Close()
		storeHandle.Close()
		missHandle.Close()
		return nil, err
	}

	engine := migrate.NewEngine(tracker, migrate.NewMover(c.pid), c.fastNode, c.slowNode, c.Logger())
	history, err := ringbuffer.New[performance.PageSampleBatch](samplerHistorySize)
	if err != nil {
		reader.Close()
		storeHandle.Close()
		missHandle.Close()
		return nil, fmt.Errorf("allocating sample history: %w", err)
	}

	if err := missHandle.Enable(); err != nil {
		reader.Close()
		storeHandle.Close()
		missHandle.Close()
		return nil, fmt.Errorf("enabling LLC-miss event: %w", err)
	}
	if err := storeHandle.Enable(); err != nil {
		missHandle.Disable()
		reader.Close()
		storeHandle.Close()
		missHandle.Close()
		return nil, fmt.Errorf("enabling store-retire event: %w", err)
	}

	c.missHandle = missHandle
	c.storeHandle = storeHandle
	c.reader = reader
	c.tracker = tracker
	c.engine = engine
	c.history = history
	c.ch = make(chan any, 64)
	c.stopped = make(chan struct{})
	c.closed = false

	go c.engine.Run()
	go c.pump(ctx)

	c.SetStatus(performance.CollectorStatusActive)
	return c.ch, nil
}

// pump is the sampler goroutine from §5: it blocks on the reader's sample
// channel, records each access, and notifies the policy worker once the
// channel has caught up to the producer (a proxy for "after a full
// drain", since Reader does not expose drain boundaries directly).
func (c *PageSamplerCollector) pump(ctx context.Context) {
	defer close(c.ch)

	var sinceNotify int
	for {
		select {
		case s, ok := <-c.reader.Samples:
			if !ok {
				c.Logger().Info("sample stream closed")
				c.engine.Stop()
				return
			}
			c.tracker.RecordAccess(s.Addr)
			sinceNotify++
			if len(c.reader.Samples) == 0 {
				c.engine.NotifyRun()
				batch := performance.PageSampleBatch{CollectedAt: time.Now(), Count: sinceNotify}
				c.history.Push(batch)
				c.ch <- batch
				sinceNotify = 0
			}
		case err, ok := <-c.reader.Errors:
			if ok && err != nil {
				c.Logger().Error(err, "ring reader failed")
				c.SetError(err)
			}
			c.engine.Stop()
			return
		case <-ctx.Done():
			c.engine.Stop()
			return
		case <-c.stopped:
			c.engine.Stop()
			return
		}
	}
}

// Stop joins the migration worker, closes the reader, and closes both
// events (unmapping the ring). Safe to call once the collector has transitioned out
// of CollectorStatusDisabled.
func (c *PageSamplerCollector) Stop() error {
	if c.Status() == performance.CollectorStatusDisabled {
		return nil
	}
	if !c.closed {
		close(c.stopped)
		c.closed = true
	}
	if c.engine != nil {
		c.engine.Wait()
	}

	var errs []error
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.storeHandle != nil {
		if err := c.storeHandle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.missHandle != nil {
		if err := c.missHandle.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.SetStatus(performance.CollectorStatusDisabled)
	if len(errs) > 0 {
		return fmt.Errorf("sampler stop: %v", errs)
	}
	return nil
}

// TrackerLen exposes the access tracker's page count, for diagnostics and
// tests; it returns 0 before Start has run.
func (c *PageSamplerCollector) TrackerLen() int {
	if c.tracker == nil {
		return 0
	}
	return c.tracker.Len()
}

// History returns the most recent PageSampleBatch summaries, oldest first,
// capped at samplerHistorySize. Empty before Start has run.
func (c *PageSamplerCollector) History() []performance.PageSampleBatch {
	if c.history == nil {
		return nil
	}
	return c.history.GetAll()
}
