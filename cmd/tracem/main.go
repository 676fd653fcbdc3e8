// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethandmd/tracem/pkg/performance"
	"github.com/ethandmd/tracem/pkg/performance/collectors"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	pid          int
	cpu          int
	samplePeriod uint64
	logLevel     string
)

func init() {
	flag.IntVar(&pid, "pid", 0, "target process id; 0 means the calling process's group")
	flag.IntVar(&cpu, "cpu", -1, "cpu to attach the sampler to; -1 means any cpu the target runs on")
	flag.Uint64Var(&samplePeriod, "sample-period", 1000, "events between samples")
	flag.StringVar(&logLevel, "log-level", "info", "one of: debug, info, warn, error")
}

func main() {
	flag.Parse()

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error(err, "tracem exited with an error")
		os.Exit(1)
	}
}

// run builds a performance.Manager and hosts both C6 (NUMA topology) and the
// C1-C5 page sampler as ContinuousCollectors registered through it, per
// SPEC_FULL.md's C7: the two collectors share the same registry/lifecycle
// plumbing rather than being driven by type-specific call sites.
func run(ctx context.Context, logger logr.Logger) error {
	mgr, err := performance.NewManager(performance.ManagerOptions{
		Config: performance.CollectionConfig{},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("constructing collector manager: %w", err)
	}
	config := mgr.GetConfig()

	topoPointCollector, err := collectors.NewNUMATopologyCollector(logger, config)
	if err != nil {
		return fmt.Errorf("constructing NUMA topology collector: %w", err)
	}
	topoCollector := performance.NewOnceContinuousCollector(topoPointCollector, config, logger)
	if err := mgr.RegisterContinuousCollector(topoCollector); err != nil {
		return fmt.Errorf("registering NUMA topology collector: %w", err)
	}

	registry := mgr.GetRegistry()
	topo, err := discoverTopology(ctx, registry)
	if err != nil {
		return err
	}

	fastNode, slowNode, err := collectors.ResolveTiers(topo)
	if err != nil {
		return fmt.Errorf("resolving tier nodes: %w", err)
	}
	logger.Info("resolved NUMA tiers", "fast", fastNode, "slow", slowNode)

	sampler, err := collectors.NewPageSamplerCollector(logger, config, collectors.PageSamplerOptions{
		Pid:          pid,
		CPU:          cpu,
		SamplePeriod: samplePeriod,
		FastNode:     fastNode,
		SlowNode:     slowNode,
	})
	if err != nil {
		return fmt.Errorf("constructing page sampler: %w", err)
	}
	if err := mgr.RegisterContinuousCollector(sampler); err != nil {
		return fmt.Errorf("registering page sampler: %w", err)
	}

	samplerCollector := registry.GetContinuous(performance.MetricTypePageSamples)
	batches, err := samplerCollector.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting page sampler: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case batch, ok := <-batches:
				if !ok {
					return nil
				}
				logger.V(1).Info("drained page samples", "batch", batch)
			case <-gCtx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		return samplerCollector.Stop()
	})

	return g.Wait()
}

// discoverTopology starts C6 through the registry it was just registered
// with and blocks for its single result, since the sampler cannot be
// constructed until the fast/slow tier node ids are known.
func discoverTopology(ctx context.Context, registry *performance.CollectorRegistry) (*performance.NUMATopology, error) {
	topoCollector := registry.GetContinuous(performance.MetricTypeNUMATopology)
	topoCh, err := topoCollector.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting NUMA topology collector: %w", err)
	}

	topoAny, ok := <-topoCh
	if !ok {
		if err := topoCollector.LastError(); err != nil {
			return nil, fmt.Errorf("discovering NUMA topology: %w", err)
		}
		return nil, fmt.Errorf("NUMA topology collector closed without a result")
	}
	topo, ok := topoAny.(*performance.NUMATopology)
	if !ok {
		return nil, fmt.Errorf("NUMA topology collector returned unexpected type %T", topoAny)
	}
	return topo, nil
}

func newLogger(level string) (logr.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return logr.Logger{}, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zapLog), nil
}
