package main

import (
	"context"
	"fmt"
	"time"

	"meshmon/config"
	"meshmon/internal/codes"
	"meshmon/internal/events"
	inputredis "meshmon/internal/input/redis"
	"meshmon/internal/logger"
	"meshmon/internal/metrics"
	"meshmon/internal/output/eventhttp"
	"meshmon/internal/output/jsonfile"
	"meshmon/internal/output/sampleclickhouse"
	"meshmon/internal/pipeline"
	"meshmon/internal/pool"
	"meshmon/internal/probe"
	"meshmon/internal/processor"
	"meshmon/internal/reconciler"
	"meshmon/internal/rules"
	"meshmon/internal/simulate"
	"meshmon/internal/store"
	"meshmon/internal/store/redisstore"
	"meshmon/internal/telemetry"
	"meshmon/internal/topology"
)

// app holds the wired components and closes them in reverse order.
type app struct {
	reconciler *reconciler.Reconciler
	recorder   *pipeline.Recorder
	metrics    *metrics.Server
	closers    []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Errorf("Error during shutdown: %v", err)
		}
	}
	a.closers = nil
}

func build(ctx context.Context, cfg *config.Config, opts *options) (a *app, err error) {
	m := cfg.Meshmon
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var (
		st     store.Store
		opener store.Opener
	)
	switch m.Storage.Mode {
	case "memory":
		mem := store.NewMemory()
		st, opener = mem, mem.Opener()
		logger.Infof("Storage mode: memory")
	case "redis":
		rc := redisstore.Config{
			Addr:      m.Storage.Redis.Addr,
			Password:  m.Storage.Redis.Password,
			DB:        m.Storage.Redis.DB,
			KeyPrefix: m.Storage.Redis.KeyPrefix,
		}
		rs, err := redisstore.New(rc)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		st, opener = rs, redisstore.Opener(rc)
		logger.Infof("Storage mode: redis (%s)", m.Storage.Redis.Addr)
	}
	a.onClose(st.Close)

	sampleWriter, err := newSampleWriter(m.Samples)
	if err != nil {
		return nil, err
	}
	a.recorder = pipeline.NewRecorder(sampleWriter, pipeline.RecorderConfig{
		BatchSize:     m.Samples.BatchSize,
		FlushInterval: m.Samples.FlushInterval,
	})
	a.onClose(a.recorder.Close)

	eventWriter, err := newEventWriter(m.Events)
	if err != nil {
		return nil, err
	}
	a.onClose(eventWriter.Close)

	var engine rules.Engine
	if m.Rules.Enabled {
		sigmaEngine, stats, err := rules.NewSigmaEngine(m.Rules.Path)
		if err != nil {
			return nil, fmt.Errorf("load telemetry rules from %s: %w", m.Rules.Path, err)
		}
		engine = sigmaEngine
		logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
			stats.Loaded,
			stats.SkippedComplex,
			stats.SkippedDatasource,
			stats.SkippedInvalid,
			stats.TotalFiles,
		)
		if stats.Loaded == 0 {
			logger.Warnf("No compatible Sigma rules loaded; telemetry rules are effectively disabled")
		}
	}

	var (
		source  topology.Source
		prober  probe.Prober
		fetcher telemetry.Fetcher
	)
	if opts.stressTest {
		sim := simulate.New(simulate.Config{Nodes: opts.stressNodes, Unknown: opts.stressNodes / 50, SilentRatio: 0.05, ExtraLinks: opts.stressNodes})
		if err := sim.Seed(ctx, st); err != nil {
			return nil, fmt.Errorf("seed simulated network: %w", err)
		}
		source, prober, fetcher = sim.Topology(), sim.Prober(), sim.Telemetry()
		logger.Infof("Stress test: simulating %d nodes", opts.stressNodes)
	} else {
		olsr, err := topology.NewOLSRSource(topology.OLSRConfig{
			Host:    m.Topology.Host,
			Port:    m.Topology.Port,
			Timeout: m.Topology.Timeout,
		})
		if err != nil {
			return nil, err
		}
		source = olsr
		prober = probe.NewFPing(m.Probe.Binary, m.Probe.Count)
		fetcher = telemetry.NewHTTPFetcher(m.Telemetry.Path, m.Telemetry.Timeout)
		logger.Infof("Topology source: olsr jsoninfo at %s:%d", m.Topology.Host, m.Topology.Port)
	}

	var notices reconciler.NoticeSource
	if m.Notices.Enabled && !opts.stressTest {
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:     m.Notices.Redis.Addr,
			Password: m.Notices.Redis.Password,
			DB:       m.Notices.Redis.DB,
			Key:      m.Notices.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("create renumber notice consumer: %w", err)
		}
		a.onClose(consumer.Close)
		notices = consumer
		logger.Infof("Renumber notices: redis list %s", m.Notices.Key)
	}

	emitter := events.NewEmitter(codes.NewRegistry(), events.Config{
		Suppress:  m.Grace.EventResend,
		Retention: m.Grace.EventRetention,
	})
	proc := processor.New(processor.Config{
		ReservedHosts:  m.Policy.ReservedHostsOrDefault(),
		LossThreshold:  m.Policy.LossThreshold,
		PackageRefresh: m.Grace.PackageRefresh,
	}, processor.Deps{
		Emitter:  emitter,
		Fetcher:  fetcher,
		Rules:    engine,
		Recorder: a.recorder,
	})

	rcfg := reconciler.Config{
		Interval:         m.Pipeline.Interval,
		DefaultSize:      m.Probe.DefaultSize,
		AlternateSizes:   m.Probe.AlternateSizes,
		ProbeTimeout:     m.Probe.Timeout,
		ClientExpiry:     m.Grace.ClientExpiry,
		StuckRenumber:    m.Grace.StuckRenumber,
		LinkExpiry:       m.Grace.LinkExpiry,
		AdjacencyMinimum: m.Grace.AdjacencyMinimum,
		BorderRouters:    m.Policy.BorderRouters,
		Pool: pool.Config{
			Workers: m.Pipeline.Workers,
			Enabled: m.Pipeline.PoolEnabledOrDefault(),
		},
	}
	if opts.stressTest {
		rcfg.OneShot = true
		rcfg.Interval = 0
		rcfg.Pool.Enabled = false
	}
	logger.Infof("Cycle interval: %s, pool enabled: %v (workers=%d)", rcfg.Interval, rcfg.Pool.Enabled, rcfg.Pool.Workers)

	a.reconciler, err = reconciler.New(rcfg, reconciler.Deps{
		Store:     st,
		Opener:    opener,
		Topology:  source,
		Prober:    prober,
		Processor: proc,
		Emitter:   emitter,
		Events:    eventWriter,
		Notices:   notices,
	})
	if err != nil {
		return nil, err
	}

	if m.Metrics.Enabled {
		a.metrics = metrics.NewServer(m.Metrics.Listen)
		a.onClose(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metrics.Shutdown(shutdownCtx)
		})
		logger.Infof("Metrics endpoint: http://%s/metrics", m.Metrics.Listen)
	}
	return a, nil
}

func newSampleWriter(cfg config.SamplesConfig) (pipeline.SampleWriter, error) {
	switch cfg.Mode {
	case "clickhouse":
		w, err := sampleclickhouse.NewWriter(sampleclickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
			Headers:  cfg.ClickHouse.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create sample ClickHouse writer: %w", err)
		}
		logger.Infof("Samples output mode: clickhouse (%s/%s.%s)", cfg.ClickHouse.URL, cfg.ClickHouse.Database, cfg.ClickHouse.Table)
		return w, nil
	default:
		w, err := jsonfile.NewSampleWriter(cfg.File.Path)
		if err != nil {
			return nil, fmt.Errorf("create sample file writer: %w", err)
		}
		logger.Infof("Samples output mode: file (%s)", cfg.File.Path)
		return w, nil
	}
}

func newEventWriter(cfg config.EventsConfig) (pipeline.EventWriter, error) {
	switch cfg.Mode {
	case "http":
		w, err := eventhttp.NewWriter(eventhttp.Config{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create event HTTP writer: %w", err)
		}
		logger.Infof("Events output mode: http (%s)", cfg.HTTP.URL)
		return w, nil
	default:
		w, err := jsonfile.NewEventWriter(cfg.File.Path)
		if err != nil {
			return nil, fmt.Errorf("create event file writer: %w", err)
		}
		logger.Infof("Events output mode: file (%s)", cfg.File.Path)
		return w, nil
	}
}
