// Package reconciler runs the periodic reconciliation cycle: a
// single-threaded phase that resolves the topology snapshot against the
// registry, a parallel per-node phase, and a final single-threaded sweep.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"meshmon/internal/events"
	"meshmon/internal/logger"
	"meshmon/internal/metrics"
	"meshmon/internal/pipeline"
	"meshmon/internal/pool"
	"meshmon/internal/probe"
	"meshmon/internal/processor"
	"meshmon/internal/store"
	"meshmon/internal/topology"
	"meshmon/pkg/models"
)

// NoticeSource yields queued renumber notices.
type NoticeSource interface {
	Drain(ctx context.Context) ([]models.RenumberNotice, int, error)
}

// Config holds cycle policy.
type Config struct {
	// Interval is the pause between cycles; zero runs cycles back to back.
	Interval time.Duration
	// OneShot stops Run after a single cycle.
	OneShot bool

	DefaultSize    int
	AlternateSizes []int
	ProbeTimeout   time.Duration

	ClientExpiry     time.Duration
	StuckRenumber    time.Duration
	LinkExpiry       time.Duration
	AdjacencyMinimum time.Duration

	// BorderRouters lists addresses treated as border routers in addition
	// to nodes carrying the role.
	BorderRouters []string

	Pool pool.Config
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	// Store is the handle used by the single-threaded phases.
	Store store.Store
	// Opener gives every pool worker its own handle.
	Opener    store.Opener
	Topology  topology.Source
	Prober    probe.Prober
	Processor *processor.Processor
	Emitter   *events.Emitter
	Events    pipeline.EventWriter
	Notices   NoticeSource
	Now       func() time.Time
	NewID     func() string
}

// Reconciler drives reconciliation cycles.
type Reconciler struct {
	cfg   Config
	deps  Deps
	pool  *pool.Pool
	now   func() time.Time
	newID func() string
}

// New creates a reconciler.
func New(cfg Config, deps Deps) (*Reconciler, error) {
	if deps.Store == nil || deps.Topology == nil || deps.Prober == nil || deps.Processor == nil || deps.Emitter == nil {
		return nil, errors.New("reconciler: store, topology, prober, processor and emitter are required")
	}
	if deps.Opener == nil {
		st := deps.Store
		deps.Opener = func(ctx context.Context) (store.Store, error) { return nopCloser{st}, nil }
	}
	if cfg.DefaultSize <= 0 {
		cfg.DefaultSize = 100
	}
	if cfg.ClientExpiry <= 0 {
		cfg.ClientExpiry = 15 * time.Minute
	}
	if cfg.StuckRenumber <= 0 {
		cfg.StuckRenumber = 7 * 24 * time.Hour
	}
	if cfg.LinkExpiry <= 0 {
		cfg.LinkExpiry = 7 * 24 * time.Hour
	}
	if cfg.AdjacencyMinimum <= 0 {
		cfg.AdjacencyMinimum = 24 * time.Hour
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	r := &Reconciler{cfg: cfg, deps: deps, now: now, newID: newID}
	proc := deps.Processor
	r.pool = pool.New(cfg.Pool, deps.Opener, func(ctx context.Context, tx store.Tx, t processor.Task) (*processor.Report, error) {
		return proc.Process(ctx, tx, t)
	})
	return r, nil
}

type nopCloser struct {
	store.Store
}

func (nopCloser) Close() error { return nil }

// Run executes cycles until ctx is done. A failed cycle is logged and the
// loop continues with the next interval.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		res, err := r.Cycle(ctx)
		if err != nil {
			logger.Errorf("Cycle aborted: %v", err)
		} else {
			logger.Infof("Cycle finished in %s: nodes=%d dispatched=%d replies=%d task_failures=%d events_sent=%d",
				res.Duration.Round(time.Millisecond), res.Nodes, res.Dispatched, res.Replies, res.PhaseB.Failed, res.Delivery.Sent)
		}
		if r.cfg.OneShot {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.cfg.Interval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.Interval):
		}
	}
}

// StageResult records the outcome of one cycle stage.
type StageResult struct {
	Name     string
	Duration time.Duration
	Err      error
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Started    time.Time
	Duration   time.Duration
	Stages     []StageResult
	Notices    int
	Nodes      int
	NewNodes   int
	Purged     int
	Dispatched int
	Replies    int
	Conflicts  int
	PhaseB     pool.Summary
	Delivery   events.DeliveryStats
}

// cleanups collects actions that must run when a cycle ends, whatever the
// outcome. They run in reverse registration order.
type cleanups struct {
	fns []namedCleanup
}

type namedCleanup struct {
	name string
	fn   func() error
}

func (c *cleanups) push(name string, fn func() error) {
	c.fns = append(c.fns, namedCleanup{name: name, fn: fn})
}

func (c *cleanups) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		cl := c.fns[i]
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("Cleanup %s panicked: %v", cl.name, rec)
				}
			}()
			if err := cl.fn(); err != nil {
				logger.Warnf("Cleanup %s failed: %v", cl.name, err)
			}
		}()
	}
	c.fns = nil
}

// Cycle runs one full reconciliation. Only a topology failure or a failure
// to commit the single-threaded phase aborts it. A panic aborts the cycle
// and is returned as an error.
func (r *Reconciler) Cycle(ctx context.Context) (res *CycleResult, err error) {
	res = &CycleResult{Started: r.now()}
	var cl cleanups
	defer cl.run()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Cycle panicked: %v\n%s", rec, debug.Stack())
			res.Duration = r.now().Sub(res.Started)
			metrics.CyclesTotal.WithLabelValues("aborted").Inc()
			err = fmt.Errorf("cycle panicked: %v", rec)
		}
	}()

	stage := func(name string, fn func() error) error {
		started := time.Now()
		err := fn()
		res.Stages = append(res.Stages, StageResult{Name: name, Duration: time.Since(started), Err: err})
		metrics.ObserveStage(name, started)
		return err
	}
	finish := func(err error) (*CycleResult, error) {
		res.Duration = r.now().Sub(res.Started)
		if err != nil {
			metrics.CyclesTotal.WithLabelValues("aborted").Inc()
			return res, err
		}
		metrics.CyclesTotal.WithLabelValues("ok").Inc()
		return res, nil
	}

	if r.deps.Notices != nil {
		if err := stage("notices", func() error { return r.drainNotices(ctx, res) }); err != nil {
			logger.Warnf("Renumber notice intake failed: %v", err)
		}
	}

	var plan *dispatchPlan
	if err := stage("phase_a", func() error {
		var err error
		plan, err = r.phaseA(ctx, res, &cl)
		return err
	}); err != nil {
		return finish(err)
	}

	_ = stage("phase_b", func() error {
		res.PhaseB = r.pool.Run(ctx, plan.tasks)
		if res.PhaseB.Failed > 0 {
			return fmt.Errorf("%d node tasks failed", res.PhaseB.Failed)
		}
		return nil
	})

	if err := stage("sweep", func() error { return r.sweep(ctx, res, &cl) }); err != nil {
		logger.Errorf("Sweep failed: %v", err)
	}
	return finish(nil)
}

func (r *Reconciler) drainNotices(ctx context.Context, res *CycleResult) error {
	notices, rejects, err := r.deps.Notices.Drain(ctx)
	if rejects > 0 {
		logger.Warnf("Rejected %d malformed renumber notices", rejects)
	}
	if len(notices) == 0 {
		return err
	}

	tx, txErr := r.deps.Store.Begin(ctx)
	if txErr != nil {
		return errors.Join(err, fmt.Errorf("begin: %w", txErr))
	}
	for i := range notices {
		if putErr := store.PutNotice(tx, &notices[i]); putErr != nil {
			_ = tx.Rollback()
			return errors.Join(err, putErr)
		}
	}
	if cErr := tx.Commit(); cErr != nil {
		return errors.Join(err, fmt.Errorf("commit: %w", cErr))
	}
	res.Notices = len(notices)
	logger.Infof("Stored %d renumber notices", len(notices))
	return err
}
