// Package pool runs per-node tasks on a fixed set of workers. Every worker
// opens its own storage handle and runs each task in its own transaction,
// so a failing task never affects its siblings.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"meshmon/internal/logger"
	"meshmon/internal/metrics"
	"meshmon/internal/processor"
	"meshmon/internal/store"
)

// Handler processes one task inside tx.
type Handler func(ctx context.Context, tx store.Tx, task processor.Task) (*processor.Report, error)

// Config sizes the pool.
type Config struct {
	Workers int
	// Enabled false runs every task sequentially on the calling goroutine.
	Enabled bool
}

// Summary is the outcome of one Run.
type Summary struct {
	Done     int
	Failed   int
	Failures map[string]error
	Reports  []*processor.Report
}

// Pool dispatches tasks to workers.
type Pool struct {
	cfg     Config
	open    store.Opener
	handler Handler
}

// New creates a pool. open is called once per worker.
func New(cfg Config, open store.Opener, handler Handler) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Pool{cfg: cfg, open: open, handler: handler}
}

type outcome struct {
	nodeID string
	report *processor.Report
	err    error
}

// Run processes all tasks and waits for them to finish.
func (p *Pool) Run(ctx context.Context, tasks []processor.Task) Summary {
	if len(tasks) == 0 {
		return Summary{Failures: map[string]error{}}
	}
	if !p.cfg.Enabled {
		return p.runSequential(ctx, tasks)
	}

	workers := p.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	taskCh := make(chan processor.Task, len(tasks))
	outCh := make(chan outcome, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id, taskCh, outCh)
		}(i)
	}
	wg.Wait()
	close(outCh)

	var outs []outcome
	for o := range outCh {
		outs = append(outs, o)
	}
	return summarize(outs)
}

func (p *Pool) runSequential(ctx context.Context, tasks []processor.Task) Summary {
	taskCh := make(chan processor.Task, len(tasks))
	outCh := make(chan outcome, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)
	p.workerLoop(ctx, 0, taskCh, outCh)
	close(outCh)

	var outs []outcome
	for o := range outCh {
		outs = append(outs, o)
	}
	return summarize(outs)
}

// workerLoop drains in with a private storage handle. If the handle cannot
// be opened the worker still drains its share of tasks, failing each one.
func (p *Pool) workerLoop(ctx context.Context, id int, in <-chan processor.Task, out chan<- outcome) {
	st, err := p.open(ctx)
	if err != nil {
		logger.Errorf("Worker %d failed to open storage: %v", id, err)
		for t := range in {
			out <- outcome{nodeID: t.NodeID, err: fmt.Errorf("open storage: %w", err)}
		}
		return
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("Worker %d failed to close storage: %v", id, err)
		}
	}()

	for t := range in {
		report, err := p.runTask(ctx, st, t)
		if err != nil {
			metrics.TaskFailures.Inc()
			logger.Errorf("Task for node %s failed: %v", t.NodeID, err)
		}
		out <- outcome{nodeID: t.NodeID, report: report, err: err}
	}
}

// runTask runs one task in its own transaction. Panics roll the
// transaction back and are reported as errors.
func (p *Pool) runTask(ctx context.Context, st store.Store, t processor.Task) (report *processor.Report, err error) {
	tx, err := st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Task for node %s panicked: %v\n%s", t.NodeID, rec, debug.Stack())
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Warnf("Rollback for node %s failed: %v", t.NodeID, rbErr)
			}
		}
	}()

	report, err = p.handler(ctx, tx, t)
	if err != nil {
		return report, err
	}
	if err = tx.Commit(); err != nil {
		return report, fmt.Errorf("commit: %w", err)
	}
	return report, nil
}

func summarize(outs []outcome) Summary {
	s := Summary{Failures: make(map[string]error)}
	for _, o := range outs {
		if o.err != nil {
			s.Failed++
			s.Failures[o.nodeID] = o.err
			continue
		}
		s.Done++
		if o.report != nil {
			s.Reports = append(s.Reports, o.report)
		}
	}
	sort.Slice(s.Reports, func(i, j int) bool { return s.Reports[i].NodeID < s.Reports[j].NodeID })
	return s
}
