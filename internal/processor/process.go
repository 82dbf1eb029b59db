package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"meshmon/internal/codes"
	"meshmon/internal/logger"
	"meshmon/internal/probe"
	"meshmon/internal/store"
	"meshmon/internal/telemetry"
	"meshmon/pkg/models"
)

// Task is the per-node work item of the parallel phase.
type Task struct {
	NodeID  string
	Address string
	// Probe is nil when the node did not answer the default round.
	Probe       *probe.Result
	LossProfile map[int]float64
}

// Report summarizes one Process call.
type Report struct {
	NodeID    string
	Telemetry bool
	Sections  []telemetry.Section
	Failed    []string
	Samples   int
}

// run is the state of one Process call.
type run struct {
	p      *Processor
	tx     store.Tx
	node   *models.Node
	doc    *telemetry.Document
	now    time.Time
	report *Report

	rebootChecked bool
}

// Process interprets telemetry for one node inside tx. Each section is
// interpreted behind its own recovery boundary; a failing section is
// logged, reported as one telemetry warning and never undoes the work of
// the sections before it. The node status is not touched.
func (p *Processor) Process(ctx context.Context, tx store.Tx, task Task) (*Report, error) {
	node, err := store.GetNode(tx, task.NodeID)
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", task.NodeID, err)
	}
	r := &run{
		p:      p,
		tx:     tx,
		node:   node,
		now:    p.now(),
		report: &Report{NodeID: node.ID},
	}

	r.recordProbe(task)

	addr := task.Address
	if addr == "" {
		addr = node.Address
	}
	if p.fetcher != nil {
		doc, err := p.fetcher.Fetch(ctx, addr)
		if err != nil {
			logger.Debugf("No telemetry from %s: %v", addr, err)
		} else {
			r.doc = doc
		}
	}

	if r.doc != nil {
		r.report.Telemetry = true
		r.report.Sections = r.doc.Sections()
		for _, s := range p.sections {
			if s.requires != "" && !r.doc.Has(s.requires) {
				continue
			}
			r.guard(s)
		}
		if len(r.report.Failed) > 0 {
			if err := p.warn(tx, node.ID, codes.WarnTelemetryError, models.SourceTelemetry, nil); err != nil {
				return r.report, err
			}
		}
		node.TelemetrySeen = r.now
	}

	if err := store.PutNode(tx, node); err != nil {
		return r.report, fmt.Errorf("save node %s: %w", node.ID, err)
	}
	return r.report, nil
}

func (r *run) guard(s section) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Telemetry section %s of node %s panicked: %v\n%s", s.name, r.node.ID, rec, debug.Stack())
			r.report.Failed = append(r.report.Failed, s.name)
		}
	}()
	if err := s.apply(r); err != nil {
		logger.Errorf("Telemetry section %s of node %s failed: %v", s.name, r.node.ID, err)
		r.report.Failed = append(r.report.Failed, s.name)
	}
}

func (r *run) record(family string, values map[string]float64) {
	if r.p.recorder == nil || len(values) == 0 {
		return
	}
	r.p.recorder.Record(models.Sample{
		Timestamp: r.now,
		NodeID:    r.node.ID,
		Family:    family,
		Values:    values,
		Reboot:    r.node.RebootMode,
	})
	r.report.Samples++
}

func (r *run) recordProbe(task Task) {
	if task.Probe != nil {
		r.record("rtt", map[string]float64{
			"min":  task.Probe.Min,
			"avg":  task.Probe.Avg,
			"max":  task.Probe.Max,
			"loss": task.Probe.Loss,
		})
	}
	if len(task.LossProfile) > 0 {
		sizes := make([]int, 0, len(task.LossProfile))
		for size := range task.LossProfile {
			sizes = append(sizes, size)
		}
		sort.Ints(sizes)
		values := make(map[string]float64, len(sizes))
		for _, size := range sizes {
			values["size_"+strconv.Itoa(size)] = task.LossProfile[size]
		}
		r.record("loss_by_size", values)
	}
}

func (r *run) warn(code string, data map[string]string) error {
	return r.p.warn(r.tx, r.node.ID, code, models.SourceTelemetry, data)
}

func (r *run) event(code string, data map[string]string) error {
	return r.p.event(r.tx, r.node.ID, code, data)
}
