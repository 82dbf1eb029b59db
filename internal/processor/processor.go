// Package processor interprets one node's probe result and telemetry.
//
// Probe results are applied during the single-threaded phase through
// ApplyProbe and ApplyUnreachable, which are the only writers of the node
// status. Process runs later, once per reachable node and possibly in
// parallel, and handles everything derived from telemetry.
package processor

import (
	"fmt"
	"time"

	"meshmon/internal/codes"
	"meshmon/internal/events"
	"meshmon/internal/nodestate"
	"meshmon/internal/probe"
	"meshmon/internal/rules"
	"meshmon/internal/store"
	"meshmon/internal/telemetry"
	"meshmon/pkg/models"
)

// Recorder accepts time-series samples.
type Recorder interface {
	Record(s models.Sample)
}

// SampleFamilies lists every time-series family the processor records.
var SampleFamilies = []string{
	"rtt", "loss_by_size", "uptime", "load", "memory", "wifi", "clients",
	"traffic", "dhcp", "captive_portal", "solar", "environment",
}

// Config holds processing policy.
type Config struct {
	// ReservedHosts is subtracted from a subnet's host count when checking
	// for address exhaustion.
	ReservedHosts int
	// LossThreshold is the loss counter increase tolerated per cycle.
	LossThreshold int64
	// PackageRefresh is the minimum interval between inventory updates.
	PackageRefresh time.Duration
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Emitter  *events.Emitter
	Fetcher  telemetry.Fetcher
	Rules    rules.Engine
	Recorder Recorder
	Now      func() time.Time
}

// Processor applies probe and telemetry results to node records.
type Processor struct {
	cfg      Config
	emitter  *events.Emitter
	fetcher  telemetry.Fetcher
	rules    rules.Engine
	recorder Recorder
	now      func() time.Time
	sections []section
}

// New creates a processor.
func New(cfg Config, deps Deps) *Processor {
	if cfg.ReservedHosts < 0 {
		cfg.ReservedHosts = 0
	}
	if cfg.LossThreshold <= 0 {
		cfg.LossThreshold = 1
	}
	if cfg.PackageRefresh <= 0 {
		cfg.PackageRefresh = time.Hour
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rules == nil {
		deps.Rules = &rules.NoopEngine{}
	}
	return &Processor{
		cfg:      cfg,
		emitter:  deps.Emitter,
		fetcher:  deps.Fetcher,
		rules:    deps.Rules,
		recorder: deps.Recorder,
		now:      deps.Now,
		sections: defaultSections(),
	}
}

// Outcome maps a probe lookup to a reachability verdict.
func Outcome(res probe.Result, found bool) nodestate.Outcome {
	switch {
	case !found:
		return nodestate.Unconfirmed
	case res.Duplicated:
		return nodestate.Duplicated
	default:
		return nodestate.Confirmed
	}
}

// ApplyProbe applies the probe verdict of a visible node to its record and
// raises the resulting events. The caller persists the node.
func (p *Processor) ApplyProbe(tx store.Tx, node *models.Node, res probe.Result, found bool) (nodestate.Transition, error) {
	now := p.now()
	t := nodestate.Reachable(node.Status, node.FirstSeen.IsZero(), Outcome(res, found))
	p.applyTransition(node, t, now)
	if t.SetFirstSeen {
		node.FirstSeen = now
	}

	if t.NodeUp {
		if err := p.event(tx, node.ID, codes.EventNodeUp, nil); err != nil {
			return t, err
		}
	}
	if t.DupedEntered {
		if err := p.event(tx, node.ID, codes.EventNodeDuped, nil); err != nil {
			return t, err
		}
	}
	if t.To == models.StatusDuped {
		if err := p.warn(tx, node.ID, codes.WarnDupedReplies, models.SourceMonitor, nil); err != nil {
			return t, err
		}
	}
	return t, nil
}

// ApplyUnreachable moves a node missing from the topology out of service.
func (p *Processor) ApplyUnreachable(tx store.Tx, node *models.Node) (nodestate.Transition, error) {
	t := nodestate.Unreachable(node.Status)
	p.applyTransition(node, t, p.now())
	if t.NodeDown {
		if err := p.event(tx, node.ID, codes.EventNodeDown, nil); err != nil {
			return t, err
		}
	}
	return t, nil
}

// applyTransition sets the status and keeps the uptime credit: it grows
// while the node stays up and the timer restarts on any move away from up.
func (p *Processor) applyTransition(node *models.Node, t nodestate.Transition, now time.Time) {
	node.Status = t.To
	if t.To != models.StatusUp {
		node.UpSince = time.Time{}
		return
	}
	if t.From == models.StatusUp && !node.UpSince.IsZero() && now.After(node.UpSince) {
		node.UptimeSoFar += now.Sub(node.UpSince)
	}
	node.UpSince = now
}

func (p *Processor) warn(tx store.Tx, nodeID, code, source string, data map[string]string) error {
	if p.emitter == nil {
		return nil
	}
	if _, err := p.emitter.Warn(tx, nodeID, code, source, data); err != nil {
		return fmt.Errorf("warn %s on %s: %w", code, nodeID, err)
	}
	return nil
}

func (p *Processor) event(tx store.Tx, nodeID, code string, data map[string]string) error {
	if p.emitter == nil {
		return nil
	}
	if _, err := p.emitter.Event(tx, nodeID, code, data); err != nil {
		return fmt.Errorf("event %s on %s: %w", code, nodeID, err)
	}
	return nil
}
