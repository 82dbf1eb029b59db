// Package events raises persisted warnings and events for nodes.
//
// Warnings are de-duplicated by (node, code, source). At the start of each
// cycle all warnings are marked dirty; raising a warning clears the mark and
// the sweep deletes whatever is still dirty, resolving conditions that no
// longer hold.
//
// Events are de-duplicated within a suppression window: a repeat of the same
// code with the same summary bumps the counter of the existing event instead
// of creating a new one. New events are flagged for delivery and handed to
// an EventWriter by Deliver.
package events

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"meshmon/internal/codes"
	"meshmon/internal/logger"
	"meshmon/internal/metrics"
	"meshmon/internal/pipeline"
	"meshmon/internal/store"
	"meshmon/pkg/models"
)

// Config controls suppression and retention.
type Config struct {
	// Suppress is the window in which a repeated event is folded into the
	// previous one, and the delay before a failed delivery is retried.
	Suppress time.Duration
	// Retention is how long delivered events are kept.
	Retention time.Duration
}

// Emitter raises warnings and events inside a transaction.
type Emitter struct {
	registry *codes.Registry
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// NewEmitter creates an emitter backed by registry.
func NewEmitter(registry *codes.Registry, cfg Config) *Emitter {
	if cfg.Suppress <= 0 {
		cfg.Suppress = 30 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Emitter{
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// WithClock returns a copy of e using now as its clock.
func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	c := *e
	c.now = now
	return &c
}

// Registry returns the code registry.
func (e *Emitter) Registry() *codes.Registry {
	return e.registry
}

// Warn raises (or refreshes) a warning. It reports whether the warning is
// new.
func (e *Emitter) Warn(tx store.Tx, nodeID, code, source string, data map[string]string) (bool, error) {
	d, ok := e.registry.Lookup(code)
	if !ok || d.Kind != codes.KindWarning {
		return false, fmt.Errorf("unknown warning code %q", code)
	}
	now := e.now()
	msg := e.registry.Summary(code, data)
	key := models.WarningKey(nodeID, code, source)

	w, err := store.GetWarning(tx, key)
	switch {
	case err == nil:
		w.Dirty = false
		w.Updated = now
		w.Message = msg
		return false, store.PutWarning(tx, w)
	case store.IsNotFound(err):
		w = &models.Warning{
			ID:      e.newID(),
			NodeID:  nodeID,
			Code:    code,
			Source:  source,
			Message: msg,
			Created: now,
			Updated: now,
		}
		if err := store.PutWarning(tx, w); err != nil {
			return false, err
		}
		metrics.WarningsRaised.WithLabelValues(code).Inc()
		logger.Debugf("Warning %s raised on node %s: %s", code, nodeID, msg)
		return true, nil
	default:
		return false, fmt.Errorf("load warning %s: %w", key, err)
	}
}

// Resolve removes a warning immediately.
func (e *Emitter) Resolve(tx store.Tx, nodeID, code, source string) error {
	return store.DeleteWarning(tx, models.WarningKey(nodeID, code, source))
}

// MarkDirty flags every warning as unconfirmed for the coming cycle.
func (e *Emitter) MarkDirty(tx store.Tx) (int, error) {
	warnings, err := store.ListWarnings(tx, "")
	if err != nil {
		return 0, fmt.Errorf("list warnings: %w", err)
	}
	for i := range warnings {
		if warnings[i].Dirty {
			continue
		}
		warnings[i].Dirty = true
		if err := store.PutWarning(tx, &warnings[i]); err != nil {
			return 0, err
		}
	}
	return len(warnings), nil
}

// SweepDirty deletes warnings that were not raised again since MarkDirty.
// Warnings of nodes in keep are left untouched; their state for this cycle
// is unknown.
func (e *Emitter) SweepDirty(tx store.Tx, keep map[string]bool) (int, error) {
	warnings, err := store.ListWarnings(tx, "")
	if err != nil {
		return 0, fmt.Errorf("list warnings: %w", err)
	}
	removed := 0
	for i := range warnings {
		if !warnings[i].Dirty || keep[warnings[i].NodeID] {
			continue
		}
		if err := store.DeleteWarning(tx, warnings[i].Key()); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Event records an event. Repeats within the suppression window increment
// the counter of the earlier event and flag it for delivery again; the
// returned flag is true only for a new event.
func (e *Emitter) Event(tx store.Tx, nodeID, code string, data map[string]string) (bool, error) {
	d, ok := e.registry.Lookup(code)
	if !ok || d.Kind != codes.KindEvent {
		return false, fmt.Errorf("unknown event code %q", code)
	}
	now := e.now()
	summary := e.registry.Summary(code, data)

	existing, err := store.ListEvents(tx, nodeID)
	if err != nil {
		return false, fmt.Errorf("list events of %s: %w", nodeID, err)
	}
	for i := range existing {
		ev := &existing[i]
		if ev.Code != code || ev.Summary != summary {
			continue
		}
		if now.Sub(ev.Timestamp) >= e.cfg.Suppress {
			continue
		}
		ev.Counter++
		ev.NeedResend = true
		return false, store.PutEvent(tx, ev)
	}

	ev := &models.Event{
		ID:         e.newID(),
		NodeID:     nodeID,
		Code:       code,
		Summary:    summary,
		Data:       data,
		Counter:    1,
		Timestamp:  now,
		NeedResend: true,
	}
	if err := store.PutEvent(tx, ev); err != nil {
		return false, err
	}
	metrics.EventsEmitted.WithLabelValues(code).Inc()
	logger.Infof("Event %s on node %s: %s", code, nodeID, summary)
	return true, nil
}

// DeliveryStats summarizes one Deliver call.
type DeliveryStats struct {
	Sent    int
	Failed  int
	Expired int
}

// Deliver hands pending events to w. Events never attempted are sent
// right away; failed ones are retried once the suppression window since the
// last attempt has passed. Delivered events past retention are deleted.
func (e *Emitter) Deliver(tx store.Tx, w pipeline.EventWriter) (DeliveryStats, error) {
	var stats DeliveryStats
	now := e.now()

	all, err := store.ListEvents(tx, "")
	if err != nil {
		return stats, fmt.Errorf("list events: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	var due []*models.Event
	for i := range all {
		ev := &all[i]
		if !ev.NeedResend {
			if now.Sub(ev.Timestamp) >= e.cfg.Retention {
				if err := store.DeleteEvent(tx, ev); err != nil {
					return stats, err
				}
				stats.Expired++
			}
			continue
		}
		if !ev.LastSent.IsZero() && now.Sub(ev.LastSent) < e.cfg.Suppress {
			continue
		}
		due = append(due, ev)
	}
	if len(due) == 0 || w == nil {
		return stats, nil
	}

	sendErr := w.WriteEvents(due)
	for _, ev := range due {
		ev.LastSent = now
		if sendErr == nil {
			ev.NeedResend = false
			stats.Sent++
		} else {
			stats.Failed++
		}
		if err := store.PutEvent(tx, ev); err != nil {
			return stats, err
		}
	}
	if sendErr != nil {
		logger.Warnf("Failed to deliver %d events, will retry: %v", len(due), sendErr)
	}
	return stats, nil
}
