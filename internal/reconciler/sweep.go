package reconciler

import (
	"context"
	"fmt"

	"meshmon/internal/logger"
	"meshmon/internal/metrics"
	"meshmon/internal/store"
)

// sweep expires transient records, drops warnings that were not raised
// again this cycle and hands pending events to the event sink.
func (r *Reconciler) sweep(ctx context.Context, res *CycleResult, cl *cleanups) error {
	tx, err := r.deps.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin sweep: %w", err)
	}
	committed := false
	cl.push("sweep_tx", func() error {
		if committed {
			return nil
		}
		return tx.Rollback()
	})

	expired, err := r.expireTransient(tx, r.now())
	if err != nil {
		return err
	}
	// A rolled-back node task leaves that node's warnings unconfirmed.
	keep := make(map[string]bool, len(res.PhaseB.Failures))
	for id := range res.PhaseB.Failures {
		keep[id] = true
	}
	swept, err := r.deps.Emitter.SweepDirty(tx, keep)
	if err != nil {
		return err
	}
	res.Delivery, err = r.deps.Emitter.Deliver(tx, r.deps.Events)
	if err != nil {
		return err
	}

	nodes, err := store.ListNodes(tx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	counts := make(map[string]int)
	for _, n := range nodes {
		counts[string(n.Status)]++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sweep: %w", err)
	}
	committed = true
	metrics.SetNodeCounts(counts)

	logger.Debugf("Sweep: expired=%d stale_warnings=%d events_sent=%d events_failed=%d",
		expired, swept, res.Delivery.Sent, res.Delivery.Failed)
	return nil
}
