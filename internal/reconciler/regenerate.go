package reconciler

import (
	"context"
	"fmt"

	"meshmon/internal/logger"
	"meshmon/internal/processor"
	"meshmon/internal/store"
	"meshmon/pkg/models"
)

// RegenerateGraphs asks the time-series sink to rebuild every family of
// every registered node. It does not touch the registry.
func (r *Reconciler) RegenerateGraphs(ctx context.Context, rec processor.Recorder) (int, error) {
	tx, err := r.deps.Store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	nodes, err := store.ListNodes(tx)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	now := r.now()
	n := 0
	for _, node := range nodes {
		for _, family := range processor.SampleFamilies {
			rec.Record(models.Sample{Timestamp: now, NodeID: node.ID, Family: family, Control: "regenerate"})
			n++
		}
	}
	logger.Infof("Requested regeneration of %d graphs for %d nodes", n, len(nodes))
	return n, nil
}
