package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"meshmon/internal/logger"
)

// Bulk holds one cycle's probe results.
type Bulk struct {
	Default map[string]Result
	// BySize holds the alternate payload size rounds, used for
	// loss-versus-size profiling.
	BySize map[int]map[string]Result
}

// Lookup returns the default-size result for addr.
func (b *Bulk) Lookup(addr string) (Result, bool) {
	if b == nil {
		return Result{}, false
	}
	r, ok := b.Default[addr]
	return r, ok
}

// LossProfile returns loss per alternate payload size for addr. Sizes where
// the node did not answer at all report 100% loss.
func (b *Bulk) LossProfile(addr string) map[int]float64 {
	if b == nil || len(b.BySize) == 0 {
		return nil
	}
	out := make(map[int]float64, len(b.BySize))
	for size, results := range b.BySize {
		if r, ok := results[addr]; ok {
			out[size] = r.Loss
		} else {
			out[size] = 100
		}
	}
	return out
}

// RunBulk probes addrs at the default size and at every alternate size.
// Failure of the default round is returned; failed alternate rounds are
// logged and left out.
func RunBulk(ctx context.Context, p Prober, addrs []string, defaultSize int, alternate []int, timeout time.Duration) (*Bulk, error) {
	bulk := &Bulk{Default: map[string]Result{}, BySize: map[int]map[string]Result{}}
	if len(addrs) == 0 {
		return bulk, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := p.Probe(gctx, addrs, defaultSize)
		if err != nil {
			return fmt.Errorf("probe size %d: %w", defaultSize, err)
		}
		mu.Lock()
		bulk.Default = res
		mu.Unlock()
		return nil
	})
	for _, size := range alternate {
		size := size
		g.Go(func() error {
			res, err := p.Probe(gctx, addrs, size)
			if err != nil {
				logger.Warnf("Probe round with size %d failed: %v", size, err)
				return nil
			}
			mu.Lock()
			bulk.BySize[size] = res
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bulk, nil
}
