package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"meshmon/internal/logger"
	"meshmon/pkg/models"
)

// Recorder batches samples in the background and hands them to a
// SampleWriter. Record never blocks; samples are dropped when the buffer
// is full.
type Recorder struct {
	writer        SampleWriter
	in            chan *models.Sample
	batchSize     int
	flushInterval time.Duration
	maxAttempts   int

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// RecorderConfig tunes batching.
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
}

// NewRecorder starts a recorder writing to w.
func NewRecorder(w SampleWriter, cfg RecorderConfig) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.BatchSize * 4
	}
	r := &Recorder{
		writer:        w,
		in:            make(chan *models.Sample, cfg.Buffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxAttempts:   3,
		done:          make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Record queues one sample.
func (r *Recorder) Record(s models.Sample) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.in <- &s:
	default:
		if r.dropped.Add(1)%100 == 1 {
			logger.Warnf("Sample buffer full, dropping samples (dropped=%d)", r.dropped.Load())
		}
	}
}

// Dropped returns the number of samples dropped so far.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written returns the number of samples handed to the writer.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Close flushes queued samples and closes the writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.in)
	r.mu.Unlock()

	<-r.done
	return r.writer.Close()
}

func (r *Recorder) writeLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	var batch []*models.Sample
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for attempt := 1; ; attempt++ {
			err := r.writer.WriteSamples(batch)
			if err == nil {
				r.written.Add(int64(len(batch)))
				break
			}
			logger.Errorf("Failed to write samples (attempt %d): %v", attempt, err)
			if attempt >= r.maxAttempts {
				r.dropped.Add(int64(len(batch)))
				break
			}
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		batch = nil
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case s, ok := <-r.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, s)
			if len(batch) >= r.batchSize {
				flush()
			}
		}
	}
}
