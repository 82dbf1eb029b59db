// Package metrics exposes reconciler metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshmon/internal/logger"
)

var (
	// CyclesTotal counts reconciliation cycles by outcome (ok, aborted).
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshmon_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
		[]string{"outcome"},
	)

	// CycleDuration measures each cycle stage.
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshmon_cycle_stage_duration_seconds",
			Help:    "Duration of reconciliation cycle stages in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// NodesByStatus tracks registry nodes per status after each cycle.
	NodesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshmon_nodes",
			Help: "Number of registered nodes by status",
		},
		[]string{"status"},
	)

	// TaskFailures counts per-node tasks that failed.
	TaskFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshmon_node_task_failures_total",
			Help: "Total number of per-node processing tasks that failed",
		},
	)

	// WarningsRaised counts newly raised warnings by code.
	WarningsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshmon_warnings_raised_total",
			Help: "Total number of newly raised warnings",
		},
		[]string{"code"},
	)

	// EventsEmitted counts new events by code.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshmon_events_emitted_total",
			Help: "Total number of new events",
		},
		[]string{"code"},
	)

	// ProbeReplies tracks how many probed nodes answered in the last cycle.
	ProbeReplies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshmon_probe_replies",
			Help: "Number of nodes that answered the default probe round",
		},
	)
)

// ObserveStage records the duration of a cycle stage.
func ObserveStage(stage string, started time.Time) {
	CycleDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// SetNodeCounts replaces the per-status node gauges.
func SetNodeCounts(counts map[string]int) {
	NodesByStatus.Reset()
	for status, n := range counts {
		NodesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Server serves /metrics.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server on listen.
func NewServer(listen string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		logger.Infof("Metrics endpoint listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
