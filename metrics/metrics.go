// Package metrics provides Prometheus metrics for the detection and identity pipeline.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nvr-ai/perch/identity"
	"github.com/nvr-ai/perch/models/model"
)

// Metrics contains every pipeline metric.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesProcessed   prometheus.Counter
	FrameErrors       *prometheus.CounterVec
	Detections        *prometheus.CounterVec
	IdentityOutcomes  *prometheus.CounterVec
	Identities        prometheus.Gauge
	InferenceDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_frames_processed_total",
			Help: "Total number of frames and images processed.",
		}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perch_frame_errors_total",
			Help: "Total number of frames skipped because of an error, partitioned by error type.",
		}, []string{"error_type"}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perch_detections_total",
			Help: "Total number of detections after NMS, partitioned by label.",
		}, []string{"label"}),
		IdentityOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perch_identity_outcomes_total",
			Help: "Total number of identity matches partitioned by outcome.",
		}, []string{"outcome"}),
		Identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perch_identities",
			Help: "Number of identities currently known.",
		}),
		InferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perch_inference_duration_seconds",
			Help:    "Time taken by one backend invocation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"model"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, errors.Wrap(err, "registering perch metrics")
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesProcessed.Describe(ch)
	m.FrameErrors.Describe(ch)
	m.Detections.Describe(ch)
	m.IdentityOutcomes.Describe(ch)
	m.Identities.Describe(ch)
	m.InferenceDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesProcessed.Collect(ch)
	m.FrameErrors.Collect(ch)
	m.Detections.Collect(ch)
	m.IdentityOutcomes.Collect(ch)
	m.Identities.Collect(ch)
	m.InferenceDuration.Collect(ch)
}

// FrameProcessed counts one successfully processed frame.
func (m *Metrics) FrameProcessed() {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
}

// FrameError counts one skipped frame.
func (m *Metrics) FrameError(errorType string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(errorType).Inc()
}

// Detection counts one detection.
func (m *Metrics) Detection(label string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(label).Inc()
}

// IdentityOutcome counts a Match result and updates the identity gauge.
func (m *Metrics) IdentityOutcome(outcome identity.Outcome, identities int) {
	if m == nil {
		return
	}
	m.IdentityOutcomes.WithLabelValues(outcome.String()).Inc()
	m.Identities.Set(float64(identities))
}

// ObserveInference records one backend latency. It matches inference.Observer.
func (m *Metrics) ObserveInference(name model.Name, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InferenceDuration.WithLabelValues(string(name)).Observe(elapsed.Seconds())
}

// RegisterRuntime adds the Go runtime and process collectors (goroutines, GC,
// heap, CPU and file descriptors) to registry.
func RegisterRuntime(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return errors.Wrap(err, "registering runtime collector")
		}
	}
	return nil
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serving metrics")
	}
}
