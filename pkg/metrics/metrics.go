// Package metrics counts transfers and node operations and exports them in
// the Prometheus text format.
package metrics

import (
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fabricfw"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder owns a private registry. A nil *Recorder discards observations.
type Recorder struct {
	registry   *prometheus.Registry
	transfers  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	operations *prometheus.CounterVec
}

// New returns a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Image transfers to node partitions by image type and result.",
		}, []string{"image_type", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Wall time of an image transfer from upload to activation.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 180, 300},
		}, []string{"image_type"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_operations_total",
			Help:      "Per-node fleet operations by operation and result.",
		}, []string{"operation", "result"}),
	}
	r.registry.MustRegister(r.transfers, r.duration, r.operations)
	return r
}

// ObserveTransfer records one (image, partition) transfer.
func (r *Recorder) ObserveTransfer(imageType string, err error, d time.Duration) {
	if r == nil {
		return
	}
	r.transfers.WithLabelValues(imageType, result(err)).Inc()
	r.duration.WithLabelValues(imageType).Observe(d.Seconds())
}

// ObserveOperation records one node's outcome for a fleet operation.
func (r *Recorder) ObserveOperation(operation string, err error) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, result(err)).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteFile writes all metrics to path atomically, for node_exporter's
// textfile collector.
func (r *Recorder) WriteFile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return errors.Wrap(err, "failed to write metrics")
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
