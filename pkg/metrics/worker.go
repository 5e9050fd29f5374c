package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedadev/nlds/pkg/rabbit"
)

// WorkerMetrics instruments one consumer process. All methods are safe
// on a nil receiver so callers never have to branch on whether metrics
// are enabled.
type WorkerMetrics struct {
	consumed        *prometheus.CounterVec
	failed          *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	bytesMoved      *prometheus.CounterVec
}

var (
	workerOnce    sync.Once
	workerMetrics *WorkerMetrics
)

// NewWorkerMetrics returns the process-wide worker metrics, or nil when
// metrics are not enabled.
func NewWorkerMetrics() *WorkerMetrics {
	if !IsEnabled() {
		return nil
	}
	workerOnce.Do(func() {
		reg := GetRegistry()
		workerMetrics = &WorkerMetrics{
			consumed: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "nlds_messages_consumed_total",
					Help: "Total messages consumed per queue and outcome",
				},
				[]string{"queue", "outcome"},
			),
			failed: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "nlds_messages_redelivered_total",
					Help: "Total messages consumed on their redelivery attempt",
				},
				[]string{"queue"},
			),
			handlerDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "nlds_handler_duration_seconds",
					Help: "Time spent handling one message",
					Buckets: []float64{
						0.001, // trivial routing decisions
						0.01,
						0.1,
						1,
						10,   // store round trips
						60,   // object uploads
						600,  // tape aggregates
						3600, // very large aggregates
					},
				},
				[]string{"queue"},
			),
			bytesMoved: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "nlds_bytes_moved_total",
					Help: "Bytes moved between tiers, by direction",
				},
				[]string{"direction"},
			),
		}
	})
	return workerMetrics
}

// ObserveHandled records one handled delivery.
func (m *WorkerMetrics) ObserveHandled(queue string, duration time.Duration, redelivered bool, err error) {
	if m == nil {
		return
	}
	outcome := "ack"
	if err != nil {
		outcome = "error"
	}
	m.consumed.WithLabelValues(queue, outcome).Inc()
	if redelivered {
		m.failed.WithLabelValues(queue).Inc()
	}
	m.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordBytes counts bytes moved between tiers. Directions: upload,
// download, archive, retrieve.
func (m *WorkerMetrics) RecordBytes(direction string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.bytesMoved.WithLabelValues(direction).Add(float64(bytes))
}

// Instrument wraps a consumer handler with per-delivery accounting.
// With metrics disabled the handler is returned unwrapped.
func Instrument(queue string, h rabbit.Handler) rabbit.Handler {
	m := NewWorkerMetrics()
	if m == nil {
		return h
	}
	return func(ctx context.Context, d rabbit.Delivery) error {
		start := time.Now()
		err := h(ctx, d)
		m.ObserveHandled(queue, time.Since(start), d.Redelivered, err)
		return err
	}
}
