// Package observe provides application-wide observability primitives for
// reccon: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all reccon metrics.
const meterName = "github.com/MrWong99/reccon"

// Upload outcome values for the "status" attribute.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Segments ---

	// SegmentsOpened counts segments that started recording.
	SegmentsOpened metric.Int64Counter

	// SegmentsClosed counts segments sealed successfully.
	SegmentsClosed metric.Int64Counter

	// SegmentsFailed counts segments abandoned after an open, write, or seal
	// error. Use with attribute:
	//   attribute.String("stage", ...)
	SegmentsFailed metric.Int64Counter

	// SegmentDuration tracks the audio length of sealed segments.
	SegmentDuration metric.Float64Histogram

	// --- Uploads ---

	// Uploads counts upload attempts. Use with attribute:
	//   attribute.String("status", ...)
	Uploads metric.Int64Counter

	// UploadDuration tracks the wall time of upload attempts.
	UploadDuration metric.Float64Histogram

	// UploadQueueDepth tracks the number of sealed files waiting for upload.
	UploadQueueDepth metric.Int64UpDownCounter

	// --- Capture ---

	// SourceRestarts counts audio source reacquisitions after a failure.
	SourceRestarts metric.Int64Counter

	// --- Storage ---

	// ReconcileFiles counts files seen during reconciliation. Use with
	// attribute:
	//   attribute.String("kind", ...)
	ReconcileFiles metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// segmentBuckets are histogram boundaries (in seconds) for recording lengths.
var segmentBuckets = []float64{
	1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600,
}

// uploadBuckets are histogram boundaries (in seconds) for upload latency.
var uploadBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.SegmentsOpened, err = m.Int64Counter("reccon.segments.opened",
		metric.WithDescription("Total segments opened."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsClosed, err = m.Int64Counter("reccon.segments.closed",
		metric.WithDescription("Total segments sealed."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsFailed, err = m.Int64Counter("reccon.segments.failed",
		metric.WithDescription("Total segments abandoned, by failing stage."),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("reccon.uploads",
		metric.WithDescription("Total upload attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.SourceRestarts, err = m.Int64Counter("reccon.source.restarts",
		metric.WithDescription("Total audio source reacquisitions."),
	); err != nil {
		return nil, err
	}
	if met.ReconcileFiles, err = m.Int64Counter("reccon.reconcile.files",
		metric.WithDescription("Files found during storage reconciliation, by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SegmentDuration, err = m.Float64Histogram("reccon.segment.duration",
		metric.WithDescription("Audio length of sealed segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("reccon.upload.duration",
		metric.WithDescription("Latency of segment upload attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(uploadBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.UploadQueueDepth, err = m.Int64UpDownCounter("reccon.upload.queue_depth",
		metric.WithDescription("Number of sealed segments waiting for upload."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("reccon.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegmentClosed records a sealed segment and its audio length.
func (m *Metrics) RecordSegmentClosed(ctx context.Context, length time.Duration) {
	m.SegmentsClosed.Add(ctx, 1)
	m.SegmentDuration.Record(ctx, length.Seconds())
}

// RecordSegmentFailed records an abandoned segment. stage is one of "open",
// "write", or "seal".
func (m *Metrics) RecordSegmentFailed(ctx context.Context, stage string) {
	m.SegmentsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordUpload records one upload attempt with its outcome and latency.
func (m *Metrics) RecordUpload(ctx context.Context, status string, took time.Duration) {
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.UploadDuration.Record(ctx, took.Seconds())
}

// RecordReconcileFiles adds n files of the given kind to the reconcile counter.
// Zero counts are skipped.
func (m *Metrics) RecordReconcileFiles(ctx context.Context, kind string, n int) {
	if n == 0 {
		return
	}
	m.ReconcileFiles.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}
