package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics, exported through a
// Prometheus registry, for the feed engine pipeline.
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	ticksReceived   metric.Int64Counter
	ticksDropped    metric.Int64Counter
	gapsDetected    metric.Int64Counter
	tickLatency     metric.Float64Histogram
	batchesFlushed  metric.Int64Counter
	batchSize       metric.Int64Histogram
	barsEmitted     metric.Int64Counter
	publishFailures metric.Int64Counter
	feedConnections metric.Int64UpDownCounter
	ringBufferDepth metric.Int64Gauge
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Port           int
	Enabled        bool
}

// NewMetricsProvider creates a new metrics provider.
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(cfg.ServiceName)

	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meter,
		registry:      registry,
	}

	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return mp, nil
}

func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	mp.ticksReceived, err = mp.meter.Int64Counter(
		"feed_ticks_received_total",
		metric.WithDescription("Total number of ticks received from feed handlers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_ticks_received_total counter: %w", err)
	}

	mp.ticksDropped, err = mp.meter.Int64Counter(
		"feed_ticks_dropped_total",
		metric.WithDescription("Total number of ticks dropped due to backpressure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_ticks_dropped_total counter: %w", err)
	}

	mp.gapsDetected, err = mp.meter.Int64Counter(
		"feed_sequence_gaps_total",
		metric.WithDescription("Total number of sequence number gaps detected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_sequence_gaps_total counter: %w", err)
	}

	mp.tickLatency, err = mp.meter.Float64Histogram(
		"feed_tick_latency_seconds",
		metric.WithDescription("Latency from exchange timestamp to local receipt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_tick_latency_seconds histogram: %w", err)
	}

	mp.batchesFlushed, err = mp.meter.Int64Counter(
		"feed_batches_flushed_total",
		metric.WithDescription("Total number of tick batches flushed from the buffer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_batches_flushed_total counter: %w", err)
	}

	mp.batchSize, err = mp.meter.Int64Histogram(
		"feed_batch_size",
		metric.WithDescription("Number of ticks in a flushed batch"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_batch_size histogram: %w", err)
	}

	mp.barsEmitted, err = mp.meter.Int64Counter(
		"feed_bars_emitted_total",
		metric.WithDescription("Total number of OHLCV bars emitted by the aggregator"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_bars_emitted_total counter: %w", err)
	}

	mp.publishFailures, err = mp.meter.Int64Counter(
		"feed_publish_failures_total",
		metric.WithDescription("Total number of failed publishes to the pub/sub backend"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_publish_failures_total counter: %w", err)
	}

	mp.feedConnections, err = mp.meter.Int64UpDownCounter(
		"feed_connections_active",
		metric.WithDescription("Number of currently connected feed handlers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_connections_active gauge: %w", err)
	}

	mp.ringBufferDepth, err = mp.meter.Int64Gauge(
		"feed_ring_buffer_depth",
		metric.WithDescription("Current occupancy of a feed's ring buffer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed_ring_buffer_depth gauge: %w", err)
	}

	return nil
}

// RecordTick records receipt of one tick from a given vendor/symbol.
func (mp *MetricsProvider) RecordTick(ctx context.Context, vendor, symbol string, latency time.Duration) {
	if mp.ticksReceived == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("vendor", vendor),
		attribute.String("symbol", symbol),
	}
	mp.ticksReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	mp.tickLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDroppedTick records a tick dropped due to backpressure.
func (mp *MetricsProvider) RecordDroppedTick(ctx context.Context, vendor, reason string) {
	if mp.ticksDropped == nil {
		return
	}
	mp.ticksDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("reason", reason),
	))
}

// RecordGap records a detected sequence number gap.
func (mp *MetricsProvider) RecordGap(ctx context.Context, vendor, symbol string, gapSize int64) {
	if mp.gapsDetected == nil {
		return
	}
	mp.gapsDetected.Add(ctx, gapSize, metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("symbol", symbol),
	))
}

// RecordBatchFlush records a buffer flush of the given size.
func (mp *MetricsProvider) RecordBatchFlush(ctx context.Context, vendor string, size int) {
	if mp.batchesFlushed == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("vendor", vendor)}
	mp.batchesFlushed.Add(ctx, 1, metric.WithAttributes(attrs...))
	mp.batchSize.Record(ctx, int64(size), metric.WithAttributes(attrs...))
}

// RecordBarEmitted records an OHLCV bar emitted by the aggregator.
func (mp *MetricsProvider) RecordBarEmitted(ctx context.Context, symbol, timeframe string) {
	if mp.barsEmitted == nil {
		return
	}
	mp.barsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("timeframe", timeframe),
	))
}

// RecordPublishFailure records a failed publish attempt.
func (mp *MetricsProvider) RecordPublishFailure(ctx context.Context, channel string) {
	if mp.publishFailures == nil {
		return
	}
	mp.publishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// IncrementFeedConnections increments the active feed connection count.
func (mp *MetricsProvider) IncrementFeedConnections(ctx context.Context, vendor string) {
	if mp.feedConnections == nil {
		return
	}
	mp.feedConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("vendor", vendor)))
}

// DecrementFeedConnections decrements the active feed connection count.
func (mp *MetricsProvider) DecrementFeedConnections(ctx context.Context, vendor string) {
	if mp.feedConnections == nil {
		return
	}
	mp.feedConnections.Add(ctx, -1, metric.WithAttributes(attribute.String("vendor", vendor)))
}

// UpdateRingBufferDepth reports current ring buffer occupancy for a feed.
func (mp *MetricsProvider) UpdateRingBufferDepth(ctx context.Context, vendor string, depth int64) {
	if mp.ringBufferDepth == nil {
		return
	}
	mp.ringBufferDepth.Record(ctx, depth, metric.WithAttributes(attribute.String("vendor", vendor)))
}

// StartMetricsServer starts the Prometheus metrics HTTP server.
func (mp *MetricsProvider) StartMetricsServer(port int) error {
	if mp.registry == nil {
		return fmt.Errorf("metrics not enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
