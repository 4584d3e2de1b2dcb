// Package observability provides OpenTelemetry Metrics integration.
package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OTelMetricsConfig contains configuration for OpenTelemetry Metrics.
type OTelMetricsConfig struct {
	Enabled      bool
	Endpoint     string
	ExporterType ExporterType
	ServiceName  string
	Insecure     bool
	Headers      map[string]string
	// ExportInterval is the interval between metric exports
	ExportInterval time.Duration
}

// DefaultOTelMetricsConfig returns sensible defaults.
func DefaultOTelMetricsConfig() OTelMetricsConfig {
	return OTelMetricsConfig{
		Enabled:        envBool("CREDMUX_OTEL_METRICS_ENABLED", false),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		ExporterType:   ExporterGRPC,
		ServiceName:    "credmux",
		Insecure:       true,
		Headers:        make(map[string]string),
		ExportInterval: 60 * time.Second,
	}
}

// OTelMetricsProvider wraps the OpenTelemetry meter provider.
type OTelMetricsProvider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	dispatchDuration metric.Float64Histogram
	dispatchCount    metric.Int64Counter
	attemptCount     metric.Int64Counter
	affinityHits     metric.Int64Counter
	errorCount       metric.Int64Counter
	lifecycleEvents  metric.Int64Counter
}

// InitOTelMetrics initializes OpenTelemetry Metrics.
func InitOTelMetrics(ctx context.Context, cfg OTelMetricsConfig) (*OTelMetricsProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var exporter sdkmetric.Exporter
	var err error

	switch cfg.ExporterType {
	case ExporterHTTP:
		exporter, err = createHTTPMetricExporter(ctx, cfg)
	default:
		exporter, err = createGRPCMetricExporter(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("service.namespace", "credmux"),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval)),
		),
	)

	otel.SetMeterProvider(provider)
	meter := provider.Meter("credmux")

	omp := &OTelMetricsProvider{
		provider: provider,
		meter:    meter,
	}

	if err := omp.initMetrics(); err != nil {
		return nil, err
	}

	return omp, nil
}

// initMetrics initializes all dispatch metrics.
func (o *OTelMetricsProvider) initMetrics() error {
	var err error

	o.dispatchDuration, err = o.meter.Float64Histogram(
		"credmux.client.dispatch.duration",
		metric.WithDescription("End-to-end duration of dispatched requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.dispatchCount, err = o.meter.Int64Counter(
		"credmux.client.dispatch.count",
		metric.WithDescription("Number of dispatched requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	o.attemptCount, err = o.meter.Int64Counter(
		"credmux.client.attempt.count",
		metric.WithDescription("Number of upstream attempts, including retries"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	o.affinityHits, err = o.meter.Int64Counter(
		"credmux.client.affinity.hits",
		metric.WithDescription("Number of requests served by a pinned credential"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return err
	}

	o.errorCount, err = o.meter.Int64Counter(
		"credmux.client.error.count",
		metric.WithDescription("Number of failed requests by category"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	o.lifecycleEvents, err = o.meter.Int64Counter(
		"credmux.pool.lifecycle.events",
		metric.WithDescription("Number of credential lifecycle transitions"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordDispatch records metrics for a completed request.
func (o *OTelMetricsProvider) RecordDispatch(ctx context.Context, rec *DispatchRecord) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("credmux.provider", rec.Provider),
		attribute.String("credmux.request.model", rec.Model),
	}
	if rec.Lane != "" {
		attrs = append(attrs, attribute.String("credmux.request.lane", rec.Lane))
	}

	o.dispatchDuration.Record(ctx, rec.Duration().Seconds(), metric.WithAttributes(attrs...))
	o.dispatchCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	o.attemptCount.Add(ctx, int64(rec.Attempts), metric.WithAttributes(attrs...))

	if rec.AffinityHit {
		o.affinityHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if rec.Status == RequestStatusFailure {
		errorAttrs := attrs
		if rec.ErrorCategory != "" {
			errorAttrs = append(errorAttrs, attribute.String("error.type", rec.ErrorCategory))
		}
		o.errorCount.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordLifecycleEvent counts a credential lifecycle transition.
func (o *OTelMetricsProvider) RecordLifecycleEvent(ctx context.Context, event *AuditEvent) {
	if o == nil {
		return
	}

	o.lifecycleEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("credmux.event_kind", event.Kind),
	))
}

// Shutdown gracefully shuts down the metrics provider.
func (o *OTelMetricsProvider) Shutdown(ctx context.Context) error {
	if o == nil || o.provider == nil {
		return nil
	}
	return o.provider.Shutdown(ctx)
}

// createGRPCMetricExporter creates an OTLP gRPC metric exporter.
func createGRPCMetricExporter(ctx context.Context, cfg OTelMetricsConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// createHTTPMetricExporter creates an OTLP HTTP metric exporter.
func createHTTPMetricExporter(ctx context.Context, cfg OTelMetricsConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	return otlpmetrichttp.New(ctx, opts...)
}

// OTelMetricsCallback implements Callback for OpenTelemetry Metrics.
type OTelMetricsCallback struct {
	provider *OTelMetricsProvider
}

// NewOTelMetricsCallback creates a new OpenTelemetry Metrics callback.
func NewOTelMetricsCallback(provider *OTelMetricsProvider) *OTelMetricsCallback {
	return &OTelMetricsCallback{provider: provider}
}

// Name returns the callback name.
func (o *OTelMetricsCallback) Name() string {
	return "otel_metrics"
}

// LogLifecycleEvent counts lifecycle transitions.
func (o *OTelMetricsCallback) LogLifecycleEvent(ctx context.Context, event *AuditEvent) error {
	o.provider.RecordLifecycleEvent(ctx, event)
	return nil
}

// LogDispatchEvent records dispatch metrics.
func (o *OTelMetricsCallback) LogDispatchEvent(ctx context.Context, record *DispatchRecord) error {
	o.provider.RecordDispatch(ctx, record)
	return nil
}

// Shutdown gracefully shuts down the callback.
func (o *OTelMetricsCallback) Shutdown(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}
