// Package observability provides OpenTelemetry Logs integration.
// This implements semantic logging with trace correlation.
//
// Reference: https://opentelemetry.io/docs/specs/otel/logs/
package observability

import (
	"context"
	"os"
	"time"

	"github.com/goccy/go-json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelLogsConfig contains configuration for OpenTelemetry Logs.
type OTelLogsConfig struct {
	Enabled      bool
	Endpoint     string
	ExporterType ExporterType
	ServiceName  string
	Insecure     bool
	Headers      map[string]string
}

// DefaultOTelLogsConfig returns sensible defaults.
func DefaultOTelLogsConfig() OTelLogsConfig {
	return OTelLogsConfig{
		Enabled:      envBool("CREDMUX_OTEL_LOGS_ENABLED", false),
		Endpoint:     os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT"),
		ExporterType: ExporterGRPC,
		ServiceName:  "credmux",
		Insecure:     true,
		Headers:      make(map[string]string),
	}
}

// OTelLogsProvider wraps the OpenTelemetry logger provider.
type OTelLogsProvider struct {
	provider *sdklog.LoggerProvider
	logger   log.Logger
}

// InitOTelLogs initializes OpenTelemetry Logs.
func InitOTelLogs(ctx context.Context, cfg OTelLogsConfig) (*OTelLogsProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var exporter sdklog.Exporter
	var err error

	switch cfg.ExporterType {
	case ExporterHTTP:
		exporter, err = createHTTPLogExporter(ctx, cfg)
	default:
		exporter, err = createGRPCLogExporter(ctx, cfg)
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

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	global.SetLoggerProvider(provider)
	logger := provider.Logger("credmux")

	return &OTelLogsProvider{
		provider: provider,
		logger:   logger,
	}, nil
}

// Logger returns the logger instance.
func (o *OTelLogsProvider) Logger() log.Logger {
	return o.logger
}

// Shutdown gracefully shuts down the logger provider.
func (o *OTelLogsProvider) Shutdown(ctx context.Context) error {
	if o == nil || o.provider == nil {
		return nil
	}
	return o.provider.Shutdown(ctx)
}

// createGRPCLogExporter creates an OTLP gRPC log exporter.
func createGRPCLogExporter(ctx context.Context, cfg OTelLogsConfig) (sdklog.Exporter, error) {
	opts := []otlploggrpc.Option{
		otlploggrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
	}
	return otlploggrpc.New(ctx, opts...)
}

// createHTTPLogExporter creates an OTLP HTTP log exporter.
func createHTTPLogExporter(ctx context.Context, cfg OTelLogsConfig) (sdklog.Exporter, error) {
	opts := []otlploghttp.Option{
		otlploghttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
	}
	return otlploghttp.New(ctx, opts...)
}

// lifecycleSeverity maps a transition kind to a log severity.
func lifecycleSeverity(kind string) log.Severity {
	switch kind {
	case "credential_invalidated", "pool_exhausted":
		return log.SeverityError
	case "credential_cooled", "lane_demoted":
		return log.SeverityWarn
	default:
		return log.SeverityInfo
	}
}

// OTelLogsCallback implements Callback for OpenTelemetry Logs.
type OTelLogsCallback struct {
	provider *OTelLogsProvider
}

// NewOTelLogsCallback creates a new OpenTelemetry Logs callback.
func NewOTelLogsCallback(provider *OTelLogsProvider) *OTelLogsCallback {
	return &OTelLogsCallback{provider: provider}
}

// Name returns the callback name.
func (o *OTelLogsCallback) Name() string {
	return "otel_logs"
}

// LogLifecycleEvent emits a log record for a credential transition.
func (o *OTelLogsCallback) LogLifecycleEvent(ctx context.Context, event *AuditEvent) error {
	if o.provider == nil {
		return nil
	}

	record := log.Record{}
	record.SetTimestamp(event.At)
	record.SetSeverity(lifecycleSeverity(event.Kind))
	record.SetBody(log.StringValue("credential." + event.Kind))

	record.AddAttributes(
		log.String("credmux.event_id", event.ID),
		log.String("credmux.event_kind", event.Kind),
	)
	if event.CredentialID != "" {
		record.AddAttributes(log.String("credmux.credential_id", event.CredentialID))
	}
	if event.Lane != "" {
		record.AddAttributes(log.String("credmux.lane", event.Lane))
	}
	if event.Detail != "" {
		record.AddAttributes(log.String("credmux.detail", event.Detail))
	}

	o.addTraceContext(ctx, &record)
	o.provider.Logger().Emit(ctx, record)
	return nil
}

// LogDispatchEvent emits a log record for a completed request.
func (o *OTelLogsCallback) LogDispatchEvent(ctx context.Context, rec *DispatchRecord) error {
	if o.provider == nil {
		return nil
	}

	severity := log.SeverityInfo
	eventName := "dispatch.success"
	if rec.Status == RequestStatusFailure {
		severity = log.SeverityError
		eventName = "dispatch.failure"
	}

	record := log.Record{}
	record.SetTimestamp(time.Now())
	record.SetSeverity(severity)
	record.SetBody(log.StringValue(eventName))

	record.AddAttributes(
		log.String("credmux.provider", rec.Provider),
		log.String("credmux.request_id", rec.RequestID),
		log.String("credmux.request.model", rec.Model),
		log.Bool("credmux.affinity_hit", rec.AffinityHit),
		log.Int("credmux.attempts", rec.Attempts),
		log.Int64("credmux.duration_ms", rec.Duration().Milliseconds()),
	)
	if rec.Lane != "" {
		record.AddAttributes(log.String("credmux.lane", rec.Lane))
	}
	if rec.CredentialID != "" {
		record.AddAttributes(log.String("credmux.credential_id", rec.CredentialID))
	}
	if rec.StatusCode != 0 {
		record.AddAttributes(log.Int("credmux.status_code", rec.StatusCode))
	}
	if rec.ErrorCategory != "" {
		record.AddAttributes(log.String("error.type", rec.ErrorCategory))
	}
	if rec.ErrorMessage != "" {
		record.AddAttributes(log.String("error.message", rec.ErrorMessage))
	}

	// Attach the full record as JSON for detailed downstream queries
	if payloadJSON, jsonErr := json.Marshal(rec); jsonErr == nil {
		record.AddAttributes(log.String("credmux.payload", string(payloadJSON)))
	}

	o.addTraceContext(ctx, &record)
	o.provider.Logger().Emit(ctx, record)
	return nil
}

// Shutdown gracefully shuts down the callback.
func (o *OTelLogsCallback) Shutdown(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}

// addTraceContext correlates the record with an active span.
func (o *OTelLogsCallback) addTraceContext(ctx context.Context, record *log.Record) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		record.AddAttributes(
			log.String("trace_id", span.SpanContext().TraceID().String()),
			log.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
}
