// Package observability provides unified configuration for all audit and
// telemetry integrations.
package observability

import (
	"context"
	"fmt"
	"log/slog"
)

// Config contains configuration for all observability integrations.
type Config struct {
	// Tracing configures OpenTelemetry spans around dispatch.
	Tracing TracingConfig

	// Logs configures the OTLP log exporter for audit records.
	Logs OTelLogsConfig

	// Metrics configures the OTLP metric exporter.
	Metrics OTelMetricsConfig

	// S3 configures the object-storage audit trail. Active when a bucket
	// name is set.
	S3 S3Config

	// Slack configures webhook alerting. Active when a webhook URL is set.
	Slack SlackConfig
}

// DefaultConfig returns configuration from environment variables.
func DefaultConfig() Config {
	return Config{
		Tracing: DefaultTracingConfig(),
		Logs:    DefaultOTelLogsConfig(),
		Metrics: DefaultOTelMetricsConfig(),
		S3:      DefaultS3Config(),
		Slack:   DefaultSlackConfig(),
	}
}

// Manager assembles the configured audit sinks behind one callback bus.
type Manager struct {
	config    Config
	callbacks *CallbackManager
	tracer    *TracerProvider
	logs      *OTelLogsProvider
	metrics   *OTelMetricsProvider
}

// NewManager creates a new observability manager and initializes every
// integration the config enables.
func NewManager(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	mgr := &Manager{
		config:    cfg,
		callbacks: NewCallbackManager(logger),
	}

	tp, err := InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	mgr.tracer = tp

	if cfg.Logs.Enabled {
		lp, err := InitOTelLogs(ctx, cfg.Logs)
		if err != nil {
			return nil, fmt.Errorf("init otel logs: %w", err)
		}
		mgr.logs = lp
		mgr.callbacks.Register(NewOTelLogsCallback(lp))
	}

	if cfg.Metrics.Enabled {
		mp, err := InitOTelMetrics(ctx, cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("init otel metrics: %w", err)
		}
		mgr.metrics = mp
		mgr.callbacks.Register(NewOTelMetricsCallback(mp))
	}

	if cfg.S3.BucketName != "" {
		cb, err := NewS3Callback(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("init s3 callback: %w", err)
		}
		mgr.callbacks.Register(cb)
	}

	if cfg.Slack.WebhookURL != "" {
		cb, err := NewSlackCallback(cfg.Slack)
		if err != nil {
			return nil, fmt.Errorf("init slack callback: %w", err)
		}
		mgr.callbacks.Register(cb)
	}

	return mgr, nil
}

// Callbacks returns the callback manager.
func (m *Manager) Callbacks() *CallbackManager {
	return m.callbacks
}

// Tracer returns the tracer provider.
func (m *Manager) Tracer() *TracerProvider {
	return m.tracer
}

// Metrics returns the metrics provider, nil when disabled.
func (m *Manager) Metrics() *OTelMetricsProvider {
	return m.metrics
}

// LogLifecycleEvent fans a lifecycle event out to all sinks.
func (m *Manager) LogLifecycleEvent(ctx context.Context, event *AuditEvent) {
	m.callbacks.LogLifecycleEvent(ctx, event)
}

// LogDispatchEvent fans a dispatch record out to all sinks.
func (m *Manager) LogDispatchEvent(ctx context.Context, record *DispatchRecord) {
	m.callbacks.LogDispatchEvent(ctx, record)
}

// Shutdown gracefully shuts down all integrations.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.callbacks.Shutdown(ctx); err != nil {
		return err
	}

	if m.tracer != nil {
		if err := m.tracer.Shutdown(ctx); err != nil {
			return err
		}
	}

	return nil
}
