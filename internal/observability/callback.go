// Package observability provides the audit callback system for credential
// lifecycle and dispatch events.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RequestStatus represents the final status of a dispatched request.
type RequestStatus string

const (
	RequestStatusSuccess RequestStatus = "success"
	RequestStatusFailure RequestStatus = "failure"
)

// AuditEvent is a credential lifecycle transition prepared for audit sinks.
// Events originate in the pool; the client stamps each one with a unique ID
// before fanning it out to callbacks.
type AuditEvent struct {
	// ID uniquely identifies this event across restarts.
	ID string `json:"id"`

	// Kind names the transition, e.g. "credential_cooled" or "lane_demoted".
	Kind string `json:"kind"`

	// CredentialID is the affected credential, empty for pool-wide events.
	CredentialID string `json:"credential_id,omitempty"`

	// Lane is set for lane-related transitions.
	Lane string `json:"lane,omitempty"`

	// Detail carries human-readable context, e.g. a cooldown deadline.
	Detail string `json:"detail,omitempty"`

	// At is when the transition happened inside the pool.
	At time.Time `json:"at"`
}

// NewAuditEvent creates an event with a fresh ID and timestamp.
func NewAuditEvent(kind string) *AuditEvent {
	return &AuditEvent{
		ID:   uuid.NewString(),
		Kind: kind,
		At:   time.Now().UTC(),
	}
}

// DispatchRecord captures the outcome of one client request, covering every
// upstream attempt made on its behalf.
type DispatchRecord struct {
	RequestID    string        `json:"request_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Lane         string        `json:"lane,omitempty"`
	CredentialID string        `json:"credential_id,omitempty"`
	AffinityHit  bool          `json:"affinity_hit"`
	Attempts     int           `json:"attempts"`
	StatusCode   int           `json:"status_code,omitempty"`
	Status       RequestStatus `json:"status"`

	// ErrorCategory is the classified failure category on failure, e.g.
	// "rate_limited" or "auth_failure".
	ErrorCategory string `json:"error_category,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns the end-to-end time spent on the request.
func (r *DispatchRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Callback defines the interface for audit sinks.
// Implementations can ship events to various backends (S3, Slack, OTel).
type Callback interface {
	// Name returns the callback name for identification.
	Name() string

	// LogLifecycleEvent is called for each credential lifecycle transition.
	LogLifecycleEvent(ctx context.Context, event *AuditEvent) error

	// LogDispatchEvent is called after each request completes or fails.
	LogDispatchEvent(ctx context.Context, record *DispatchRecord) error

	// Shutdown gracefully shuts down the callback.
	Shutdown(ctx context.Context) error
}

// CallbackManager fans events out to multiple callbacks.
type CallbackManager struct {
	callbacks []Callback
	logger    *slog.Logger
}

// NewCallbackManager creates a new callback manager.
func NewCallbackManager(logger *slog.Logger) *CallbackManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackManager{
		callbacks: make([]Callback, 0),
		logger:    logger,
	}
}

// Register adds a callback to the manager.
func (m *CallbackManager) Register(cb Callback) {
	m.callbacks = append(m.callbacks, cb)
}

// Unregister removes a callback by name.
func (m *CallbackManager) Unregister(name string) {
	for i, cb := range m.callbacks {
		if cb.Name() == name {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// Names returns the names of all registered callbacks.
func (m *CallbackManager) Names() []string {
	names := make([]string, len(m.callbacks))
	for i, cb := range m.callbacks {
		names[i] = cb.Name()
	}
	return names
}

// LogLifecycleEvent calls all registered callbacks.
func (m *CallbackManager) LogLifecycleEvent(ctx context.Context, event *AuditEvent) {
	for _, cb := range m.callbacks {
		if err := cb.LogLifecycleEvent(ctx, event); err != nil {
			m.logger.Error("callback LogLifecycleEvent failed",
				"callback", cb.Name(), "kind", event.Kind, "error", err)
		}
	}
}

// LogDispatchEvent calls all registered callbacks.
func (m *CallbackManager) LogDispatchEvent(ctx context.Context, record *DispatchRecord) {
	for _, cb := range m.callbacks {
		if err := cb.LogDispatchEvent(ctx, record); err != nil {
			m.logger.Error("callback LogDispatchEvent failed",
				"callback", cb.Name(), "request_id", record.RequestID, "error", err)
		}
	}
}

// Shutdown gracefully shuts down all callbacks.
func (m *CallbackManager) Shutdown(ctx context.Context) error {
	for _, cb := range m.callbacks {
		if err := cb.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
