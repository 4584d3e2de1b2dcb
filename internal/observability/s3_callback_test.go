package observability

import (
	"context"
	"strings"
	"testing"
	"time"
)

// queueOnlyS3Callback builds a callback that never flushes, for testing the
// queueing and key layout without a bucket.
func queueOnlyS3Callback(prefix string) *S3Callback {
	return &S3Callback{
		config: S3Config{
			BucketName: "audit-test",
			PathPrefix: prefix,
			BatchSize:  1000,
		},
		logQueue: make([]S3AuditEntry, 0, 16),
		stopCh:   make(chan struct{}),
	}
}

func TestS3Callback_GenerateKey(t *testing.T) {
	cb := queueOnlyS3Callback("credmux/audit")

	ts := time.Date(2025, time.March, 7, 14, 5, 0, 123, time.UTC)
	key := cb.generateKey(ts)

	if !strings.HasPrefix(key, "credmux/audit/year=2025/month=03/day=07/hour=14/") {
		t.Errorf("unexpected key partitioning: %s", key)
	}
	if !strings.HasSuffix(key, ".jsonl") {
		t.Errorf("expected jsonl suffix, got %s", key)
	}
}

func TestS3Callback_GenerateKey_NoPrefix(t *testing.T) {
	cb := queueOnlyS3Callback("")

	key := cb.generateKey(time.Date(2025, time.December, 31, 23, 0, 0, 0, time.UTC))
	if !strings.HasPrefix(key, "year=2025/month=12/day=31/hour=23/") {
		t.Errorf("unexpected key without prefix: %s", key)
	}
}

func TestS3Callback_QueuesLifecycleEntries(t *testing.T) {
	cb := queueOnlyS3Callback("")

	ev := NewAuditEvent("credential_cooled")
	ev.CredentialID = "cred-1"
	ev.Detail = "cooling until 2025-03-07T15:00:00Z"

	if err := cb.LogLifecycleEvent(context.Background(), ev); err != nil {
		t.Fatalf("LogLifecycleEvent failed: %v", err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.logQueue) != 1 {
		t.Fatalf("expected one queued entry, got %d", len(cb.logQueue))
	}

	entry := cb.logQueue[0]
	if entry.RecordType != "lifecycle" {
		t.Errorf("expected lifecycle record type, got %q", entry.RecordType)
	}
	if entry.Kind != "credential_cooled" || entry.CredentialID != "cred-1" {
		t.Errorf("unexpected entry fields: %+v", entry)
	}
	if entry.EventID != ev.ID {
		t.Errorf("expected event ID carried over, got %q", entry.EventID)
	}
}

func TestS3Callback_QueuesDispatchEntries(t *testing.T) {
	cb := queueOnlyS3Callback("")

	start := time.Now()
	rec := &DispatchRecord{
		RequestID:     "req-1",
		Provider:      "anthropic",
		Model:         "claude-sonnet-4-5",
		Lane:          "sonnet-1m",
		CredentialID:  "cred-2",
		AffinityHit:   true,
		Attempts:      2,
		StatusCode:    429,
		Status:        RequestStatusFailure,
		ErrorCategory: "rate_limited",
		StartedAt:     start,
		CompletedAt:   start.Add(1200 * time.Millisecond),
	}

	if err := cb.LogDispatchEvent(context.Background(), rec); err != nil {
		t.Fatalf("LogDispatchEvent failed: %v", err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	entry := cb.logQueue[0]

	if entry.RecordType != "dispatch" {
		t.Errorf("expected dispatch record type, got %q", entry.RecordType)
	}
	if entry.LatencyMs != 1200 {
		t.Errorf("expected 1200ms latency, got %d", entry.LatencyMs)
	}
	if entry.ErrorCategory != "rate_limited" || entry.StatusCode != 429 {
		t.Errorf("unexpected failure fields: %+v", entry)
	}
	if !entry.AffinityHit || entry.Attempts != 2 {
		t.Errorf("unexpected dispatch fields: %+v", entry)
	}
}

func TestDefaultS3Config(t *testing.T) {
	t.Setenv("CREDMUX_S3_BUCKET", "audit-bucket")
	t.Setenv("CREDMUX_S3_PREFIX", "prod/audit")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg := DefaultS3Config()

	if cfg.BucketName != "audit-bucket" {
		t.Errorf("expected bucket from env, got %q", cfg.BucketName)
	}
	if cfg.PathPrefix != "prod/audit" {
		t.Errorf("expected prefix from env, got %q", cfg.PathPrefix)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("expected region from env, got %q", cfg.Region)
	}
	if cfg.FlushInterval != 10*time.Second || cfg.BatchSize != 64 {
		t.Errorf("unexpected batching defaults: %+v", cfg)
	}
}
