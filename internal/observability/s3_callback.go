// Package observability provides an S3 callback that persists credential
// audit trails to object storage.
package observability

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

// S3Config contains configuration for S3 audit logging.
type S3Config struct {
	BucketName    string        // S3 bucket name
	Region        string        // AWS region
	AccessKeyID   string        // AWS access key (optional, uses default credentials if empty)
	SecretKey     string        // AWS secret key (optional)
	Endpoint      string        // Custom S3 endpoint (for MinIO, etc.)
	PathPrefix    string        // Prefix for S3 keys (e.g., "credmux/audit")
	FlushInterval time.Duration // Flush interval for batching
	BatchSize     int           // Max batch size before flush
}

// DefaultS3Config returns default configuration from environment.
func DefaultS3Config() S3Config {
	return S3Config{
		BucketName:    os.Getenv("CREDMUX_S3_BUCKET"),
		Region:        os.Getenv("AWS_REGION"),
		AccessKeyID:   os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Endpoint:      os.Getenv("CREDMUX_S3_ENDPOINT"),
		PathPrefix:    os.Getenv("CREDMUX_S3_PREFIX"),
		FlushInterval: 10 * time.Second,
		BatchSize:     64,
	}
}

// S3AuditEntry is a single JSONL line in the audit trail. Lifecycle events
// and dispatch outcomes share one flat schema distinguished by RecordType.
type S3AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RecordType string    `json:"record_type"`

	// Lifecycle fields
	EventID      string `json:"event_id,omitempty"`
	Kind         string `json:"kind,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
	Lane         string `json:"lane,omitempty"`
	Detail       string `json:"detail,omitempty"`

	// Dispatch fields
	RequestID     string `json:"request_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	AffinityHit   bool   `json:"affinity_hit,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	Status        string `json:"status,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMs     int64  `json:"latency_ms,omitempty"`
}

// S3Callback implements Callback for S3 audit logging.
type S3Callback struct {
	config   S3Config
	client   *s3.Client
	logQueue []S3AuditEntry
	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewS3Callback creates a new S3 callback.
func NewS3Callback(cfg S3Config) (*S3Callback, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("s3: bucket name is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	opts := []func(*config.LoadOptions) error{}

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	cb := &S3Callback{
		config:   cfg,
		client:   client,
		logQueue: make([]S3AuditEntry, 0, cfg.BatchSize),
		stopCh:   make(chan struct{}),
	}

	cb.wg.Add(1)
	go cb.flushLoop()

	return cb, nil
}

// Name returns the callback name.
func (s *S3Callback) Name() string {
	return "s3"
}

// LogLifecycleEvent queues a lifecycle transition for upload.
func (s *S3Callback) LogLifecycleEvent(ctx context.Context, event *AuditEvent) error {
	s.enqueue(S3AuditEntry{
		Timestamp:    event.At,
		RecordType:   "lifecycle",
		EventID:      event.ID,
		Kind:         event.Kind,
		CredentialID: event.CredentialID,
		Lane:         event.Lane,
		Detail:       event.Detail,
	})
	return nil
}

// LogDispatchEvent queues a dispatch outcome for upload.
func (s *S3Callback) LogDispatchEvent(ctx context.Context, record *DispatchRecord) error {
	s.enqueue(S3AuditEntry{
		Timestamp:     record.CompletedAt,
		RecordType:    "dispatch",
		RequestID:     record.RequestID,
		Provider:      record.Provider,
		Model:         record.Model,
		Lane:          record.Lane,
		CredentialID:  record.CredentialID,
		AffinityHit:   record.AffinityHit,
		Attempts:      record.Attempts,
		StatusCode:    record.StatusCode,
		Status:        string(record.Status),
		ErrorCategory: record.ErrorCategory,
		Error:         record.ErrorMessage,
		LatencyMs:     record.Duration().Milliseconds(),
	})
	return nil
}

// Shutdown flushes remaining entries and stops the callback.
func (s *S3Callback) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	return s.flush(ctx)
}

// enqueue adds an entry to the queue.
func (s *S3Callback) enqueue(entry S3AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logQueue = append(s.logQueue, entry)

	if len(s.logQueue) >= s.config.BatchSize {
		go s.flush(context.Background())
	}
}

// flushLoop periodically flushes entries.
func (s *S3Callback) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// flush uploads queued entries to S3.
func (s *S3Callback) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.logQueue) == 0 {
		s.mu.Unlock()
		return nil
	}

	entries := s.logQueue
	s.logQueue = make([]S3AuditEntry, 0, s.config.BatchSize)
	s.mu.Unlock()

	// Build JSONL content
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range entries {
		if err := encoder.Encode(&entries[i]); err != nil {
			continue
		}
	}

	now := time.Now().UTC()
	key := s.generateKey(now)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})

	if err != nil {
		return fmt.Errorf("s3: failed to upload audit batch: %w", err)
	}

	return nil
}

// generateKey generates an S3 key with date partitioning.
func (s *S3Callback) generateKey(t time.Time) string {
	// Format: prefix/year=YYYY/month=MM/day=DD/hour=HH/events_timestamp.jsonl
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())

	filename := fmt.Sprintf("events_%d.jsonl", t.UnixNano())

	if s.config.PathPrefix != "" {
		return path.Join(s.config.PathPrefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}
