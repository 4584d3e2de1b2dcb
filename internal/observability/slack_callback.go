// Package observability provides a Slack callback for alerting on credential
// lifecycle and dispatch failures.
package observability

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// lifecycleAlertKinds are the transitions worth waking somebody up for.
// Cooling and promotion are routine rotation noise and stay out of Slack.
var lifecycleAlertKinds = map[string]string{
	"credential_invalidated": "danger",
	"pool_exhausted":         "danger",
	"lane_demoted":           "warning",
}

// SlackConfig contains configuration for Slack alerting.
type SlackConfig struct {
	WebhookURL       string        // Slack webhook URL
	Channel          string        // Override channel (optional)
	Username         string        // Bot username (default: "credmux")
	IconEmoji        string        // Bot icon emoji (default: ":key:")
	AlertOnLifecycle bool          // Alert on credential lifecycle transitions
	AlertOnFailures  bool          // Alert on dispatch failures
	MinAlertInterval time.Duration // Minimum interval between alerts of the same kind
	FailureThreshold int           // Number of dispatch failures before alerting
}

// DefaultSlackConfig returns default configuration from environment.
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		WebhookURL:       os.Getenv("CREDMUX_SLACK_WEBHOOK_URL"),
		Channel:          os.Getenv("CREDMUX_SLACK_CHANNEL"),
		Username:         "credmux",
		IconEmoji:        ":key:",
		AlertOnLifecycle: true,
		AlertOnFailures:  true,
		MinAlertInterval: time.Minute,
		FailureThreshold: 1,
	}
}

// SlackCallback implements Callback for Slack alerting.
type SlackCallback struct {
	config       SlackConfig
	client       *http.Client
	caser        cases.Caser
	lastAlert    map[string]time.Time
	failureCount int
	mu           sync.Mutex
}

// slackMessage represents a Slack message payload.
type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// slackAttachment represents a Slack message attachment.
type slackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []slackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
	MarkdownIn []string     `json:"mrkdwn_in,omitempty"`
}

// slackField represents a field in a Slack attachment.
type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackCallback creates a new Slack callback.
func NewSlackCallback(cfg SlackConfig) (*SlackCallback, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("slack: webhook URL is required")
	}
	if cfg.Username == "" {
		cfg.Username = "credmux"
	}
	if cfg.MinAlertInterval <= 0 {
		cfg.MinAlertInterval = time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}

	return &SlackCallback{
		config:    cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		caser:     cases.Title(language.English),
		lastAlert: make(map[string]time.Time),
	}, nil
}

// Name returns the callback name.
func (s *SlackCallback) Name() string {
	return "slack"
}

// LogLifecycleEvent alerts on transitions listed in lifecycleAlertKinds.
// Alerts of the same kind are rate-limited so a pool that exhausts on every
// dispatch does not flood the channel.
func (s *SlackCallback) LogLifecycleEvent(ctx context.Context, event *AuditEvent) error {
	if !s.config.AlertOnLifecycle {
		return nil
	}

	color, ok := lifecycleAlertKinds[event.Kind]
	if !ok {
		return nil
	}

	s.mu.Lock()
	if time.Since(s.lastAlert[event.Kind]) < s.config.MinAlertInterval {
		s.mu.Unlock()
		return nil
	}
	s.lastAlert[event.Kind] = time.Now()
	s.mu.Unlock()

	msg := s.buildLifecycleMessage(event, color)
	return s.send(ctx, msg)
}

// LogDispatchEvent alerts on dispatch failures, with threshold and interval
// rate limiting. Successes reset the failure counter.
func (s *SlackCallback) LogDispatchEvent(ctx context.Context, record *DispatchRecord) error {
	if record.Status == RequestStatusSuccess {
		s.mu.Lock()
		s.failureCount = 0
		s.mu.Unlock()
		return nil
	}

	if !s.config.AlertOnFailures {
		return nil
	}

	s.mu.Lock()
	s.failureCount++
	if s.failureCount < s.config.FailureThreshold {
		s.mu.Unlock()
		return nil
	}
	if time.Since(s.lastAlert["dispatch_failure"]) < s.config.MinAlertInterval {
		s.mu.Unlock()
		return nil
	}
	s.lastAlert["dispatch_failure"] = time.Now()
	failureCount := s.failureCount
	s.failureCount = 0
	s.mu.Unlock()

	msg := s.buildFailureMessage(record, failureCount)
	return s.send(ctx, msg)
}

// Shutdown is a no-op for Slack.
func (s *SlackCallback) Shutdown(ctx context.Context) error {
	return nil
}

// buildLifecycleMessage builds a Slack message for a lifecycle transition.
func (s *SlackCallback) buildLifecycleMessage(event *AuditEvent, color string) slackMessage {
	title := fmt.Sprintf(":rotating_light: %s", s.caser.String(strings.ReplaceAll(event.Kind, "_", " ")))

	fields := []slackField{}
	if event.CredentialID != "" {
		fields = append(fields, slackField{Title: "Credential", Value: event.CredentialID, Short: true})
	}
	if event.Lane != "" {
		fields = append(fields, slackField{Title: "Lane", Value: event.Lane, Short: true})
	}
	if event.Detail != "" {
		fields = append(fields, slackField{Title: "Detail", Value: event.Detail, Short: false})
	}
	fields = append(fields, slackField{Title: "Event ID", Value: event.ID, Short: true})

	return slackMessage{
		Channel:   s.config.Channel,
		Username:  s.config.Username,
		IconEmoji: s.config.IconEmoji,
		Attachments: []slackAttachment{
			{
				Color:      color,
				Title:      title,
				Fields:     fields,
				Footer:     "credmux alert",
				Timestamp:  event.At.Unix(),
				MarkdownIn: []string{"text"},
			},
		},
	}
}

// buildFailureMessage builds a Slack message for a dispatch failure.
func (s *SlackCallback) buildFailureMessage(record *DispatchRecord, failureCount int) slackMessage {
	fields := []slackField{
		{Title: "Provider", Value: record.Provider, Short: true},
		{Title: "Request ID", Value: record.RequestID, Short: true},
	}
	if record.Model != "" {
		fields = append(fields, slackField{Title: "Model", Value: record.Model, Short: true})
	}
	if record.ErrorCategory != "" {
		fields = append(fields, slackField{Title: "Category", Value: record.ErrorCategory, Short: true})
	}
	if record.StatusCode != 0 {
		fields = append(fields, slackField{Title: "Status Code", Value: fmt.Sprintf("%d", record.StatusCode), Short: true})
	}
	if record.CredentialID != "" {
		fields = append(fields, slackField{Title: "Credential", Value: record.CredentialID, Short: true})
	}

	errorMsg := record.ErrorMessage
	if errorMsg == "" {
		errorMsg = "unknown error"
	}
	if len(errorMsg) > 500 {
		errorMsg = errorMsg[:500] + "..."
	}

	title := ":x: Dispatch Failed"
	if failureCount > 1 {
		title = fmt.Sprintf(":x: Dispatch Failed (%d failures)", failureCount)
	}

	return slackMessage{
		Channel:   s.config.Channel,
		Username:  s.config.Username,
		IconEmoji: s.config.IconEmoji,
		Attachments: []slackAttachment{
			{
				Color:      "danger",
				Title:      title,
				Text:       fmt.Sprintf("```%s```", errorMsg),
				Fields:     fields,
				Footer:     "credmux alert",
				Timestamp:  time.Now().Unix(),
				MarkdownIn: []string{"text"},
			},
		},
	}
}

// send sends a message to Slack.
func (s *SlackCallback) send(ctx context.Context, msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: failed to send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: webhook returned status %d", resp.StatusCode)
	}

	return nil
}
