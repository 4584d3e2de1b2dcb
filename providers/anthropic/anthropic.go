// Package anthropic implements the upstream caller for the Anthropic Messages
// API. Request bodies pass through untouched apart from model-name
// normalization; authorization and beta-feature headers are derived from the
// dispatched credential and the attempt's lane decision.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/credmux/pkg/credential"
	"github.com/blueberrycongee/credmux/pkg/upstream"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// OAuthTokenURL is the token endpoint for oauth-kind credentials.
	OAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"

	// OAuthClientID is the public client identifier used in refresh grants.
	OAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// betaOAuth must accompany every bearer-authorized call.
	betaOAuth = "oauth-2025-04-20"

	// betaLongContext turns on the 1M context window.
	betaLongContext = "context-1m-2025-08-07"
)

// Provider sends dispatch attempts to the Anthropic Messages API.
type Provider struct {
	baseURL    string
	apiVersion string
	headers    map[string]string
	httpClient *http.Client
}

// New creates an Anthropic caller with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		headers:    make(map[string]string),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ upstream.Caller = (*Provider)(nil)

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// Do sends one attempt to /v1/messages. Any HTTP response, success or not,
// comes back as a Result; the error return is reserved for transport
// failures. The caller owns closing Result.Body.
func (p *Provider) Do(ctx context.Context, att *upstream.Attempt) (*upstream.Result, error) {
	body, err := normalizeBody(att.Body, att.Context.Model)
	if err != nil {
		return nil, fmt.Errorf("normalize request body: %w", err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", p.apiVersion)
	switch att.Kind {
	case credential.KindOAuth:
		httpReq.Header.Set("Authorization", "Bearer "+att.AccessToken)
	default:
		httpReq.Header.Set("x-api-key", att.AccessToken)
	}
	if beta := p.betaHeader(att); beta != "" {
		httpReq.Header.Set("anthropic-beta", beta)
	}
	if att.Context.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	return &upstream.Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// betaHeader plans the anthropic-beta value for one attempt. Bearer calls
// always carry the oauth beta; the long-context beta is added only when the
// lane decision turned the feature on.
func (p *Provider) betaHeader(att *upstream.Attempt) string {
	var betas []string
	if att.Kind == credential.KindOAuth {
		betas = append(betas, betaOAuth)
	}
	if att.Lane != "" && att.LaneActive {
		betas = append(betas, betaLongContext)
	}
	return strings.Join(betas, ",")
}

// normalizeBody rewrites the body's model field when it still carries an
// inbound alias (for example a long-context marker the dispatcher stripped).
// Bodies already naming the normalized model pass through untouched.
func normalizeBody(body json.RawMessage, model string) (json.RawMessage, error) {
	if model == "" || len(body) == 0 {
		return body, nil
	}

	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}
	if probe.Model == model || probe.Model == "" {
		return body, nil
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["model"] = model
	return json.Marshal(m)
}
