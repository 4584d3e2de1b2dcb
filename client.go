package credmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/credmux/caches/memory"
	"github.com/blueberrycongee/credmux/internal/config"
	"github.com/blueberrycongee/credmux/internal/httputil"
	"github.com/blueberrycongee/credmux/internal/metrics"
	"github.com/blueberrycongee/credmux/internal/oauth"
	"github.com/blueberrycongee/credmux/internal/observability"
	"github.com/blueberrycongee/credmux/internal/pool"
	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/credential"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
	"github.com/blueberrycongee/credmux/pkg/types"
	"github.com/blueberrycongee/credmux/pkg/upstream"
	"github.com/blueberrycongee/credmux/providers/anthropic"
)

// Request is one inbound call ready for dispatch: the parsed request context
// and the already-encoded upstream-dialect body. Dialect translation happens
// before credmux; the body passes through untouched.
type Request struct {
	Context types.RequestContext
	Body    json.RawMessage
}

// Client is the credmux entry point. It owns the credential pool, the
// affinity store, the OAuth token lifecycle, and the retry loop around
// upstream calls.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	config *ClientConfig
	logger *observability.Logger

	pool   *pool.Actor
	tokens *oauth.Manager
	caller upstream.Caller
	store  affinity.Store

	obs    *observability.Manager
	tracer trace.Tracer

	cfgWatcher *config.Manager

	ownsStore bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a credmux client with the given options.
//
// Example:
//
//	client, err := credmux.New(
//	    credmux.WithCredential(os.Getenv("ANTHROPIC_API_KEY"), credmux.KindAPIKey),
//	    credmux.WithCredential(os.Getenv("CLAUDE_REFRESH_TOKEN"), credmux.KindOAuth),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	logger := observability.WrapLogger(cfg.Logger)

	c := &Client{
		config: cfg,
		logger: logger,
	}

	c.store = cfg.AffinityStore
	switch {
	case cfg.AffinityDisabled:
		c.store = affinity.NoopStore{}
	case c.store == nil:
		c.store = memory.New(memory.Config{TTL: cfg.AffinityTTL, MaxEntries: cfg.AffinityCapacity})
		c.ownsStore = true
	case cfg.ownsAffinityStore:
		c.ownsStore = true
	}

	c.caller = cfg.Caller
	if c.caller == nil {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: cfg.Timeout}
		}
		copts := []anthropic.Option{anthropic.WithHTTPClient(httpClient)}
		if cfg.BaseURL != "" {
			copts = append(copts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		if cfg.APIVersion != "" {
			copts = append(copts, anthropic.WithAPIVersion(cfg.APIVersion))
		}
		for k, v := range cfg.UpstreamHeaders {
			copts = append(copts, anthropic.WithHeader(k, v))
		}
		c.caller = anthropic.New(copts...)
	}

	tokenURL, clientID := cfg.OAuthTokenURL, cfg.OAuthClientID
	if tokenURL == "" {
		tokenURL = anthropic.OAuthTokenURL
	}
	if clientID == "" {
		clientID = anthropic.OAuthClientID
	}
	c.tokens = oauth.NewManager(oauth.Config{
		TokenURL:        tokenURL,
		ClientID:        clientID,
		ExpiryMargin:    cfg.OAuthExpiryMargin,
		RefreshInterval: cfg.OAuthRefreshInterval,
		HTTPClient:      cfg.HTTPClient,
		Logger:          logger.Slog(),
	})

	c.pool = pool.New(pool.Config{
		Store:          c.store,
		CooldownPeriod: cfg.CooldownPeriod,
		Logger:         logger.Slog(),
		EventBuffer:    cfg.EventBuffer,
	})

	ctx := context.Background()
	obs, err := observability.NewManager(ctx, cfg.Observability, logger.Slog())
	if err != nil {
		c.pool.Close()
		if c.ownsStore {
			_ = c.store.Close()
		}
		return nil, fmt.Errorf("init observability: %w", err)
	}
	c.obs = obs
	c.tracer = obs.Tracer().Tracer()
	for _, cb := range cfg.Callbacks {
		obs.Callbacks().Register(cb)
	}

	c.wg.Add(1)
	go c.pumpEvents()

	for i, seed := range cfg.Credentials {
		if _, _, err := c.pool.Submit(ctx, seed.Secret, seed.Kind); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("submit credentials[%d]: %w", i, err)
		}
	}

	logger.Info("credmux client initialized",
		"credentials", len(cfg.Credentials),
		"provider", c.caller.Name(),
		"retry_count", cfg.RetryCount,
		"cooldown_period", cfg.CooldownPeriod,
	)

	return c, nil
}

// Execute runs one request through the full loop: dispatch a credential,
// resolve its access token, call upstream, and on failure classify the
// response, update pool state, and retry per policy. The returned Result's
// Body is open; the caller owns closing it.
//
// Terminal failures are ErrNoCredentialAvailable (pool empty, or drained by
// invalidations and cooldowns), a non-retryable classification, or retry
// exhaustion.
func (c *Client) Execute(ctx context.Context, req *Request) (*upstream.Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}

	rc := req.Context
	if rc.ID == "" {
		ctx, rc.ID = observability.GetOrCreateRequestID(ctx)
	} else {
		ctx = observability.ContextWithRequestID(ctx, rc.ID)
	}

	ctx, span := observability.StartDispatchSpan(ctx, c.tracer, "credmux.execute", observability.DispatchSpanAttributes{
		Provider: c.caller.Name(),
		Model:    rc.Model,
		Lane:     string(rc.RequiredLane),
		Stream:   rc.Stream,
	})
	defer span.End()

	rec := &observability.DispatchRecord{
		RequestID: rc.ID,
		Provider:  c.caller.Name(),
		Model:     rc.Model,
		Lane:      string(rc.RequiredLane),
		StartedAt: time.Now().UTC(),
	}

	res, err := c.run(ctx, rc, req.Body, rec)

	rec.CompletedAt = time.Now().UTC()
	if err != nil {
		rec.Status = observability.RequestStatusFailure
		rec.ErrorMessage = err.Error()
		var ue *crederrors.UpstreamError
		if errors.As(err, &ue) {
			rec.ErrorCategory = string(ue.Category)
			rec.StatusCode = ue.StatusCode
		}
		observability.RecordError(span, err)
	} else {
		rec.Status = observability.RequestStatusSuccess
		rec.StatusCode = res.StatusCode
	}
	observability.RecordDispatchResult(span, rec.CredentialID, rec.AffinityHit, rec.Attempts)
	c.obs.LogDispatchEvent(ctx, rec)

	return res, err
}

// run is the dispatch/retry loop behind Execute.
func (c *Client) run(ctx context.Context, rc types.RequestContext, body json.RawMessage, rec *observability.DispatchRecord) (*upstream.Result, error) {
	var fp *types.Fingerprint
	if rc.HasFingerprint {
		f := rc.Fingerprint
		fp = &f
	}

	logger := c.logger.WithRequestID(ctx)

	var lastErr error
	reauthed := false
	laneOff := false
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		disp, err := c.pool.Dispatch(ctx, fp, rc.RequiredLane)
		if err != nil {
			if errors.Is(err, crederrors.ErrNoCredentialAvailable) && lastErr != nil {
				return nil, fmt.Errorf("%w (last attempt: %v)", crederrors.ErrNoCredentialAvailable, lastErr)
			}
			return nil, err
		}

		cred := disp.Credential
		laneActive := disp.Lane != "" && disp.LaneActive && !laneOff

		rec.Attempts++
		rec.CredentialID = cred.ID
		if rec.Attempts == 1 {
			rec.AffinityHit = disp.AffinityHit
		}

		token, err := c.tokens.AccessToken(ctx, cred)
		if err != nil {
			lastErr = err
			if crederrors.CategoryOf(err) == crederrors.CategoryAuthFailure {
				// The refresh token itself was rejected; the credential is done.
				logger.RedactedError("refresh token rejected, invalidating credential",
					"credential_id", cred.ID, "error", err)
				c.report(ctx, outcomeFor(disp, laneActive, crederrors.CategoryAuthFailure, err))
				continue
			}
			retries++
			if retries > c.config.RetryCount {
				return nil, lastErr
			}
			metrics.UpstreamRetries.WithLabelValues(string(crederrors.CategoryOf(err))).Inc()
			if err := c.backoff(ctx, retries); err != nil {
				return nil, err
			}
			continue
		}

		res, err := c.attempt(ctx, rc, body, disp, token, laneActive)
		if err == nil {
			return res, nil
		}
		lastErr = err
		category := crederrors.CategoryOf(err)

		// An oauth credential rejected by upstream may simply hold a stale
		// access token: drop it, mint a fresh one, and retry the same
		// credential once before treating the rejection as definitive.
		if category == crederrors.CategoryAuthFailure && cred.Kind == credential.KindOAuth && !reauthed {
			reauthed = true
			logger.Warn("upstream rejected access token, re-authenticating", "credential_id", cred.ID)
			c.report(ctx, outcomeFor(disp, laneActive, crederrors.CategoryReauthRequired, err))
			c.tokens.Invalidate(cred.ID)

			fresh, rerr := c.tokens.ForceRefresh(ctx, cred)
			if rerr == nil {
				res, err = c.attempt(ctx, rc, body, disp, fresh, laneActive)
				if err == nil {
					return res, nil
				}
			} else {
				err = rerr
			}
			lastErr = err
			category = crederrors.CategoryOf(err)
		}

		logger.RedactedWarn("upstream attempt failed",
			"credential_id", cred.ID,
			"category", string(category),
			"status", statusOf(err),
			"error", err,
		)

		switch {
		case category == crederrors.CategoryAuthFailure:
			c.report(ctx, outcomeFor(disp, laneActive, category, err))
			continue

		case category == crederrors.CategoryRateLimited:
			c.report(ctx, outcomeFor(disp, laneActive, category, err))
			continue

		case category == crederrors.CategoryLongContextGate && laneActive:
			// Demote the lane (auto-probe only; operator overrides stick)
			// and retry with the feature off either way.
			c.report(ctx, outcomeFor(disp, laneActive, category, err))
			laneOff = true
			continue

		default:
			// Transport, unclassified, or a gate rejection on an attempt that
			// already had the feature off: bounded retries, then surface.
			c.report(ctx, outcomeFor(disp, laneActive, category, err))
			if !crederrors.IsRetryable(err) {
				return nil, err
			}
			retries++
			if retries > c.config.RetryCount {
				return nil, lastErr
			}
			metrics.UpstreamRetries.WithLabelValues(string(category)).Inc()
			if err := c.backoff(ctx, retries); err != nil {
				return nil, err
			}
			continue
		}
	}
}

// attempt performs one upstream call. Non-2xx responses come back classified
// through the caller's MapError; their bodies are captured for classification
// and never reach the caller of Execute.
func (c *Client) attempt(ctx context.Context, rc types.RequestContext, body json.RawMessage, disp *types.DispatchResult, token string, laneActive bool) (*upstream.Result, error) {
	att := &upstream.Attempt{
		Context:     rc,
		Body:        body,
		AccessToken: token,
		Kind:        disp.Credential.Kind,
		Lane:        disp.Lane,
		LaneActive:  laneActive,
	}

	start := time.Now()
	res, err := c.caller.Do(ctx, att)
	metrics.UpstreamLatency.WithLabelValues(c.caller.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(c.caller.Name(), "0").Inc()
		return nil, crederrors.NewTransportError(c.caller.Name(), err.Error(), 0)
	}

	metrics.UpstreamRequests.WithLabelValues(c.caller.Name(), strconv.Itoa(res.StatusCode)).Inc()
	if res.StatusCode < http.StatusBadRequest {
		return res, nil
	}

	errBody := httputil.CaptureErrorBody(res.Body)
	return nil, c.caller.MapError(res.StatusCode, res.Header, errBody)
}

// backoff sleeps before the next transport retry, growing exponentially from
// RetryBackoff and capped at RetryMaxBackoff.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	d := c.retryBackoff(attempt)
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Client) retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.config.RetryBackoff * time.Duration(1<<(attempt-1))
	if c.config.RetryMaxBackoff > 0 && d > c.config.RetryMaxBackoff {
		d = c.config.RetryMaxBackoff
	}
	return d
}

// report feeds one failed attempt back to the pool. Reports survive request
// cancellation: the rotation already happened, so the bookkeeping must land.
func (c *Client) report(ctx context.Context, o types.Outcome) {
	if err := c.pool.ReportOutcome(context.WithoutCancel(ctx), o); err != nil {
		c.logger.Warn("outcome report dropped",
			"credential_id", o.CredentialID, "category", string(o.Category), "error", err)
	}
}

// outcomeFor builds the pool report for one failed attempt. The lane is
// attached only when the attempt went out with the feature on.
func outcomeFor(disp *types.DispatchResult, laneActive bool, category crederrors.Category, err error) types.Outcome {
	o := types.Outcome{
		CredentialID: disp.Credential.ID,
		Category:     category,
		StatusCode:   statusOf(err),
	}
	if laneActive {
		o.Lane = disp.Lane
	}
	var ue *crederrors.UpstreamError
	if errors.As(err, &ue) {
		o.RetryAfter = ue.RetryAfter
	}
	return o
}

func statusOf(err error) int {
	var ue *crederrors.UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// Dispatch exposes the raw pool contract for callers that drive their own
// upstream I/O. A nil fingerprint skips the affinity path entirely.
func (c *Client) Dispatch(ctx context.Context, fp *types.Fingerprint, lane credential.LaneKey) (*types.DispatchResult, error) {
	return c.pool.Dispatch(ctx, fp, lane)
}

// ReportOutcome feeds one failed attempt's classification back to the pool,
// for callers using Dispatch directly.
func (c *Client) ReportOutcome(ctx context.Context, o types.Outcome) error {
	return c.pool.ReportOutcome(ctx, o)
}

// Submit adds a credential at runtime and returns its derived ID. added is
// false when the secret is already pooled.
func (c *Client) Submit(ctx context.Context, secret string, kind credential.Kind) (id string, added bool, err error) {
	return c.pool.Submit(ctx, secret, kind)
}

// Remove deletes a credential by ID. Removing an unknown ID reports
// found=false without error.
func (c *Client) Remove(ctx context.Context, id string) (found bool, err error) {
	return c.pool.Remove(ctx, id)
}

// List snapshots the pool: the valid queue in dispatch order, then cooling
// credentials. Secrets are redacted in the snapshots.
func (c *Client) List(ctx context.Context) ([]credential.Snapshot, error) {
	return c.pool.List(ctx)
}

// SetLane applies a sticky operator override for one credential's feature
// lane. Probe outcomes never change an override; use ResetLane to return the
// lane to probing.
func (c *Client) SetLane(ctx context.Context, id string, lane credential.LaneKey, state credential.LaneState) error {
	return c.pool.SetLane(ctx, id, lane, state)
}

// ResetLane clears any demotion or override, returning the lane to
// auto-probe.
func (c *Client) ResetLane(ctx context.Context, id string, lane credential.LaneKey) error {
	return c.pool.ResetLane(ctx, id, lane)
}

// SetCooldownPeriod changes the fallback cooling duration for subsequent
// rate-limit reports.
func (c *Client) SetCooldownPeriod(ctx context.Context, d time.Duration) error {
	return c.pool.SetCooldownPeriod(ctx, d)
}

// MetricsHandler returns the Prometheus scrape handler covering credmux
// metrics. Serving it is the embedder's choice; credmux opens no listener.
func (c *Client) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// watchConfig applies configuration file changes to the live pool.
func (c *Client) watchConfig(ctx context.Context, mgr *config.Manager) {
	c.cfgWatcher = mgr
	mgr.OnChange(func(cfg *config.Config) {
		if cfg.Dispatch.CooldownPeriod > 0 {
			if err := c.pool.SetCooldownPeriod(context.Background(), cfg.Dispatch.CooldownPeriod); err != nil {
				c.logger.Warn("cooldown update failed", "error", err)
			}
		}
	})
	if err := mgr.Watch(ctx); err != nil {
		c.logger.Warn("config watch failed, hot reload disabled", "error", err)
	}
}

// pumpEvents forwards pool lifecycle events to the audit sinks and keeps the
// token cache in step with pool membership. Runs until the pool closes.
func (c *Client) pumpEvents() {
	defer c.wg.Done()
	ctx := context.Background()
	for e := range c.pool.Events() {
		switch e.Kind {
		case pool.EventInvalidated, pool.EventRemoved:
			c.tokens.Forget(e.CredentialID)
		}

		ev := observability.NewAuditEvent(string(e.Kind))
		ev.CredentialID = e.CredentialID
		ev.Lane = string(e.Lane)
		ev.Detail = e.Detail
		if !e.At.IsZero() {
			ev.At = e.At
		}
		c.obs.LogLifecycleEvent(ctx, ev)
	}
}

// Close stops the pool actor, flushes the audit sinks, and releases the
// affinity store when the client created it. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cfgWatcher != nil {
			c.closeErr = c.cfgWatcher.Close()
		}

		c.pool.Close()
		c.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.obs.Shutdown(ctx); err != nil && c.closeErr == nil {
			c.closeErr = err
		}

		if c.ownsStore {
			if err := c.store.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.logger.Info("credmux client closed")
	})
	return c.closeErr
}
