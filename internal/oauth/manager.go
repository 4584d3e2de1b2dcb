// Package oauth mints and caches upstream access tokens for oauth-kind
// credentials. The credential secret is a refresh token; access tokens are
// exchanged on demand, cached until shortly before expiry, and re-minted at
// most once per throttle window per credential.
//
// API-key credentials bypass all of this: their secret is the token.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/credmux/internal/metrics"
	"github.com/blueberrycongee/credmux/pkg/credential"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

const (
	// DefaultExpiryMargin refreshes tokens this long before they expire.
	DefaultExpiryMargin = 300 * time.Second

	// DefaultRefreshInterval is the per-credential floor between refresh
	// grants. Forced refreshes after an upstream 401 skip it.
	DefaultRefreshInterval = 30 * time.Second

	// defaultTokenTTL covers tokens whose expiry cannot be determined.
	defaultTokenTTL = 30 * time.Minute
)

// ErrRefreshThrottled is returned when a credential's refresh floor has not
// elapsed since its last grant.
var ErrRefreshThrottled = errors.New("token refresh throttled")

// Config configures the token manager.
type Config struct {
	// TokenURL is the OAuth token endpoint for the refresh grant.
	TokenURL string

	// ClientID identifies this (public) client in refresh grants.
	ClientID string

	// ClientSecret is set only for confidential clients.
	ClientSecret string

	Scopes []string

	// ExpiryMargin refreshes tokens this long before expiry.
	ExpiryMargin time.Duration

	// RefreshInterval floors the time between refresh grants per credential.
	RefreshInterval time.Duration

	// HTTPClient overrides the client used for token exchanges.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Manager exchanges refresh tokens for access tokens and caches them per
// credential ID.
type Manager struct {
	conf   *oauth2.Config
	tokens *cache.Cache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	margin     time.Duration
	refreshGap time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewManager creates a token manager. TokenURL must be set for oauth-kind
// credentials to work; api-key credentials never reach the manager's
// exchange path.
func NewManager(cfg Config) *Manager {
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = DefaultExpiryMargin
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokens:     cache.New(defaultTokenTTL, 10*time.Minute),
		limiters:   make(map[string]*rate.Limiter),
		margin:     cfg.ExpiryMargin,
		refreshGap: cfg.RefreshInterval,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// AccessToken returns a token ready to send upstream. API-key credentials
// return their secret unchanged; oauth credentials hit the cache and fall
// back to a refresh grant.
func (m *Manager) AccessToken(ctx context.Context, cred *credential.Credential) (string, error) {
	if cred.Kind != credential.KindOAuth {
		return cred.Secret, nil
	}

	if val, found := m.tokens.Get(cred.ID); found {
		if tok, ok := val.(string); ok {
			metrics.TokenCacheLookups.WithLabelValues("hit").Inc()
			return tok, nil
		}
	}
	metrics.TokenCacheLookups.WithLabelValues("miss").Inc()

	return m.refresh(ctx, cred, false)
}

// ForceRefresh drops the cached token and mints a new one, skipping the
// refresh throttle. Used after upstream rejects a token that looked fresh.
func (m *Manager) ForceRefresh(ctx context.Context, cred *credential.Credential) (string, error) {
	m.tokens.Delete(cred.ID)
	return m.refresh(ctx, cred, true)
}

// Invalidate drops the cached token for a credential.
func (m *Manager) Invalidate(credentialID string) {
	m.tokens.Delete(credentialID)
}

func (m *Manager) refresh(ctx context.Context, cred *credential.Credential, force bool) (string, error) {
	if !force && !m.limiter(cred.ID).Allow() {
		metrics.TokenRefreshes.WithLabelValues("throttled").Inc()
		return "", fmt.Errorf("%w: %s", ErrRefreshThrottled, cred.ID)
	}

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	// Concurrent misses for the same credential may race here; the grants
	// are idempotent and the last write wins.
	ts := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.Secret})
	tok, err := ts.Token()
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return "", m.classifyRefreshError(cred, err)
	}

	ttl := m.cacheTTL(tok)
	m.tokens.Set(cred.ID, tok.AccessToken, ttl)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	m.logger.Info("access token refreshed",
		"credential_id", cred.ID,
		"valid_for", ttl,
	)
	return tok.AccessToken, nil
}

// classifyRefreshError maps token endpoint failures: a definitive rejection
// of the refresh token invalidates the credential, anything else is
// transient.
func (m *Manager) classifyRefreshError(cred *credential.Credential, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden {
			m.logger.Error("refresh token rejected",
				"credential_id", cred.ID,
				"status", code,
				"oauth_error", re.ErrorCode,
			)
			return crederrors.NewAuthFailureError("oauth", fmt.Sprintf("refresh token rejected: %s", re.ErrorCode), code)
		}
		return crederrors.NewTransportError("oauth", fmt.Sprintf("token endpoint returned %d", code), code)
	}
	return fmt.Errorf("token refresh: %w", err)
}

// cacheTTL derives how long the access token may be served from cache:
// its lifetime minus the expiry margin, floored at one minute.
func (m *Manager) cacheTTL(tok *oauth2.Token) time.Duration {
	exp := tok.Expiry
	if exp.IsZero() {
		exp = jwtExpiry(tok.AccessToken)
	}
	if exp.IsZero() {
		return defaultTokenTTL
	}
	ttl := time.Until(exp) - m.margin
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// jwtExpiry extracts the exp claim from a JWT-shaped access token without
// verifying it. Returns zero time when the token is opaque.
func jwtExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (m *Manager) limiter(id string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[id]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(m.refreshGap), 1)
	m.limiters[id] = l
	return l
}

// Forget releases cached state for a credential that left the pool.
func (m *Manager) Forget(credentialID string) {
	m.tokens.Delete(credentialID)
	m.mu.Lock()
	delete(m.limiters, credentialID)
	m.mu.Unlock()
}
