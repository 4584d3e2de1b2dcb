package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Manager resolves credential secret references from configuration. A
// reference is either a literal secret ("sk-ant-...") or a URI routed to a
// registered provider by scheme ("env://CREDMUX_OAUTH_TOKEN",
// "vault://secret/data/credmux#refresh_token").
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates an empty manager. Register providers before resolving.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register installs a provider for a URI scheme such as "vault" or "env".
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Resolve turns one secret reference into its raw value. References without a
// scheme are literals and pass through unchanged.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, found := strings.Cut(ref, "://")
	if !found {
		return ref, nil
	}

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme: %s", scheme)
	}

	return provider.Get(ctx, path)
}

// ResolveAll resolves a list of references in order, failing on the first
// unresolvable one. Used when loading the configured credential roster.
func (m *Manager) ResolveAll(ctx context.Context, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		val, err := m.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %q: %w", redactRef(ref), err)
		}
		out = append(out, val)
	}
	return out, nil
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to close providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// redactRef keeps scheme references readable in errors while never echoing a
// literal secret back.
func redactRef(ref string) string {
	if strings.Contains(ref, "://") {
		return ref
	}
	if len(ref) <= 8 {
		return "***"
	}
	return ref[:4] + "..."
}
