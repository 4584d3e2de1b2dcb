// Package env implements a secret provider that reads from environment
// variables. Values are trimmed: tokens pasted into env files routinely carry
// a trailing newline, and whitespace is never part of a credential secret.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider implements the secret.Provider interface for environment variables.
type Provider struct{}

// New creates a new env provider.
func New() *Provider {
	return &Provider{}
}

// Get retrieves the value of the environment variable named by path.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", fmt.Errorf("environment variable %q is empty", path)
	}
	return val, nil
}

// Close is a no-op for the env provider.
func (p *Provider) Close() error {
	return nil
}
