package secret

import "context"

// Provider retrieves credential secrets from one backing source. Implementations
// exist for environment variables and HashiCorp Vault; the raw value is handed
// to the pool at submit time and never written back anywhere.
type Provider interface {
	// Get retrieves the secret value for the given path, with the scheme
	// already stripped (for "env://CREDMUX_TOKEN" the path is "CREDMUX_TOKEN").
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
