// Package observability provides logging utilities with sensitive data redaction.
package observability

import (
	"regexp"
	"strings"
)

// Redactor masks credential material in log output. Every string that may
// carry a raw secret (upstream error bodies, token endpoint responses,
// resolved config values) should pass through Redact before logging.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a new redactor with default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// OAuth tokens before the generic key pattern, they share the sk-ant prefix
	r.AddPattern(`sk-ant-oat[0-9]{2}-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OAUTH_ACCESS_TOKEN]", "oauth_access_token")
	r.AddPattern(`sk-ant-ort[0-9]{2}-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OAUTH_REFRESH_TOKEN]", "oauth_refresh_token")

	// API keys
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_API_KEY]", "api_key")
	r.AddPattern(`[a-f0-9]{32}`, "[REDACTED_API_KEY]", "generic_api_key")

	// Token fields in JSON or form-encoded bodies
	r.AddPattern(`"(access_token|refresh_token|client_secret)"\s*:\s*"[^"]+"`, `"$1":"[REDACTED]"`, "token_field")
	r.AddPattern(`(refresh_token|access_token|client_secret)=[^&\s]+`, "$1=[REDACTED]", "token_param")

	// Bearer tokens
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")

	// Credential headers written into messages verbatim
	r.AddPattern(`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header")
	r.AddPattern(`x-api-key:\s*[^\s]+`, "x-api-key: [REDACTED]", "api_key_header")
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return // Skip invalid patterns
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactMap redacts sensitive values in a map.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = r.redactValue(k, v)
	}
	return result
}

func (r *Redactor) redactValue(key string, value any) any {
	// Check if key itself suggests sensitive data. Identifier keys like
	// credential_id name a credential without carrying its secret.
	lowerKey := strings.ToLower(key)
	if !strings.HasSuffix(lowerKey, "_id") && lowerKey != "id" {
		sensitiveKeys := []string{"key", "token", "secret", "password", "auth", "credential"}
		for _, sk := range sensitiveKeys {
			if strings.Contains(lowerKey, sk) {
				return "[REDACTED]"
			}
		}
	}

	switch v := value.(type) {
	case string:
		return r.Redact(v)
	case map[string]any:
		return r.RedactMap(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = r.redactValue("", item)
		}
		return result
	default:
		return value
	}
}

// RedactHeaders redacts sensitive HTTP headers.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	sensitiveHeaders := map[string]bool{
		"authorization": true,
		"x-api-key":     true,
		"api-key":       true,
		"x-auth-token":  true,
		"cookie":        true,
		"set-cookie":    true,
	}

	result := make(map[string][]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			result[k] = []string{"[REDACTED]"}
		} else {
			result[k] = v
		}
	}
	return result
}
