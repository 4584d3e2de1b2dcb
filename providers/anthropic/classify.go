package anthropic

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/credmux/pkg/errors"
)

// gateMentions are the phrases that tie an error message to the 1M context
// feature. Matching is case-insensitive.
var gateMentions = []string{
	"context-1m",
	"1m context",
	"1m window",
}

// gateDenials are the refusal phrasings seen alongside a feature mention when
// an organization lacks long-context access.
var gateDenials = []string{
	"not enabled",
	"not available",
	"not allowed",
	"no access",
	"without access",
	"requires",
	"beta",
	"upgrade",
	"not found",
	"missing",
}

// MapError converts an Anthropic error response to a classified error. The
// long-context gate check runs first because a gate rejection can arrive
// under the same status codes as auth failures and rate limits; only the body
// text tells them apart.
func (p *Provider) MapError(statusCode int, header http.Header, body []byte) error {
	errType, message := parseErrorBody(body)

	if isLongContextDenied(statusCode, message) {
		return errors.NewLongContextGateError(ProviderName, message, statusCode)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.NewAuthFailureError(ProviderName, message, statusCode)
	case http.StatusTooManyRequests:
		return errors.NewRateLimitedError(ProviderName, message, retryAfterFrom(header))
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTransportError(ProviderName, message, statusCode)
	case http.StatusBadRequest:
		if errType == "invalid_request_error" {
			return errors.NewUnclassifiedError(ProviderName, message, statusCode, false)
		}
		return errors.NewUnclassifiedError(ProviderName, message, statusCode, true)
	case http.StatusNotFound:
		return errors.NewUnclassifiedError(ProviderName, message, statusCode, false)
	default:
		if statusCode >= http.StatusInternalServerError {
			return errors.NewTransportError(ProviderName, message, statusCode)
		}
		return errors.NewUnclassifiedError(ProviderName, message, statusCode, true)
	}
}

// parseErrorBody extracts the error type and message from an Anthropic error
// envelope. Unparseable bodies yield an "unknown error" message so every
// classified error still reads.
func parseErrorBody(body []byte) (errType, message string) {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message = "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		errType = errResp.Error.Type
		message = errResp.Error.Message
	}
	return errType, message
}

// isLongContextDenied reports whether a response is the upstream refusing the
// 1M context feature. It requires a gate-capable status, a message that
// mentions the feature, and a denial phrasing; all three guard against
// misreading an ordinary failure as a gate rejection.
func isLongContextDenied(statusCode int, message string) bool {
	switch statusCode {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
	default:
		return false
	}

	msg := strings.ToLower(message)

	mentioned := false
	for _, m := range gateMentions {
		if strings.Contains(msg, m) {
			mentioned = true
			break
		}
	}
	if !mentioned && strings.Contains(msg, "1m") && strings.Contains(msg, "context") {
		mentioned = true
	}
	if !mentioned {
		return false
	}

	for _, d := range gateDenials {
		if strings.Contains(msg, d) {
			return true
		}
	}
	return false
}

// retryAfterFrom extracts the upstream-announced wait from rate limit
// headers. Retry-After wins (delta seconds or an HTTP date); otherwise the
// anthropic-ratelimit-unified-reset unix timestamp is used. Zero means the
// upstream announced nothing usable.
func retryAfterFrom(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	if v := header.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
		}
	}

	return 0
}
