// Package upstream defines the public contract for upstream callers: the
// component that performs the outbound HTTP call for a dispatched credential
// and classifies error responses for the retry policy.
package upstream

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/credmux/pkg/credential"
	"github.com/blueberrycongee/credmux/pkg/types"
)

// Attempt is one outbound try: the request context, the already-encoded
// upstream-dialect body, and the authorization material for the chosen
// credential. Dialect translation happens before credmux; the body passes
// through untouched.
type Attempt struct {
	Context types.RequestContext

	// Body is the upstream-dialect payload as produced by the collaborator.
	Body json.RawMessage

	// AccessToken authorizes the call: the raw secret for api_key
	// credentials, a minted bearer token for oauth ones.
	AccessToken string

	// Kind selects the authorization header scheme.
	Kind credential.Kind

	// Lane and LaneActive carry the dispatch decision for the feature lane.
	Lane       credential.LaneKey
	LaneActive bool
}

// Result is the raw upstream response. Body streams for SSE responses and is
// only drained by the classifier on error statuses.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Caller performs upstream calls and owns their error classification.
type Caller interface {
	// Name returns the upstream identifier (e.g. "anthropic").
	Name() string

	// Do performs the call. Non-2xx responses come back as a Result, not an
	// error; err is non-nil only for transport failures.
	Do(ctx context.Context, attempt *Attempt) (*Result, error)

	// MapError classifies a non-2xx response into an *errors.UpstreamError.
	// Classification is body-content sensitive: a long-context gate
	// rejection and a standard rate limit can share a status code.
	MapError(statusCode int, header http.Header, body []byte) error
}
