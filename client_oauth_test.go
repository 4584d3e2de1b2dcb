package credmux

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTokenEndpoint serves refresh grants. mint decides each response given the
// 1-based mint number.
func newTokenEndpoint(t *testing.T, mint func(n int32, w http.ResponseWriter)) (string, *atomic.Int32) {
	t.Helper()
	var mints atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.NotEmpty(t, r.PostForm.Get("refresh_token"))
		mint(mints.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, &mints
}

func writeToken(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, token)
}

func writeGrantRejection(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprint(w, `{"error":"invalid_grant"}`)
}

func TestExecute_OAuthBearer(t *testing.T) {
	tokenURL, mints := newTokenEndpoint(t, func(n int32, w http.ResponseWriter) {
		writeToken(w, fmt.Sprintf("tok-%d", n))
	})

	var calls atomic.Int32
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.Contains(t, r.Header.Get("anthropic-beta"), "oauth-2025-04-20")
		require.Empty(t, r.Header.Get("x-api-key"))
		fmt.Fprint(w, okBody)
	})

	client := newTestClient(t,
		WithCredential("rt-refresh-secret-alpha", KindOAuth),
		WithOAuth(tokenURL, "client-test"),
		WithBaseURL(srv.URL),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5", false, nil)
	res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
	require.NoError(t, err)
	res.Body.Close()

	// The second request reuses the cached token.
	res, err = client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
	require.NoError(t, err)
	res.Body.Close()

	require.EqualValues(t, 1, mints.Load())
	require.EqualValues(t, 2, calls.Load())
}

func TestExecute_ReauthMintsFreshToken(t *testing.T) {
	tokenURL, mints := newTokenEndpoint(t, func(n int32, w http.ResponseWriter) {
		writeToken(w, fmt.Sprintf("tok-%d", n))
	})

	var calls atomic.Int32
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			writeAPIError(w, http.StatusUnauthorized, "authentication_error", "token expired")
			return
		}
		fmt.Fprint(w, okBody)
	})

	client := newTestClient(t,
		WithCredential("rt-refresh-secret-alpha", KindOAuth),
		WithOAuth(tokenURL, "client-test"),
		WithBaseURL(srv.URL),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5", false, nil)
	res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
	require.NoError(t, err)
	res.Body.Close()

	// One rejected token, one forced refresh, one successful replay; the
	// credential never left the pool.
	require.EqualValues(t, 2, mints.Load())
	require.EqualValues(t, 2, calls.Load())

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "valid", snaps[0].Health)
}

func TestExecute_RefreshRejectionInvalidates(t *testing.T) {
	tokenURL, mints := newTokenEndpoint(t, func(n int32, w http.ResponseWriter) {
		writeGrantRejection(w)
	})

	var calls atomic.Int32
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, okBody)
	})

	client := newTestClient(t,
		WithCredential("rt-revoked-secret-alpha", KindOAuth),
		WithOAuth(tokenURL, "client-test"),
		WithBaseURL(srv.URL),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5", false, nil)
	_, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
	require.ErrorIs(t, err, ErrNoCredentialAvailable)

	// The refresh token was rejected outright; upstream never saw a call.
	require.EqualValues(t, 1, mints.Load())
	require.EqualValues(t, 0, calls.Load())

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestExecute_ReauthFailureInvalidates(t *testing.T) {
	tokenURL, mints := newTokenEndpoint(t, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			writeToken(w, "tok-1")
			return
		}
		writeGrantRejection(w)
	})

	var calls atomic.Int32
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusUnauthorized, "authentication_error", "token revoked")
	})

	client := newTestClient(t,
		WithCredential("rt-dying-secret-alpha0", KindOAuth),
		WithOAuth(tokenURL, "client-test"),
		WithBaseURL(srv.URL),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5", false, nil)
	_, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
	require.ErrorIs(t, err, ErrNoCredentialAvailable)

	// The upstream rejection triggered one forced refresh; its failure is
	// what invalidated the credential.
	require.EqualValues(t, 2, mints.Load())
	require.EqualValues(t, 1, calls.Load())

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestExecute_MixedKindsRoundRobin(t *testing.T) {
	tokenURL, _ := newTokenEndpoint(t, func(n int32, w http.ResponseWriter) {
		writeToken(w, "tok-oauth")
	})

	var mu sync.Mutex
	var auths []string
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if h := r.Header.Get("Authorization"); h != "" {
			auths = append(auths, h)
		} else {
			auths = append(auths, "key:"+r.Header.Get("x-api-key"))
		}
		mu.Unlock()
		fmt.Fprint(w, okBody)
	})

	client := newTestClient(t,
		WithCredential("sk-static-key-alpha00", KindAPIKey),
		WithCredential("rt-refresh-secret-beta", KindOAuth),
		WithOAuth(tokenURL, "client-test"),
		WithBaseURL(srv.URL),
	)

	for i := 0; i < 2; i++ {
		rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5", false, nil)
		res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
		require.NoError(t, err)
		res.Body.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"key:sk-static-key-alpha00", "Bearer tok-oauth"}, auths)
}

func TestOAuthBetaHeaderNotSentForAPIKey(t *testing.T) {
	var beta atomic.Value
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		beta.Store(r.Header.Get("anthropic-beta"))
		fmt.Fprint(w, okBody)
	})

	client := newTestClient(t,
		WithCredential("sk-static-key-alpha00", KindAPIKey),
		WithBaseURL(srv.URL),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5", false, nil)
	res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
	require.NoError(t, err)
	res.Body.Close()
	require.False(t, strings.Contains(beta.Load().(string), "oauth"))
}
