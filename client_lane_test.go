package credmux

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/pkg/credential"
)

const gateMessage = "The long context beta (context-1m-2025-08-07) is not enabled for this organization"

// gatedUpstream refuses attempts carrying the long-context beta while gateOn
// holds, and succeeds otherwise. betaCalls and plainCalls split the traffic by
// whether the feature header was present.
func gatedUpstream(t *testing.T, gateOn *atomic.Bool, betaCalls, plainCalls *atomic.Int32) string {
	t.Helper()
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("anthropic-beta"), "context-1m") {
			betaCalls.Add(1)
			if gateOn.Load() {
				writeAPIError(w, http.StatusBadRequest, "invalid_request_error", gateMessage)
				return
			}
		} else {
			plainCalls.Add(1)
		}
		fmt.Fprint(w, okBody)
	})
	return srv.URL
}

func TestExecute_LongContextGateDemotesLane(t *testing.T) {
	var gateOn atomic.Bool
	gateOn.Store(true)
	var betaCalls, plainCalls atomic.Int32
	url := gatedUpstream(t, &gateOn, &betaCalls, &plainCalls)

	client := newTestClient(t,
		WithCredential("key-gated-000000000", KindAPIKey),
		WithBaseURL(url),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-opus-4-1-1m", false, nil)
	require.Equal(t, "claude-opus-4-1", rc.Model)
	require.NotEmpty(t, rc.RequiredLane)

	// First call probes the feature, gets gated, and succeeds feature-off
	// within the same request.
	res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, "claude-opus-4-1-1m")})
	require.NoError(t, err)
	res.Body.Close()
	require.EqualValues(t, 1, betaCalls.Load())
	require.EqualValues(t, 1, plainCalls.Load())

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "valid", snaps[0].Health)
	require.Equal(t, LaneDisabled, snaps[0].Lanes[rc.RequiredLane])

	// The demotion sticks: the next request goes out feature-off from the
	// first attempt.
	res, err = client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, "claude-opus-4-1-1m")})
	require.NoError(t, err)
	res.Body.Close()
	require.EqualValues(t, 1, betaCalls.Load())
	require.EqualValues(t, 2, plainCalls.Load())
}

func TestExecute_EnabledLaneSurvivesGate(t *testing.T) {
	var gateOn atomic.Bool
	gateOn.Store(true)
	var betaCalls, plainCalls atomic.Int32
	url := gatedUpstream(t, &gateOn, &betaCalls, &plainCalls)

	client := newTestClient(t,
		WithCredential("key-pinned-00000000", KindAPIKey),
		WithBaseURL(url),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-opus-4-1-1m", false, nil)
	id := credential.IDFor("key-pinned-00000000")
	require.NoError(t, client.SetLane(context.Background(), id, rc.RequiredLane, LaneEnabled))

	// The gate rejection does not demote an operator-enabled lane, but the
	// request still finishes feature-off.
	res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, "claude-opus-4-1-1m")})
	require.NoError(t, err)
	res.Body.Close()
	require.EqualValues(t, 1, betaCalls.Load())
	require.EqualValues(t, 1, plainCalls.Load())

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, LaneEnabled, snaps[0].Lanes[rc.RequiredLane])

	// The override holds, so the next request probes the feature again.
	res, err = client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, "claude-opus-4-1-1m")})
	require.NoError(t, err)
	res.Body.Close()
	require.EqualValues(t, 2, betaCalls.Load())
	require.EqualValues(t, 2, plainCalls.Load())
}

func TestResetLane_RestoresProbing(t *testing.T) {
	var gateOn atomic.Bool
	gateOn.Store(true)
	var betaCalls, plainCalls atomic.Int32
	url := gatedUpstream(t, &gateOn, &betaCalls, &plainCalls)

	client := newTestClient(t,
		WithCredential("key-probed-00000000", KindAPIKey),
		WithBaseURL(url),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5-1m", false, nil)
	id := credential.IDFor("key-probed-00000000")

	res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, "claude-sonnet-4-5-1m")})
	require.NoError(t, err)
	res.Body.Close()
	require.EqualValues(t, 1, betaCalls.Load())

	// Upstream access granted after the fact; only an explicit reset makes
	// the pool probe again.
	gateOn.Store(false)

	res, err = client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, "claude-sonnet-4-5-1m")})
	require.NoError(t, err)
	res.Body.Close()
	require.EqualValues(t, 1, betaCalls.Load())

	require.NoError(t, client.ResetLane(context.Background(), id, rc.RequiredLane))

	res, err = client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, "claude-sonnet-4-5-1m")})
	require.NoError(t, err)
	res.Body.Close()
	require.EqualValues(t, 2, betaCalls.Load())

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.NotContains(t, snaps[0].Lanes, rc.RequiredLane)
}

func TestExecute_LaneRequestWithoutMarkerSkipsFeature(t *testing.T) {
	var sawBeta atomic.Bool
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-beta") != "" {
			sawBeta.Store(true)
		}
		fmt.Fprint(w, okBody)
	})

	client := newTestClient(t,
		WithCredential("key-plain-000000000", KindAPIKey),
		WithBaseURL(srv.URL),
	)

	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5", false, nil)
	require.Empty(t, rc.RequiredLane)

	res, err := client.Execute(context.Background(), &Request{Context: rc, Body: messagesBody(t, rc.Model)})
	require.NoError(t, err)
	res.Body.Close()
	require.False(t, sawBeta.Load())
}
