package pool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/caches/memory"
	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/credential"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
	"github.com/blueberrycongee/credmux/pkg/types"
)

func newTestActor(t *testing.T, cfg Config) *Actor {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := New(cfg)
	t.Cleanup(a.Close)
	return a
}

func mustSubmit(t *testing.T, a *Actor, secret string) string {
	t.Helper()
	id, added, err := a.Submit(context.Background(), secret, credential.KindAPIKey)
	require.NoError(t, err)
	require.True(t, added)
	return id
}

func fpRef(v uint64) *types.Fingerprint {
	fp := types.Fingerprint(v)
	return &fp
}

func dispatchID(t *testing.T, a *Actor, fp *types.Fingerprint) string {
	t.Helper()
	res, err := a.Dispatch(context.Background(), fp, "")
	require.NoError(t, err)
	return res.Credential.ID
}

func TestActor_Dispatch_RoundRobinRotation(t *testing.T) {
	a := newTestActor(t, Config{})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	idB := mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")
	idC := mustSubmit(t, a, "sk-test-cccccccccccc")

	picks := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		picks = append(picks, dispatchID(t, a, nil))
	}

	assert.Equal(t, []string{idA, idB, idC, idA, idB, idC}, picks)
}

func TestActor_Dispatch_TwoCredentialAlternation(t *testing.T) {
	a := newTestActor(t, Config{})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	idB := mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")

	assert.Equal(t, idA, dispatchID(t, a, nil))
	assert.Equal(t, idB, dispatchID(t, a, nil))
	assert.Equal(t, idA, dispatchID(t, a, nil))
}

func TestActor_Dispatch_AffinityPinStability(t *testing.T) {
	store := memory.New(memory.DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })
	a := newTestActor(t, Config{Store: store})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")
	mustSubmit(t, a, "sk-test-cccccccccccc")

	ctx := context.Background()
	first, err := a.Dispatch(ctx, fpRef(42), "")
	require.NoError(t, err)
	require.Equal(t, idA, first.Credential.ID)
	assert.False(t, first.AffinityHit)

	for i := 0; i < 5; i++ {
		res, err := a.Dispatch(ctx, fpRef(42), "")
		require.NoError(t, err)
		assert.Equal(t, idA, res.Credential.ID)
		assert.True(t, res.AffinityHit)
	}
}

func TestActor_Dispatch_AffinityHitDoesNotRotateQueue(t *testing.T) {
	store := memory.New(memory.DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })
	a := newTestActor(t, Config{Store: store})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	idB := mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")

	// Pinning rotates once: A moves to the tail.
	require.Equal(t, idA, dispatchID(t, a, fpRef(7)))
	// Plain dispatch continues from B, leaving the queue [A, B].
	require.Equal(t, idB, dispatchID(t, a, nil))

	// An affinity hit returns A without consuming A's queue turn.
	res, err := a.Dispatch(context.Background(), fpRef(7), "")
	require.NoError(t, err)
	require.Equal(t, idA, res.Credential.ID)
	require.True(t, res.AffinityHit)

	// The head is still A: the hit did not rotate.
	assert.Equal(t, idA, dispatchID(t, a, nil))
	assert.Equal(t, idB, dispatchID(t, a, nil))
}

func TestActor_Dispatch_RepinAfterInvalidation(t *testing.T) {
	store := memory.New(memory.DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })
	a := newTestActor(t, Config{Store: store})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	idB := mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")

	ctx := context.Background()
	require.Equal(t, idA, dispatchID(t, a, fpRef(123)))

	err := a.ReportOutcome(ctx, types.Outcome{
		CredentialID: idA,
		Category:     crederrors.CategoryAuthFailure,
		StatusCode:   401,
	})
	require.NoError(t, err)

	// The stale pin is a miss: rotation picks B and re-pins the fingerprint.
	res, err := a.Dispatch(ctx, fpRef(123), "")
	require.NoError(t, err)
	assert.Equal(t, idB, res.Credential.ID)
	assert.False(t, res.AffinityHit)

	res, err = a.Dispatch(ctx, fpRef(123), "")
	require.NoError(t, err)
	assert.Equal(t, idB, res.Credential.ID)
	assert.True(t, res.AffinityHit)
}

func TestActor_Dispatch_AffinityNeverOverridesCooling(t *testing.T) {
	store := memory.New(memory.DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })
	a := newTestActor(t, Config{Store: store})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	idB := mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")

	ctx := context.Background()
	require.Equal(t, idA, dispatchID(t, a, fpRef(9)))

	err := a.ReportOutcome(ctx, types.Outcome{
		CredentialID: idA,
		Category:     crederrors.CategoryRateLimited,
		StatusCode:   429,
		RetryAfter:   80 * time.Millisecond,
	})
	require.NoError(t, err)

	// A is cooling, so the pin is a miss even though the entry still exists.
	res, err := a.Dispatch(ctx, fpRef(9), "")
	require.NoError(t, err)
	assert.Equal(t, idB, res.Credential.ID)

	// After A wakes, the fingerprint stays with B: re-pinning moved it.
	time.Sleep(120 * time.Millisecond)
	res, err = a.Dispatch(ctx, fpRef(9), "")
	require.NoError(t, err)
	assert.Equal(t, idB, res.Credential.ID)
	assert.True(t, res.AffinityHit)
}

func TestActor_Dispatch_CooledCredentialRejoinsAtTail(t *testing.T) {
	a := newTestActor(t, Config{})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	idB := mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")
	idC := mustSubmit(t, a, "sk-test-cccccccccccc")

	err := a.ReportOutcome(context.Background(), types.Outcome{
		CredentialID: idA,
		Category:     crederrors.CategoryRateLimited,
		StatusCode:   429,
		RetryAfter:   100 * time.Millisecond,
	})
	require.NoError(t, err)

	// While A cools, rotation covers only B and C.
	assert.Equal(t, idB, dispatchID(t, a, nil))
	assert.Equal(t, idC, dispatchID(t, a, nil))

	time.Sleep(150 * time.Millisecond)

	// A rejoins at the tail: B and C keep their turn first.
	assert.Equal(t, idB, dispatchID(t, a, nil))
	assert.Equal(t, idC, dispatchID(t, a, nil))
	assert.Equal(t, idA, dispatchID(t, a, nil))
}

func TestActor_Dispatch_EmptyPoolFailsFast(t *testing.T) {
	a := newTestActor(t, Config{})

	start := time.Now()
	_, err := a.Dispatch(context.Background(), nil, "")
	require.ErrorIs(t, err, crederrors.ErrNoCredentialAvailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestActor_Dispatch_AllCoolingIsExhausted(t *testing.T) {
	a := newTestActor(t, Config{})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")

	err := a.ReportOutcome(context.Background(), types.Outcome{
		CredentialID: idA,
		Category:     crederrors.CategoryRateLimited,
		StatusCode:   429,
		RetryAfter:   150 * time.Millisecond,
	})
	require.NoError(t, err)

	// Exhaustion surfaces immediately instead of waiting for the wake time.
	_, err = a.Dispatch(context.Background(), nil, "")
	require.ErrorIs(t, err, crederrors.ErrNoCredentialAvailable)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, idA, dispatchID(t, a, nil))
}

func TestActor_Dispatch_NoFingerprintSkipsAffinityStore(t *testing.T) {
	store := memory.New(memory.DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })
	a := newTestActor(t, Config{Store: store})
	mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")

	for i := 0; i < 4; i++ {
		dispatchID(t, a, nil)
	}

	assert.Equal(t, 0, store.Len(context.Background()))
}

// blockingStore parks Get until released so tests can hold the actor busy.
type blockingStore struct {
	affinity.NoopStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Get(ctx context.Context, fp types.Fingerprint) (string, bool, error) {
	close(b.entered)
	<-b.release
	return "", false, nil
}

func TestActor_Dispatch_ContextCancelledWhileBusy(t *testing.T) {
	bs := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	a := newTestActor(t, Config{Store: bs})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")

	done := make(chan string, 1)
	go func() {
		done <- dispatchID(t, a, fpRef(1))
	}()
	<-bs.entered

	// The actor is occupied, so a cancelled caller gives up rather than block.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Dispatch(ctx, nil, "")
	require.ErrorIs(t, err, context.Canceled)

	close(bs.release)
	assert.Equal(t, idA, <-done)
}

func TestActor_Dispatch_ConcurrentFairness(t *testing.T) {
	a := newTestActor(t, Config{})
	idA := mustSubmit(t, a, "sk-test-aaaaaaaaaaaa")
	idB := mustSubmit(t, a, "sk-test-bbbbbbbbbbbb")
	idC := mustSubmit(t, a, "sk-test-cccccccccccc")

	const goroutines = 30
	const picksPerGoroutine = 30
	total := goroutines * picksPerGoroutine

	counts := map[string]int{}
	var mu sync.Mutex
	errCh := make(chan error, total)

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < picksPerGoroutine; i++ {
				res, err := a.Dispatch(ctx, nil, "")
				if err != nil {
					errCh <- err
					continue
				}
				mu.Lock()
				counts[res.Credential.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	expected := total / 3
	assert.Equal(t, expected, counts[idA])
	assert.Equal(t, expected, counts[idB])
	assert.Equal(t, expected, counts[idC])
}
