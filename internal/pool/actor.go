package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/credmux/internal/metrics"
	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/credential"
	"github.com/blueberrycongee/credmux/pkg/types"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("credential pool closed")

// ErrCredentialNotFound is returned by lane operations targeting an ID the
// pool does not hold.
var ErrCredentialNotFound = errors.New("credential not found")

// DefaultCooldownPeriod applies when a rate-limited upstream does not
// announce its own reset time.
const DefaultCooldownPeriod = 60 * time.Second

// Config configures the pool actor.
type Config struct {
	// Store is the affinity store consulted before rotation. Defaults to a
	// no-op store (affinity disabled).
	Store affinity.Store

	// CooldownPeriod is the fallback cooling duration.
	CooldownPeriod time.Duration

	Logger *slog.Logger

	// EventBuffer sizes the lifecycle event channel. Events are dropped,
	// never blocked on, when the consumer falls behind.
	EventBuffer int
}

// Actor owns the pool state. All operations funnel through a single
// goroutine, so each one observes every earlier operation's effects.
type Actor struct {
	ops    chan any
	events chan Event
	done   chan struct{}
	once   sync.Once

	st *state
}

// New starts the pool actor.
func New(cfg Config) *Actor {
	if cfg.Store == nil {
		cfg.Store = &affinity.NoopStore{}
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = DefaultCooldownPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	a := &Actor{
		ops:    make(chan any),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		st: &state{
			invalid:  make(map[string]struct{}),
			store:    cfg.Store,
			cooldown: cfg.CooldownPeriod,
			logger:   cfg.Logger,
			now:      time.Now,
		},
	}
	go a.run()
	return a
}

// Events exposes lifecycle notifications (submissions, cooldowns,
// invalidations, lane changes). The channel closes when the actor stops.
func (a *Actor) Events() <-chan Event {
	return a.events
}

// Close stops the actor goroutine. In-flight operations may still complete;
// subsequent operations return ErrClosed. The affinity store is not closed
// here, its owner closes it.
func (a *Actor) Close() {
	a.once.Do(func() { close(a.done) })
}

func (a *Actor) run() {
	defer close(a.events)
	for {
		select {
		case <-a.done:
			return
		case msg := <-a.ops:
			a.handle(msg)
		}
	}
}

type dispatchMsg struct {
	ctx   context.Context // request-scoped, used for affinity store calls
	fp    *types.Fingerprint
	lane  credential.LaneKey
	reply chan dispatchReply
}

type dispatchReply struct {
	result *types.DispatchResult
	err    error
}

type outcomeMsg struct {
	outcome types.Outcome
	reply   chan struct{}
}

type submitMsg struct {
	secret string
	kind   credential.Kind
	reply  chan submitReply
}

type submitReply struct {
	id    string
	added bool
}

type removeMsg struct {
	id    string
	reply chan bool
}

type listMsg struct {
	reply chan []credential.Snapshot
}

type setLaneMsg struct {
	id    string
	lane  credential.LaneKey
	state credential.LaneState
	reply chan bool
}

type resetLaneMsg struct {
	id    string
	lane  credential.LaneKey
	reply chan bool
}

type cooldownMsg struct {
	period time.Duration
	reply  chan struct{}
}

func (a *Actor) handle(msg any) {
	switch m := msg.(type) {
	case dispatchMsg:
		res, err := a.st.dispatch(m.ctx, m.fp, m.lane, a.emit)
		switch {
		case err != nil:
			metrics.DispatchTotal.WithLabelValues("exhausted").Inc()
		case res.AffinityHit:
			metrics.DispatchTotal.WithLabelValues("affinity_hit").Inc()
		default:
			metrics.DispatchTotal.WithLabelValues("rotation").Inc()
		}
		if n := a.st.store.Len(m.ctx); n >= 0 {
			metrics.AffinityEntries.Set(float64(n))
		}
		a.observeSizes()
		m.reply <- dispatchReply{result: res, err: err}

	case outcomeMsg:
		a.st.reportOutcome(m.outcome, a.emit)
		metrics.OutcomeReports.WithLabelValues(string(m.outcome.Category)).Inc()
		a.observeSizes()
		m.reply <- struct{}{}

	case submitMsg:
		id, added := a.st.submit(m.secret, m.kind, a.emit)
		a.observeSizes()
		m.reply <- submitReply{id: id, added: added}

	case removeMsg:
		found := a.st.remove(m.id, a.emit)
		a.observeSizes()
		m.reply <- found

	case listMsg:
		m.reply <- a.st.snapshot()

	case setLaneMsg:
		m.reply <- a.st.setLane(m.id, m.lane, m.state, a.emit)

	case resetLaneMsg:
		m.reply <- a.st.resetLane(m.id, m.lane, a.emit)

	case cooldownMsg:
		a.st.cooldown = m.period
		a.st.logger.Info("cooldown period updated", "period", m.period)
		m.reply <- struct{}{}
	}
}

func (a *Actor) observeSizes() {
	metrics.PoolCredentials.WithLabelValues("valid").Set(float64(len(a.st.valid)))
	metrics.PoolCredentials.WithLabelValues("cooling").Set(float64(len(a.st.cooling)))
	metrics.PoolCredentials.WithLabelValues("invalid").Set(float64(len(a.st.invalid)))
}

func (a *Actor) emit(e Event) {
	switch e.Kind {
	case EventCooled:
		metrics.CredentialCooldowns.WithLabelValues(e.CredentialID).Inc()
	case EventInvalidated:
		metrics.CredentialsInvalidated.Inc()
	case EventLaneDemoted:
		metrics.LaneDemotions.WithLabelValues(string(e.Lane)).Inc()
	case EventExhausted:
		metrics.PoolExhausted.Inc()
	}

	select {
	case a.events <- e:
	default:
		a.st.logger.Debug("lifecycle event dropped", "kind", string(e.Kind), "credential_id", e.CredentialID)
	}
}

func (a *Actor) send(ctx context.Context, msg any) error {
	// Operations started after Close always fail, even while the actor
	// goroutine is still winding down and could accept the send.
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	select {
	case a.ops <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

// Dispatch picks a credential for one upstream attempt. A nil fingerprint
// skips the affinity path entirely. Cancelling ctx abandons the wait but does
// not roll back a rotation that already happened.
func (a *Actor) Dispatch(ctx context.Context, fp *types.Fingerprint, lane credential.LaneKey) (*types.DispatchResult, error) {
	msg := dispatchMsg{ctx: ctx, fp: fp, lane: lane, reply: make(chan dispatchReply, 1)}
	if err := a.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case r := <-msg.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrClosed
	}
}

// ReportOutcome applies one failed attempt's classification to the pool.
func (a *Actor) ReportOutcome(ctx context.Context, o types.Outcome) error {
	msg := outcomeMsg{outcome: o, reply: make(chan struct{}, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	return a.await(ctx, msg.reply)
}

// Submit adds a credential and returns its derived ID. added is false when
// the secret is already pooled.
func (a *Actor) Submit(ctx context.Context, secret string, kind credential.Kind) (id string, added bool, err error) {
	msg := submitMsg{secret: secret, kind: kind, reply: make(chan submitReply, 1)}
	if err := a.send(ctx, msg); err != nil {
		return "", false, err
	}
	select {
	case r := <-msg.reply:
		return r.id, r.added, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-a.done:
		return "", false, ErrClosed
	}
}

// Remove deletes a credential by ID. Removing an unknown ID reports
// found=false without error.
func (a *Actor) Remove(ctx context.Context, id string) (found bool, err error) {
	msg := removeMsg{id: id, reply: make(chan bool, 1)}
	if err := a.send(ctx, msg); err != nil {
		return false, err
	}
	return a.awaitBool(ctx, msg.reply)
}

// List snapshots the pool: the valid queue in dispatch order, then cooling
// credentials. Secrets are redacted in the snapshots.
func (a *Actor) List(ctx context.Context) ([]credential.Snapshot, error) {
	msg := listMsg{reply: make(chan []credential.Snapshot, 1)}
	if err := a.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case snaps := <-msg.reply:
		return snaps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrClosed
	}
}

// SetLane applies an operator override for one credential's feature lane.
func (a *Actor) SetLane(ctx context.Context, id string, lane credential.LaneKey, st credential.LaneState) error {
	if !st.Valid() {
		return fmt.Errorf("invalid lane state %q", st)
	}
	msg := setLaneMsg{id: id, lane: lane, state: st, reply: make(chan bool, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	found, err := a.awaitBool(ctx, msg.reply)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	return nil
}

// ResetLane clears any demotion or override, returning the lane to probing.
func (a *Actor) ResetLane(ctx context.Context, id string, lane credential.LaneKey) error {
	msg := resetLaneMsg{id: id, lane: lane, reply: make(chan bool, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	found, err := a.awaitBool(ctx, msg.reply)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	return nil
}

// SetCooldownPeriod changes the fallback cooling duration for subsequent
// rate-limit reports. Wake times already assigned keep their deadline.
func (a *Actor) SetCooldownPeriod(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("cooldown period must be positive, got %v", d)
	}
	msg := cooldownMsg{period: d, reply: make(chan struct{}, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	return a.await(ctx, msg.reply)
}

func (a *Actor) await(ctx context.Context, reply <-chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

func (a *Actor) awaitBool(ctx context.Context, reply <-chan bool) (bool, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-a.done:
		return false, ErrClosed
	}
}
