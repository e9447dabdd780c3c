package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/richardliu001/ledger-bridge/internal/breaker"
)

// DefaultCallTimeout bounds a single Submit when the pool is built without one.
const DefaultCallTimeout = 30 * time.Second

type member struct {
	client  Client
	breaker *breaker.Breaker
	limiter *rate.Limiter
}

// Pool holds one client, one breaker and an optional pacing limiter per identity.
type Pool struct {
	settings    breaker.Settings
	callTimeout time.Duration
	clock       func() time.Time
	log         *zap.SugaredLogger
	onState     func(identity string, from, to breaker.State)

	mu      sync.RWMutex
	members map[string]*member
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithBreakerClock injects the clock used by every breaker in the pool.
func WithBreakerClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.clock = now }
}

// WithStateObserver is called on every breaker transition.
func WithStateObserver(fn func(identity string, from, to breaker.State)) PoolOption {
	return func(p *Pool) { p.onState = fn }
}

// NewPool builds an empty pool. Only transient ledger errors count as breaker
// failures; a rejection proves the peer is reachable.
func NewPool(settings breaker.Settings, callTimeout time.Duration, log *zap.SugaredLogger, opts ...PoolOption) *Pool {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	p := &Pool{
		callTimeout: callTimeout,
		log:         log,
		members:     make(map[string]*member),
	}
	for _, opt := range opts {
		opt(p)
	}
	settings.IsFailure = IsTransient
	settings.OnStateChange = func(identity string, from, to breaker.State) {
		p.log.Warnw("circuit breaker state change", "identity", identity, "from", from.String(), "to", to.String())
		if p.onState != nil {
			p.onState(identity, from, to)
		}
	}
	p.settings = settings
	return p
}

// Add registers the connection for identity. limiter may be nil.
func (p *Pool) Add(identity string, c Client, limiter *rate.Limiter) {
	var bopts []breaker.Option
	if p.clock != nil {
		bopts = append(bopts, breaker.WithClock(p.clock))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[identity] = &member{
		client:  c,
		breaker: breaker.New(identity, p.settings, bopts...),
		limiter: limiter,
	}
}

// Has reports whether identity is registered.
func (p *Pool) Has(identity string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[identity]
	return ok
}

// Identities returns the registered identities, sorted.
func (p *Pool) Identities() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.members))
	for id := range p.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Client returns the raw client of identity, bypassing the breaker. The
// projector uses it to subscribe.
func (p *Pool) Client(identity string) (Client, error) {
	m, err := p.member(identity)
	if err != nil {
		return nil, err
	}
	return m.client, nil
}

// BreakerStates returns the current breaker state per identity.
func (p *Pool) BreakerStates() map[string]breaker.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]breaker.State, len(p.members))
	for id, m := range p.members {
		out[id] = m.breaker.State()
	}
	return out
}

func (p *Pool) member(identity string) (*member, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return m, nil
}

// pace waits for the identity's limiter, at most one call timeout. A
// Submit therefore spends at most two call timeouts, see MaxSubmitDuration.
func (p *Pool) pace(ctx context.Context, m *member) error {
	if m.limiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	if err := m.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return Transient(CodeUnavailable, fmt.Errorf("rate limiter: %w", err))
		}
		return Transient(CodeTimeout, fmt.Errorf("rate limiter: %w", err))
	}
	return nil
}

// MaxSubmitDuration is the longest a Submit can take with callTimeout:
// the pacing wait plus the ledger call.
func MaxSubmitDuration(callTimeout time.Duration) time.Duration {
	return 2 * callTimeout
}

// Submit sends req under identity through pacing, the breaker and the call
// timeout. The returned error is always classified: *TransientError or
// *PermanentError, or ErrUnknownIdentity.
func (p *Pool) Submit(ctx context.Context, identity string, req SubmitRequest) (SubmitResult, error) {
	m, err := p.member(identity)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := p.pace(ctx, m); err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	err = m.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		r, err := m.client.Submit(callCtx, req)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return Transient(CodeTimeout, err)
			}
			return Classify(err)
		}
		res = r
		return nil
	})
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTrialInFlight) {
		return SubmitResult{}, Transient(CodeBreakerOpen, err)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// Close closes every client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id, m := range p.members {
		if err := m.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
