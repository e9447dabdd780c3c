// Package memledger is an in-process ledger used by tests and by dev mode.
// Every Submit commits a new block on one channel synchronously; emitted
// events become visible to subscribers immediately.
package memledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
)

// Emit is an event produced by a contract invocation.
type Emit struct {
	ContractName string
	EventName    string
	Version      string
	Payload      any
}

// Contract decides the events of a submitted transaction or rejects it.
type Contract func(identity string, req ledger.SubmitRequest) ([]Emit, error)

// Call records one Submit that reached the ledger.
type Call struct {
	Identity string
	Request  ledger.SubmitRequest
}

// Ledger is the shared in-memory network. Clients are bound to identities.
type Ledger struct {
	channel  string
	contract Contract
	now      func() time.Time

	mu       sync.Mutex
	logs     map[string][]ledger.Event
	heights  map[string]uint64
	seen     map[string]ledger.SubmitResult
	failures []error
	delay    time.Duration
	calls    []Call
	txSeq    uint64
	changed  chan struct{}
	streams  map[*stream]struct{}
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithContract installs the contract used by Submit.
func WithContract(c Contract) Option { return func(l *Ledger) { l.contract = c } }

// WithChannel sets the channel Submit commits to. Default "main".
func WithChannel(ch string) Option { return func(l *Ledger) { l.channel = ch } }

// WithClock sets the block timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		channel: "main",
		now:     func() time.Time { return time.Now().UTC() },
		logs:    make(map[string][]ledger.Event),
		heights: make(map[string]uint64),
		seen:    make(map[string]ledger.SubmitResult),
		changed: make(chan struct{}),
		streams: make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Client returns a ledger.Client bound to identity.
func (l *Ledger) Client(identity string) ledger.Client {
	return &client{l: l, identity: identity}
}

// FailNext makes the next len(errs) submissions fail with errs in order.
func (l *Ledger) FailNext(errs ...error) {
	l.mu.Lock()
	l.failures = append(l.failures, errs...)
	l.mu.Unlock()
}

// SetDelay makes every Submit wait d before committing.
func (l *Ledger) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
}

// Calls returns every submission that reached the ledger, including failed ones.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Height returns the last block of channel.
func (l *Ledger) Height(channel string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heights[channel]
}

// Append commits a block with emits on channel outside of any submission and
// returns its number.
func (l *Ledger) Append(channel string, emits ...Emit) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txSeq++
	return l.commitLocked(channel, fmt.Sprintf("tx-%06d", l.txSeq), emits)
}

// Inject appends ev to channel verbatim, without checking its position.
func (l *Ledger) Inject(ev ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Channel = normalise(ev.Channel, l.channel)
	if ev.BlockNumber > l.heights[ev.Channel] {
		l.heights[ev.Channel] = ev.BlockNumber
	}
	l.logs[ev.Channel] = append(l.logs[ev.Channel], ev)
	l.broadcastLocked()
}

// BreakStreams makes every open stream fail its next Recv with err.
func (l *Ledger) BreakStreams(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.streams {
		s.broken = err
	}
	l.broadcastLocked()
}

func normalise(ch, def string) string {
	if ch == "" {
		return def
	}
	return ch
}

func (l *Ledger) commitLocked(channel, txID string, emits []Emit) (uint64, error) {
	block := l.heights[channel] + 1
	ts := l.now()
	events := make([]ledger.Event, 0, len(emits))
	for i, e := range emits {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal %s payload: %w", e.EventName, err)
		}
		events = append(events, ledger.Event{
			TxID:         txID,
			BlockNumber:  block,
			EventIndex:   uint32(i),
			Channel:      channel,
			ContractName: e.ContractName,
			EventName:    e.EventName,
			Version:      e.Version,
			Payload:      raw,
			Timestamp:    ts,
		})
	}
	l.heights[channel] = block
	l.logs[channel] = append(l.logs[channel], events...)
	l.broadcastLocked()
	return block, nil
}

func (l *Ledger) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Ledger) submit(ctx context.Context, identity string, req ledger.SubmitRequest) (ledger.SubmitResult, error) {
	l.mu.Lock()
	l.calls = append(l.calls, Call{Identity: identity, Request: req})
	delay := l.delay
	var injected error
	if len(l.failures) > 0 {
		injected = l.failures[0]
		l.failures = l.failures[1:]
	}
	l.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ledger.SubmitResult{}, ledger.Transient(ledger.CodeTimeout, ctx.Err())
		case <-t.C:
		}
	}
	if injected != nil {
		return ledger.SubmitResult{}, injected
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := req.TenantID + "/" + req.IdempotencyKey
	if req.IdempotencyKey != "" {
		if prev, ok := l.seen[key]; ok {
			return prev, nil
		}
	}
	var emits []Emit
	if l.contract != nil {
		var err error
		if emits, err = l.contract(identity, req); err != nil {
			return ledger.SubmitResult{}, err
		}
	}
	l.txSeq++
	txID := fmt.Sprintf("tx-%06d", l.txSeq)
	block, err := l.commitLocked(l.channel, txID, emits)
	if err != nil {
		return ledger.SubmitResult{}, ledger.Permanent("BAD_PAYLOAD", err.Error())
	}
	res := ledger.SubmitResult{TxID: txID, CommitBlock: &block}
	if req.IdempotencyKey != "" {
		l.seen[key] = res
	}
	return res, nil
}

type client struct {
	l        *Ledger
	identity string
}

func (c *client) Submit(ctx context.Context, req ledger.SubmitRequest) (ledger.SubmitResult, error) {
	return c.l.submit(ctx, c.identity, req)
}

func (c *client) Subscribe(_ context.Context, channel string, fromBlock uint64) (ledger.Stream, error) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	s := &stream{l: c.l, channel: normalise(channel, c.l.channel), from: fromBlock, closed: make(chan struct{})}
	c.l.streams[s] = struct{}{}
	return s, nil
}

func (c *client) Close() error { return nil }

type stream struct {
	l       *Ledger
	channel string
	from    uint64
	cursor  int
	broken  error
	closed  chan struct{}
	once    sync.Once
}

func (s *stream) Recv(ctx context.Context) (ledger.Event, error) {
	for {
		s.l.mu.Lock()
		select {
		case <-s.closed:
			s.l.mu.Unlock()
			return ledger.Event{}, ledger.ErrStreamClosed
		default:
		}
		if s.broken != nil {
			err := s.broken
			s.l.mu.Unlock()
			return ledger.Event{}, err
		}
		log := s.l.logs[s.channel]
		for s.cursor < len(log) {
			ev := log[s.cursor]
			s.cursor++
			if ev.BlockNumber >= s.from {
				s.l.mu.Unlock()
				return ev, nil
			}
		}
		wait := s.l.changed
		s.l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ledger.Event{}, ctx.Err()
		case <-s.closed:
			return ledger.Event{}, ledger.ErrStreamClosed
		case <-wait:
		}
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.l.mu.Lock()
		delete(s.l.streams, s)
		s.l.mu.Unlock()
	})
	return nil
}
