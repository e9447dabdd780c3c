// Package breaker implements a per-dependency circuit breaker.
//
// The breaker never performs I/O itself: callers run their own operation
// through Execute and the breaker only decides whether the call may start and
// how its outcome moves the state machine. Time comes from an injectable clock
// so transitions can be driven deterministically.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without running the call while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTrialInFlight is returned in half-open state while the single trial call runs.
	ErrTrialInFlight = errors.New("circuit breaker trial call in flight")
)

// Settings configure thresholds.
type Settings struct {
	// FailureThreshold opens the breaker after this many consecutive failures.
	FailureThreshold uint32
	// ErrorRateThreshold opens the breaker when failures/requests within Window
	// reach it, once MinRequests calls were seen. 0 disables the rate rule.
	ErrorRateThreshold float64
	MinRequests        uint32
	// Window is the rolling statistics window of the closed state.
	Window time.Duration
	// CoolDown is how long the breaker stays open before allowing a trial.
	CoolDown time.Duration
	// IsFailure classifies a call result, nil means err != nil.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

// DefaultSettings opens after five consecutive failures and retries after 30s.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		MinRequests:      20,
		Window:           time.Minute,
		CoolDown:         30 * time.Second,
	}
}

// Event is an input of the state machine.
type Event int

const (
	EventSuccess Event = iota
	EventFailure
	EventTrip
	EventCoolDownElapsed
)

// Transition is the breaker's transition table. It returns the next state for
// an event; events that do not apply to a state leave it unchanged. EventTrip
// and EventFailure differ only in the closed state, where a single failure is
// counted against the thresholds instead of opening the breaker.
func Transition(s State, e Event) State {
	switch s {
	case StateClosed:
		if e == EventTrip {
			return StateOpen
		}
	case StateOpen:
		if e == EventCoolDownElapsed {
			return StateHalfOpen
		}
	case StateHalfOpen:
		switch e {
		case EventSuccess:
			return StateClosed
		case EventFailure, EventTrip:
			return StateOpen
		}
	}
	return s
}

// Counts are the statistics of the current window.
type Counts struct {
	Requests             uint32
	Failures             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Breaker guards calls to one dependency.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	state       State
	counts      Counts
	windowStart time.Time
	openedAt    time.Time
	trial       bool
	generation  uint64
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a closed breaker.
func New(name string, settings Settings, opts ...Option) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.CoolDown <= 0 {
		settings.CoolDown = 30 * time.Second
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	b := &Breaker{name: name, settings: settings, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.now()
	return b
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for an elapsed cool-down.
func (b *Breaker) State() State {
	b.mu.Lock()
	s, change := b.currentLocked(b.now())
	b.mu.Unlock()
	b.notify(change)
	return s
}

// Counts returns a copy of the window statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.after(gen, err)
	return err
}

type stateChange struct {
	from, to State
	changed  bool
}

func (b *Breaker) notify(c stateChange) {
	if c.changed && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, c.from, c.to)
	}
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	now := b.now()
	s, change := b.currentLocked(now)
	var err error
	switch s {
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.trial {
			err = ErrTrialInFlight
		} else {
			b.trial = true
		}
	case StateClosed:
		if now.Sub(b.windowStart) >= b.settings.Window {
			b.resetWindowLocked(now)
		}
	}
	if err == nil {
		b.counts.Requests++
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(change)
	return gen, err
}

func (b *Breaker) after(gen uint64, callErr error) {
	failed := b.settings.IsFailure(callErr)

	b.mu.Lock()
	now := b.now()
	var change stateChange
	if gen != b.generation {
		// The call started before the last state change; its outcome is stale.
		b.mu.Unlock()
		return
	}
	switch b.state {
	case StateHalfOpen:
		b.trial = false
		ev := EventSuccess
		if failed {
			ev = EventFailure
		}
		change = b.moveLocked(Transition(b.state, ev), now)
	case StateClosed:
		if failed {
			b.counts.Failures++
			b.counts.ConsecutiveFailures++
			b.counts.ConsecutiveSuccesses = 0
			if b.tripLocked() {
				change = b.moveLocked(Transition(b.state, EventTrip), now)
			}
		} else {
			b.counts.ConsecutiveFailures = 0
			b.counts.ConsecutiveSuccesses++
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

func (b *Breaker) tripLocked() bool {
	if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
		return true
	}
	if b.settings.ErrorRateThreshold <= 0 || b.counts.Requests < b.settings.MinRequests || b.counts.Requests == 0 {
		return false
	}
	return float64(b.counts.Failures)/float64(b.counts.Requests) >= b.settings.ErrorRateThreshold
}

func (b *Breaker) currentLocked(now time.Time) (State, stateChange) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.CoolDown {
		return StateHalfOpen, b.moveLocked(Transition(b.state, EventCoolDownElapsed), now)
	}
	return b.state, stateChange{}
}

func (b *Breaker) moveLocked(to State, now time.Time) stateChange {
	from := b.state
	if from == to {
		return stateChange{}
	}
	b.state = to
	b.generation++
	switch to {
	case StateOpen:
		b.openedAt = now
		b.trial = false
	case StateClosed:
		b.resetWindowLocked(now)
	case StateHalfOpen:
		b.trial = false
	}
	return stateChange{from: from, to: to, changed: true}
}

func (b *Breaker) resetWindowLocked(now time.Time) {
	b.counts = Counts{}
	b.windowStart = now
}
