package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, s Settings) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New("peer0", s, WithClock(clock.Now)), clock
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		to   State
	}{
		{StateClosed, EventSuccess, StateClosed},
		{StateClosed, EventFailure, StateClosed},
		{StateClosed, EventTrip, StateOpen},
		{StateOpen, EventSuccess, StateOpen},
		{StateOpen, EventFailure, StateOpen},
		{StateOpen, EventCoolDownElapsed, StateHalfOpen},
		{StateHalfOpen, EventSuccess, StateClosed},
		{StateHalfOpen, EventFailure, StateOpen},
		{StateHalfOpen, EventTrip, StateOpen},
	}
	for _, c := range cases {
		assert.Equal(t, c.to, Transition(c.from, c.ev), "%s + %d", c.from, c.ev)
	}
}

func TestBreaker_OpensAfterConsecutiveFailuresAndFailsFast(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 3, CoolDown: 10 * time.Second})
	calls := 0
	failing := func(context.Context) error { calls++; return errBoom }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), failing), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), failing), ErrOpen)
	}
	assert.Equal(t, 3, calls, "open breaker must not reach the dependency")
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 3})
	fail := func(context.Context) error { return errBoom }
	ok := func(context.Context) error { return nil }

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	require.NoError(t, b.Execute(context.Background(), ok))
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	var changes []string
	b, clock := newTestBreaker(t, Settings{
		FailureThreshold: 2,
		CoolDown:         time.Minute,
		OnStateChange: func(_ string, from, to State) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	fail := func(context.Context) error { return errBoom }
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Execute(context.Background(), fail), ErrOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	calls := 0
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { calls++; return nil }))
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, CoolDown: time.Second})
	fail := func(context.Context) error { return errBoom }
	_ = b.Execute(context.Background(), fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(context.Background(), fail), ErrOpen)
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, CoolDown: time.Second})
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return nil }), ErrTrialInFlight)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ErrorRateWithinWindow(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		MinRequests:        4,
		Window:             time.Minute,
	})
	fail := func(context.Context) error { return errBoom }
	ok := func(context.Context) error { return nil }

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), ok)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State(), "below minimum volume")
	_ = b.Execute(context.Background(), ok)
	assert.Equal(t, StateClosed, b.State())
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State(), "3 of 5 failed")

	b2, clock2 := newTestBreaker(t, Settings{FailureThreshold: 100, ErrorRateThreshold: 0.5, MinRequests: 2, Window: time.Minute})
	_ = b2.Execute(context.Background(), fail)
	clock2.Advance(2 * time.Minute)
	_ = b2.Execute(context.Background(), ok)
	_ = b2.Execute(context.Background(), ok)
	assert.Equal(t, StateClosed, b2.State(), "old failures left the window")
}

func TestBreaker_IsFailureFiltersErrors(t *testing.T) {
	benign := errors.New("rejected by contract")
	b, _ := newTestBreaker(t, Settings{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, benign) },
	})
	assert.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return benign }), benign)
	assert.Equal(t, StateClosed, b.State())
}
