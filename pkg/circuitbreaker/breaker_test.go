package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDirectory = errors.New("connection refused")

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(st Settings) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(st)
	cb.now = clock.Now
	cb.toNewGeneration(clock.Now())
	return cb, clock
}

func fail() (string, error)    { return "", errDirectory }
func succeed() (string, error) { return "ok", nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	cb, _ := newTestBreaker(Settings{
		Name:        "ldap",
		ReadyToTrip: ConsecutiveFailures(3),
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 2; i++ {
		_, err := Execute(cb, fail)
		assert.ErrorIs(t, err, errDirectory)
	}
	assert.Equal(t, StateClosed, cb.State())

	_, err := Execute(cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), cb.Counts().ConsecutiveFailures, "success resets the streak")

	for i := 0; i < 3; i++ {
		_, _ = Execute(cb, fail)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []string{"ldap:CLOSED->OPEN"}, transitions)

	called := false
	_, err = Execute(cb, func() (string, error) {
		called = true
		return "", nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(Settings{
		Timeout:     10 * time.Second,
		MaxRequests: 1,
		ReadyToTrip: ConsecutiveFailures(1),
	})

	_, _ = Execute(cb, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	result, err := Execute(cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Settings{
		Timeout:     time.Second,
		ReadyToTrip: ConsecutiveFailures(5),
	})

	cb.ForceHalfOpen()
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := Execute(cb, fail)
	assert.ErrorIs(t, err, errDirectory)
	assert.Equal(t, StateOpen, cb.State(), "a failed trial reopens regardless of ReadyToTrip")

	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenLimitsTrialRequests(t *testing.T) {
	cb, _ := newTestBreaker(Settings{MaxRequests: 1})
	cb.ForceHalfOpen()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Execute(cb, func() (string, error) {
			close(started)
			<-release
			return "ok", nil
		})
	}()

	<-started
	_, err := Execute(cb, succeed)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	<-done
	assert.Equal(t, StateClosed, cb.State())
}

func TestIsSuccessfulIgnoresClientErrors(t *testing.T) {
	errBadFilter := errors.New("filter compile error")
	cb, _ := newTestBreaker(Settings{
		ReadyToTrip:  ConsecutiveFailures(1),
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, errBadFilter) },
	})

	_, err := Execute(cb, func() (int, error) { return 0, errBadFilter })
	assert.ErrorIs(t, err, errBadFilter)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteRecoversPanicAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(Settings{ReadyToTrip: ConsecutiveFailures(1)})

	assert.Panics(t, func() {
		_, _ = Execute(cb, func() (int, error) { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteContext(t *testing.T) {
	cb, _ := newTestBreaker(Settings{ReadyToTrip: ConsecutiveFailures(1)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ExecuteContext(ctx, cb, func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State(), "a cancelled caller does not count")
	assert.Equal(t, uint32(0), cb.Counts().Requests)

	n, err := ExecuteContext(context.Background(), cb, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestIntervalClearsCounts(t *testing.T) {
	cb, clock := newTestBreaker(Settings{
		Interval:    time.Minute,
		ReadyToTrip: ConsecutiveFailures(3),
	})

	_, _ = Execute(cb, fail)
	_, _ = Execute(cb, fail)
	assert.Equal(t, uint32(2), cb.Counts().TotalFailures)

	clock.Advance(2 * time.Minute)
	_, _ = Execute(cb, fail)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}
