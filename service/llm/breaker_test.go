package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrldbldr/stagegate/internal/clock"
)

type flakyPort struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *flakyPort) Generate(context.Context, *Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &Response{Content: "fine"}, nil
}

func (p *flakyPort) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *flakyPort) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func freezeClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	prev := clock.NowFunc
	current := at
	var mu sync.Mutex
	clock.NowFunc = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	t.Cleanup(func() { clock.NowFunc = prev })
	return func(at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		current = at
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	freezeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	port := &flakyPort{err: errors.New("connection refused")}
	breaker := NewBreaker(port, BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		_, err := breaker.Generate(ctx, &Request{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, 3, port.callCount())

	// Circuit open: the backend is no longer called.
	_, err := breaker.Generate(ctx, &Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, port.callCount())
}

func TestBreakerProbesAfterOpenWindow(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := freezeClock(t, start)
	port := &flakyPort{err: errors.New("connection refused")}
	breaker := NewBreaker(port, BreakerConfig{FailureThreshold: 2, OpenDuration: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, _ = breaker.Generate(ctx, &Request{})
	}
	_, err := breaker.Generate(ctx, &Request{})
	assert.ErrorIs(t, err, ErrUnavailable)

	// Backend recovered; the probe after the window closes the circuit.
	port.setErr(nil)
	advance(start.Add(2 * time.Minute))
	response, err := breaker.Generate(ctx, &Request{})
	require.NoError(t, err)
	assert.Equal(t, "fine", response.Content)

	response, err = breaker.Generate(ctx, &Request{})
	require.NoError(t, err)
	assert.NotNil(t, response)
}

func TestFailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := freezeClock(t, start)
	port := &flakyPort{err: errors.New("connection refused")}
	breaker := NewBreaker(port, BreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute}, nil)

	_, _ = breaker.Generate(ctx, &Request{})

	// Probe fails: circuit reopens for another full window.
	advance(start.Add(2 * time.Minute))
	_, err := breaker.Generate(ctx, &Request{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)

	_, err = breaker.Generate(ctx, &Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, port.callCount())
}

func TestZeroConfigTakesDefaults(t *testing.T) {
	breaker := NewBreaker(&flakyPort{}, BreakerConfig{}, nil)
	assert.Equal(t, DefaultBreakerConfig().FailureThreshold, breaker.config.FailureThreshold)
	assert.Equal(t, DefaultBreakerConfig().OpenDuration, breaker.config.OpenDuration)
}
