package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
)

// BreakerConfig tunes the circuit breaker wrapping an LLM backend.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// OpenDuration is how long the circuit stays open before a probe request
	// is allowed through.
	OpenDuration time.Duration
}

// DefaultBreakerConfig mirrors the engine's production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker wraps a Port with a consecutive-failure circuit breaker: after the
// threshold is reached calls fail fast with ErrUnavailable until the open
// window elapses, then a single probe decides whether to close again.
type Breaker struct {
	inner  Port
	config BreakerConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     breakerState
	failures  int
	openUntil time.Time
}

// NewBreaker wraps port. A zero config takes defaults.
func NewBreaker(port Port, config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = DefaultBreakerConfig().OpenDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{inner: port, config: config, logger: logger}
}

// Generate delegates to the wrapped port unless the circuit is open.
func (b *Breaker) Generate(ctx context.Context, request *Request) (*Response, error) {
	if !b.allow() {
		return nil, ErrUnavailable
	}

	response, err := b.inner.Generate(ctx, request)
	b.record(err)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if clock.Now().Before(b.openUntil) {
			return false
		}
		// Open window elapsed: allow a single probe.
		b.state = stateHalfOpen
		return true
	default: // half-open: a probe is already in flight
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != stateClosed {
			b.logger.Info("llm circuit closed")
		}
		b.state = stateClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = stateOpen
		b.openUntil = clock.Now().Add(b.config.OpenDuration)
		b.logger.Warn("llm circuit opened",
			"failures", b.failures, "until", b.openUntil)
	}
}

var _ Port = (*Breaker)(nil)
